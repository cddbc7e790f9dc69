package watchpoint

import (
	"testing"

	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/meminspect"
	"github.com/intuitionamiga/armdbg64/internal/regs"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
)

type fakeKernel struct {
	kernel.Kernel
	mem   map[uint64]byte
	debug map[kernel.ThreadPort]kernel.DebugRegs
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{mem: make(map[uint64]byte), debug: make(map[kernel.ThreadPort]kernel.DebugRegs)}
}

func (f *fakeKernel) ReadMemory(_ kernel.TaskPort, addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = f.mem[addr+uint64(i)]
	}
	return out, nil
}

func (f *fakeKernel) WriteMemory(_ kernel.TaskPort, addr uint64, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
	return nil
}

func (f *fakeKernel) GetDebugState(th kernel.ThreadPort) (kernel.DebugRegs, error) {
	return f.debug[th], nil
}

func (f *fakeKernel) SetDebugState(th kernel.ThreadPort, d kernel.DebugRegs) error {
	f.debug[th] = d
	return nil
}

func (f *fakeKernel) ThreadTID(th kernel.ThreadPort) (uint64, error) {
	return uint64(th) + 0x1000, nil
}

func setLE32(k *fakeKernel, addr uint64, v uint32) {
	k.mem[addr] = byte(v)
	k.mem[addr+1] = byte(v >> 8)
	k.mem[addr+2] = byte(v >> 16)
	k.mem[addr+3] = byte(v >> 24)
}

func newTestRegistry(k kernel.Kernel, port kernel.ThreadPort) *threadreg.Registry {
	r := threadreg.NewRegistry()
	r.UpdateThreads(k, []kernel.ThreadPort{port})
	if th, ok := r.FindByLocalID(1); ok {
		th.Regs = regs.NewCache(k, port)
	}
	return r
}

func TestInstallDeleteHardwareRoundTrip(t *testing.T) {
	k := newFakeKernel()
	setLE32(k, 0x3000, 0x000000aa)
	mem := meminspect.New(k, 1)
	reg := newTestRegistry(k, 10)

	e := NewEngine(mem, reg)
	wp, err := e.Install(0x3000, 4, AccessWrite)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if wp.HWSlot != 0 {
		t.Fatalf("HWSlot = %d, want 0", wp.HWSlot)
	}

	th, _ := reg.FindByLocalID(1)
	dbg, _ := th.Regs.GetDebugState()
	if dbg.WCR[0]&1 == 0 {
		t.Fatalf("WCR[0] enable bit not set")
	}

	if err := e.Delete(wp); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	dbg, _ = th.Regs.GetDebugState()
	if dbg.WCR[0] != 0 || dbg.WVR[0] != 0 {
		t.Fatalf("debug regs after Delete = %+v, want zeroed slot 0", dbg)
	}
	if e.Count() != 0 {
		t.Fatalf("Count() after Delete = %d, want 0", e.Count())
	}
}

func TestReportHitNarrowWidthSignedFormatting(t *testing.T) {
	k := newFakeKernel()
	setLE32(k, 0x3000, 0x000000aa)
	mem := meminspect.New(k, 1)
	reg := newTestRegistry(k, 10)

	e := NewEngine(mem, reg)
	wp, err := e.Install(0x3000, 4, AccessWrite)
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	setLE32(k, 0x3000, 0xfffffffe)
	got, err := e.ReportHit(wp)
	if err != nil {
		t.Fatalf("ReportHit() error = %v", err)
	}
	want := "Old value: 0xaa\nNew value: -0x2\n\n"
	if got != want {
		t.Fatalf("ReportHit() = %q, want %q", got, want)
	}
	if wp.HitCount != 1 {
		t.Fatalf("HitCount = %d, want 1", wp.HitCount)
	}
}

func TestFormatDiffAllWidths(t *testing.T) {
	cases := []struct {
		width       int
		old, newVal uint64
		want        string
	}{
		{1, 0x7f, 0x80, "Old value: 0x7f\nNew value: -0x80\n\n"},
		{2, 0x00ff, 0xff00, "Old value: 0xff\nNew value: -0x100\n\n"},
		{4, 0x000000aa, 0xfffffffe, "Old value: 0xaa\nNew value: -0x2\n\n"},
		{8, 0x0000000000000001, 0xffffffffffffffff, "Old value: 0x1\nNew value: -0x1\n\n"},
	}

	for _, c := range cases {
		old := make([]byte, c.width)
		neu := make([]byte, c.width)
		for i := 0; i < c.width; i++ {
			old[i] = byte(c.old >> (8 * i))
			neu[i] = byte(c.newVal >> (8 * i))
		}
		got := FormatDiff(old, neu, c.width)
		if got != c.want {
			t.Fatalf("FormatDiff(width=%d) = %q, want %q", c.width, got, c.want)
		}
	}
}
