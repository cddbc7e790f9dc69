package breakpoint

import (
	"testing"

	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/meminspect"
	"github.com/intuitionamiga/armdbg64/internal/regs"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
)

// fakeKernel is an in-memory double for kernel.Kernel covering just the
// methods the breakpoint engine exercises: memory I/O and the debug
// register bank, keyed per thread.
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

func newTestThread(k kernel.Kernel, port kernel.ThreadPort, id int) *threadreg.MachThread {
	return &threadreg.MachThread{ID: id, Port: port, TID: uint64(port) + 0x1000, Regs: regs.NewCache(k, port)}
}

func TestInstallDeleteSoftwareRoundTrip(t *testing.T) {
	k := newFakeKernel()
	const loc = 0x1000
	original := []byte{0x11, 0x22, 0x33, 0x44}
	for i, b := range original {
		k.mem[loc+uint64(i)] = b
	}

	mem := meminspect.New(k, 1)
	e := NewEngine(mem, threadreg.NewRegistry())

	bp, err := e.InstallSoftware(loc, ThreadInfo{All: true})
	if err != nil {
		t.Fatalf("InstallSoftware() error = %v", err)
	}
	patched, _ := mem.Read(loc, 4)
	if string(patched) != string(TrapInstruction[:]) {
		t.Fatalf("memory after install = %x, want trap instruction %x", patched, TrapInstruction)
	}
	if e.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", e.Count())
	}

	if err := e.Delete(bp); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	restored, _ := mem.Read(loc, 4)
	for i := range original {
		if restored[i] != original[i] {
			t.Fatalf("restored bytes = %x, want %x", restored, original)
		}
	}
	if e.Count() != 0 {
		t.Fatalf("Count() after Delete = %d, want 0", e.Count())
	}
}

func TestDisableEnableSoftwareByteState(t *testing.T) {
	k := newFakeKernel()
	const loc = 0x2000
	k.mem[loc] = 0xaa
	k.mem[loc+1] = 0xbb
	k.mem[loc+2] = 0xcc
	k.mem[loc+3] = 0xdd

	mem := meminspect.New(k, 1)
	e := NewEngine(mem, threadreg.NewRegistry())

	bp, err := e.InstallSoftware(loc, ThreadInfo{All: true})
	if err != nil {
		t.Fatalf("InstallSoftware() error = %v", err)
	}

	if err := e.Disable(bp); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	got, _ := mem.Read(loc, 4)
	want := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("memory while disabled = %x, want original %x", got, want)
		}
	}
	if bp.Enabled {
		t.Fatalf("bp.Enabled = true after Disable()")
	}

	if err := e.Enable(bp); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	got, _ = mem.Read(loc, 4)
	if string(got) != string(TrapInstruction[:]) {
		t.Fatalf("memory after re-enable = %x, want trap %x", got, TrapInstruction)
	}
	if !bp.Enabled {
		t.Fatalf("bp.Enabled = false after Enable()")
	}
}

func TestInstallHardwareAllocatesFreeSlot(t *testing.T) {
	k := newFakeKernel()
	mem := meminspect.New(k, 1)
	reg := threadreg.NewRegistry()
	th := newTestThread(k, 10, 1)
	reg.UpdateThreads(k, []kernel.ThreadPort{10})
	if found, ok := reg.FindByLocalID(1); ok {
		found.Regs = th.Regs
	}

	e := NewEngine(mem, reg)
	bp, err := e.InstallHardware(0x4000, ThreadInfo{LocalID: 1})
	if err != nil {
		t.Fatalf("InstallHardware() error = %v", err)
	}
	if bp.HWSlot != 0 {
		t.Fatalf("HWSlot = %d, want 0 (first free slot)", bp.HWSlot)
	}
	dbg, _ := th.Regs.GetDebugState()
	if dbg.BCR[0]&1 == 0 {
		t.Fatalf("BCR[0] enable bit not set after InstallHardware")
	}
	if dbg.BVR[0] != 0x4000 {
		t.Fatalf("BVR[0] = %#x, want 0x4000", dbg.BVR[0])
	}

	if err := e.Delete(bp); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	dbg, _ = th.Regs.GetDebugState()
	if dbg.BCR[0] != 0 || dbg.BVR[0] != 0 {
		t.Fatalf("debug regs after Delete = %+v, want zeroed slot 0", dbg)
	}
}

func TestDisableAllSpecificOnlyTouchesMatchingCond(t *testing.T) {
	k := newFakeKernel()
	const a, b = 0x5000, 0x5010
	for _, loc := range []uint64{a, b} {
		for i := 0; i < 4; i++ {
			k.mem[loc+uint64(i)] = 0xff
		}
	}
	mem := meminspect.New(k, 1)
	e := NewEngine(mem, threadreg.NewRegistry())

	normal, _ := e.InstallSoftware(a, ThreadInfo{All: true})
	stepping, _ := e.InstallSoftware(b, ThreadInfo{All: true})
	stepping.Cond = CondStepping

	if err := e.DisableAllSpecific(CondStepping); err != nil {
		t.Fatalf("DisableAllSpecific() error = %v", err)
	}
	if normal.Enabled != true {
		t.Fatalf("normal breakpoint disabled by DisableAllSpecific(CondStepping)")
	}
	if stepping.Enabled != false {
		t.Fatalf("stepping breakpoint still enabled after DisableAllSpecific(CondStepping)")
	}
}

func TestRebindAfterThreadUpdateMovesSlotToCorrectThread(t *testing.T) {
	k := newFakeKernel()
	mem := meminspect.New(k, 1)
	reg := threadreg.NewRegistry()
	reg.UpdateThreads(k, []kernel.ThreadPort{10})
	orig, _ := reg.FindByLocalID(1)
	orig.Regs = regs.NewCache(k, 10)

	e := NewEngine(mem, reg)
	bp, err := e.InstallHardware(0x6000, ThreadInfo{LocalID: 1, TID: orig.TID})
	if err != nil {
		t.Fatalf("InstallHardware() error = %v", err)
	}

	// Simulate a reattach-style registry reset: local IDs start over from
	// 1, a different port now claims local ID 1, and the thread the
	// breakpoint was actually bound to (by kernel tid) resurfaces under
	// local ID 2.
	reg.ResetLocalIDs()
	reg.UpdateThreads(k, []kernel.ThreadPort{99, 10})
	newHolder, _ := reg.FindByLocalID(1)
	newHolder.Regs = regs.NewCache(k, newHolder.Port)
	survivor, _ := reg.FindByTID(orig.TID)
	survivor.Regs = regs.NewCache(k, survivor.Port)

	msgs := e.RebindAfterThreadUpdate()
	if len(msgs) != 1 {
		t.Fatalf("RebindAfterThreadUpdate() returned %d messages, want 1: %v", len(msgs), msgs)
	}
	if bp.Thread.LocalID != survivor.ID {
		t.Fatalf("bp.Thread.LocalID = %d, want %d (the thread that kept the original tid)", bp.Thread.LocalID, survivor.ID)
	}
	dbg, _ := survivor.Regs.GetDebugState()
	if dbg.BCR[bp.HWSlot] != bp.BCR || dbg.BVR[bp.HWSlot] != bp.BVR {
		t.Fatalf("survivor thread's debug regs = %+v, want breakpoint's BCR/BVR reinstated", dbg)
	}
}
