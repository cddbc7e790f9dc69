package debugger

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/intuitionamiga/armdbg64/internal/breakpoint"
	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/procfind"
)

// fakeKernel is a minimal in-memory kernel.Kernel double exercising the
// attach/detach/resume/suspend/interrupt/kill control flow without any
// real OS calls.
type fakeKernel struct {
	kernel.Kernel

	mu sync.Mutex

	nextPort   kernel.ThreadPort
	threads    []kernel.ThreadPort
	tids       map[kernel.ThreadPort]uint64
	general    map[kernel.ThreadPort]kernel.GeneralRegs
	debug      map[kernel.ThreadPort]kernel.DebugRegs

	suspended int
	resumed   int
	killSigs  []int
	ptraceDetachCalls int
	ptraceDetachFailsUntil int
	waitpidCalled bool
}

func newFakeKernel(nThreads int) *fakeKernel {
	fk := &fakeKernel{
		tids:    make(map[kernel.ThreadPort]uint64),
		general: make(map[kernel.ThreadPort]kernel.GeneralRegs),
		debug:   make(map[kernel.ThreadPort]kernel.DebugRegs),
	}
	for i := 0; i < nThreads; i++ {
		fk.nextPort++
		p := fk.nextPort
		fk.threads = append(fk.threads, p)
		fk.tids[p] = uint64(1000 + i)
		fk.general[p] = kernel.GeneralRegs{}
		fk.debug[p] = kernel.DebugRegs{}
	}
	return fk
}

func (fk *fakeKernel) TaskForPID(pid int) (kernel.TaskPort, error) { return kernel.TaskPort(pid), nil }
func (fk *fakeKernel) TaskSuspend(kernel.TaskPort) error           { fk.suspended++; return nil }
func (fk *fakeKernel) TaskResume(kernel.TaskPort) error            { fk.resumed++; return nil }
func (fk *fakeKernel) TaskThreads(kernel.TaskPort) ([]kernel.ThreadPort, error) {
	return fk.threads, nil
}
func (fk *fakeKernel) ThreadTID(th kernel.ThreadPort) (uint64, error) { return fk.tids[th], nil }

func (fk *fakeKernel) GetGeneralState(th kernel.ThreadPort) (kernel.GeneralRegs, error) {
	return fk.general[th], nil
}
func (fk *fakeKernel) SetGeneralState(th kernel.ThreadPort, r kernel.GeneralRegs) error {
	fk.general[th] = r
	return nil
}
func (fk *fakeKernel) GetDebugState(th kernel.ThreadPort) (kernel.DebugRegs, error) {
	return fk.debug[th], nil
}
func (fk *fakeKernel) SetDebugState(th kernel.ThreadPort, r kernel.DebugRegs) error {
	fk.debug[th] = r
	return nil
}

func (fk *fakeKernel) ReadMemory(kernel.TaskPort, uint64, int) ([]byte, error) { return nil, nil }
func (fk *fakeKernel) WriteMemory(kernel.TaskPort, uint64, []byte) error       { return nil }
func (fk *fakeKernel) ValidAddress(kernel.TaskPort, uint64) bool              { return true }

func (fk *fakeKernel) ASLRSlide(kernel.TaskPort, int) (uint64, error) { return 0x1000, nil }

func (fk *fakeKernel) InstallExceptionPort(kernel.TaskPort) (kernel.ExceptionPortInfo, error) {
	return kernel.ExceptionPortInfo{Count: 1}, nil
}
func (fk *fakeKernel) RestoreExceptionPort(kernel.TaskPort, kernel.ExceptionPortInfo) error {
	return nil
}

func (fk *fakeKernel) ReceiveException(stop <-chan struct{}) (*kernel.Request, error) {
	<-stop
	return nil, dbgerr.New("fakeKernel.ReceiveException", dbgerr.CodePrecondition, "stopped")
}
func (fk *fakeKernel) ReplyException(*kernel.Request, int32) error { return nil }

func (fk *fakeKernel) PTraceAttachExc(int) error { return nil }
func (fk *fakeKernel) PTraceDetach(int) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.ptraceDetachCalls++
	if fk.ptraceDetachCalls <= fk.ptraceDetachFailsUntil {
		return dbgerr.New("fakeKernel.PTraceDetach", dbgerr.CodeKernel, "not yet")
	}
	return nil
}
func (fk *fakeKernel) PTraceThupdate(int, kernel.ThreadPort, int) error { return nil }

func (fk *fakeKernel) Kill(pid int, signal int) error {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.killSigs = append(fk.killSigs, signal)
	return nil
}
func (fk *fakeKernel) Waitpid(int) (int, error) {
	fk.waitpidCalled = true
	return 0, nil
}

func (fk *fakeKernel) MmapSharedCache(string) ([]byte, error) {
	return nil, dbgerr.New("fakeKernel.MmapSharedCache", dbgerr.CodeKernel, "no shared cache in tests")
}
func (fk *fakeKernel) MunmapSharedCache([]byte) error { return nil }

func noopDis(uint64, int) string { return "" }

// fakeConvVars records every Set/Void call so tests can assert on the
// convenience-variable side effects spec.md §4.8 documents for Attach/
// Detach, without needing a real REPL-owned variable store.
type fakeConvVars struct {
	mu   sync.Mutex
	set  map[string]string
	void []string
}

func newFakeConvVars() *fakeConvVars {
	return &fakeConvVars{set: make(map[string]string)}
}

func (c *fakeConvVars) Set(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set[name] = value
	return nil
}

func (c *fakeConvVars) Void(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.set, name)
	c.void = append(c.void, name)
}

func newTestDebugger(fk *fakeKernel) *Debugger {
	d, _ := newTestDebuggerWithConvVars(fk)
	return d
}

func newTestDebuggerWithConvVars(fk *fakeKernel) (*Debugger, *fakeConvVars) {
	resolver := procfind.NewResolver(&fakeLister{})
	cv := newFakeConvVars()
	return New(fk, resolver, noopDis, cv), cv
}

type fakeLister struct{ procs []procfind.ProcessInfo }

func (f *fakeLister) ListProcesses() ([]procfind.ProcessInfo, error) { return f.procs, nil }

func TestAttachDetachRoundTrip(t *testing.T) {
	fk := newFakeKernel(2)
	d := newTestDebugger(fk)

	banner, err := d.Attach(AttachOptions{Target: "42"})
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if banner == "" {
		t.Fatal("Attach() returned empty banner")
	}

	dbg := d.Current()
	if dbg.PID != 42 {
		t.Fatalf("PID = %d, want 42", dbg.PID)
	}
	if dbg.Threads.Len() != 2 {
		t.Fatalf("Threads.Len() = %d, want 2", dbg.Threads.Len())
	}
	if d.Dispatcher() == nil {
		t.Fatal("Dispatcher() = nil after Attach")
	}
	if _, err := d.Attach(AttachOptions{Target: "42"}); err == nil {
		t.Fatal("second Attach() succeeded, want precondition error")
	}
	if _, err := d.Attach(AttachOptions{Target: "99", Confirm: func(string) bool { return false }}); err == nil {
		t.Fatal("Attach() with declined Confirm succeeded, want precondition error")
	}
	if dbg := d.Current(); dbg.PID != 42 {
		t.Fatalf("PID after declined reattach = %d, want still 42", dbg.PID)
	}

	if _, err := d.Detach(false); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}

	dbg = d.Current()
	if dbg.PID != -1 {
		t.Fatalf("PID after Detach = %d, want -1", dbg.PID)
	}
	if dbg.NumBreakpoints() != 0 || dbg.NumWatchpoints() != 0 {
		t.Fatalf("registries not empty after Detach: bp=%d wp=%d", dbg.NumBreakpoints(), dbg.NumWatchpoints())
	}
	if d.Dispatcher() != nil {
		t.Fatal("Dispatcher() non-nil after Detach")
	}

	if fk.ptraceDetachCalls != 1 {
		t.Fatalf("PTraceDetach called %d times, want 1", fk.ptraceDetachCalls)
	}
	wantSigs := []int{int(unix.SIGSTOP), int(unix.SIGCONT)}
	if len(fk.killSigs) != len(wantSigs) || fk.killSigs[0] != wantSigs[0] || fk.killSigs[1] != wantSigs[1] {
		t.Fatalf("Kill signals = %v, want %v", fk.killSigs, wantSigs)
	}
	if fk.resumed == 0 {
		t.Fatal("TaskResume never called during Detach")
	}
}

func TestDetachWithoutAttachIsPrecondition(t *testing.T) {
	d := newTestDebugger(newFakeKernel(1))
	if _, err := d.Detach(false); !dbgerr.IsCode(err, dbgerr.CodePrecondition) {
		t.Fatalf("Detach() without attach error = %v, want CodePrecondition", err)
	}
}

func TestResumeDeletesSteppingBreakpoints(t *testing.T) {
	fk := newFakeKernel(1)
	d := newTestDebugger(fk)

	if _, err := d.Attach(AttachOptions{Target: "7"}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	dbg := d.Current()

	if _, err := dbg.Breakpoints.InstallSoftware(0x1000, breakpoint.ThreadInfo{All: true}); err != nil {
		t.Fatalf("InstallSoftware() error = %v", err)
	}
	bps := dbg.Breakpoints.Snapshot()
	if len(bps) != 1 {
		t.Fatalf("len(Snapshot()) = %d, want 1", len(bps))
	}
	bps[0].Cond = breakpoint.CondStepping

	resumedBefore := fk.resumed
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if dbg.NumBreakpoints() != 0 {
		t.Fatalf("NumBreakpoints() after Resume = %d, want 0", dbg.NumBreakpoints())
	}
	if fk.resumed != resumedBefore+1 {
		t.Fatal("Resume() did not call TaskResume")
	}
}

func TestInterruptClearsSingleStepAndStops(t *testing.T) {
	fk := newFakeKernel(1)
	d := newTestDebugger(fk)
	if _, err := d.Attach(AttachOptions{Target: "9"}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	th := fk.threads[0]
	dbg := fk.debug[th]
	dbg.MDSCR = 1
	fk.debug[th] = dbg

	if err := d.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	if fk.debug[th].SingleStepEnabled() {
		t.Fatal("single-step still enabled after Interrupt()")
	}
	if len(fk.killSigs) != 1 || fk.killSigs[0] != int(unix.SIGSTOP) {
		t.Fatalf("Kill signals = %v, want [SIGSTOP]", fk.killSigs)
	}
}

func TestKillDetachesSendsSIGKILLAndRestoresPolicy(t *testing.T) {
	fk := newFakeKernel(1)
	d := newTestDebugger(fk)
	if _, err := d.Attach(AttachOptions{Target: "13"}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	before, _ := d.Signals().Get(int(unix.SIGKILL))

	if err := d.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	if d.Current().PID != -1 {
		t.Fatalf("PID after Kill() = %d, want -1", d.Current().PID)
	}
	if !fk.waitpidCalled {
		t.Fatal("Waitpid() never called during Kill")
	}
	found := false
	for _, s := range fk.killSigs {
		if s == int(unix.SIGKILL) {
			found = true
		}
	}
	if !found {
		t.Fatalf("Kill signals = %v, want SIGKILL present", fk.killSigs)
	}

	after, _ := d.Signals().Get(int(unix.SIGKILL))
	if after != before {
		t.Fatalf("SIGKILL policy = %+v after Kill, want restored to %+v", after, before)
	}
}

func TestDetachRetriesPTraceDetach(t *testing.T) {
	fk := newFakeKernel(1)
	fk.ptraceDetachFailsUntil = 2
	d := newTestDebugger(fk)
	if _, err := d.Attach(AttachOptions{Target: "21"}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if _, err := d.Detach(false); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if fk.ptraceDetachCalls != 3 {
		t.Fatalf("PTraceDetach called %d times, want 3", fk.ptraceDetachCalls)
	}
}

func TestDetachFromDeathSkipsSignalSequence(t *testing.T) {
	fk := newFakeKernel(1)
	d := newTestDebugger(fk)
	if _, err := d.Attach(AttachOptions{Target: "31"}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if _, err := d.Detach(true); err != nil {
		t.Fatalf("Detach(fromDeath=true) error = %v", err)
	}
	if len(fk.killSigs) != 0 {
		t.Fatalf("Kill signals = %v, want none when detaching from death", fk.killSigs)
	}
	if fk.ptraceDetachCalls != 0 {
		t.Fatalf("PTraceDetach called %d times, want 0 when detaching from death", fk.ptraceDetachCalls)
	}
}

func TestAttachReattachAcceptsConfirm(t *testing.T) {
	fk := newFakeKernel(1)
	d := newTestDebugger(fk)

	if _, err := d.Attach(AttachOptions{Target: "21"}); err != nil {
		t.Fatalf("first Attach() error = %v", err)
	}

	var prompted string
	_, err := d.Attach(AttachOptions{
		Target: "22",
		Confirm: func(prompt string) bool {
			prompted = prompt
			return true
		},
	})
	if err != nil {
		t.Fatalf("reattach Attach() error = %v", err)
	}
	if prompted == "" {
		t.Fatal("Confirm was never called")
	}
	if dbg := d.Current(); dbg.PID != 22 {
		t.Fatalf("PID after accepted reattach = %d, want 22", dbg.PID)
	}
}

func TestCancelWaitforUnblocksResolve(t *testing.T) {
	fk := newFakeKernel(1)
	d := newTestDebugger(fk)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = d.Attach(AttachOptions{Target: "nonexistent", WaitFor: true})
		close(done)
	}()

	time.Sleep(2 * time.Millisecond)
	d.CancelWaitfor()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Attach() with WaitFor did not return after CancelWaitfor")
	}
	// spec.md §8: canceling a waitfor is CMD_SUCCESS with no attachment
	// side effects, not a command failure.
	if err != nil {
		t.Fatalf("Attach() error = %v, want nil after CancelWaitfor", err)
	}
	if dbg := d.Current(); dbg.PID != -1 {
		t.Fatalf("PID after canceled waitfor = %d, want -1 (no attachment)", dbg.PID)
	}
}

func TestAttachDetachConvVars(t *testing.T) {
	fk := newFakeKernel(1)
	d, cv := newTestDebuggerWithConvVars(fk)

	if _, err := d.Attach(AttachOptions{Target: "42"}); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, ok := cv.set["$ASLR"]; !ok {
		t.Fatal("$ASLR was never set on Attach")
	}
	voidedOnAttach := map[string]bool{}
	for _, name := range cv.void {
		voidedOnAttach[name] = true
	}
	if !voidedOnAttach["$_exitcode"] || !voidedOnAttach["$_exitsignal"] {
		t.Fatalf("Attach didn't invalidate $_exitcode/$_exitsignal, void = %v", cv.void)
	}

	if _, err := d.Detach(false); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	voidedOnDetach := map[string]bool{}
	for _, name := range cv.void {
		voidedOnDetach[name] = true
	}
	for _, want := range []string{"$_", "$__", "$ASLR"} {
		if !voidedOnDetach[want] {
			t.Fatalf("Detach didn't invalidate %s, void = %v", want, cv.void)
		}
	}
	if _, ok := cv.set["$ASLR"]; ok {
		t.Fatal("$ASLR still set after Detach voided it")
	}
}
