package debugger

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/intuitionamiga/armdbg64/internal/breakpoint"
	"github.com/intuitionamiga/armdbg64/internal/containers"
	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"github.com/intuitionamiga/armdbg64/internal/dbgio"
	"github.com/intuitionamiga/armdbg64/internal/exception"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/meminspect"
	"github.com/intuitionamiga/armdbg64/internal/procfind"
	"github.com/intuitionamiga/armdbg64/internal/regs"
	"github.com/intuitionamiga/armdbg64/internal/sigpolicy"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
	"github.com/intuitionamiga/armdbg64/internal/watchpoint"
)

// detachRetryInterval is the ptrace-detach retry cadence, matching the
// original's busy-poll between a failed PT_DETACH and the next attempt.
const detachRetryInterval = 500 * time.Microsecond

const detachRetryLimit = 40

// ConvVars is the convenience-variable store collaborator (spec.md §6's
// set_convvar/void_convvar). The REPL owns the actual variable table and
// its `$name` syntax; this core only calls through this interface at the
// attach/detach points spec.md §4.8 documents ($ASLR, $_exitcode,
// $_exitsignal on attach; $_, $__, $ASLR on detach).
type ConvVars interface {
	Set(name, value string) error
	Void(name string)
}

// AttachOptions parameterizes Attach: Target is a PID or a program name
// (resolved per spec.md §4.8/procfind), WaitFor polls until the target
// launches, NoSigs skips the PT_ATTACHEXC step, and Cancel aborts a
// pending WaitFor (in addition to Debugger.CancelWaitfor, so a caller can
// use either its own channel or the Debugger's built-in one).
//
// Confirm, when non-nil, is consulted instead of failing outright if
// Attach is called while already attached to another process ("Detach
// from X and reattach to Y?" in the original's cmdfunc_attach). The REPL
// owns the actual y/n prompt; this core only calls the hook with the
// prompt text and acts on the bool it returns.
type AttachOptions struct {
	Target  string
	WaitFor bool
	NoSigs  bool
	Cancel  <-chan struct{}
	Confirm func(prompt string) bool
}

// Debugger owns the single current Debuggee and every operation that
// changes its attachment state (spec.md §4.8): Attach, Detach, Resume,
// Suspend, Interrupt, Kill.
type Debugger struct {
	k        kernel.Kernel
	sig      *sigpolicy.Table
	resolver *procfind.Resolver
	dis      exception.Disassembler
	conv     ConvVars

	mu         sync.Mutex
	dbg        *Debuggee
	listener   *exception.Listener
	dispatcher *exception.Dispatcher
	listenerWG *errgroup.Group
	waitCancel chan struct{}
}

// New returns a detached Debugger wired against k, target resolution via
// resolver, dis as the disassembler collaborator (spec.md §1/§2), and cv
// as the convenience-variable store collaborator (spec.md §6). cv may be
// nil, in which case Attach/Detach simply skip the convvar calls.
func New(k kernel.Kernel, resolver *procfind.Resolver, dis exception.Disassembler, cv ConvVars) *Debugger {
	return &Debugger{k: k, sig: sigpolicy.NewTable(), resolver: resolver, dis: dis, conv: cv, dbg: detached()}
}

// Signals returns the signal policy table, so callers can inspect or edit
// it (spec.md §4.9) independent of attachment state.
func (d *Debugger) Signals() *sigpolicy.Table { return d.sig }

// Current returns the current debuggee record. Safe to call while
// detached: PID is -1 and every registry is empty.
func (d *Debugger) Current() *Debuggee {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dbg
}

// Dispatcher returns the dispatcher for the current attachment, or nil
// while detached.
func (d *Debugger) Dispatcher() *exception.Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatcher
}

func (d *Debugger) attached() bool { return d.dbg.PID != -1 }

// CancelWaitfor aborts a WaitFor poll started by a concurrent Attach call,
// the Go equivalent of the original's KEEP_CHECKING_FOR_PROCESS atomic
// bool. A no-op if no WaitFor is currently in flight.
func (d *Debugger) CancelWaitfor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.waitCancel != nil {
		close(d.waitCancel)
		d.waitCancel = nil
	}
}

// Attach resolves opts.Target to a PID, acquires its task port, suspends
// it, builds fresh breakpoint/watchpoint/thread registries, installs the
// exception port, builds the dispatcher, and starts the listener
// goroutine. It sets
// $ASLR and invalidates $_exitcode/$_exitsignal via ConvVars, and returns
// the attach banner text for the caller to display.
func (d *Debugger) Attach(opts AttachOptions) (string, error) {
	d.mu.Lock()
	if d.attached() {
		if opts.Confirm == nil || !opts.Confirm(fmt.Sprintf("Detach from %s (pid: %d) and reattach to %s?", d.dbg.Name, d.dbg.PID, opts.Target)) {
			d.mu.Unlock()
			return "", dbgerr.New("debugger.Attach", dbgerr.CodePrecondition, "already attached to a process")
		}
		d.mu.Unlock()
		if _, err := d.Detach(false); err != nil {
			return "", dbgerr.Wrap("debugger.Attach", err)
		}
		d.mu.Lock()
	}

	waitCancel := make(chan struct{})
	d.waitCancel = waitCancel
	d.mu.Unlock()

	cancel := mergeCancel(waitCancel, opts.Cancel)

	var pid int
	var err error
	if opts.WaitFor {
		pid, err = d.resolver.WaitFor(cancel, opts.Target)
	} else {
		pid, err = d.resolver.Resolve(opts.Target)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitCancel = nil

	if errors.Is(err, procfind.ErrCanceled) {
		// spec.md §8: canceling a waitfor is a no-op, not a failure — no
		// attachment side effects, no error to report.
		return "", nil
	}
	if err != nil {
		return "", dbgerr.Wrap("debugger.Attach", err)
	}
	if d.attached() {
		return "", dbgerr.New("debugger.Attach", dbgerr.CodePrecondition, "already attached to a process")
	}

	task, err := d.k.TaskForPID(pid)
	if err != nil {
		return "", dbgerr.Newf("debugger.Attach", dbgerr.CodeKernel,
			"couldn't acquire task port for pid %d (check com.apple.security.cs.debugger / codesign entitlements): %v", pid, err)
	}

	if err := d.k.TaskSuspend(task); err != nil {
		return "", dbgerr.Wrap("debugger.Attach", err)
	}

	var banner dbgio.Buffer

	slide, slideErr := d.k.ASLRSlide(task, pid)
	if slideErr != nil {
		banner.Concat("warning: couldn't determine ASLR slide: %v\n", slideErr)
	}

	name := d.programName(opts.Target, pid)

	mem := meminspect.New(d.k, task)
	threads := threadreg.NewRegistry()
	bpEngine := breakpoint.NewEngine(mem, threads)
	wpEngine := watchpoint.NewEngine(mem, threads)
	excQueue := containers.NewQueue[*kernel.Request]()

	ports, err := d.k.TaskThreads(task)
	if err != nil {
		return "", dbgerr.Wrap("debugger.Attach", err)
	}
	if err := threads.UpdateThreads(d.k, ports); err != nil {
		return "", dbgerr.Wrap("debugger.Attach", err)
	}
	for _, t := range threads.Snapshot() {
		if t.Regs == nil {
			t.Regs = regs.NewCache(d.k, t.Port)
		}
	}
	if focused := threads.GetFocused(); focused != nil {
		_, _ = focused.Regs.GetGeneralState()
	}

	savedPorts, err := d.k.InstallExceptionPort(task)
	if err != nil {
		return "", dbgerr.Wrap("debugger.Attach", err)
	}

	newDbg := &Debuggee{
		PID:          pid,
		Task:         task,
		ASLRSlide:    slide,
		Name:         name,
		NoSigs:       opts.NoSigs,
		SavedExcPort: savedPorts,
		Breakpoints:  bpEngine,
		Watchpoints:  wpEngine,
		Threads:      threads,
		ExcRequests:  excQueue,
	}

	d.dispatcher = exception.NewDispatcher(d.k, pid, bpEngine, wpEngine, threads, d.sig, d.dis)
	d.listener = exception.NewListener(d.k, excQueue)
	d.dbg = newDbg

	var eg errgroup.Group
	d.listenerWG = &eg
	eg.Go(func() error {
		d.listener.Run()
		return nil
	})

	banner.Concat("Attached to %s (pid: %d), slide: %#x\n", name, pid, slide)

	if d.conv != nil {
		d.conv.Void("$_exitcode")
		d.conv.Void("$_exitsignal")
		if err := d.conv.Set("$ASLR", fmt.Sprintf("%#x", slide)); err != nil {
			banner.Concat("warning: %v\n", err)
		}
	}

	if !opts.NoSigs {
		if err := d.k.PTraceAttachExc(pid); err != nil {
			banner.Concat("warning: couldn't request exception delivery for signals: %v\n", err)
		}
	}

	if data, err := d.k.MmapSharedCache(SharedCachePath); err == nil {
		newDbg.SharedCache = data
	} else {
		banner.Concat("warning: couldn't map shared cache: %v\n", err)
	}

	return banner.String(), nil
}

// mergeCancel returns a channel that closes when either a or b closes (b
// may be nil, meaning the caller passed no cancel channel of its own).
func mergeCancel(a chan struct{}, b <-chan struct{}) <-chan struct{} {
	if b == nil {
		return a
	}
	merged := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(merged)
	}()
	return merged
}

// programName resolves a display name for the attached process: if spec
// was a numeric PID, look the name up via the resolver's lister; if spec
// was already a name, use it directly.
func (d *Debugger) programName(spec string, pid int) string {
	if _, err := strconv.Atoi(spec); err != nil {
		return spec
	}
	if name, ok := d.resolver.NameForPID(pid); ok {
		return name
	}
	return spec
}

// Detach tears down the current attachment: suspends the task, deletes
// every breakpoint/watchpoint, clears single-stepping, drains the
// exception backlog with successful replies, stops the listener, and
// restores the task's original exception ports. Unless fromDeath (the
// inferior already exited on its own), it also stops the process,
// issues PT_DETACH (retried on failure), and resumes it with SIGCONT
// before letting it run free. On return the debuggee is reset to the
// detached zero value and $_/$__/$ASLR are invalidated via ConvVars.
func (d *Debugger) Detach(fromDeath bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.attached() {
		return "", dbgerr.New("debugger.Detach", dbgerr.CodePrecondition, "not attached to a process")
	}

	dbg := d.dbg
	var out dbgio.Buffer

	_ = d.k.TaskSuspend(dbg.Task)

	for _, bp := range dbg.Breakpoints.Snapshot() {
		_ = dbg.Breakpoints.Delete(bp)
	}
	for _, wp := range dbg.Watchpoints.Snapshot() {
		_ = dbg.Watchpoints.Delete(wp)
	}
	for _, th := range dbg.Threads.Snapshot() {
		_ = th.Regs.DisableSingleStep()
	}

	for {
		req, ok := dbg.ExcRequests.Dequeue()
		if !ok {
			break
		}
		_ = d.k.ReplyException(req, 0)
	}
	dbg.ExcRequests.Free()

	if d.listener != nil {
		d.listener.Stop()
	}
	if d.listenerWG != nil {
		_ = d.listenerWG.Wait()
	}

	if err := d.k.RestoreExceptionPort(dbg.Task, dbg.SavedExcPort); err != nil {
		out.Concat("warning: couldn't restore exception ports: %v\n", err)
	}

	if dbg.SharedCache != nil {
		_ = d.k.MunmapSharedCache(dbg.SharedCache)
	}

	if !fromDeath {
		_ = d.k.Kill(dbg.PID, int(unix.SIGSTOP))

		var detachErr error
		for i := 0; i < detachRetryLimit; i++ {
			if detachErr = d.k.PTraceDetach(dbg.PID); detachErr == nil {
				break
			}
			time.Sleep(detachRetryInterval)
		}
		if detachErr != nil {
			out.Concat("warning: PT_DETACH kept failing, giving up: %v\n", detachErr)
		}

		_ = d.k.Kill(dbg.PID, int(unix.SIGCONT))
	}

	task := dbg.Task

	d.dbg = detached()
	d.listener = nil
	d.dispatcher = nil
	d.listenerWG = nil

	if d.conv != nil {
		d.conv.Void("$_")
		d.conv.Void("$__")
		d.conv.Void("$ASLR")
	}

	_ = d.k.TaskResume(task)

	return out.String(), nil
}

// Resume deletes every temporary STEPPING-condition breakpoint and then
// resumes the task.
func (d *Debugger) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached() {
		return dbgerr.New("debugger.Resume", dbgerr.CodePrecondition, "not attached to a process")
	}
	for _, bp := range d.dbg.Breakpoints.Snapshot() {
		if bp.Cond == breakpoint.CondStepping {
			_ = d.dbg.Breakpoints.Delete(bp)
		}
	}
	return d.k.TaskResume(d.dbg.Task)
}

// Suspend suspends the task.
func (d *Debugger) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached() {
		return dbgerr.New("debugger.Suspend", dbgerr.CodePrecondition, "not attached to a process")
	}
	return d.k.TaskSuspend(d.dbg.Task)
}

// Interrupt clears single-stepping on every thread and sends SIGSTOP,
// the Go equivalent of the original's Ctrl+C break handler.
func (d *Debugger) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached() {
		return dbgerr.New("debugger.Interrupt", dbgerr.CodePrecondition, "not attached to a process")
	}
	for _, th := range d.dbg.Threads.Snapshot() {
		_ = th.Regs.DisableSingleStep()
	}
	return d.k.Kill(d.dbg.PID, int(unix.SIGSTOP))
}

// Kill terminates the debuggee unconditionally: the caller is responsible
// for confirming with the user first (an external collaborator concern,
// spec.md §2). It temporarily forces the SIGKILL policy to
// (notify=false, pass=true, stop=false) so the detach/kill sequence below
// can't be intercepted by the dispatcher, detaches, sends SIGKILL, waits
// for the kernel to reap the process, and restores the prior policy.
func (d *Debugger) Kill() error {
	d.mu.Lock()
	if !d.attached() {
		d.mu.Unlock()
		return dbgerr.New("debugger.Kill", dbgerr.CodePrecondition, "not attached to a process")
	}
	pid := d.dbg.PID
	d.mu.Unlock()

	killSig := int(unix.SIGKILL)
	_ = d.sig.SetAndSaveForRestore(killSig, sigpolicy.Triad{Notify: false, Pass: true, Stop: false})
	defer func() { _ = d.sig.Restore(killSig) }()

	if _, err := d.Detach(false); err != nil {
		return dbgerr.Wrap("debugger.Kill", err)
	}
	if err := d.k.Kill(pid, killSig); err != nil {
		return dbgerr.Wrap("debugger.Kill", err)
	}
	if _, err := d.k.Waitpid(pid); err != nil {
		return dbgerr.Wrap("debugger.Kill", err)
	}
	return nil
}
