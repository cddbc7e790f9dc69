// Package sigpolicy implements the per-signal (notify, pass, stop) triad
// table of spec.md §4.9, used by the exception dispatcher for soft signals
// and by Kill for its temporary signal-policy mutation.
package sigpolicy

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// NSIG bounds the table the way the BSD NSIG constant does in the
// original (signals are numbered [1, NSIG-1]).
const NSIG = 32

// Triad is a per-signal policy: whether to notify the user, pass the
// signal through unmodified, or stop the inferior on delivery.
type Triad struct {
	Notify bool
	Pass   bool
	Stop   bool
}

// Table is the signal policy table, indexed by signal number.
type Table struct {
	mu       sync.Mutex
	triads   [NSIG]Triad
	saved    [NSIG]*Triad // non-nil while a restore point is pending (used by Kill)
}

// NewTable returns a table with the implementation-defined defaults: every
// signal notifies and stops except SIGWINCH, SIGCHLD and the continue
// signals, which the original debugger leaves silent so routine process
// bookkeeping doesn't spam the console.
func NewTable() *Table {
	t := &Table{}
	for i := 1; i < NSIG; i++ {
		t.triads[i] = Triad{Notify: true, Pass: true, Stop: true}
	}
	for _, quiet := range []int{int(unix.SIGWINCH), int(unix.SIGCHLD), int(unix.SIGCONT)} {
		if quiet > 0 && quiet < NSIG {
			t.triads[quiet] = Triad{Notify: false, Pass: true, Stop: false}
		}
	}
	return t
}

func (t *Table) checkRange(sig int) error {
	if sig <= 0 || sig >= NSIG {
		return fmt.Errorf("sigpolicy: signal %d out of range [1, %d]", sig, NSIG-1)
	}
	return nil
}

// Get returns the triad for sig.
func (t *Table) Get(sig int) (Triad, error) {
	if err := t.checkRange(sig); err != nil {
		return Triad{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triads[sig], nil
}

// Set installs triad for sig.
func (t *Table) Set(sig int, triad Triad) error {
	if err := t.checkRange(sig); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.triads[sig] = triad
	return nil
}

// SetAndSaveForRestore installs triad for sig, remembering the previous
// triad so a later Restore(sig) can put it back exactly. Used by Kill to
// temporarily force (notify=false, pass=true, stop=false) on SIGKILL.
func (t *Table) SetAndSaveForRestore(sig int, triad Triad) error {
	if err := t.checkRange(sig); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.triads[sig]
	t.saved[sig] = &prev
	t.triads[sig] = triad
	return nil
}

// Restore puts back the triad saved by the most recent
// SetAndSaveForRestore(sig) call. It is a no-op if there was none pending.
func (t *Table) Restore(sig int) error {
	if err := t.checkRange(sig); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.saved[sig] == nil {
		return nil
	}
	t.triads[sig] = *t.saved[sig]
	t.saved[sig] = nil
	return nil
}

// signalNames maps a small set of common signal numbers to their SIG*
// name; numbers outside that set format as SIG<n>. This stands in for the
// original's sys_signame table lookup (ops_printsiginfo in dbgops.c).
var signalNames = map[int]string{
	int(unix.SIGHUP): "HUP", int(unix.SIGINT): "INT", int(unix.SIGQUIT): "QUIT",
	int(unix.SIGILL): "ILL", int(unix.SIGTRAP): "TRAP", int(unix.SIGABRT): "ABRT",
	int(unix.SIGFPE): "FPE", int(unix.SIGKILL): "KILL", int(unix.SIGBUS): "BUS",
	int(unix.SIGSEGV): "SEGV", int(unix.SIGSYS): "SYS", int(unix.SIGPIPE): "PIPE",
	int(unix.SIGALRM): "ALRM", int(unix.SIGTERM): "TERM", int(unix.SIGURG): "URG",
	int(unix.SIGSTOP): "STOP", int(unix.SIGTSTP): "TSTP", int(unix.SIGCONT): "CONT",
	int(unix.SIGCHLD): "CHLD", int(unix.SIGTTIN): "TTIN", int(unix.SIGTTOU): "TTOU",
	int(unix.SIGIO): "IO", int(unix.SIGXCPU): "XCPU", int(unix.SIGXFSZ): "XFSZ",
	int(unix.SIGVTALRM): "VTALRM", int(unix.SIGPROF): "PROF", int(unix.SIGWINCH): "WINCH",
	int(unix.SIGUSR1): "USR1", int(unix.SIGUSR2): "USR2",
}

// SignalName returns "SIG<NAME>" (upper-cased, matching ops_printsiginfo's
// toupper loop), falling back to "SIG<n>" for unnamed signals.
func SignalName(sig int) string {
	if name, ok := signalNames[sig]; ok {
		return "SIG" + name
	}
	return fmt.Sprintf("SIG%d", sig)
}

// Format renders the NAME/PASS/STOP/NOTIFY table ops_printsiginfo prints
// in dbgops.c — a supplemented feature per SPEC_FULL.md.
func (t *Table) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-11s %-5s %-5s %-6s\n", "NAME", "PASS", "STOP", "NOTIFY")
	sb.WriteString("=========== ===== ===== ======\n")

	t.mu.Lock()
	defer t.mu.Unlock()
	for sig := 1; sig < NSIG; sig++ {
		triad := t.triads[sig]
		fmt.Fprintf(&sb, "%-11s %-5s %-5s %-6s\n",
			SignalName(sig), boolStr(triad.Pass), boolStr(triad.Stop), boolStr(triad.Notify))
	}
	return sb.String()
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
