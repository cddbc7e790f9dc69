// Package procfind implements spec.md §4.8's attach/waitfor target
// resolution: turning a numeric PID or a program name into a live PID,
// with an optional poll-until-launched mode.
//
// Grounded on original_source/source/cmd/misccmd.c's parse_pid (numeric
// fast-path, otherwise pid_of_program) and its --waitfor loop (~400µs
// poll cadence, cancelable via the global KEEP_CHECKING_FOR_PROCESS flag
// — modeled here as a close-to-cancel channel instead of a package
// global).
package procfind

import (
	"errors"
	"strconv"
	"time"

	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
)

// PollInterval is the cadence waitfor polls process enumeration at,
// matching the original's usleep(400).
const PollInterval = 400 * time.Microsecond

// ErrCanceled is returned by WaitFor when cancel fires before the target
// process appears. It is a plain sentinel (not a *dbgerr.Error) so callers
// can distinguish it from an ordinary precondition failure via errors.Is
// even after it has been wrapped by dbgerr.Wrap — spec.md §8 requires
// canceling a waitfor to be a no-op, not a command failure, and that
// distinction has to survive wrapping to reach the caller.
var ErrCanceled = errors.New("canceled while waiting for process to launch")

// ProcessInfo is one running process as reported by process enumeration.
type ProcessInfo struct {
	PID  int
	Name string
}

// ProcessLister enumerates currently running processes. Implemented by
// lister_darwin.go via the kern.proc.all sysctl; lister_unsupported.go
// stubs it out everywhere else.
type ProcessLister interface {
	ListProcesses() ([]ProcessInfo, error)
}

// Resolver turns a target specifier into a PID.
type Resolver struct {
	lister ProcessLister
}

// NewResolver returns a resolver backed by lister.
func NewResolver(lister ProcessLister) *Resolver {
	return &Resolver{lister: lister}
}

// parsePID mirrors parse_pid: numeric specifiers parse directly,
// everything else resolves by program name.
func (r *Resolver) parsePID(spec string) (int, error) {
	if pid, err := strconv.Atoi(spec); err == nil {
		return pid, nil
	}
	return r.byName(spec)
}

func (r *Resolver) byName(name string) (int, error) {
	procs, err := r.lister.ListProcesses()
	if err != nil {
		return -1, dbgerr.Wrap("procfind.byName", err)
	}
	for _, p := range procs {
		if p.Name == name {
			return p.PID, nil
		}
	}
	return -1, dbgerr.Newf("procfind.byName", dbgerr.CodePrecondition, "no process named %q", name)
}

// Resolve resolves spec to a PID immediately. A numeric spec is returned
// as-is without checking that such a process exists; a name fails if no
// currently running process has it.
func (r *Resolver) Resolve(spec string) (int, error) {
	return r.parsePID(spec)
}

// NameForPID looks up the program name of a running pid, for attach
// banners when the user specified a numeric target. The second return
// value is false if pid isn't currently listed.
func (r *Resolver) NameForPID(pid int) (string, bool) {
	procs, err := r.lister.ListProcesses()
	if err != nil {
		return "", false
	}
	for _, p := range procs {
		if p.PID == pid {
			return p.Name, true
		}
	}
	return "", false
}

// WaitFor polls resolution at PollInterval until it succeeds or cancel is
// closed, in which case it returns ErrCanceled — the Go equivalent of the
// original's KEEP_CHECKING_FOR_PROCESS flag being cleared by a Ctrl+C
// handler.
func (r *Resolver) WaitFor(cancel <-chan struct{}, spec string) (int, error) {
	if pid, err := r.parsePID(spec); err == nil {
		return pid, nil
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return -1, ErrCanceled
		case <-ticker.C:
			if pid, err := r.parsePID(spec); err == nil {
				return pid, nil
			}
		}
	}
}
