// Package debugger implements spec.md §4.8: the debuggee aggregate
// record and the attach/detach/resume/suspend/interrupt/kill operations
// of the inferior control plane, wiring together every other internal
// package.
package debugger

import (
	"github.com/intuitionamiga/armdbg64/internal/breakpoint"
	"github.com/intuitionamiga/armdbg64/internal/containers"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
	"github.com/intuitionamiga/armdbg64/internal/watchpoint"
)

// SharedCachePath is the dyld shared cache file the core maps read-only,
// best-effort, on attach (spec.md §6).
const SharedCachePath = "/System/Library/Caches/com.apple.dyld/dyld_shared_cache_arm64"

// Debuggee is the singleton-per-attachment aggregate of spec.md §3. PID
// is -1 when detached; every registry is then empty and no listener is
// running.
type Debuggee struct {
	PID          int
	Task         kernel.TaskPort
	ASLRSlide    uint64
	Name         string
	NoSigs       bool
	SharedCache  []byte
	SavedExcPort kernel.ExceptionPortInfo

	Breakpoints *breakpoint.Engine
	Watchpoints *watchpoint.Engine
	Threads     *threadreg.Registry
	ExcRequests *containers.Queue[*kernel.Request]
}

// detached returns a Debuggee with PID -1 and empty registries, the state
// after construction and after every successful Detach.
func detached() *Debuggee {
	threads := threadreg.NewRegistry()
	return &Debuggee{
		PID:         -1,
		Breakpoints: breakpoint.NewEngine(nil, threads),
		Watchpoints: watchpoint.NewEngine(nil, threads),
		Threads:     threads,
		ExcRequests: containers.NewQueue[*kernel.Request](),
	}
}

// NumBreakpoints and NumWatchpoints mirror the counters spec.md §3 names
// explicitly; they are always equal to the registry's own Count(), which
// is the invariant spec.md §8 tests for.
func (d *Debuggee) NumBreakpoints() int { return d.Breakpoints.Count() }
func (d *Debuggee) NumWatchpoints() int { return d.Watchpoints.Count() }
