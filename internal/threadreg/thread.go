// Package threadreg implements spec.md §3/§4.6: the per-thread record and
// the registry that maps stable local thread IDs to kernel thread ports,
// tracks the focused thread, and carries each thread's stepping state.
package threadreg

import (
	"github.com/intuitionamiga/armdbg64/internal/kernel"
	"github.com/intuitionamiga/armdbg64/internal/regs"
)

// StepKind is the kind of in-flight single-step a thread is performing.
type StepKind int

const (
	StepNone StepKind = iota
	StepInstructionIn
	StepInstructionOver
)

// StepConfig is the per-thread stepping state machine sub-record.
type StepConfig struct {
	IsStepping bool
	Kind       StepKind

	SetTempSSBreakpoint bool
	JustHitSSBreakpoint bool
}

// MachThread is the per-thread record (spec.md §3 "Thread record").
type MachThread struct {
	ID   int // stable local ID, assigned monotonically from 1 on attach
	Port kernel.ThreadPort
	TID  uint64
	Name string

	Regs *regs.Cache

	Step StepConfig

	JustHitBreakpoint   bool
	JustHitSWBreakpoint bool
	JustHitWatchpoint   bool

	LastHitBreakpointID int
	LastHitWatchpointLoc uint64
	LastHitWatchpointPC  uint64
}

// invariantOK reports whether the cross-cutting invariants of spec.md §3
// hold: JustHitSWBreakpoint implies JustHitBreakpoint, and IsStepping
// implies Kind != StepNone. Exercised by tests; callers that would violate
// it should not set the fields directly without going through the
// dispatcher's own transitions.
func (t *MachThread) invariantOK() bool {
	if t.JustHitSWBreakpoint && !t.JustHitBreakpoint {
		return false
	}
	if t.Step.IsStepping && t.Step.Kind == StepNone {
		return false
	}
	return true
}
