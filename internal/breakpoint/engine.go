package breakpoint

import (
	"fmt"
	"sync"

	"github.com/intuitionamiga/armdbg64/internal/containers"
	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"github.com/intuitionamiga/armdbg64/internal/meminspect"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
)

// Engine is the breakpoint subsystem of spec.md §4.4: it owns every
// installed breakpoint, patches/restores trap instructions for software
// breakpoints, and allocates hardware debug-register slots for hardware
// breakpoints.
type Engine struct {
	mem     *meminspect.IO
	threads *threadreg.Registry

	mu     sync.Mutex
	nextID int
	list   *containers.List[*Breakpoint]
}

// NewEngine returns an empty breakpoint engine bound to the given memory
// I/O and thread registry.
func NewEngine(mem *meminspect.IO, threads *threadreg.Registry) *Engine {
	return &Engine{mem: mem, threads: threads, nextID: 1, list: containers.NewList[*Breakpoint]()}
}

// Count reports the number of currently installed breakpoints.
func (e *Engine) Count() int { return e.list.Len() }

// Snapshot returns a copy of the currently installed breakpoints.
func (e *Engine) Snapshot() []*Breakpoint { return e.list.Snapshot() }

// FindByID returns the breakpoint with the given ID.
func (e *Engine) FindByID(id int) (*Breakpoint, bool) {
	return e.list.FindFunc(func(b *Breakpoint) bool { return b.ID == id })
}

// FindByLocationAndCond returns the breakpoint at loc with the given
// condition (CondNormal for a user breakpoint, CondStepping for a
// temporary step-over breakpoint), the way find_bp_with_cond does in the
// original dispatcher.
func (e *Engine) FindByLocationAndCond(loc uint64, cond Cond) (*Breakpoint, bool) {
	return e.list.FindFunc(func(b *Breakpoint) bool {
		return b.Location == loc && b.Cond == cond
	})
}

func (e *Engine) allocID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	return id
}

// InstallSoftware patches a BRK trap at loc, saving the original
// instruction bytes for later restoration.
func (e *Engine) InstallSoftware(loc uint64, info ThreadInfo) (*Breakpoint, error) {
	orig, err := e.mem.Read(loc, 4)
	if err != nil {
		return nil, dbgerr.Wrap("breakpoint.InstallSoftware", err)
	}
	var saved [4]byte
	copy(saved[:], orig)

	if err := e.mem.Write(loc, TrapInstruction[:]); err != nil {
		return nil, dbgerr.Wrap("breakpoint.InstallSoftware", err)
	}

	bp := &Breakpoint{
		ID:            e.allocID(),
		Location:      loc,
		OriginalBytes: saved,
		Enabled:       true,
		Cond:          CondNormal,
		Thread:        info,
	}
	e.list.Append(bp)
	return bp, nil
}

// targetThreads returns the threads a hardware install/delete applies to:
// every registered thread when info.All, otherwise just the thread bound
// by info.LocalID.
func (e *Engine) targetThreads(info ThreadInfo) ([]*threadreg.MachThread, error) {
	if info.All {
		all := e.threads.Snapshot()
		if len(all) == 0 {
			return nil, dbgerr.New("breakpoint.targetThreads", dbgerr.CodePrecondition, "no threads registered")
		}
		return all, nil
	}
	t, ok := e.threads.FindByLocalID(info.LocalID)
	if !ok {
		return nil, dbgerr.New("breakpoint.targetThreads", dbgerr.CodePrecondition, "thread not found")
	}
	return []*threadreg.MachThread{t}, nil
}

// InstallHardware allocates a free debug-register slot on every target
// thread and arms an execution breakpoint at loc. All target threads must
// have a free slot at the same index, or the install fails leaving no
// thread modified.
func (e *Engine) InstallHardware(loc uint64, info ThreadInfo) (*Breakpoint, error) {
	targets, err := e.targetThreads(info)
	if err != nil {
		return nil, err
	}

	slot := -1
	pair := makeHWBreakpointRegs(loc, true)
	for _, th := range targets {
		dbg, err := th.Regs.GetDebugState()
		if err != nil {
			return nil, dbgerr.Wrap("breakpoint.InstallHardware", err)
		}
		s := findFreeSlot(dbg.BCR)
		if s == -1 {
			return nil, dbgerr.New("breakpoint.InstallHardware", dbgerr.CodeResource, "no free hardware breakpoint register")
		}
		if slot == -1 {
			slot = s
		} else if s != slot {
			// Thread debug register banks have diverged; no single slot is
			// free on every target, so fail before touching any thread.
			return nil, dbgerr.New("breakpoint.InstallHardware", dbgerr.CodeResource, "no hardware breakpoint register free at the same index on every target thread")
		}
	}

	for _, th := range targets {
		dbg, _ := th.Regs.GetDebugState()
		dbg.BCR[slot] = pair.control
		dbg.BVR[slot] = pair.value
		th.Regs.SetDebug(dbg)
		if err := th.Regs.SetDebugState(); err != nil {
			return nil, dbgerr.Wrap("breakpoint.InstallHardware", err)
		}
	}

	bp := &Breakpoint{
		ID:       e.allocID(),
		Location: loc,
		HW:       true,
		HWSlot:   slot,
		BCR:      pair.control,
		BVR:      pair.value,
		Enabled:  true,
		Cond:     CondNormal,
		Thread:   info,
	}
	e.list.Append(bp)
	return bp, nil
}

// Delete removes bp, restoring the original instruction bytes (software)
// or clearing the debug register slot (hardware).
func (e *Engine) Delete(bp *Breakpoint) error {
	if bp.HW {
		targets, err := e.targetThreads(bp.Thread)
		if err != nil {
			return err
		}
		for _, th := range targets {
			dbg, err := th.Regs.GetDebugState()
			if err != nil {
				return dbgerr.Wrap("breakpoint.Delete", err)
			}
			dbg.BCR[bp.HWSlot] = 0
			dbg.BVR[bp.HWSlot] = 0
			th.Regs.SetDebug(dbg)
			if err := th.Regs.SetDebugState(); err != nil {
				return dbgerr.Wrap("breakpoint.Delete", err)
			}
		}
	} else {
		if err := e.mem.Write(bp.Location, bp.OriginalBytes[:]); err != nil {
			return dbgerr.Wrap("breakpoint.Delete", err)
		}
	}

	e.list.RemoveFunc(func(c *Breakpoint) bool { return c == bp })
	return nil
}

// Disable temporarily restores/clears bp without removing it from the
// engine, so Enable can later reinstate it in place.
func (e *Engine) Disable(bp *Breakpoint) error {
	if !bp.Enabled {
		return nil
	}
	if bp.HW {
		targets, err := e.targetThreads(bp.Thread)
		if err != nil {
			return err
		}
		for _, th := range targets {
			dbg, _ := th.Regs.GetDebugState()
			dbg.BCR[bp.HWSlot] &^= 1
			th.Regs.SetDebug(dbg)
			if err := th.Regs.SetDebugState(); err != nil {
				return dbgerr.Wrap("breakpoint.Disable", err)
			}
		}
		bp.BCR &^= 1
	} else {
		if err := e.mem.Write(bp.Location, bp.OriginalBytes[:]); err != nil {
			return dbgerr.Wrap("breakpoint.Disable", err)
		}
	}
	bp.Enabled = false
	return nil
}

// Enable reinstates a previously disabled bp.
func (e *Engine) Enable(bp *Breakpoint) error {
	if bp.Enabled {
		return nil
	}
	if bp.HW {
		targets, err := e.targetThreads(bp.Thread)
		if err != nil {
			return err
		}
		for _, th := range targets {
			dbg, _ := th.Regs.GetDebugState()
			dbg.BCR[bp.HWSlot] |= 1
			th.Regs.SetDebug(dbg)
			if err := th.Regs.SetDebugState(); err != nil {
				return dbgerr.Wrap("breakpoint.Enable", err)
			}
		}
		bp.BCR |= 1
	} else {
		if err := e.mem.Write(bp.Location, TrapInstruction[:]); err != nil {
			return dbgerr.Wrap("breakpoint.Enable", err)
		}
	}
	bp.Enabled = true
	return nil
}

// EnableAllSpecific enables every installed breakpoint matching cond,
// mirroring enable_breakpoints/disable_breakpoints's CONDITION filter in
// the original.
func (e *Engine) EnableAllSpecific(cond Cond) error {
	for _, bp := range e.list.Snapshot() {
		if bp.Cond == cond {
			if err := e.Enable(bp); err != nil {
				return err
			}
		}
	}
	return nil
}

// DisableAllSpecific disables every installed breakpoint matching cond.
func (e *Engine) DisableAllSpecific(cond Cond) error {
	for _, bp := range e.list.Snapshot() {
		if bp.Cond == cond {
			if err := e.Disable(bp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RebindAfterThreadUpdate is the Go equivalent of ops_threadupdate's
// breakpoint-adjustment pass: after the thread registry is refreshed,
// local thread IDs can end up bound to a different physical kernel
// thread than the one a hardware, thread-specific breakpoint was
// installed on. For each such breakpoint whose bound local ID now maps
// to a different tid, the slot is cleared on the new occupant and
// re-armed on whichever thread still has the original tid — or the
// breakpoint is deleted if that thread is gone. It returns one
// human-readable status line per breakpoint it touched.
func (e *Engine) RebindAfterThreadUpdate() []string {
	var msgs []string

	for _, bp := range e.list.Snapshot() {
		if bp.Thread.All || !bp.HW {
			continue
		}

		holder, ok := e.threads.FindByLocalID(bp.Thread.LocalID)
		if !ok {
			e.list.RemoveFunc(func(c *Breakpoint) bool { return c == bp })
			msgs = append(msgs, fmt.Sprintf("thread assigned to breakpoint %d has gone away, deleting it", bp.ID))
			continue
		}
		if holder.TID == bp.Thread.TID {
			continue
		}

		if dbg, err := holder.Regs.GetDebugState(); err == nil {
			dbg.BCR[bp.HWSlot] = 0
			dbg.BVR[bp.HWSlot] = 0
			holder.Regs.SetDebug(dbg)
			_ = holder.Regs.SetDebugState()
		}

		correct, ok := e.threads.FindByTID(bp.Thread.TID)
		if !ok {
			e.list.RemoveFunc(func(c *Breakpoint) bool { return c == bp })
			msgs = append(msgs, fmt.Sprintf("thread assigned to breakpoint %d has gone away, deleting it", bp.ID))
			continue
		}

		if dbg, err := correct.Regs.GetDebugState(); err == nil {
			dbg.BCR[bp.HWSlot] = bp.BCR
			dbg.BVR[bp.HWSlot] = bp.BVR
			correct.Regs.SetDebug(dbg)
			_ = correct.Regs.SetDebugState()
		}

		bp.Thread.LocalID = correct.ID
		msgs = append(msgs, fmt.Sprintf("corrected thread info for breakpoint %d", bp.ID))
	}

	return msgs
}
