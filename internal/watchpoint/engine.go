package watchpoint

import (
	"sync"

	"github.com/intuitionamiga/armdbg64/internal/containers"
	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"github.com/intuitionamiga/armdbg64/internal/meminspect"
	"github.com/intuitionamiga/armdbg64/internal/threadreg"
)

// Engine is the watchpoint subsystem of spec.md §4.5. Unlike breakpoints,
// watchpoints are hardware-only and apply process-wide: every thread's
// debug register bank carries the same slot, since a data access can be
// made from any thread.
type Engine struct {
	mem     *meminspect.IO
	threads *threadreg.Registry

	mu     sync.Mutex
	nextID int
	list   *containers.List[*Watchpoint]
}

// NewEngine returns an empty watchpoint engine.
func NewEngine(mem *meminspect.IO, threads *threadreg.Registry) *Engine {
	return &Engine{mem: mem, threads: threads, nextID: 1, list: containers.NewList[*Watchpoint]()}
}

// Count reports the number of currently installed watchpoints.
func (e *Engine) Count() int { return e.list.Len() }

// Snapshot returns a copy of the currently installed watchpoints.
func (e *Engine) Snapshot() []*Watchpoint { return e.list.Snapshot() }

// FindByID returns the watchpoint with the given ID.
func (e *Engine) FindByID(id int) (*Watchpoint, bool) {
	return e.list.FindFunc(func(w *Watchpoint) bool { return w.ID == id })
}

// FindByLocation returns the watchpoint watching addr, the way
// find_wp_with_address looks up a hit by last_hit_wp_loc.
func (e *Engine) FindByLocation(addr uint64) (*Watchpoint, bool) {
	return e.list.FindFunc(func(w *Watchpoint) bool { return w.UserLocation == addr })
}

func (e *Engine) allocID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	return id
}

// Install allocates a free debug-register slot on every registered thread
// and arms a watchpoint at addr for the given width and access mode,
// capturing the current bytes as the initial snapshot.
func (e *Engine) Install(addr uint64, dataLen int, mode AccessMode) (*Watchpoint, error) {
	switch dataLen {
	case 1, 2, 4, 8:
	default:
		return nil, dbgerr.Newf("watchpoint.Install", dbgerr.CodeUser, "invalid watchpoint width %d", dataLen)
	}

	data, err := e.mem.Read(addr, dataLen)
	if err != nil {
		return nil, dbgerr.Wrap("watchpoint.Install", err)
	}

	threads := e.threads.Snapshot()
	slot := -1
	wcr := controlWord(mode, dataLen, true)
	for _, th := range threads {
		dbg, err := th.Regs.GetDebugState()
		if err != nil {
			return nil, dbgerr.Wrap("watchpoint.Install", err)
		}
		s := findFreeSlot(dbg.WCR)
		if s == -1 {
			return nil, dbgerr.New("watchpoint.Install", dbgerr.CodeResource, "no free hardware watchpoint register")
		}
		if slot != -1 && s != slot {
			return nil, dbgerr.New("watchpoint.Install", dbgerr.CodeResource, "no hardware watchpoint register free at the same index on every thread")
		}
		slot = s
	}

	for _, th := range threads {
		dbg, _ := th.Regs.GetDebugState()
		dbg.WCR[slot] = wcr
		dbg.WVR[slot] = addr &^ 0x7
		th.Regs.SetDebug(dbg)
		if err := th.Regs.SetDebugState(); err != nil {
			return nil, dbgerr.Wrap("watchpoint.Install", err)
		}
	}

	wp := &Watchpoint{
		ID:           e.allocID(),
		UserLocation: addr,
		DataLen:      dataLen,
		Data:         data,
		Mode:         mode,
		HWSlot:       slot,
		WCR:          wcr,
		WVR:          addr &^ 0x7,
	}
	e.list.Append(wp)
	return wp, nil
}

// Delete clears wp's debug register slot on every thread and removes it.
func (e *Engine) Delete(wp *Watchpoint) error {
	for _, th := range e.threads.Snapshot() {
		dbg, err := th.Regs.GetDebugState()
		if err != nil {
			return dbgerr.Wrap("watchpoint.Delete", err)
		}
		dbg.WCR[wp.HWSlot] = 0
		dbg.WVR[wp.HWSlot] = 0
		th.Regs.SetDebug(dbg)
		if err := th.Regs.SetDebugState(); err != nil {
			return dbgerr.Wrap("watchpoint.Delete", err)
		}
	}
	e.list.RemoveFunc(func(c *Watchpoint) bool { return c == wp })
	return nil
}

// ReportHit re-reads the watched bytes, diffs them against the previous
// snapshot, updates the stored snapshot, and returns the formatted report
// body (without the surrounding ": '<thread>': watchpoint N at ..." line,
// which the dispatcher prepends since it alone knows the hitting thread).
func (e *Engine) ReportHit(wp *Watchpoint) (string, error) {
	prev := make([]byte, len(wp.Data))
	copy(prev, wp.Data)

	cur, err := e.mem.Read(wp.UserLocation, wp.DataLen)
	if err != nil {
		return "", dbgerr.Wrap("watchpoint.ReportHit", err)
	}
	wp.Data = cur
	wp.Hit()

	return FormatDiff(prev, cur, wp.DataLen), nil
}
