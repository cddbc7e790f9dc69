package threadreg

import (
	"sync"

	"github.com/intuitionamiga/armdbg64/internal/containers"
	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
)

// Registry is the thread registry of spec.md §4.6. It owns the TH mutex
// spec.md §5 names (via the embedded containers.List's own lock) plus a
// small amount of focus/local-ID state that must stay consistent with the
// list under its own mutex.
type Registry struct {
	list *containers.List[*MachThread]

	mu        sync.Mutex
	nextID    int
	focusedID int // 0 means no thread focused
}

// NewRegistry returns an empty thread registry with the local-ID counter
// reset to 1, as on attach/detach (spec.md §4.6).
func NewRegistry() *Registry {
	return &Registry{list: containers.NewList[*MachThread](), nextID: 1}
}

// UpdateThreads diffs ports against the current list: existing threads
// whose port is still present are kept, new ports get new MachThread
// records, and threads whose port vanished are removed. On attach
// (first call with a zero-length prior registry) the focused thread
// becomes threads[0], matching spec.md §4.6.
func (r *Registry) UpdateThreads(k kernel.Kernel, ports []kernel.ThreadPort) error {
	present := make(map[kernel.ThreadPort]bool, len(ports))
	for _, p := range ports {
		present[p] = true
	}

	// Drop threads the kernel no longer reports.
	for _, t := range r.list.Snapshot() {
		if !present[t.Port] {
			r.list.RemoveFunc(func(c *MachThread) bool { return c == t })
			r.mu.Lock()
			if r.focusedID == t.ID {
				r.focusedID = 0
			}
			r.mu.Unlock()
		}
	}

	// Add threads the registry doesn't know about yet.
	known := make(map[kernel.ThreadPort]bool)
	for _, t := range r.list.Snapshot() {
		known[t.Port] = true
	}

	for _, p := range ports {
		if known[p] {
			continue
		}
		tid, err := k.ThreadTID(p)
		if err != nil {
			return dbgerr.Wrap("threadreg.UpdateThreads", err)
		}

		r.mu.Lock()
		id := r.nextID
		r.nextID++
		r.mu.Unlock()

		r.list.Append(&MachThread{
			ID:   id,
			Port: p,
			TID:  tid,
			Name: "",
			Regs: nil, // set by the caller once the cache can be constructed
		})
	}

	r.mu.Lock()
	noFocus := r.focusedID == 0
	r.mu.Unlock()
	if noFocus {
		if first, ok := r.list.FindFunc(func(*MachThread) bool { return true }); ok {
			r.SetFocused(first.Port)
		}
	}
	return nil
}

// GetFocused returns the currently focused thread, or nil if none.
func (r *Registry) GetFocused() *MachThread {
	r.mu.Lock()
	id := r.focusedID
	r.mu.Unlock()
	if id == 0 {
		return nil
	}
	t, _ := r.FindByLocalID(id)
	return t
}

// SetFocused changes focus to the thread owning port, if any.
func (r *Registry) SetFocused(port kernel.ThreadPort) bool {
	t, ok := r.FindByPort(port)
	if !ok {
		return false
	}
	r.mu.Lock()
	r.focusedID = t.ID
	r.mu.Unlock()
	return true
}

// FindByPort returns the thread with the given kernel port.
func (r *Registry) FindByPort(port kernel.ThreadPort) (*MachThread, bool) {
	return r.list.FindFunc(func(t *MachThread) bool { return t.Port == port })
}

// FindByLocalID returns the thread with the given stable local ID.
func (r *Registry) FindByLocalID(id int) (*MachThread, bool) {
	return r.list.FindFunc(func(t *MachThread) bool { return t.ID == id })
}

// FindByTID returns the thread with the given kernel tid.
func (r *Registry) FindByTID(tid uint64) (*MachThread, bool) {
	return r.list.FindFunc(func(t *MachThread) bool { return t.TID == tid })
}

// ForEach runs fn under the registry's list lock for every thread, in
// registration order (the "locked foreach" discipline of spec.md §5).
func (r *Registry) ForEach(fn func(*MachThread)) {
	r.list.ForEach(fn)
}

// Len reports the number of registered threads.
func (r *Registry) Len() int { return r.list.Len() }

// Snapshot returns a copy of the current thread list.
func (r *Registry) Snapshot() []*MachThread { return r.list.Snapshot() }

// ResetLocalIDs clears the registry and resets the local-ID counter to 1,
// as on detach/reattach (spec.md §4.6).
func (r *Registry) ResetLocalIDs() {
	r.list.Clear()
	r.mu.Lock()
	r.nextID = 1
	r.focusedID = 0
	r.mu.Unlock()
}
