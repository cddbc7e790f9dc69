// Package regs implements the per-thread register/debug-state cache of
// spec.md §4.3: a general bank (GPRs, fp, lr, sp, pc, cpsr, vector
// registers) and a debug bank (breakpoint control/value arrays, the
// single-step control word), each synchronized with the kernel through
// explicit Get/Set calls. Between a Get and the next Set the cache is
// authoritative — nothing in this package re-reads the kernel on its own.
package regs

import (
	"github.com/intuitionamiga/armdbg64/internal/kernel"
)

// Cache holds one thread's cached general and debug register banks.
type Cache struct {
	k  kernel.Kernel
	th kernel.ThreadPort

	general      kernel.GeneralRegs
	generalDirty bool

	debug      kernel.DebugRegs
	debugDirty bool
	haveDebug  bool
}

// NewCache returns a cache bound to kernel k and thread th. No kernel I/O
// happens until GetGeneralState/GetDebugState is first called.
func NewCache(k kernel.Kernel, th kernel.ThreadPort) *Cache {
	return &Cache{k: k, th: th}
}

// GetGeneralState refreshes and returns the cached general register bank
// from the kernel.
func (c *Cache) GetGeneralState() (kernel.GeneralRegs, error) {
	g, err := c.k.GetGeneralState(c.th)
	if err != nil {
		return kernel.GeneralRegs{}, err
	}
	c.general = g
	c.generalDirty = false
	return g, nil
}

// General returns the cached general bank without touching the kernel. The
// caller must have called GetGeneralState at least once.
func (c *Cache) General() kernel.GeneralRegs { return c.general }

// SetGeneral updates the cached general bank and marks it dirty; the
// change is not visible to the kernel until SetGeneralState is called.
func (c *Cache) SetGeneral(g kernel.GeneralRegs) {
	c.general = g
	c.generalDirty = true
}

// SetGeneralState writes the cached general bank to the kernel if dirty.
func (c *Cache) SetGeneralState() error {
	if !c.generalDirty {
		return nil
	}
	if err := c.k.SetGeneralState(c.th, c.general); err != nil {
		return err
	}
	c.generalDirty = false
	return nil
}

// GetDebugState refreshes and returns the cached debug register bank from
// the kernel.
func (c *Cache) GetDebugState() (kernel.DebugRegs, error) {
	d, err := c.k.GetDebugState(c.th)
	if err != nil {
		return kernel.DebugRegs{}, err
	}
	c.debug = d
	c.haveDebug = true
	c.debugDirty = false
	return d, nil
}

// Debug returns the cached debug bank without touching the kernel.
func (c *Cache) Debug() kernel.DebugRegs { return c.debug }

// SetDebug updates the cached debug bank and marks it dirty.
func (c *Cache) SetDebug(d kernel.DebugRegs) {
	c.debug = d
	c.debugDirty = true
	c.haveDebug = true
}

// SetDebugState writes the cached debug bank to the kernel if dirty.
func (c *Cache) SetDebugState() error {
	if !c.debugDirty {
		return nil
	}
	if err := c.k.SetDebugState(c.th, c.debug); err != nil {
		return err
	}
	c.debugDirty = false
	return nil
}

// EnableSingleStep sets MDSCR_EL1 bit 0 on the cached debug bank and
// writes it through immediately, mirroring exception.c's
// enable_single_step (get_debug_state; set bit; set_debug_state).
func (c *Cache) EnableSingleStep() error {
	if !c.haveDebug {
		if _, err := c.GetDebugState(); err != nil {
			return err
		}
	}
	c.SetDebug(c.debug.WithSingleStep(true))
	return c.SetDebugState()
}

// DisableSingleStep clears MDSCR_EL1 bit 0 and writes it through.
func (c *Cache) DisableSingleStep() error {
	if !c.haveDebug {
		if _, err := c.GetDebugState(); err != nil {
			return err
		}
	}
	c.SetDebug(c.debug.WithSingleStep(false))
	return c.SetDebugState()
}
