// Package breakpoint implements spec.md §4.4: software breakpoint
// instruction patching, hardware debug-register allocation, per-thread
// affinity emulation, and thread re-binding.
package breakpoint

import "github.com/intuitionamiga/armdbg64/internal/kernel"

// TrapInstruction is the 4-byte little-endian encoding of "BRK #0", the
// A64 trap instruction software breakpoints patch in at install time.
var TrapInstruction = [4]byte{0x00, 0x00, 0x20, 0xd4}

// Cond distinguishes a user-installed breakpoint from the one-shot
// breakpoint the stepping state machine plants to bound a step-over.
type Cond int

const (
	CondNormal Cond = iota
	CondStepping
)

// ThreadInfo records which thread(s) a breakpoint is bound to.
type ThreadInfo struct {
	All     bool   // true: applies to every thread
	LocalID int    // stable local thread ID bound at install time (0 if All)
	TID     uint64 // kernel tid at install time, used for software-breakpoint
	// affinity comparison and for detecting that a hardware breakpoint's
	// thread has been recycled by the kernel (spec.md §4.4 "Thread
	// re-binding").
}

// Breakpoint is spec.md §3's Breakpoint record.
type Breakpoint struct {
	ID       int
	Location uint64

	HW     bool
	HWSlot int // debug register slot index, valid when HW

	OriginalBytes [4]byte // saved instruction bytes, valid when !HW
	BCR, BVR      uint64  // debug register values, valid when HW

	HitCount int
	Enabled  bool
	Cond     Cond
	Thread   ThreadInfo
}

// Hit increments the hit counter, matching breakpoint_hit() in the
// original.
func (b *Breakpoint) Hit() { b.HitCount++ }

// debugRegPair is the (BCR, BVR) control/value pair a hardware execution
// breakpoint is armed with. The watchpoint package builds its (WCR, WVR)
// values with its own helpers.
type debugRegPair struct {
	control uint64
	value   uint64
}

func execControlWord(enabled bool) uint64 {
	// DBGBCR<n>_EL1: bit0 E (enable), bits1:2 PMC=0b10 (EL0 only),
	// bits5:8 BAS=0b1111 (match all 4 instruction bytes).
	const pmcEL0 = 0b10 << 1
	const bas = 0b1111 << 5
	ctrl := uint64(pmcEL0 | bas)
	if enabled {
		ctrl |= 1
	}
	return ctrl
}

func makeHWBreakpointRegs(addr uint64, enabled bool) debugRegPair {
	return debugRegPair{control: execControlWord(enabled), value: addr &^ 0x3}
}

// findFreeSlot returns the index of the first debug register slot whose
// control word's enable bit (bit 0) is clear, or -1 if all
// kernel.MaxDebugRegs slots are occupied (spec.md §7 "no free hardware
// breakpoint/watchpoint slot").
func findFreeSlot(controls [kernel.MaxDebugRegs]uint64) int {
	for i, ctrl := range controls {
		if ctrl&1 == 0 {
			return i
		}
	}
	return -1
}
