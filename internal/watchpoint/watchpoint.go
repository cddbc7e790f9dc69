// Package watchpoint implements spec.md §4.5: hardware watchpoint
// debug-register allocation, before/after snapshot diffing, and the
// sign-magnitude narrow-width value formatting used in hit reports.
package watchpoint

import (
	"fmt"

	"github.com/intuitionamiga/armdbg64/internal/kernel"
)

// AccessMode is the watchpoint trigger condition.
type AccessMode int

const (
	AccessRead AccessMode = iota + 1
	AccessWrite
	AccessReadWrite
)

// lsc returns the DBGWCR<n>_EL1 LSC (load/store control) field for mode.
func (m AccessMode) lsc() uint64 {
	switch m {
	case AccessRead:
		return 0b01
	case AccessWrite:
		return 0b10
	default:
		return 0b11
	}
}

// Watchpoint is spec.md §3's Watchpoint record.
type Watchpoint struct {
	ID           int
	UserLocation uint64
	DataLen      int // one of 1, 2, 4, 8
	Data         []byte
	Mode         AccessMode

	HWSlot int
	WCR    uint64
	WVR    uint64

	HitCount int
}

// Hit increments the hit counter, matching watchpoint_hit() in the
// original.
func (w *Watchpoint) Hit() { w.HitCount++ }

// basMask returns the DBGWCR BAS (byte address select) field for a
// dataLen-byte, naturally aligned access starting at byte 0 of the
// doubleword the watchpoint address resolves to.
func basMask(dataLen int) uint64 {
	return (uint64(1) << uint(dataLen)) - 1
}

func controlWord(mode AccessMode, dataLen int, enabled bool) uint64 {
	const pacEL0 = 0b10 << 1
	ctrl := pacEL0 | (mode.lsc() << 3) | (basMask(dataLen) << 5)
	if enabled {
		ctrl |= 1
	}
	return ctrl
}

func findFreeSlot(controls [kernel.MaxDebugRegs]uint64) int {
	for i, ctrl := range controls {
		if ctrl&1 == 0 {
			return i
		}
	}
	return -1
}

// signExtend interprets the low width*8 bits of raw as a two's complement
// signed integer of that width.
func signExtend(raw uint64, width int) int64 {
	shift := uint(64 - width*8)
	return int64(raw<<shift) >> shift
}

func leUint(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << uint(8*i)
	}
	return v
}

// FormatDiff renders an "Old value: .../New value: ..." report exactly as
// describe_hit_watchpoint did: each value is interpreted as a signed
// integer at the watchpoint's width and printed in sign-magnitude form,
// with the minus sign synthesized rather than part of the hex digits.
func FormatDiff(oldData, newData []byte, width int) string {
	oldSigned := signExtend(leUint(oldData), width)
	newSigned := signExtend(leUint(newData), width)

	oldSign, oldMag := splitSignMagnitude(oldSigned)
	newSign, newMag := splitSignMagnitude(newSigned)

	return fmt.Sprintf("Old value: %s%#x\nNew value: %s%#x\n\n", oldSign, oldMag, newSign, newMag)
}

func splitSignMagnitude(v int64) (sign string, magnitude uint64) {
	if v < 0 {
		return "-", uint64(-v)
	}
	return "", uint64(v)
}
