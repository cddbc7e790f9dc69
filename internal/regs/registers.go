package regs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/intuitionamiga/armdbg64/internal/kernel"
)

// Info describes one register for display, mirroring the teacher's
// RegisterInfo (debug_interface.go) but against the fixed ARM64 register
// model instead of a per-CPU-adapter one.
type Info struct {
	Name     string
	BitWidth int
	Value    uint64    // zero for vector registers; see Quad
	Quad     [16]byte  // valid when BitWidth == 128
	Group    string    // "general", "vector", "status"
}

// GeneralOrder is the canonical order `register view` prints in with no
// arguments: all GPRs, fp, lr, sp, pc, cpsr (spec.md §8 boundary behavior).
func GeneralOrder(g kernel.GeneralRegs) []Info {
	out := make([]Info, 0, 33)
	for i, v := range g.X {
		out = append(out, Info{Name: fmt.Sprintf("X%d", i), BitWidth: 64, Value: v, Group: "general"})
	}
	out = append(out,
		Info{Name: "FP", BitWidth: 64, Value: g.FP, Group: "general"},
		Info{Name: "LR", BitWidth: 64, Value: g.LR, Group: "general"},
		Info{Name: "SP", BitWidth: 64, Value: g.SP, Group: "general"},
		Info{Name: "PC", BitWidth: 64, Value: g.PC, Group: "general"},
		Info{Name: "CPSR", BitWidth: 64, Value: g.CPSR, Group: "status"},
	)
	return out
}

// GetRegister looks up a register by name (case-insensitive), returning
// its raw value for scalar registers. Vector registers are not retrievable
// through this accessor — use GetVector.
func GetRegister(g kernel.GeneralRegs, name string) (uint64, bool) {
	switch strings.ToUpper(name) {
	case "FP", "X29":
		return g.FP, true
	case "LR", "X30":
		return g.LR, true
	case "SP":
		return g.SP, true
	case "PC":
		return g.PC, true
	case "CPSR":
		return g.CPSR, true
	}
	if idx, ok := xIndex(name); ok {
		return g.X[idx], true
	}
	return 0, false
}

// SetRegister sets a scalar register by name, returning false for an
// unknown register name.
func SetRegister(g *kernel.GeneralRegs, name string, value uint64) bool {
	switch strings.ToUpper(name) {
	case "FP", "X29":
		g.FP = value
		return true
	case "LR", "X30":
		g.LR = value
		return true
	case "SP":
		g.SP = value
		return true
	case "PC":
		g.PC = value
		return true
	case "CPSR":
		g.CPSR = value
		return true
	}
	if idx, ok := xIndex(name); ok {
		g.X[idx] = value
		return true
	}
	return false
}

// GetVector returns the 16-byte value of Vn, 0 <= n <= 31.
func GetVector(g kernel.GeneralRegs, name string) ([16]byte, bool) {
	idx, ok := vIndex(name)
	if !ok {
		return [16]byte{}, false
	}
	return g.V[idx], true
}

// SetVector sets the 16-byte value of Vn.
func SetVector(g *kernel.GeneralRegs, name string, value [16]byte) bool {
	idx, ok := vIndex(name)
	if !ok {
		return false
	}
	g.V[idx] = value
	return true
}

func xIndex(name string) (int, bool) {
	upper := strings.ToUpper(name)
	if len(upper) < 2 || upper[0] != 'X' {
		return 0, false
	}
	idx, err := strconv.Atoi(upper[1:])
	if err != nil || idx < 0 || idx > 28 {
		return 0, false
	}
	return idx, true
}

func vIndex(name string) (int, bool) {
	upper := strings.ToUpper(name)
	if len(upper) < 2 || upper[0] != 'V' {
		return 0, false
	}
	idx, err := strconv.Atoi(upper[1:])
	if err != nil || idx < 0 || idx > 31 {
		return 0, false
	}
	return idx, true
}

// Kind is the textual-literal width/interpretation a register write uses,
// per spec.md §4.3: LONG (64-bit), INTEGER (32-bit), FLOAT, DOUBLE,
// QUADWORD (128-bit vector, textual).
type Kind int

const (
	KindLong Kind = iota
	KindInteger
	KindFloat
	KindDouble
	KindQuadword
)

// ParseValue parses text as the given Kind, returning the 64-bit payload
// for scalar kinds (sign/bit-reinterpreted as appropriate) or the 16-byte
// payload for QUADWORD. Errors for malformed literals and width overflow
// are returned as plain errors; the caller (the register-write command
// handler) is responsible for classifying them as dbgerr.CodeUser.
func ParseValue(kind Kind, text string) (uint64, [16]byte, error) {
	text = strings.TrimSpace(text)

	switch kind {
	case KindLong:
		v, err := strconv.ParseUint(trimHexPrefix(text), hexBase(text), 64)
		if err != nil {
			return 0, [16]byte{}, fmt.Errorf("malformed LONG literal %q: %w", text, err)
		}
		return v, [16]byte{}, nil

	case KindInteger:
		v, err := strconv.ParseUint(trimHexPrefix(text), hexBase(text), 32)
		if err != nil {
			return 0, [16]byte{}, fmt.Errorf("malformed INTEGER literal %q: %w", text, err)
		}
		return v, [16]byte{}, nil

	case KindFloat:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return 0, [16]byte{}, fmt.Errorf("malformed FLOAT literal %q: %w", text, err)
		}
		return uint64(math.Float32bits(float32(f))), [16]byte{}, nil

	case KindDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, [16]byte{}, fmt.Errorf("malformed DOUBLE literal %q: %w", text, err)
		}
		return math.Float64bits(f), [16]byte{}, nil

	case KindQuadword:
		return parseQuadword(text)

	default:
		return 0, [16]byte{}, fmt.Errorf("unknown register value kind %d", kind)
	}
}

// parseQuadword accepts 16 space- or comma-separated hex byte pairs, the
// textual form the original debugger's "register write" uses for vector
// registers (it takes a raw byte string rather than a SIMD literal syntax).
func parseQuadword(text string) (uint64, [16]byte, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	if len(fields) != 16 {
		return 0, [16]byte{}, fmt.Errorf("QUADWORD literal needs 16 byte values, got %d", len(fields))
	}
	var out [16]byte
	for i, f := range fields {
		b, err := strconv.ParseUint(trimHexPrefix(f), 16, 8)
		if err != nil {
			return 0, [16]byte{}, fmt.Errorf("malformed QUADWORD byte %q: %w", f, err)
		}
		out[i] = byte(b)
	}
	return 0, out, nil
}

func trimHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

func hexBase(s string) int {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return 16
	}
	return 10
}
