// Package dbgio implements the core's side of the output/terminal
// collaborator contracts: an append-only text buffer (the Go stand-in for
// the C "concat" rope described in spec.md §4/§9) and a terminal check.
package dbgio

import (
	"fmt"
	"strings"

	"golang.org/x/term"
)

// Buffer is an append-only text buffer. The C original backs "concat" with
// a realloc'd char*; a strings.Builder is the idiomatic Go equivalent of a
// growable append-only sequence of characters.
type Buffer struct {
	b strings.Builder
}

// Concat appends a formatted line to the buffer, mirroring the C
// concat(&buf, fmt, ...) collaborator contract.
func (b *Buffer) Concat(format string, args ...any) {
	fmt.Fprintf(&b.b, format, args...)
}

// String returns the buffer's accumulated text.
func (b *Buffer) String() string { return b.b.String() }

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() { b.b.Reset() }

// Len reports the number of accumulated bytes.
func (b *Buffer) Len() int { return b.b.Len() }

// IsTerminal reports whether fd refers to a terminal. Nothing in this
// module calls it: the attach banner and dispatcher output are plain text
// with no ANSI highlighting.
func IsTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}
