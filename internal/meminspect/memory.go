// Package meminspect implements spec.md §4.2: read/write of inferior
// virtual memory and an address-validity check, plus endian-swap helpers.
// A failed read never surfaces a partial buffer — callers must not treat
// it as partial success.
package meminspect

import (
	"encoding/binary"

	"github.com/intuitionamiga/armdbg64/internal/dbgerr"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
)

// IO reads and writes the inferior's address space through a Kernel bound
// to a specific task.
type IO struct {
	k    kernel.Kernel
	task kernel.TaskPort
}

// New returns an IO bound to task on kernel k.
func New(k kernel.Kernel, task kernel.TaskPort) *IO {
	return &IO{k: k, task: task}
}

// Read reads n bytes from addr. On failure it returns a nil buffer — never
// a partial one.
func (io *IO) Read(addr uint64, n int) ([]byte, error) {
	buf, err := io.k.ReadMemory(io.task, addr, n)
	if err != nil {
		return nil, dbgerr.Wrap("meminspect.Read", err)
	}
	return buf, nil
}

// Write writes data to addr.
func (io *IO) Write(addr uint64, data []byte) error {
	if err := io.k.WriteMemory(io.task, addr, data); err != nil {
		return dbgerr.Wrap("meminspect.Write", err)
	}
	return nil
}

// Valid reports whether addr is currently mapped and readable.
func (io *IO) Valid(addr uint64) bool {
	return io.k.ValidAddress(io.task, addr)
}

// LittleEndian is this core's byte order helper — ARM64 in the target ABI
// runs little-endian, matching the original's direct little-endian struct
// casts in memutils.
var LittleEndian = binary.LittleEndian
