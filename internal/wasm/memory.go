package wasm

import (
	"encoding/binary"
	"errors"

	"github.com/tetratelabs/wazero/api"
)

var errOutOfRange = errors.New("out of range")

// Memory provides safe access to a core module's linear memory.
//
// wazero hands out views that alias the module's backing buffer, and that buffer can be
// replaced when the module grows its memory. Memory keeps one cached view and the memory
// size it was taken at. The size is the region version: every access compares it with the
// current size and rebuilds the view when they differ, so a view from before a growth is
// never used.
type Memory struct {
	mem api.Memory

	view       []byte
	size       uint32
	valid      bool
	generation uint64
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return newMemory(module.Memory())
}

func newMemory(mem api.Memory) *Memory {
	return &Memory{mem: mem}
}

// refresh rebuilds the cached view if the memory size changed since it was taken.
func (m *Memory) refresh() error {
	size := m.mem.Size()
	if m.valid && size == m.size {
		return nil
	}

	view, ok := m.mem.Read(0, size)
	if !ok {
		m.valid = false
		return &MemoryAccessError{Operation: "view", Address: 0, Length: size, Err: errOutOfRange}
	}

	m.view = view
	m.size = size
	m.valid = true
	m.generation++
	return nil
}

func (m *Memory) slice(op string, ptr, length uint32) ([]byte, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	end := uint64(ptr) + uint64(length)
	if end > uint64(len(m.view)) {
		return nil, &MemoryAccessError{Operation: op, Address: ptr, Length: length, Err: errOutOfRange}
	}
	return m.view[ptr:end:end], nil
}

// Size returns the current memory size in bytes.
func (m *Memory) Size() uint32 {
	return m.mem.Size()
}

// Generation returns how many times the cached view has been (re)built.
func (m *Memory) Generation() uint64 {
	return m.generation
}

// ReadBytes returns a host-owned copy of length bytes at ptr.
func (m *Memory) ReadBytes(ptr, length uint32) ([]byte, error) {
	view, err := m.slice("read", ptr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// WriteBytes copies data into memory at ptr.
func (m *Memory) WriteBytes(ptr uint32, data []byte) error {
	view, err := m.slice("write", ptr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(view, data)
	return nil
}

// ReadUint32 reads a little-endian word at ptr.
func (m *Memory) ReadUint32(ptr uint32) (uint32, error) {
	view, err := m.slice("read_u32", ptr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(view), nil
}

// WriteUint32 writes a little-endian word at ptr.
func (m *Memory) WriteUint32(ptr, v uint32) error {
	view, err := m.slice("write_u32", ptr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(view, v)
	return nil
}
