package wasm

import (
	"context"
	"encoding/binary"
	"fmt"

	abi "github.com/woxQAQ/docbridge/api/wasm"
)

// Descriptor describes a variable-length buffer in core memory. A zero Ptr denotes an
// empty or absent buffer and is never dereferenced.
type Descriptor struct {
	Ptr uint32
	Len uint32
	Cap uint32
}

// IsZero reports whether the descriptor points at nothing.
func (d Descriptor) IsZero() bool {
	return d.Ptr == 0
}

// Bytes encodes the descriptor as three little-endian words.
func (d Descriptor) Bytes() []byte {
	b := make([]byte, abi.DescriptorSize)
	binary.LittleEndian.PutUint32(b[0:4], d.Ptr)
	binary.LittleEndian.PutUint32(b[4:8], d.Len)
	binary.LittleEndian.PutUint32(b[8:12], d.Cap)
	return b
}

// DecodeDescriptor decodes the first 12 bytes of b.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	if len(b) < abi.DescriptorSize {
		return Descriptor{}, fmt.Errorf("descriptor needs %d bytes, got %d", abi.DescriptorSize, len(b))
	}
	return Descriptor{
		Ptr: binary.LittleEndian.Uint32(b[0:4]),
		Len: binary.LittleEndian.Uint32(b[4:8]),
		Cap: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// SliceCodec moves byte slices in and out of core memory.
type SliceCodec struct {
	mem *Memory
}

// NewSliceCodec creates a codec over mem.
func NewSliceCodec(mem *Memory) *SliceCodec {
	return &SliceCodec{mem: mem}
}

// Write copies buf into a fresh core buffer owned by scope. An empty buf yields the zero
// descriptor without allocating.
func (c *SliceCodec) Write(ctx context.Context, scope *Scope, buf []byte) (Descriptor, error) {
	if len(buf) == 0 {
		return Descriptor{}, nil
	}

	alloc, err := scope.Allocate(ctx, uint32(len(buf)))
	if err != nil {
		return Descriptor{}, err
	}

	// alloc may have grown memory; WriteBytes revalidates the view.
	if err := c.mem.WriteBytes(alloc.Ptr, buf); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{Ptr: alloc.Ptr, Len: alloc.Len, Cap: alloc.Cap}, nil
}

// Read decodes the descriptor stored at ptr.
func (c *SliceCodec) Read(ptr uint32) (Descriptor, error) {
	raw, err := c.mem.ReadBytes(ptr, abi.DescriptorSize)
	if err != nil {
		return Descriptor{}, err
	}

	d, err := DecodeDescriptor(raw)
	if err != nil {
		return Descriptor{}, err
	}

	if d.Cap < d.Len {
		return d, &DescriptorError{Address: ptr, Descriptor: d, Reason: "capacity is smaller than length"}
	}
	if d.Ptr == 0 && d.Len != 0 {
		return d, &DescriptorError{Address: ptr, Descriptor: d, Reason: "null pointer with non-zero length"}
	}
	return d, nil
}

// CopyOut returns a host-owned copy of the bytes d refers to. It never aliases core memory.
func (c *SliceCodec) CopyOut(d Descriptor) ([]byte, error) {
	if d.Len == 0 {
		return []byte{}, nil
	}
	return c.mem.ReadBytes(d.Ptr, d.Len)
}
