// Package coretest provides an in-process core module for tests. The Wasm side is a
// generated module whose exports forward to Go functions; Core implements those
// functions with an instrumented allocator and a small document language.
package coretest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/tetratelabs/wazero/api"
	"gopkg.in/yaml.v3"

	abi "github.com/woxQAQ/docbridge/api/wasm"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

const (
	pageSize  = 64 * 1024
	heapStart = 16
	align     = 8
)

// Version is the version string the test core reports.
const Version = "coretest 0.3.0"

// Core is the Go half of the test core. The zero value is not usable; use New.
type Core struct {
	mu sync.Mutex

	next uint32
	live map[uint32]uint32 // ptr -> cap

	allocs      int
	frees       int
	doubleFrees int
	calls       map[string]int

	// FailAllocAt makes the n-th allocation (1-based) return null. Zero disables it.
	FailAllocAt int

	// TrapOn names an entry point that panics instead of returning.
	TrapOn string

	// MalformedErrors makes error payloads invalid JSON.
	MalformedErrors bool

	// GrowPages grows memory by this many pages before each result is written.
	GrowPages uint32

	// LogOnVersion makes version log through the host import.
	LogOnVersion bool

	// ShortCapacity makes result descriptors report a capacity below their length.
	ShortCapacity bool
}

// New returns a fresh core.
func New() *Core {
	return &Core{
		next:  heapStart,
		live:  make(map[uint32]uint32),
		calls: make(map[string]int),
	}
}

// Stats reports allocation counters.
type Stats struct {
	Allocs      int
	Frees       int
	DoubleFrees int
	Live        int
}

// Stats returns the current allocation counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Allocs: c.allocs, Frees: c.frees, DoubleFrees: c.doubleFrees, Live: len(c.live)}
}

// Calls returns how many times the named entry point ran.
func (c *Core) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// TotalCalls returns the number of entry point invocations, allocator calls excluded.
func (c *Core) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// Imports returns the import table entries the generated module needs.
func (c *Core) Imports() abi.Imports {
	input := func(name string, fn func(in []byte) ([]byte, error)) any {
		return func(ctx context.Context, mod api.Module, ptr, length, slot uint32) uint32 {
			return c.run(ctx, mod, name, ptr, length, slot, fn)
		}
	}

	return abi.Imports{
		ImportModule: {
			abi.ExportAlloc: func(_ context.Context, mod api.Module, size uint32) uint32 {
				return c.allocate(mod, size)
			},
			abi.ExportDealloc: func(_ context.Context, _ api.Module, ptr, length, capacity uint32) {
				c.free(ptr, capacity)
			},
			abi.ExportVersion: func(ctx context.Context, mod api.Module, slot uint32) uint32 {
				if c.LogOnVersion {
					c.log(ctx, mod, 1, "version requested")
				}
				return c.run(ctx, mod, abi.ExportVersion, 0, 0, slot, func([]byte) ([]byte, error) {
					return []byte(Version), nil
				})
			},
			abi.ExportParse:             input(abi.ExportParse, c.parse),
			abi.ExportParseWithRecovery: input(abi.ExportParseWithRecovery, c.parseWithRecovery),
			abi.ExportEvaluate:          input(abi.ExportEvaluate, c.evaluate),
			abi.ExportEvaluateAST:       input(abi.ExportEvaluateAST, c.evaluateAST),
			abi.ExportValueToJSON: func(ctx context.Context, mod api.Module, ptr, length, pretty, slot uint32) uint32 {
				return c.run(ctx, mod, abi.ExportValueToJSON, ptr, length, slot, func(in []byte) ([]byte, error) {
					return c.valueToJSON(in, pretty != 0)
				})
			},
			abi.ExportValueToYAML:    input(abi.ExportValueToYAML, c.valueToYAML),
			abi.ExportValueToMsgpack: input(abi.ExportValueToMsgpack, c.valueToMsgpack),
		},
	}
}

func (c *Core) allocate(mod api.Module, size uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailAllocAt > 0 && c.allocs+1 == c.FailAllocAt {
		c.FailAllocAt = 0
		return 0
	}

	if size == 0 {
		size = 1
	}
	size = (size + align - 1) &^ (align - 1)

	ptr := c.next
	end := uint64(ptr) + uint64(size)
	mem := mod.Memory()
	if end > uint64(mem.Size()) {
		need := (end - uint64(mem.Size()) + pageSize - 1) / pageSize
		if _, ok := mem.Grow(uint32(need)); !ok {
			return 0
		}
	}

	c.next = uint32(end)
	c.live[ptr] = size
	c.allocs++
	return ptr
}

func (c *Core) free(ptr, capacity uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live[ptr]; !ok {
		c.doubleFrees++
		return
	}
	delete(c.live, ptr)
	c.frees++
}

func (c *Core) log(ctx context.Context, mod api.Module, level uint32, msg string) {
	ptr := c.allocate(mod, uint32(len(msg)))
	if ptr == 0 {
		return
	}
	defer c.free(ptr, uint32(len(msg)))
	mod.Memory().Write(ptr, []byte(msg))
	_, _ = mod.ExportedFunction(LogExport).Call(ctx, uint64(level), uint64(ptr), uint64(len(msg)))
}

// run executes one entry point: read input, compute, write the result descriptor.
func (c *Core) run(_ context.Context, mod api.Module, name string, ptr, length, slot uint32, fn func([]byte) ([]byte, error)) uint32 {
	c.mu.Lock()
	c.calls[name]++
	trap := c.TrapOn == name
	grow := c.GrowPages
	malformed := c.MalformedErrors
	c.mu.Unlock()

	if trap {
		panic(fmt.Sprintf("coretest: trap in %s", name))
	}

	var in []byte
	if length > 0 {
		view, ok := mod.Memory().Read(ptr, length)
		if !ok {
			panic(fmt.Sprintf("coretest: input out of range (ptr=%d, len=%d)", ptr, length))
		}
		in = append([]byte(nil), view...)
	}

	if grow > 0 {
		mod.Memory().Grow(grow)
	}

	status := uint32(abi.StatusOK)
	out, err := fn(in)
	if err != nil {
		status = 1
		out = c.errorPayload(err, malformed)
	}

	c.writeResult(mod, slot, out)
	return status
}

func (c *Core) errorPayload(err error, malformed bool) []byte {
	if malformed {
		return []byte("<<not an error document>>")
	}
	payload := protocol.ErrorPayload{Kind: KindValue, Message: err.Error()}
	if le, ok := err.(*langError); ok {
		payload = le.payload
	}
	b, _ := json.Marshal(payload)
	return b
}

func (c *Core) writeResult(mod api.Module, slot uint32, out []byte) {
	var d [abi.DescriptorSize]byte
	if len(out) > 0 {
		ptr := c.allocate(mod, uint32(len(out)))
		if ptr == 0 {
			panic("coretest: out of memory writing result")
		}
		mod.Memory().Write(ptr, out)
		c.mu.Lock()
		capacity := c.live[ptr]
		if c.ShortCapacity {
			capacity = uint32(len(out)) - 1
		}
		c.mu.Unlock()
		putDescriptor(d[:], ptr, uint32(len(out)), capacity)
	}
	if !mod.Memory().Write(slot, d[:]) {
		panic(fmt.Sprintf("coretest: result slot out of range (%d)", slot))
	}
}

func putDescriptor(b []byte, ptr, length, capacity uint32) {
	binary.LittleEndian.PutUint32(b[0:4], ptr)
	binary.LittleEndian.PutUint32(b[4:8], length)
	binary.LittleEndian.PutUint32(b[8:12], capacity)
}

func (c *Core) parse(in []byte) ([]byte, error) {
	doc, _, err := parseDocument(string(in), false)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (c *Core) parseWithRecovery(in []byte) ([]byte, error) {
	doc, errs, err := parseDocument(string(in), true)
	if err != nil {
		return nil, err
	}
	if errs == nil {
		errs = []protocol.ErrorPayload{}
	}
	return json.Marshal(protocol.ParseReport{Document: doc, Errors: errs})
}

func (c *Core) evaluate(in []byte) ([]byte, error) {
	doc, _, err := parseDocument(string(in), false)
	if err != nil {
		return nil, err
	}
	v, err := evaluate(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (c *Core) evaluateAST(in []byte) ([]byte, error) {
	var ast any
	if err := json.Unmarshal(in, &ast); err != nil {
		return nil, fmt.Errorf("invalid AST: %w", err)
	}
	v, err := evaluate(ast)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func decodeValue(in []byte) (any, error) {
	var v any
	if err := json.Unmarshal(in, &v); err != nil {
		return nil, fmt.Errorf("invalid value: %w", err)
	}
	return v, nil
}

func (c *Core) valueToJSON(in []byte, pretty bool) ([]byte, error) {
	v, err := decodeValue(in)
	if err != nil {
		return nil, err
	}
	if pretty {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func (c *Core) valueToYAML(in []byte) ([]byte, error) {
	v, err := decodeValue(in)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(v)
}

func (c *Core) valueToMsgpack(in []byte) ([]byte, error) {
	v, err := decodeValue(in)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}
