package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/docbridge/api/wasm"
)

// Dispatcher runs boundary calls against one validated instance. It is not safe for
// concurrent use: all calls share the core's allocator and memory.
type Dispatcher struct {
	instance *Instance
	mem      *Memory
	alloc    *Allocator
	codec    *SliceCodec
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher for inst.
func NewDispatcher(inst *Instance, logger *zap.Logger) *Dispatcher {
	mem := newMemory(inst.memory)
	return &Dispatcher{
		instance: inst,
		mem:      mem,
		alloc:    NewAllocator(inst.exports[abi.ExportAlloc], inst.exports[abi.ExportDealloc], logger),
		codec:    NewSliceCodec(mem),
		logger:   logger.With(zap.String("component", "wasm-call"), zap.String("instance_id", inst.ID)),
	}
}

// Stats returns the allocation counters of the dispatcher.
func (d *Dispatcher) Stats() AllocStats {
	return d.alloc.Stats()
}

// Memory returns the memory bridge used by the dispatcher.
func (d *Dispatcher) Memory() *Memory {
	return d.mem
}

// Invoke performs one boundary call of entry with the given input and extra i32
// arguments, and decodes a successful payload with decode. A nil input is passed as the
// zero descriptor. Non-zero statuses are returned as *CoreError, or as
// *MalformedErrorPayloadError if the payload is not an error document.
func Invoke[T any](
	ctx context.Context,
	d *Dispatcher,
	entry abi.EntryPoint,
	input []byte,
	extra []uint64,
	decode func([]byte) (T, error),
) (T, error) {
	var zero T

	payload, status, err := d.call(ctx, entry, input, extra)
	if err != nil {
		return zero, err
	}

	if status != abi.StatusOK {
		err := mapStatus(entry.Name, status, payload)
		if coreErr, ok := err.(*CoreError); ok && !coreErr.Span.Valid() {
			d.logger.Warn("Core reported an inverted span",
				zap.String("function", entry.Name),
				zap.Uint32("start", coreErr.Span.Start),
				zap.Uint32("end", coreErr.Span.End),
			)
		}
		return zero, err
	}

	v, err := decode(payload)
	if err != nil {
		return zero, &DecodeError{FunctionName: entry.Name, Err: err}
	}
	return v, nil
}

// call writes the input, calls the entry point and copies the result out. Every buffer
// obtained along the way is released before it returns, on every path.
func (d *Dispatcher) call(ctx context.Context, entry abi.EntryPoint, input []byte, extra []uint64) (payload []byte, status int32, err error) {
	fn, ok := d.instance.exports[entry.Name]
	if !ok {
		return nil, 0, &FunctionNotFoundError{ModuleName: d.instance.Name, FunctionName: entry.Name}
	}
	if len(extra) != entry.Extra {
		return nil, 0, fmt.Errorf("function %q takes %d extra arguments, got %d", entry.Name, entry.Extra, len(extra))
	}

	logger := d.logger.With(zap.String("function", entry.Name))

	scope := d.alloc.NewScope()
	defer func() {
		if closeErr := scope.Close(ctx); closeErr != nil && err == nil {
			payload, status, err = nil, 0, closeErr
		}
	}()

	// Step 1: Write the input into core memory.
	in, err := d.codec.Write(ctx, scope, input)
	if err != nil {
		logger.Error("Failed to write call input", zap.Int("size", len(input)), zap.Error(err))
		return nil, 0, err
	}

	// Step 2: Reserve the result slot, zeroed so an untouched slot reads as empty.
	slot, err := scope.Allocate(ctx, abi.DescriptorSize)
	if err != nil {
		logger.Error("Failed to reserve result slot", zap.Error(err))
		return nil, 0, err
	}
	if err := d.mem.WriteBytes(slot.Ptr, Descriptor{}.Bytes()); err != nil {
		return nil, 0, err
	}

	// Step 3: Call the entry point.
	params := make([]uint64, 0, entry.Params())
	if entry.HasInput {
		params = append(params, api.EncodeU32(in.Ptr), api.EncodeU32(in.Len))
	}
	params = append(params, extra...)
	params = append(params, api.EncodeU32(slot.Ptr))

	results, callErr := fn.Call(ctx, params...)

	// Step 4: Read the result descriptor and take ownership of its buffer. This also
	// runs after a trap, in case the core produced a buffer before failing.
	out, readErr := d.codec.Read(slot.Ptr)
	if readErr == nil && !out.IsZero() {
		scope.Adopt(out)
	}
	var descErr *DescriptorError
	if errors.As(readErr, &descErr) && !descErr.Descriptor.IsZero() {
		// An inconsistent descriptor is never passed back to dealloc.
		logger.Error("Core result buffer leaked: invalid descriptor",
			zap.Uint32("ptr", descErr.Descriptor.Ptr),
			zap.Uint32("len", descErr.Descriptor.Len),
			zap.Uint32("cap", descErr.Descriptor.Cap),
			zap.String("reason", descErr.Reason),
		)
	}

	if callErr != nil {
		logger.Error("Entry point failed", zap.Error(callErr))
		return nil, 0, &CallError{FunctionName: entry.Name, Err: callErr}
	}
	if readErr != nil {
		logger.Error("Failed to read result descriptor", zap.Uint32("slot", slot.Ptr), zap.Error(readErr))
		return nil, 0, readErr
	}

	status = api.DecodeI32(results[0])

	payload, err = d.codec.CopyOut(out)
	if err != nil {
		logger.Error("Failed to copy result payload",
			zap.Uint32("ptr", out.Ptr),
			zap.Uint32("len", out.Len),
			zap.Error(err),
		)
		return nil, 0, err
	}

	logger.Debug("Boundary call complete",
		zap.Int32("status", status),
		zap.Int("input_bytes", len(input)),
		zap.Int("output_bytes", len(payload)),
	)

	// Step 5 happens in the deferred scope close.
	return payload, status, nil
}
