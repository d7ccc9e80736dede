package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Allocation is a buffer in core memory that the host must release exactly once.
type Allocation struct {
	Ptr uint32
	Len uint32
	Cap uint32

	released bool
}

// Released reports whether the allocation has been handed back to the core.
func (a *Allocation) Released() bool {
	return a.released
}

// AllocStats counts allocation traffic through an Allocator.
type AllocStats struct {
	// Allocated counts buffers obtained from the core allocator.
	Allocated uint64
	// Adopted counts core-produced buffers the host took ownership of.
	Adopted uint64
	// Released counts dealloc calls.
	Released uint64
	// DoubleReleases counts release attempts on already released buffers.
	DoubleReleases uint64
}

// Outstanding returns the number of buffers not yet released.
func (s AllocStats) Outstanding() int64 {
	return int64(s.Allocated+s.Adopted) - int64(s.Released)
}

// Allocator wraps the core's alloc and dealloc exports. The core owns the memory; the
// Allocator only pairs every obtained buffer with one release.
type Allocator struct {
	allocFn   api.Function
	deallocFn api.Function
	logger    *zap.Logger

	stats AllocStats
}

// NewAllocator creates an allocator over the given exports.
func NewAllocator(allocFn, deallocFn api.Function, logger *zap.Logger) *Allocator {
	return &Allocator{
		allocFn:   allocFn,
		deallocFn: deallocFn,
		logger:    logger.With(zap.String("component", "wasm-alloc")),
	}
}

// Stats returns a snapshot of the allocation counters.
func (a *Allocator) Stats() AllocStats {
	return a.stats
}

// Allocate obtains size bytes from the core.
func (a *Allocator) Allocate(ctx context.Context, size uint32) (*Allocation, error) {
	results, err := a.allocFn.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return nil, &CallError{FunctionName: a.allocFn.Definition().Name(), Err: err}
	}

	ptr := api.DecodeU32(results[0])
	if ptr == 0 {
		a.logger.Error("Core allocator returned null", zap.Uint32("size", size))
		return nil, &AllocationError{Size: size}
	}

	a.stats.Allocated++
	return &Allocation{Ptr: ptr, Len: size, Cap: size}, nil
}

// Adopt takes ownership of a buffer the core allocated on its own, such as a result
// payload, so that it gets released like any other allocation.
func (a *Allocator) Adopt(d Descriptor) *Allocation {
	a.stats.Adopted++
	return &Allocation{Ptr: d.Ptr, Len: d.Len, Cap: d.Cap}
}

// Release hands an allocation back to the core. Releasing the same allocation twice
// does not call dealloc again.
func (a *Allocator) Release(ctx context.Context, alloc *Allocation) error {
	if alloc.released {
		a.stats.DoubleReleases++
		a.logger.Warn("Allocation released twice",
			zap.Uint32("ptr", alloc.Ptr),
			zap.Uint32("len", alloc.Len),
		)
		return nil
	}

	// Marked first so a trapping dealloc is never retried.
	alloc.released = true
	a.stats.Released++

	_, err := a.deallocFn.Call(ctx,
		api.EncodeU32(alloc.Ptr),
		api.EncodeU32(alloc.Len),
		api.EncodeU32(alloc.Cap),
	)
	if err != nil {
		return &CallError{FunctionName: a.deallocFn.Definition().Name(), Err: err}
	}
	return nil
}

// Scope collects allocations made during one boundary call and releases all of them,
// newest first, when closed.
type Scope struct {
	alloc *Allocator
	held  []*Allocation
}

// NewScope starts an allocation scope. Callers defer Close.
func (a *Allocator) NewScope() *Scope {
	return &Scope{alloc: a}
}

// Allocate obtains a buffer that is released when the scope closes.
func (s *Scope) Allocate(ctx context.Context, size uint32) (*Allocation, error) {
	alloc, err := s.alloc.Allocate(ctx, size)
	if err != nil {
		return nil, err
	}
	s.held = append(s.held, alloc)
	return alloc, nil
}

// Adopt takes ownership of a core-produced buffer for the lifetime of the scope.
func (s *Scope) Adopt(d Descriptor) *Allocation {
	alloc := s.alloc.Adopt(d)
	s.held = append(s.held, alloc)
	return alloc
}

// Close releases every allocation in the scope. All releases are attempted even if
// one fails; the first failure is returned.
func (s *Scope) Close(ctx context.Context) error {
	var first error
	for i := len(s.held) - 1; i >= 0; i-- {
		if err := s.alloc.Release(ctx, s.held[i]); err != nil {
			s.alloc.logger.Error("Failed to release core buffer",
				zap.Uint32("ptr", s.held[i].Ptr),
				zap.Error(err),
			)
			if first == nil {
				first = err
			}
		}
	}
	s.held = nil
	return first
}
