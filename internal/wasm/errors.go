package wasm

import (
	"fmt"
	"strings"

	"github.com/woxQAQ/docbridge/pkg/protocol"
)

// CompilationError occurs when Wasm module compilation fails
type CompilationError struct {
	ModuleName string
	Err        error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("failed to compile Wasm module '%s': %v", e.ModuleName, e.Err)
}

func (e *CompilationError) Unwrap() error {
	return e.Err
}

// InstantiationError occurs when module instantiation fails
type InstantiationError struct {
	ModuleName string
	InstanceID string
	Err        error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("failed to instantiate module '%s' (instance: %s): %v",
		e.ModuleName, e.InstanceID, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ValidationError occurs when an instantiated module lacks required exports.
// No entry point is ever called on such a module.
type ValidationError struct {
	ModuleName string
	Missing    []string
	Mismatched []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing exports: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Mismatched) > 0 {
		parts = append(parts, "signature mismatch: "+strings.Join(e.Mismatched, ", "))
	}
	return fmt.Sprintf("module '%s' failed validation: %s", e.ModuleName, strings.Join(parts, "; "))
}

// CapabilityError occurs when an operation needs an environment capability
// (local file access, network fetch) that was not provided.
type CapabilityError struct {
	Capability string
	Operation  string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s requires %s, which is not available", e.Operation, e.Capability)
}

// SourceError occurs when no module source is configured.
type SourceError struct {
	Message string
}

func (e *SourceError) Error() string {
	return "invalid module source: " + e.Message
}

// FetchError occurs when module bytes cannot be read from a location.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to load module bytes from '%s': %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FunctionNotFoundError occurs when an exported function is missing
type FunctionNotFoundError struct {
	ModuleName   string
	FunctionName string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function '%s' not found in module '%s'",
		e.FunctionName, e.ModuleName)
}

// InstanceLimitError occurs when the runtime already tracks the maximum number of instances.
type InstanceLimitError struct {
	Limit int
}

func (e *InstanceLimitError) Error() string {
	return fmt.Sprintf("instance limit reached (%d)", e.Limit)
}

// MemoryAccessError occurs when memory operations fail
type MemoryAccessError struct {
	Operation string
	Address   uint32
	Length    uint32
	Err       error
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access failed (op=%s, addr=%d, len=%d): %v",
		e.Operation, e.Address, e.Length, e.Err)
}

func (e *MemoryAccessError) Unwrap() error {
	return e.Err
}

// AllocationError occurs when the core allocator returns a null pointer.
type AllocationError struct {
	Size uint32
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("core allocator returned null for %d bytes", e.Size)
}

// DescriptorError occurs when a slice descriptor read from core memory is inconsistent.
type DescriptorError struct {
	Address    uint32
	Descriptor Descriptor
	Reason     string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid slice descriptor at %d (ptr=%d, len=%d, cap=%d): %s",
		e.Address, e.Descriptor.Ptr, e.Descriptor.Len, e.Descriptor.Cap, e.Reason)
}

// CallError occurs when an entry point traps or cannot be called.
type CallError struct {
	FunctionName string
	Err          error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("failed to call Wasm function %q: %v", e.FunctionName, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// CoreError is an error reported by the core through a non-zero status. It is the only
// error kind callers are expected to branch on, usually by Kind.
type CoreError struct {
	Kind    string
	Message string
	Span    protocol.Span
	Status  int32
}

func (e *CoreError) Error() string {
	return e.Kind + ": " + e.Message
}

// MalformedErrorPayloadError occurs when a non-zero status comes with a payload that is
// not a valid error document.
type MalformedErrorPayloadError struct {
	FunctionName string
	Status       int32
	Payload      []byte
	Err          error
}

func (e *MalformedErrorPayloadError) Error() string {
	return fmt.Sprintf("function %q returned status %d with a malformed error payload (%d bytes): %v",
		e.FunctionName, e.Status, len(e.Payload), e.Err)
}

func (e *MalformedErrorPayloadError) Unwrap() error {
	return e.Err
}

// DecodeError occurs when a successful result payload cannot be decoded.
type DecodeError struct {
	FunctionName string
	Err          error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode result of %q: %v", e.FunctionName, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ImportConflictError occurs when an instance brings its own functions for an import
// module that the runtime already serves with a different table.
type ImportConflictError struct {
	ModuleName string
	Holder     string
}

func (e *ImportConflictError) Error() string {
	return fmt.Sprintf("import module '%s' is already registered by %s with different functions",
		e.ModuleName, e.Holder)
}

// HostFunctionError occurs when host function execution fails
type HostFunctionError struct {
	FunctionName string
	Err          error
}

func (e *HostFunctionError) Error() string {
	return fmt.Sprintf("host function '%s' failed: %v", e.FunctionName, e.Err)
}

func (e *HostFunctionError) Unwrap() error {
	return e.Err
}
