package wasm

// This file defines the Wasm export interface a core module must provide.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. All Wasm memory addresses are represented as 32-bit integers.
//
// Required exports:
//
//	memory                                                  linear memory
//	alloc(size i32) -> ptr i32                              0 on failure
//	dealloc(ptr i32, len i32, cap i32)
//	version(slot i32) -> status i32
//	parse(ptr i32, len i32, slot i32) -> status i32
//	parse_with_recovery(ptr i32, len i32, slot i32) -> status i32
//	evaluate(ptr i32, len i32, slot i32) -> status i32
//	evaluate_ast(ptr i32, len i32, slot i32) -> status i32
//	value_to_json(ptr i32, len i32, pretty i32, slot i32) -> status i32
//	value_to_yaml(ptr i32, len i32, slot i32) -> status i32
//	value_to_msgpack(ptr i32, len i32, slot i32) -> status i32
//
// Every entry point writes a slice descriptor into the 12-byte result slot before it
// returns: three little-endian u32 words (ptr, len, cap). A zero status means the
// described bytes are the operation result; any other status means they hold an error
// document {"kind", "message", "span": {"start", "end"}}.

const (
	ExportMemory = "memory"

	ExportAlloc   = "alloc"
	ExportDealloc = "dealloc"

	ExportVersion           = "version"
	ExportParse             = "parse"
	ExportParseWithRecovery = "parse_with_recovery"
	ExportEvaluate          = "evaluate"
	ExportEvaluateAST       = "evaluate_ast"
	ExportValueToJSON       = "value_to_json"
	ExportValueToYAML       = "value_to_yaml"
	ExportValueToMsgpack    = "value_to_msgpack"
)

// DescriptorSize is the size in bytes of a slice descriptor in core memory.
const DescriptorSize = 12

// StatusOK is the status code returned by a successful entry point.
const StatusOK = 0

// EntryPoint describes how an exported operation is called.
type EntryPoint struct {
	// Name of the export.
	Name string

	// HasInput reports whether the entry point takes (ptr, len) before the slot.
	HasInput bool

	// Extra is the number of i32 parameters between the input and the slot.
	Extra int
}

// Params returns the number of i32 parameters the export declares.
func (e EntryPoint) Params() int {
	n := 1 + e.Extra
	if e.HasInput {
		n += 2
	}
	return n
}

var (
	Version           = EntryPoint{Name: ExportVersion}
	Parse             = EntryPoint{Name: ExportParse, HasInput: true}
	ParseWithRecovery = EntryPoint{Name: ExportParseWithRecovery, HasInput: true}
	Evaluate          = EntryPoint{Name: ExportEvaluate, HasInput: true}
	EvaluateAST       = EntryPoint{Name: ExportEvaluateAST, HasInput: true}
	ValueToJSON       = EntryPoint{Name: ExportValueToJSON, HasInput: true, Extra: 1}
	ValueToYAML       = EntryPoint{Name: ExportValueToYAML, HasInput: true}
	ValueToMsgpack    = EntryPoint{Name: ExportValueToMsgpack, HasInput: true}
)

// EntryPoints lists every operation export, in a stable order.
var EntryPoints = []EntryPoint{
	Version,
	Parse,
	ParseWithRecovery,
	Evaluate,
	EvaluateAST,
	ValueToJSON,
	ValueToYAML,
	ValueToMsgpack,
}

// RequiredFunctions returns the name of every function export a core must provide.
func RequiredFunctions() []string {
	names := []string{ExportAlloc, ExportDealloc}
	for _, e := range EntryPoints {
		names = append(names, e.Name)
	}
	return names
}
