package coretest

import (
	abi "github.com/woxQAQ/docbridge/api/wasm"
)

// ImportModule is the import module the test core's exports forward to.
const ImportModule = "coretest"

// LogExport forwards to the host log import, so Go-side core code can log through the
// same path a compiled core would.
const LogExport = "__log"

const (
	valI32   = 0x7f
	funcType = 0x60

	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secExport   = 7
	secCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02

	opLocalGet = 0x20
	opCall     = 0x10
	opEnd      = 0x0b
)

type signature struct {
	params  int
	results int
}

type function struct {
	importModule string
	importName   string
	export       string
	sig          signature
}

// BinaryOption adjusts the generated module.
type BinaryOption func(*binaryConfig)

type binaryConfig struct {
	omit     map[string]bool
	noMemory bool
	pages    uint32
}

// Without leaves the named exports out of the module.
func Without(names ...string) BinaryOption {
	return func(c *binaryConfig) {
		for _, n := range names {
			c.omit[n] = true
		}
	}
}

// WithoutMemory leaves the memory export out of the module.
func WithoutMemory() BinaryOption {
	return func(c *binaryConfig) { c.noMemory = true }
}

// WithPages sets the initial memory size in 64KiB pages.
func WithPages(pages uint32) BinaryOption {
	return func(c *binaryConfig) { c.pages = pages }
}

func coreFunctions() []function {
	fns := []function{
		{export: abi.ExportAlloc, sig: signature{params: 1, results: 1}},
		{export: abi.ExportDealloc, sig: signature{params: 3}},
	}
	for _, e := range abi.EntryPoints {
		fns = append(fns, function{export: e.Name, sig: signature{params: e.Params(), results: 1}})
	}
	for i := range fns {
		fns[i].importModule = ImportModule
		fns[i].importName = fns[i].export
	}
	return append(fns, function{
		importModule: abi.HostModule,
		importName:   abi.HostLogMessage,
		export:       LogExport,
		sig:          signature{params: 3},
	})
}

// Binary returns a Wasm module that exports a memory and one function per core export.
// Each exported function forwards its arguments to an import of the same signature,
// which Core implements in Go.
func Binary(opts ...BinaryOption) []byte {
	cfg := &binaryConfig{omit: map[string]bool{}, pages: 1}
	for _, o := range opts {
		o(cfg)
	}

	var fns []function
	for _, fn := range coreFunctions() {
		if !cfg.omit[fn.export] {
			fns = append(fns, fn)
		}
	}

	// One type per distinct signature.
	var sigs []signature
	typeIndex := func(s signature) uint32 {
		for i, known := range sigs {
			if known == s {
				return uint32(i)
			}
		}
		sigs = append(sigs, s)
		return uint32(len(sigs) - 1)
	}
	fnTypes := make([]uint32, len(fns))
	for i, fn := range fns {
		fnTypes[i] = typeIndex(fn.sig)
	}

	var types [][]byte
	for _, s := range sigs {
		t := []byte{funcType}
		t = append(t, valTypes(s.params)...)
		t = append(t, valTypes(s.results)...)
		types = append(types, t)
	}

	var imports, funcs, exports, codes [][]byte
	for i, fn := range fns {
		imp := append(name(fn.importModule), name(fn.importName)...)
		imp = append(imp, kindFunc)
		imp = append(imp, uleb(fnTypes[i])...)
		imports = append(imports, imp)

		funcs = append(funcs, uleb(fnTypes[i]))

		// Defined functions follow the imports in the function index space.
		exp := append(name(fn.export), kindFunc)
		exp = append(exp, uleb(uint32(len(fns)+i))...)
		exports = append(exports, exp)

		body := uleb(0) // no locals
		for p := 0; p < fn.sig.params; p++ {
			body = append(body, opLocalGet)
			body = append(body, uleb(uint32(p))...)
		}
		body = append(body, opCall)
		body = append(body, uleb(uint32(i))...)
		body = append(body, opEnd)
		codes = append(codes, append(uleb(uint32(len(body))), body...))
	}

	if !cfg.noMemory {
		exp := append(name(abi.ExportMemory), kindMemory)
		exp = append(exp, uleb(0)...)
		exports = append(exports, exp)
	}

	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	out = append(out, section(secType, vec(types...))...)
	out = append(out, section(secImport, vec(imports...))...)
	out = append(out, section(secFunction, vec(funcs...))...)
	memory := append([]byte{0x00}, uleb(cfg.pages)...) // limits: min only
	out = append(out, section(secMemory, vec(memory))...)
	out = append(out, section(secExport, vec(exports...))...)
	out = append(out, section(secCode, vec(codes...))...)
	return out
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

// valTypes encodes a vector of n i32 value types.
func valTypes(n int) []byte {
	out := uleb(uint32(n))
	for i := 0; i < n; i++ {
		out = append(out, valI32)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}
