package wasm

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	abi "github.com/woxQAQ/docbridge/api/wasm"
	"github.com/woxQAQ/docbridge/internal/coretest"
)

// TestLoadModuleMemorySource tests loading a minimal module from memory, and the cache hit
// on the second load.
func TestLoadModuleMemorySource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)

	// Empty Wasm 1.0 module.
	wasmBytes := []byte{
		0x00, 0x61, 0x73, 0x6d, // Magic number: \0asm
		0x01, 0x00, 0x00, 0x00, // Version: 1
	}

	module, err := loader.LoadModule(ctx, &MemoryModuleSource{ModuleName: "test-module", Data: wasmBytes})
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}

	if module.Name != "test-module" {
		t.Errorf("Module name = %s, want 'test-module'", module.Name)
	}

	module2, err := loader.LoadModule(ctx, &MemoryModuleSource{ModuleName: "renamed", Data: wasmBytes})
	if err != nil {
		t.Fatalf("Failed to load module from cache: %v", err)
	}

	// Equal bytes share one compilation regardless of the source name.
	if module2 != module {
		t.Error("Cache should return the same module instance")
	}
}

func TestLoadModuleInvalidBytes(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	_, err = NewModuleLoader(runtime, logger).LoadModule(ctx, NewMemoryModuleSource([]byte("not wasm")))
	var cerr *CompilationError
	if !errors.As(err, &cerr) {
		t.Fatalf("LoadModule() error = %v, want *CompilationError", err)
	}
}

// TestModuleLoaderFileSource tests the FileModuleSource over an afero filesystem.
func TestModuleLoaderFileSource(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)
	fs := afero.NewMemMapFs()

	if err := afero.WriteFile(fs, "/cores/test.wasm", coretest.Binary(), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	module, err := loader.LoadModule(ctx, &FileModuleSource{FS: fs, Path: "/cores/test.wasm"})
	if err != nil {
		t.Fatalf("Failed to load module from file: %v", err)
	}
	if module.Source != "/cores/test.wasm" {
		t.Errorf("Source = %q, want %q", module.Source, "/cores/test.wasm")
	}

	_, err = loader.LoadModule(ctx, &FileModuleSource{FS: fs, Path: "/cores/missing.wasm"})
	var ferr *FetchError
	if !errors.As(err, &ferr) {
		t.Errorf("LoadModule(missing file) error = %v, want *FetchError", err)
	}
}

// TestModuleLoaderFileChanged tests that a file rewritten on disk is recompiled, and that
// rewriting it back reuses the first compilation.
func TestModuleLoaderFileChanged(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	loader := NewModuleLoader(runtime, logger)
	fs := afero.NewMemMapFs()
	source := &FileModuleSource{FS: fs, Path: "/cores/core.wasm"}

	original := coretest.Binary()
	if err := afero.WriteFile(fs, source.Path, original, 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := loader.LoadModule(ctx, source)
	if err != nil {
		t.Fatalf("LoadModule() error = %v", err)
	}

	if err := afero.WriteFile(fs, source.Path, coretest.Binary(coretest.WithPages(2)), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err := loader.LoadModule(ctx, source)
	if err != nil {
		t.Fatalf("LoadModule(changed) error = %v", err)
	}
	if changed == first || changed.Key == first.Key {
		t.Error("LoadModule() served the stale module after the file changed")
	}

	if err := afero.WriteFile(fs, source.Path, original, 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := loader.LoadModule(ctx, source)
	if err != nil {
		t.Fatalf("LoadModule(restored) error = %v", err)
	}
	if again != first {
		t.Error("LoadModule() recompiled bytes it had already compiled")
	}
}

type stubFetcher struct {
	data  []byte
	calls []string
}

func (f *stubFetcher) Fetch(_ context.Context, location string) ([]byte, error) {
	f.calls = append(f.calls, location)
	return f.data, nil
}

func TestResolveLocation(t *testing.T) {
	fs := afero.NewMemMapFs()
	fetcher := &stubFetcher{}

	tests := []struct {
		name     string
		caps     Capabilities
		location string
		wantFile string
		wantURL  string
		wantCap  bool
	}{
		{name: "plain path with fs", caps: Capabilities{FS: fs, Fetcher: fetcher}, location: "/opt/core.wasm", wantFile: "/opt/core.wasm"},
		{name: "file url with fs", caps: Capabilities{FS: fs}, location: "file:///opt/core.wasm", wantFile: "/opt/core.wasm"},
		{name: "http url prefers fetch", caps: Capabilities{FS: fs, Fetcher: fetcher}, location: "https://cdn.example.com/core.wasm", wantURL: "https://cdn.example.com/core.wasm"},
		{name: "path without fs is fetched", caps: Capabilities{Fetcher: fetcher}, location: "core.wasm", wantURL: "core.wasm"},
		{name: "http url without fetcher", caps: Capabilities{FS: fs}, location: "https://cdn.example.com/core.wasm", wantCap: true},
		{name: "no capabilities", caps: Capabilities{}, location: "/opt/core.wasm", wantCap: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := ResolveLocation(tt.caps, tt.location)

			if tt.wantCap {
				var cerr *CapabilityError
				if !errors.As(err, &cerr) {
					t.Fatalf("ResolveLocation() error = %v, want *CapabilityError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveLocation() error = %v", err)
			}

			switch s := src.(type) {
			case *FileModuleSource:
				if s.Path != tt.wantFile {
					t.Errorf("Path = %q, want %q", s.Path, tt.wantFile)
				}
			case *URLModuleSource:
				if s.URL != tt.wantURL {
					t.Errorf("URL = %q, want %q", s.URL, tt.wantURL)
				}
			default:
				t.Fatalf("ResolveLocation() = %T", src)
			}
		})
	}
}

func TestInstantiateFromURLFetch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	fetcher := &stubFetcher{data: coretest.Binary()}
	core := coretest.New()
	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{Fetcher: fetcher}, logger)

	instance, err := manager.Instantiate(ctx, &Options{
		URL:     "https://cdn.example.com/core.wasm",
		Imports: core.Imports(),
	})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer instance.Close(ctx)

	if instance.Source != "location" {
		t.Errorf("Source = %q, want %q", instance.Source, "location")
	}
	if len(fetcher.calls) != 1 {
		t.Errorf("fetch calls = %d, want 1", len(fetcher.calls))
	}
}

func TestResolveSourceOrder(t *testing.T) {
	hook := Hook(func(context.Context, wazero.Runtime) (api.Module, error) { return nil, nil })

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "hook wins", opts: Options{Instantiate: hook, Binary: []byte{1}, URL: "x"}, want: "hook"},
		{name: "binary over url", opts: Options{Binary: []byte{1}, URL: "x"}, want: "binary"},
		{name: "url", opts: Options{URL: "x"}, want: "location"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := resolveSource(&tt.opts)
			if err != nil {
				t.Fatalf("resolveSource() error = %v", err)
			}
			if src.kind() != tt.want {
				t.Errorf("kind = %q, want %q", src.kind(), tt.want)
			}
		})
	}

	if _, err := resolveSource(&Options{}); err == nil {
		t.Error("resolveSource(empty) error = nil, want *SourceError")
	}
}

func TestInstantiatePrecompiledAndHook(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	core := coretest.New()
	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{}, logger)

	compiled, err := runtime.Wazero().CompileModule(ctx, coretest.Binary())
	if err != nil {
		t.Fatalf("CompileModule() error = %v", err)
	}

	precompiled, err := manager.Instantiate(ctx, &Options{Module: compiled, Imports: core.Imports(), Name: "core-precompiled"})
	if err != nil {
		t.Fatalf("Instantiate(precompiled) error = %v", err)
	}
	defer precompiled.Close(ctx)
	if precompiled.Source != "precompiled" {
		t.Errorf("Source = %q, want %q", precompiled.Source, "precompiled")
	}

	hookCalled := false
	hooked, err := manager.Instantiate(ctx, &Options{
		Instantiate: func(ctx context.Context, r wazero.Runtime) (api.Module, error) {
			hookCalled = true
			return r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("core-hooked"))
		},
	})
	if err != nil {
		t.Fatalf("Instantiate(hook) error = %v", err)
	}
	defer hooked.Close(ctx)

	if !hookCalled {
		t.Error("hook was not called")
	}
	if hooked.Name != "core-hooked" {
		t.Errorf("Name = %q, want %q", hooked.Name, "core-hooked")
	}
}

func TestInstantiateBinaryCacheHit(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	core := coretest.New()
	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{}, logger)
	binary := coretest.Binary()

	imports := core.Imports()

	first, err := manager.Instantiate(ctx, &Options{Binary: binary, Imports: imports, Name: "core-a"})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer first.Close(ctx)

	cached, ok := runtime.GetCompiledModule(NewMemoryModuleSource(binary).Name())
	if !ok {
		t.Fatal("compiled module not cached after first instantiation")
	}

	second, err := manager.Instantiate(ctx, &Options{Binary: binary, Imports: imports, Name: "core-b"})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer second.Close(ctx)

	again, _ := runtime.GetCompiledModule(NewMemoryModuleSource(binary).Name())
	if again != cached {
		t.Error("second instantiation recompiled the module")
	}
	if got := runtime.InstanceCount(); got != 2 {
		t.Errorf("InstanceCount() = %d, want 2", got)
	}
}

func TestInstantiateValidation(t *testing.T) {
	tests := []struct {
		name        string
		opts        []coretest.BinaryOption
		wantMissing []string
	}{
		{name: "missing evaluate", opts: []coretest.BinaryOption{coretest.Without(abi.ExportEvaluate)}, wantMissing: []string{abi.ExportEvaluate}},
		{name: "missing memory", opts: []coretest.BinaryOption{coretest.WithoutMemory()}, wantMissing: []string{abi.ExportMemory}},
		{name: "missing allocator", opts: []coretest.BinaryOption{coretest.Without(abi.ExportAlloc, abi.ExportDealloc)}, wantMissing: []string{abi.ExportAlloc, abi.ExportDealloc}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := zaptest.NewLogger(t)
			ctx := context.Background()

			runtime, err := NewRuntime(ctx, logger, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer runtime.Close(ctx)

			core := coretest.New()
			manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{}, logger)

			_, err = manager.Instantiate(ctx, &Options{Binary: coretest.Binary(tt.opts...), Imports: core.Imports()})
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Instantiate() error = %v, want *ValidationError", err)
			}
			if len(verr.Missing) != len(tt.wantMissing) {
				t.Fatalf("Missing = %v, want %v", verr.Missing, tt.wantMissing)
			}
			for i, name := range tt.wantMissing {
				if verr.Missing[i] != name {
					t.Errorf("Missing[%d] = %q, want %q", i, verr.Missing[i], name)
				}
			}

			if got := core.TotalCalls(); got != 0 {
				t.Errorf("core calls = %d, want 0", got)
			}
			if got := runtime.InstanceCount(); got != 0 {
				t.Errorf("InstanceCount() = %d, want 0 after failed validation", got)
			}
		})
	}
}

func TestInstanceLimit(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, &RuntimeConfig{MaxInstances: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	core := coretest.New()
	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{}, logger)

	first, err := manager.Instantiate(ctx, &Options{Binary: coretest.Binary(), Imports: core.Imports(), Name: "core-1"})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}

	_, err = manager.Instantiate(ctx, &Options{Binary: coretest.Binary(), Imports: core.Imports(), Name: "core-2"})
	var lerr *InstanceLimitError
	if !errors.As(err, &lerr) {
		t.Fatalf("Instantiate() error = %v, want *InstanceLimitError", err)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	third, err := manager.Instantiate(ctx, &Options{Binary: coretest.Binary(), Imports: core.Imports(), Name: "core-3"})
	if err != nil {
		t.Fatalf("Instantiate() after Close error = %v", err)
	}
	defer third.Close(ctx)
}

func TestImportConflictOnSharedRuntime(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{}, logger)
	binary := coretest.Binary()
	core1, core2 := coretest.New(), coretest.New()

	first, err := manager.Instantiate(ctx, &Options{Binary: binary, Imports: core1.Imports(), Name: "core-1"})
	if err != nil {
		t.Fatalf("Instantiate(core1) error = %v", err)
	}

	_, err = manager.Instantiate(ctx, &Options{Binary: binary, Imports: core2.Imports(), Name: "core-2"})
	var cerr *ImportConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Instantiate(core2) error = %v, want *ImportConflictError", err)
	}
	if cerr.ModuleName != coretest.ImportModule {
		t.Errorf("ModuleName = %q, want %q", cerr.ModuleName, coretest.ImportModule)
	}
	if got := runtime.InstanceCount(); got != 1 {
		t.Errorf("InstanceCount() = %d, want 1", got)
	}

	// Once the holder is gone, the module is rebuilt from the new table.
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	second, err := manager.Instantiate(ctx, &Options{Binary: binary, Imports: core2.Imports(), Name: "core-2"})
	if err != nil {
		t.Fatalf("Instantiate(core2) after Close error = %v", err)
	}
	defer second.Close(ctx)

	v, err := Invoke(ctx, NewDispatcher(second, logger), abi.Version, nil, nil, decodeString)
	if err != nil {
		t.Fatalf("Invoke(version) error = %v", err)
	}
	if v != coretest.Version {
		t.Errorf("version = %q, want %q", v, coretest.Version)
	}
	if got := core2.Calls(abi.ExportVersion); got != 1 {
		t.Errorf("core2 version calls = %d, want 1", got)
	}
	if got := core1.Calls(abi.ExportVersion); got != 0 {
		t.Errorf("core1 version calls = %d, want 0", got)
	}
}

func TestImportConflictWithBuiltinHost(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{}, logger)
	core := coretest.New()
	imports := core.Imports()

	first, err := manager.Instantiate(ctx, &Options{Binary: coretest.Binary(), Imports: imports})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer first.Close(ctx)

	own := abi.Imports{
		coretest.ImportModule: imports[coretest.ImportModule],
		abi.HostModule: {
			abi.HostLogMessage: func(context.Context, api.Module, uint32, uint32, uint32) {},
		},
	}
	_, err = manager.Instantiate(ctx, &Options{Binary: coretest.Binary(), Imports: own})
	var cerr *ImportConflictError
	if !errors.As(err, &cerr) || cerr.ModuleName != abi.HostModule {
		t.Fatalf("Instantiate() error = %v, want *ImportConflictError for %s", err, abi.HostModule)
	}
}

func TestHostLogRoutedToCaller(t *testing.T) {
	ctx := context.Background()
	runtime, err := NewRuntime(ctx, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer runtime.Close(ctx)

	core := coretest.New()
	core.LogOnVersion = true
	imports := core.Imports()
	binary := coretest.Binary()

	observedA, logsA := observer.New(zap.DebugLevel)
	observedB, logsB := observer.New(zap.DebugLevel)
	loggerA, loggerB := zap.New(observedA), zap.New(observedB)

	instA, err := NewInstanceManager(runtime, NewHostFunctions(loggerA), Capabilities{}, loggerA).
		Instantiate(ctx, &Options{Binary: binary, Imports: imports, Name: "core-a"})
	if err != nil {
		t.Fatalf("Instantiate(a) error = %v", err)
	}
	defer instA.Close(ctx)

	instB, err := NewInstanceManager(runtime, NewHostFunctions(loggerB), Capabilities{}, loggerB).
		Instantiate(ctx, &Options{Binary: binary, Imports: imports, Name: "core-b"})
	if err != nil {
		t.Fatalf("Instantiate(b) error = %v", err)
	}
	defer instB.Close(ctx)

	if _, err := Invoke(ctx, NewDispatcher(instB, loggerB), abi.Version, nil, nil, decodeString); err != nil {
		t.Fatalf("Invoke(version) error = %v", err)
	}

	if n := logsB.FilterMessage("version requested").Len(); n != 1 {
		t.Errorf("caller log entries = %d, want 1", n)
	}
	if n := logsA.FilterMessage("version requested").Len(); n != 0 {
		t.Errorf("other instance log entries = %d, want 0", n)
	}
}

func TestImportTableIdentity(t *testing.T) {
	runtime := &Runtime{}
	imports := runtime.builtinImports()
	if _, ok := imports[abi.HostModule][abi.HostLogMessage]; !ok {
		t.Errorf("builtinImports() lacks %s.%s", abi.HostModule, abi.HostLogMessage)
	}

	shared := map[string]any{"now": func() uint32 { return 0 }}
	if tableID(shared) != tableID(shared) {
		t.Error("tableID() differs for the same map")
	}
	if tableID(shared) == tableID(map[string]any{"now": shared["now"]}) {
		t.Error("tableID() equal for distinct maps")
	}
}
