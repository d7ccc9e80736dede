package wasm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/docbridge/api/wasm"
)

// Hook instantiates a core module itself. Host imports are already registered in r when
// the hook runs.
type Hook func(ctx context.Context, r wazero.Runtime) (api.Module, error)

// Options selects where a core module comes from. When several sources are set, the most
// specific one wins: Instantiate, then Module, then Binary, then URL.
type Options struct {
	// Binary is the raw Wasm bytes of the core.
	Binary []byte

	// Module is a module precompiled by the same runtime.
	Module wazero.CompiledModule

	// URL locates the Wasm bytes: a file path, a file:// URL or an http(s) URL.
	URL string

	// Instantiate takes full control of instantiation.
	Instantiate Hook

	// Imports are added to the core's import table. An import module can be shared
	// by live instances of one runtime only when they pass the same function map.
	Imports abi.Imports

	// Name is the instance ID. Generated when empty.
	Name string
}

// source is the resolved origin of a core module.
type source interface {
	kind() string
}

type hookSource struct{ hook Hook }

type compiledSource struct{ module wazero.CompiledModule }

type bytesSource struct{ data []byte }

type locationSource struct{ location string }

func (hookSource) kind() string     { return "hook" }
func (compiledSource) kind() string { return "precompiled" }
func (bytesSource) kind() string    { return "binary" }
func (locationSource) kind() string { return "location" }

// resolveSource picks exactly one source from opts.
func resolveSource(opts *Options) (source, error) {
	switch {
	case opts.Instantiate != nil:
		return hookSource{hook: opts.Instantiate}, nil
	case opts.Module != nil:
		return compiledSource{module: opts.Module}, nil
	case len(opts.Binary) > 0:
		return bytesSource{data: opts.Binary}, nil
	case opts.URL != "":
		return locationSource{location: opts.URL}, nil
	default:
		return nil, &SourceError{Message: "one of Instantiate, Module, Binary or URL is required"}
	}
}

// InstanceManager creates and manages core instances.
type InstanceManager struct {
	runtime   *Runtime
	loader    *ModuleLoader
	caps      Capabilities
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl
}

// NewInstanceManager creates a new instance manager. caps decides how module locations
// can be read.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, caps Capabilities, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		loader:    NewModuleLoader(runtime, logger),
		caps:      caps,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// Instance represents an instantiated, validated core module.
type Instance struct {
	// wazero module instance.
	module api.Module
	memory api.Memory

	// Instance metadata.
	ID        string
	Name      string
	Source    string
	CreatedAt int64

	// Exported functions, validated at instantiation.
	exports map[string]api.Function

	runtime *Runtime
}

// Instantiate resolves a module source, instantiates it and validates its exports.
// A module that fails validation is closed before Instantiate returns.
func (m *InstanceManager) Instantiate(ctx context.Context, opts *Options) (*Instance, error) {
	if opts == nil {
		opts = &Options{}
	}

	src, err := resolveSource(opts)
	if err != nil {
		return nil, err
	}

	if limit := m.runtime.config.MaxInstances; limit > 0 && m.runtime.InstanceCount() >= limit {
		return nil, &InstanceLimitError{Limit: limit}
	}

	instanceID := opts.Name
	if instanceID == "" {
		instanceID = generateInstanceID()
	}

	m.logger.Info("Instantiating core module",
		zap.String("source", src.kind()),
		zap.String("instance_id", instanceID),
	)

	if err := m.runtime.registerImports(ctx, instanceID, opts.Imports); err != nil {
		return nil, fmt.Errorf("failed to register host imports: %w", err)
	}
	m.runtime.bindHostFunctions(instanceID, m.hostFuncs)

	release := func(module api.Module) {
		if module != nil {
			_ = module.Close(ctx)
			m.runtime.unbindHostFunctions(module.Name())
		}
		m.runtime.unbindHostFunctions(instanceID)
		m.runtime.releaseImports(ctx, instanceID)
	}

	module, moduleName, err := m.instantiateSource(ctx, src, instanceID)
	if err != nil {
		release(nil)
		return nil, err
	}
	// Hooks name their own modules.
	m.runtime.bindHostFunctions(module.Name(), m.hostFuncs)

	exports, memory, err := validateExports(module, moduleName)
	if err != nil {
		m.logger.Error("Core module failed validation",
			zap.String("module", moduleName),
			zap.Error(err),
		)
		release(module)
		return nil, err
	}

	instance := &Instance{
		module:    module,
		memory:    memory,
		ID:        instanceID,
		Name:      moduleName,
		Source:    src.kind(),
		CreatedAt: time.Now().Unix(),
		exports:   exports,
		runtime:   m.runtime,
	}

	m.runtime.StoreInstance(instanceID, instance)

	m.logger.Info("Core module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.String("module", moduleName),
		zap.Int("exported_functions", len(exports)),
	)

	return instance, nil
}

func (m *InstanceManager) instantiateSource(ctx context.Context, src source, instanceID string) (api.Module, string, error) {
	switch s := src.(type) {
	case hookSource:
		module, err := s.hook(ctx, m.runtime.runtime)
		if err == nil && module == nil {
			err = errors.New("instantiate hook returned no module")
		}
		if err != nil {
			return nil, "", &InstantiationError{ModuleName: s.kind(), InstanceID: instanceID, Err: err}
		}
		return module, module.Name(), nil

	case compiledSource:
		module, err := m.instantiateCompiled(ctx, s.module, s.kind(), instanceID)
		return module, s.kind(), err

	case bytesSource:
		compiled, err := m.loader.LoadModule(ctx, NewMemoryModuleSource(s.data))
		if err != nil {
			return nil, "", err
		}
		module, err := m.instantiateCompiled(ctx, compiled.Module, compiled.Name, instanceID)
		return module, compiled.Name, err

	case locationSource:
		ms, err := ResolveLocation(m.caps, s.location)
		if err != nil {
			return nil, "", err
		}
		compiled, err := m.loader.LoadModule(ctx, ms)
		if err != nil {
			return nil, "", err
		}
		module, err := m.instantiateCompiled(ctx, compiled.Module, compiled.Name, instanceID)
		return module, compiled.Name, err
	}

	return nil, "", &SourceError{Message: fmt.Sprintf("unsupported source %T", src)}
}

func (m *InstanceManager) instantiateCompiled(ctx context.Context, compiled wazero.CompiledModule, moduleName, instanceID string) (api.Module, error) {
	// Reactor-style cores export _initialize; missing start functions are skipped.
	config := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions("_initialize")

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: moduleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}
	return module, nil
}

// validateExports checks the memory and every required function export, including
// its arity, and returns the function table.
func validateExports(module api.Module, moduleName string) (map[string]api.Function, api.Memory, error) {
	verr := &ValidationError{ModuleName: moduleName}

	memory := module.ExportedMemory(abi.ExportMemory)
	if memory == nil {
		verr.Missing = append(verr.Missing, abi.ExportMemory)
	}

	exports := make(map[string]api.Function)
	check := func(name string, params, results int) {
		fn := module.ExportedFunction(name)
		if fn == nil {
			verr.Missing = append(verr.Missing, name)
			return
		}
		if !hasI32Signature(fn.Definition(), params, results) {
			verr.Mismatched = append(verr.Mismatched,
				fmt.Sprintf("%s (want %d i32 params, %d i32 results)", name, params, results))
			return
		}
		exports[name] = fn
	}

	check(abi.ExportAlloc, 1, 1)
	check(abi.ExportDealloc, 3, 0)
	for _, entry := range abi.EntryPoints {
		check(entry.Name, entry.Params(), 1)
	}

	if len(verr.Missing) > 0 || len(verr.Mismatched) > 0 {
		return nil, nil, verr
	}
	return exports, memory, nil
}

func hasI32Signature(def api.FunctionDefinition, params, results int) bool {
	if len(def.ParamTypes()) != params || len(def.ResultTypes()) != results {
		return false
	}
	for _, t := range def.ParamTypes() {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	for _, t := range def.ResultTypes() {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	return true
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Close closes the instance and releases resources, including import modules no
// other instance uses.
func (i *Instance) Close(ctx context.Context) error {
	err := i.module.Close(ctx)
	if i.runtime != nil {
		i.runtime.DeleteInstance(i.ID)
		i.runtime.unbindHostFunctions(i.module.Name())
		i.runtime.unbindHostFunctions(i.ID)
		i.runtime.releaseImports(ctx, i.ID)
	}
	return err
}

// generateInstanceID generates a unique instance ID.
func generateInstanceID() string {
	return fmt.Sprintf("core-%d", time.Now().UnixNano())
}
