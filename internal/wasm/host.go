package wasm

import (
	"context"
	"reflect"
	"sort"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/docbridge/api/wasm"
)

// HostFunctionsImpl implements host functions for core modules.
type HostFunctionsImpl struct {
	logger *zap.Logger
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger) *HostFunctionsImpl {
	return &HostFunctionsImpl{
		logger: logger.With(zap.String("component", "wasm-host")),
	}
}

// logMessage is called by core modules to log messages.
// Signature: log_message(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) logMessage(_ context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	// string() copies, so the view is not retained.
	text := string(msg)
	module := zap.String("module", mod.Name())

	switch level {
	case 0:
		h.logger.Debug(text, module)
	case 1:
		h.logger.Info(text, module)
	case 2:
		h.logger.Warn(text, module)
	case 3:
		h.logger.Error(text, module)
	default:
		h.logger.Info(text, module)
	}
}

// hostModule is an import module instantiated in a runtime.
type hostModule struct {
	module api.Module
	// table identifies the function map the module was built from.
	table uintptr
	// owners are the instance IDs using the module. A builtin module has none and
	// lives as long as the runtime.
	owners  map[string]bool
	builtin bool
}

// builtinImports is the host's own import table. It is shared by every instance in
// the runtime and routes each call to the host functions bound to the calling module.
func (r *Runtime) builtinImports() abi.Imports {
	return abi.Imports{
		abi.HostModule: {
			abi.HostLogMessage: r.logMessage,
		},
	}
}

func (r *Runtime) logMessage(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	r.hostFuncsFor(mod.Name()).logMessage(ctx, mod, level, ptr, length)
}

// bindHostFunctions routes host calls from the module named moduleName to h.
func (r *Runtime) bindHostFunctions(moduleName string, h *HostFunctionsImpl) {
	r.hostFuncs.Store(moduleName, h)
}

func (r *Runtime) unbindHostFunctions(moduleName string) {
	r.hostFuncs.Delete(moduleName)
}

func (r *Runtime) hostFuncsFor(moduleName string) *HostFunctionsImpl {
	if v, ok := r.hostFuncs.Load(moduleName); ok {
		return v.(*HostFunctionsImpl)
	}
	return r.defaultHost
}

// registerImports instantiates the import modules owner needs. The builtin host module
// is registered once per runtime unless imports replace it. A caller module name can
// be shared only by passing the same function map; a different map under a name that
// a live instance still uses is an *ImportConflictError, and no caller module is
// registered then.
func (r *Runtime) registerImports(ctx context.Context, owner string, imports abi.Imports) error {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()

	if _, ok := imports[abi.HostModule]; !ok {
		if _, ok := r.hostModules[abi.HostModule]; !ok {
			builtin := r.builtinImports()[abi.HostModule]
			mod, err := r.buildHostModule(ctx, abi.HostModule, builtin)
			if err != nil {
				return err
			}
			r.hostModules[abi.HostModule] = &hostModule{module: mod, table: tableID(builtin), builtin: true}
		}
	}

	names := make([]string, 0, len(imports))
	for name := range imports {
		names = append(names, name)
	}
	sort.Strings(names)

	// Check every name before instantiating anything.
	for _, modName := range names {
		existing, ok := r.hostModules[modName]
		if !ok || existing.table == tableID(imports[modName]) {
			continue
		}
		holder := "the runtime"
		if !existing.builtin {
			holder = firstOwner(existing.owners)
		}
		return &ImportConflictError{ModuleName: modName, Holder: holder}
	}

	var added []string
	for _, modName := range names {
		funcs := imports[modName]
		if existing, ok := r.hostModules[modName]; ok {
			if !existing.builtin {
				existing.owners[owner] = true
			}
			continue
		}

		mod, err := r.buildHostModule(ctx, modName, funcs)
		if err != nil {
			for _, name := range added {
				r.dropOwner(ctx, name, owner)
			}
			return err
		}
		r.hostModules[modName] = &hostModule{
			module: mod,
			table:  tableID(funcs),
			owners: map[string]bool{owner: true},
		}
		added = append(added, modName)
	}

	return nil
}

// releaseImports drops owner from every import module it registered or shared, and
// closes the modules nobody uses anymore.
func (r *Runtime) releaseImports(ctx context.Context, owner string) {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()

	for name, hm := range r.hostModules {
		if !hm.builtin && hm.owners[owner] {
			r.dropOwner(ctx, name, owner)
		}
	}
}

// dropOwner must be called with hostMu held.
func (r *Runtime) dropOwner(ctx context.Context, name, owner string) {
	hm := r.hostModules[name]
	delete(hm.owners, owner)
	if len(hm.owners) > 0 {
		return
	}

	delete(r.hostModules, name)
	if err := hm.module.Close(ctx); err != nil {
		r.logger.Warn("Failed to close host module", zap.String("module", name), zap.Error(err))
		return
	}
	r.logger.Debug("Host module closed", zap.String("module", name))
}

func (r *Runtime) buildHostModule(ctx context.Context, modName string, funcs map[string]any) (api.Module, error) {
	funcNames := make([]string, 0, len(funcs))
	for name := range funcs {
		funcNames = append(funcNames, name)
	}
	sort.Strings(funcNames)

	builder := r.runtime.NewHostModuleBuilder(modName)
	for _, fnName := range funcNames {
		builder.NewFunctionBuilder().
			WithFunc(funcs[fnName]).
			Export(fnName)
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, &HostFunctionError{FunctionName: modName, Err: err}
	}

	r.logger.Debug("Host module instantiated",
		zap.String("module", modName),
		zap.Strings("functions", funcNames),
	)
	return mod, nil
}

// tableID identifies a function map. Maps are references, so two import tables are the
// same table only if they are the same map.
func tableID(funcs map[string]any) uintptr {
	return reflect.ValueOf(funcs).Pointer()
}

func firstOwner(owners map[string]bool) string {
	names := make([]string, 0, len(owners))
	for name := range owners {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return "instance " + names[0]
}
