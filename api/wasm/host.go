package wasm

// HostModule is the import module name under which the host exposes its own functions
// to the core.
const HostModule = "docbridge_host"

// Host functions exported to the core:
//
//	docbridge_host.log_message(level i32, ptr i32, len i32)
//
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
const HostLogMessage = "log_message"

// Imports holds additional entries for the core's import table, keyed by import module
// name and then by function name. Each function must be a Go func accepted by wazero's
// FunctionBuilder.WithFunc. Each module's function map identifies the table: instances
// sharing a runtime share an import module only through the same map.
type Imports map[string]map[string]any
