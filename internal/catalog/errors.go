package catalog

import (
	"fmt"
)

// ManifestNotFoundError occurs when core.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when core.yaml is not valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when core.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the binary referenced in a manifest doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// ChecksumMismatchError occurs when a core binary does not match its manifest checksum.
type ChecksumMismatchError struct {
	CoreName string
	Want     string
	Got      string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("core '%s' checksum mismatch: manifest says %s, binary is %s",
		e.CoreName, e.Want, e.Got)
}

// CoreLoadError occurs when a core cannot be read or compiled.
type CoreLoadError struct {
	CoreName string
	Err      error
}

func (e *CoreLoadError) Error() string {
	return fmt.Sprintf("failed to load core '%s': %v", e.CoreName, e.Err)
}

func (e *CoreLoadError) Unwrap() error {
	return e.Err
}

// CoreNotFoundError occurs when a core is not in the catalog.
type CoreNotFoundError struct {
	CoreName string
}

func (e *CoreNotFoundError) Error() string {
	return fmt.Sprintf("core '%s' not found", e.CoreName)
}

// CoreAlreadyRegisteredError occurs when two cores share a name.
type CoreAlreadyRegisteredError struct {
	CoreName string
}

func (e *CoreAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("core '%s' is already registered", e.CoreName)
}

// NoCoresFoundError occurs when no cores are found in the scanned paths.
type NoCoresFoundError struct {
	Paths []string
}

func (e *NoCoresFoundError) Error() string {
	return fmt.Sprintf("no cores found in paths: %v", e.Paths)
}
