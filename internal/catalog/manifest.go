package catalog

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name looked up in each core directory.
const ManifestFile = "core.yaml"

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Manifest represents the core.yaml structure.
type Manifest struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Wasm        WasmConfig `yaml:"wasm"`

	// Directory containing the manifest.
	dir string
}

// WasmConfig locates the core binary relative to the manifest.
type WasmConfig struct {
	File string `yaml:"file"`
	// Hex SHA-256 of the binary. Checked at load time when set.
	SHA256 string `yaml:"sha256"`
}

// ParseManifest reads and validates core.yaml from dir.
func ParseManifest(fs afero.Fs, dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := afero.ReadFile(fs, manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{Path: manifestPath, Err: err}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{Path: manifestPath, Err: err}
	}
	m.dir = dir

	if err := m.Validate(fs); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the binary exists.
func (m *Manifest) Validate(fs afero.Fs) error {
	switch {
	case m.Name == "":
		return m.invalid("name", "name is required")
	case !namePattern.MatchString(m.Name):
		return m.invalid("name", "name must be lowercase letters, digits, '.', '_' or '-'")
	case m.Version == "":
		return m.invalid("version", "version is required")
	case m.Wasm.File == "":
		return m.invalid("wasm.file", "wasm.file is required")
	}

	if m.Wasm.SHA256 != "" {
		if b, err := hex.DecodeString(m.Wasm.SHA256); err != nil || len(b) != 32 {
			return m.invalid("wasm.sha256", "wasm.sha256 must be 64 hex characters")
		}
	}

	if _, err := fs.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{ManifestPath: m.Path(), WasmFile: m.Wasm.File}
	}

	return nil
}

func (m *Manifest) invalid(field, message string) error {
	return &ManifestValidationError{Path: m.Path(), Field: field, Message: message}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the core binary.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}
