package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/docbridge/internal/coretest"
	"github.com/woxQAQ/docbridge/internal/wasm"
)

func writeCore(t *testing.T, fs afero.Fs, dir, manifest string, binary []byte) {
	t.Helper()
	if err := afero.WriteFile(fs, filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if binary != nil {
		if err := afero.WriteFile(fs, filepath.Join(dir, "core.wasm"), binary, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newLoader(t *testing.T, fs afero.Fs) *Loader {
	t.Helper()
	logger := zaptest.NewLogger(t)
	runtime, err := wasm.NewRuntime(context.Background(), logger, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = runtime.Close(context.Background()) })
	return NewLoader(runtime, fs, logger)
}

func TestParseManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCore(t, fs, "/cores/valid", `
name: orbit
version: 1.2.0
description: test core
wasm:
  file: core.wasm
`, []byte("wasm"))

	m, err := ParseManifest(fs, "/cores/valid")
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}
	if m.Name != "orbit" || m.Version != "1.2.0" {
		t.Errorf("manifest = %+v", m)
	}
	if m.WasmPath() != "/cores/valid/core.wasm" {
		t.Errorf("WasmPath() = %s, want /cores/valid/core.wasm", m.WasmPath())
	}
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name      string
		manifest  string
		binary    []byte
		wantField string
		wantType  any
	}{
		{name: "invalid yaml", manifest: "name: [", binary: []byte("x"), wantType: new(*ManifestParseError)},
		{name: "missing name", manifest: "version: 1.0.0\nwasm:\n  file: core.wasm\n", binary: []byte("x"), wantField: "name"},
		{name: "bad name", manifest: "name: Orbit Core\nversion: 1.0.0\nwasm:\n  file: core.wasm\n", binary: []byte("x"), wantField: "name"},
		{name: "missing version", manifest: "name: orbit\nwasm:\n  file: core.wasm\n", binary: []byte("x"), wantField: "version"},
		{name: "missing file", manifest: "name: orbit\nversion: 1.0.0\n", binary: []byte("x"), wantField: "wasm.file"},
		{name: "bad checksum", manifest: "name: orbit\nversion: 1.0.0\nwasm:\n  file: core.wasm\n  sha256: xyz\n", binary: []byte("x"), wantField: "wasm.sha256"},
		{name: "missing binary", manifest: "name: orbit\nversion: 1.0.0\nwasm:\n  file: core.wasm\n", wantType: new(*WasmNotFoundError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			writeCore(t, fs, "/cores/c", tt.manifest, tt.binary)

			_, err := ParseManifest(fs, "/cores/c")
			if err == nil {
				t.Fatal("ParseManifest() error = nil")
			}

			if tt.wantType != nil {
				if !errors.As(err, tt.wantType) {
					t.Errorf("error = %T, want %T", err, tt.wantType)
				}
				return
			}

			var verr *ManifestValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %T, want *ManifestValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %s, want %s", verr.Field, tt.wantField)
			}
		})
	}

	var nf *ManifestNotFoundError
	if _, err := ParseManifest(afero.NewMemMapFs(), "/nowhere"); !errors.As(err, &nf) {
		t.Errorf("ParseManifest(missing dir) error = %v, want *ManifestNotFoundError", err)
	}
}

func TestLoadCoreChecksum(t *testing.T) {
	fs := afero.NewMemMapFs()
	binary := coretest.Binary()
	sum := sha256.Sum256(binary)

	writeCore(t, fs, "/cores/good", "name: good\nversion: 1.0.0\nwasm:\n  file: core.wasm\n  sha256: "+hex.EncodeToString(sum[:])+"\n", binary)
	writeCore(t, fs, "/cores/bad", "name: bad\nversion: 1.0.0\nwasm:\n  file: core.wasm\n  sha256: "+hex.EncodeToString(make([]byte, 32))+"\n", binary)

	loader := newLoader(t, fs)

	core, err := loader.LoadCore(context.Background(), "/cores/good")
	if err != nil {
		t.Fatalf("LoadCore(good) error = %v", err)
	}
	if core.Compiled == nil || core.Compiled.Module == nil {
		t.Fatal("LoadCore() returned no compiled module")
	}

	_, err = loader.LoadCore(context.Background(), "/cores/bad")
	var cerr *ChecksumMismatchError
	if !errors.As(err, &cerr) {
		t.Fatalf("LoadCore(bad) error = %v, want *ChecksumMismatchError", err)
	}
}

func TestLoadCoreCompileError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCore(t, fs, "/cores/junk", "name: junk\nversion: 1.0.0\nwasm:\n  file: core.wasm\n", []byte("not wasm"))

	_, err := newLoader(t, fs).LoadCore(context.Background(), "/cores/junk")
	var lerr *CoreLoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("LoadCore() error = %v, want *CoreLoadError", err)
	}
	var compErr *wasm.CompilationError
	if !errors.As(err, &compErr) {
		t.Errorf("LoadCore() error = %v, want it to wrap *wasm.CompilationError", err)
	}
}

func TestDiscover(t *testing.T) {
	fs := afero.NewMemMapFs()
	binary := coretest.Binary()
	writeCore(t, fs, "/cores/beta", "name: beta\nversion: 2.0.0\nwasm:\n  file: core.wasm\n", binary)
	writeCore(t, fs, "/cores/alpha", "name: alpha\nversion: 1.0.0\nwasm:\n  file: core.wasm\n", binary)
	writeCore(t, fs, "/cores/broken", "name: broken\n", binary)
	writeCore(t, fs, "/more/alpha-copy", "name: alpha\nversion: 3.0.0\nwasm:\n  file: core.wasm\n", binary)
	if err := afero.WriteFile(fs, "/cores/README", []byte("not a core"), 0o644); err != nil {
		t.Fatal(err)
	}

	cat := New(zaptest.NewLogger(t))
	err := newLoader(t, fs).Discover(context.Background(), cat, []string{"/cores", "/more", "/missing"})
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	list := cat.List()
	if len(list) != 2 || list[0].Name() != "alpha" || list[1].Name() != "beta" {
		names := make([]string, len(list))
		for i, c := range list {
			names[i] = c.Name()
		}
		t.Errorf("List() = %v, want [alpha beta]", names)
	}

	// The first alpha wins; the duplicate is rejected.
	alpha, err := cat.Get("alpha")
	if err != nil {
		t.Fatalf("Get(alpha) error = %v", err)
	}
	if alpha.Version() != "1.0.0" {
		t.Errorf("alpha version = %s, want 1.0.0", alpha.Version())
	}

	var nf *CoreNotFoundError
	if _, err := cat.Get("gamma"); !errors.As(err, &nf) {
		t.Errorf("Get(gamma) error = %v, want *CoreNotFoundError", err)
	}
}

func TestDiscoverNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCore(t, fs, "/cores/broken", "name: broken\n", nil)

	err := newLoader(t, fs).Discover(context.Background(), New(zap.NewNop()), []string{"/cores"})
	var nerr *NoCoresFoundError
	if !errors.As(err, &nerr) {
		t.Fatalf("Discover() error = %v, want *NoCoresFoundError", err)
	}
	var verr *ManifestValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Discover() error = %v, want it to carry the manifest error", err)
	}
}

func TestCatalogDuplicate(t *testing.T) {
	cat := New(zap.NewNop())
	core := &Core{Manifest: &Manifest{Name: "orbit", Version: "1"}}

	if err := cat.Register(core); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	var derr *CoreAlreadyRegisteredError
	if err := cat.Register(core); !errors.As(err, &derr) {
		t.Errorf("Register(duplicate) error = %v, want *CoreAlreadyRegisteredError", err)
	}
	if cat.Count() != 1 {
		t.Errorf("Count() = %d, want 1", cat.Count())
	}
}
