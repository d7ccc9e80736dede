// Package catalog discovers named cores on disk. Each core lives in its own directory
// next to a core.yaml manifest; the catalog compiles every core into a shared runtime
// so clients can instantiate them by name.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/woxQAQ/docbridge/internal/wasm"
)

// Core is a discovered core with its manifest and compiled module.
type Core struct {
	Manifest *Manifest
	Compiled *wasm.CompiledModule
	LoadedAt time.Time
}

// Name returns the core name.
func (c *Core) Name() string {
	return c.Manifest.Name
}

// Version returns the core version.
func (c *Core) Version() string {
	return c.Manifest.Version
}

// Catalog holds loaded cores by name.
type Catalog struct {
	mu     sync.RWMutex
	cores  map[string]*Core
	logger *zap.Logger
}

// New creates an empty catalog.
func New(logger *zap.Logger) *Catalog {
	return &Catalog{
		cores:  make(map[string]*Core),
		logger: logger.With(zap.String("component", "core-catalog")),
	}
}

// Register adds a core. Names are unique.
func (c *Catalog) Register(core *Core) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := core.Name()
	if _, exists := c.cores[name]; exists {
		return &CoreAlreadyRegisteredError{CoreName: name}
	}
	c.cores[name] = core

	c.logger.Info("Core registered",
		zap.String("name", name),
		zap.String("version", core.Version()),
	)
	return nil
}

// Get retrieves a core by name.
func (c *Catalog) Get(name string) (*Core, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	core, ok := c.cores[name]
	if !ok {
		return nil, &CoreNotFoundError{CoreName: name}
	}
	return core, nil
}

// List returns all cores sorted by name.
func (c *Catalog) List() []*Core {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*Core, 0, len(c.cores))
	for _, core := range c.cores {
		result = append(result, core)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Count returns the number of registered cores.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cores)
}

// Loader reads cores from disk and compiles them.
type Loader struct {
	fs           afero.Fs
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a loader that compiles into runtime.
func NewLoader(runtime *wasm.Runtime, fs afero.Fs, logger *zap.Logger) *Loader {
	return &Loader{
		fs:           fs,
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "core-loader")),
	}
}

// LoadCore loads the core in dir, verifying its checksum if the manifest has one.
func (l *Loader) LoadCore(ctx context.Context, dir string) (*Core, error) {
	manifest, err := ParseManifest(l.fs, dir)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(l.fs, manifest.WasmPath())
	if err != nil {
		return nil, &CoreLoadError{CoreName: manifest.Name, Err: err}
	}

	// The in-memory source is keyed by content hash, which doubles as the checksum.
	source := wasm.NewMemoryModuleSource(data)
	if want := strings.ToLower(manifest.Wasm.SHA256); want != "" {
		if got := strings.TrimPrefix(source.Name(), "sha256:"); got != want {
			return nil, &ChecksumMismatchError{CoreName: manifest.Name, Want: want, Got: got}
		}
	}

	compiled, err := l.moduleLoader.LoadModule(ctx, source)
	if err != nil {
		return nil, &CoreLoadError{CoreName: manifest.Name, Err: err}
	}

	l.logger.Info("Core loaded",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return &Core{Manifest: manifest, Compiled: compiled, LoadedAt: time.Now()}, nil
}

// Discover loads every core directory under paths into cat. Directories that fail to
// load are logged and skipped; it is an error only if nothing loads.
func (l *Loader) Discover(ctx context.Context, cat *Catalog, paths []string) error {
	var errs []error
	loaded := 0

	for _, basePath := range paths {
		entries, err := afero.ReadDir(l.fs, basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Core path does not exist", zap.String("path", basePath))
				continue
			}
			return fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(basePath, entry.Name())

			core, err := l.LoadCore(ctx, dir)
			if err == nil {
				err = cat.Register(core)
			}
			if err != nil {
				l.logger.Error("Failed to load core", zap.String("dir", dir), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			loaded++
		}
	}

	if loaded == 0 {
		return errors.Join(append([]error{&NoCoresFoundError{Paths: paths}}, errs...)...)
	}
	if len(errs) > 0 {
		l.logger.Warn("Some cores failed to load",
			zap.Int("loaded", loaded),
			zap.Int("failed", len(errs)),
		)
	}
	return nil
}
