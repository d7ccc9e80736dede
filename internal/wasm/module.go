package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Fetcher retrieves bytes from a location over the network.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// Capabilities describes what the hosting environment allows. A nil field means the
// capability is absent; code never inspects the environment on its own.
type Capabilities struct {
	// FS provides local file access.
	FS afero.Fs

	// Fetcher provides network fetch.
	Fetcher Fetcher
}

// LocalCapabilities returns the capabilities of a regular process: the OS filesystem
// and HTTP fetch.
func LocalCapabilities() Capabilities {
	return Capabilities{
		FS:      afero.NewOsFs(),
		Fetcher: NewHTTPFetcher(nil),
	}
}

// HTTPFetcher fetches module bytes with an http.Client.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher. A nil client uses a client with a 60s timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch performs a GET request and returns the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected HTTP status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes(ctx context.Context) ([]byte, error)

	// Name returns a name/identifier for this module, used as the cache key.
	Name() string
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	FS   afero.Fs
	Path string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes(_ context.Context) ([]byte, error) {
	return afero.ReadFile(f.FS, f.Path)
}

// Name returns the file path as the module name.
func (f *FileModuleSource) Name() string {
	return "file:" + f.Path
}

// URLModuleSource loads Wasm over the network.
type URLModuleSource struct {
	Fetcher Fetcher
	URL     string
}

// Bytes fetches the module.
func (u *URLModuleSource) Bytes(ctx context.Context) ([]byte, error) {
	return u.Fetcher.Fetch(ctx, u.URL)
}

// Name returns the URL as the module name.
func (u *URLModuleSource) Name() string {
	return u.URL
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// NewMemoryModuleSource names data by its content hash.
func NewMemoryModuleSource(data []byte) *MemoryModuleSource {
	return &MemoryModuleSource{ModuleName: contentKey(data), Data: data}
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes(_ context.Context) ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// localPath returns the filesystem path a location refers to, if it is a local-file
// reference: a file:// URL or a plain path.
func localPath(location string) (string, bool) {
	u, err := url.Parse(location)
	if err != nil {
		return location, true
	}
	switch {
	case u.Scheme == "file":
		return filepath.FromSlash(u.Path), true
	case u.Scheme == "":
		return location, true
	case len(u.Scheme) == 1:
		// Windows drive letter, e.g. C:\core.wasm
		return location, true
	default:
		return "", false
	}
}

// ResolveLocation picks how to read a location: local files are read through caps.FS
// when available, anything else goes through caps.Fetcher.
func ResolveLocation(caps Capabilities, location string) (ModuleSource, error) {
	if location == "" {
		return nil, &SourceError{Message: "empty module location"}
	}

	if path, ok := localPath(location); ok && caps.FS != nil {
		return &FileModuleSource{FS: caps.FS, Path: path}, nil
	}

	if caps.Fetcher != nil {
		return &URLModuleSource{Fetcher: caps.Fetcher, URL: location}, nil
	}

	capability := "network fetch"
	if _, ok := localPath(location); ok {
		capability = "local file access or network fetch"
	}
	return nil, &CapabilityError{Capability: capability, Operation: "loading module from " + location}
}

// ModuleLoader handles loading and compiling Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// LoadModule loads a Wasm module from a source and compiles it unless the runtime already
// holds a module compiled from the same bytes. Bytes are read on every call, so a file
// or URL whose content changed is recompiled rather than served from the cache.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	// Load Wasm bytes
	wasmBytes, err := source.Bytes(ctx)
	if err != nil {
		return nil, &FetchError{Location: source.Name(), Err: err}
	}

	// Check cache first
	key := contentKey(wasmBytes)
	if cached, ok := l.runtime.GetCompiledModule(key); ok {
		l.logger.Debug("Module cache hit",
			zap.String("module", source.Name()),
			zap.String("key", key),
		)
		return cached, nil
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	// wazero.CompileModule decodes and validates the Wasm binary
	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	duration := time.Since(startTime)

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Key:        key,
		Source:     sourceLabel(source),
		SizeBytes:  int64(len(wasmBytes)),
		CompiledAt: time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", duration),
	)

	return compiledModule, nil
}

// contentKey names Wasm bytes by their SHA-256.
func contentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func sourceLabel(source ModuleSource) string {
	switch s := source.(type) {
	case *FileModuleSource:
		return s.Path
	case *URLModuleSource:
		return s.URL
	default:
		return source.Name()
	}
}
