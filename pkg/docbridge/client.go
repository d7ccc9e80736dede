// Package docbridge drives a compiled document-language core from Go.
//
// A Client owns one core instance. Every operation copies its input into core memory,
// calls one entry point and copies the result back out, releasing all core buffers
// before it returns. Reported core errors come back as *CoreError; anything else is a
// host-side failure.
package docbridge

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	abi "github.com/woxQAQ/docbridge/api/wasm"
	"github.com/woxQAQ/docbridge/internal/input"
	"github.com/woxQAQ/docbridge/internal/wasm"
	"github.com/woxQAQ/docbridge/pkg/protocol"
)

type (
	// Runtime hosts core instances. Several clients may share one.
	Runtime = wasm.Runtime

	// RuntimeConfig configures a Runtime.
	RuntimeConfig = wasm.RuntimeConfig

	// Capabilities describes the environment's local file and network access.
	Capabilities = wasm.Capabilities

	// Hook takes over core instantiation.
	Hook = wasm.Hook

	// CoreError is an error reported by the core: kind, message and span.
	CoreError = wasm.CoreError

	// ImportConflictError reports an import module already served by another client.
	ImportConflictError = wasm.ImportConflictError

	// Stats counts core allocations made by a client.
	Stats = wasm.AllocStats

	// EvaluateOptions is the explicit form of an evaluate input.
	EvaluateOptions = input.Options
)

// NewRuntime creates a runtime that clients can share through Options.Runtime.
func NewRuntime(ctx context.Context, logger *zap.Logger, config *RuntimeConfig) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return wasm.NewRuntime(ctx, logger, config)
}

// LocalCapabilities returns the OS filesystem and HTTP fetch.
func LocalCapabilities() Capabilities {
	return wasm.LocalCapabilities()
}

// Options configures a Client. One of Instantiate, Module, Binary or URL is required;
// when several are set the first in that order wins.
type Options struct {
	Binary      []byte
	Module      wazero.CompiledModule
	URL         string
	Instantiate Hook

	// Imports are added to the core's import table. On a shared Runtime, clients that
	// are open at the same time can use one import module only through the same map;
	// a different map fails with *ImportConflictError.
	Imports abi.Imports

	// Capabilities used for URL and for Evaluate file probing. Nil means
	// LocalCapabilities.
	Capabilities *Capabilities

	// Runtime to instantiate into. The client does not close a runtime it was given.
	// When nil, a private runtime is created from RuntimeConfig.
	Runtime       *Runtime
	RuntimeConfig *RuntimeConfig

	Logger *zap.Logger
}

// JSONOptions controls ValueToJSON output.
type JSONOptions struct {
	Pretty bool
}

// Client is a handle to one core instance. It is not safe for concurrent use: calls
// share the core's allocator and memory, so callers must serialize them.
type Client struct {
	runtime     *Runtime
	ownsRuntime bool
	instance    *wasm.Instance
	dispatcher  *wasm.Dispatcher
	resolver    *input.Resolver
	logger      *zap.Logger
}

// New instantiates and validates a core. A core missing any required export fails here,
// before any call is made.
func New(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	caps := LocalCapabilities()
	if opts.Capabilities != nil {
		caps = *opts.Capabilities
	}

	runtime := opts.Runtime
	ownsRuntime := false
	if runtime == nil {
		r, err := wasm.NewRuntime(ctx, logger, opts.RuntimeConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create runtime: %w", err)
		}
		runtime = r
		ownsRuntime = true
	}

	manager := wasm.NewInstanceManager(runtime, wasm.NewHostFunctions(logger), caps, logger)
	instance, err := manager.Instantiate(ctx, &wasm.Options{
		Binary:      opts.Binary,
		Module:      opts.Module,
		URL:         opts.URL,
		Instantiate: opts.Instantiate,
		Imports:     opts.Imports,
	})
	if err != nil {
		if ownsRuntime {
			_ = runtime.Close(ctx)
		}
		return nil, err
	}

	return &Client{
		runtime:     runtime,
		ownsRuntime: ownsRuntime,
		instance:    instance,
		dispatcher:  wasm.NewDispatcher(instance, logger),
		resolver:    input.NewResolver(caps.FS, logger),
		logger:      logger.With(zap.String("component", "docbridge"), zap.String("instance_id", instance.ID)),
	}, nil
}

// Version returns the core's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	return wasm.Invoke(ctx, c.dispatcher, abi.Version, nil, nil, decodeText)
}

// Parse parses source into an AST. Syntax errors are returned as *CoreError.
func (c *Client) Parse(ctx context.Context, source string) (protocol.Value, error) {
	return wasm.Invoke(ctx, c.dispatcher, abi.Parse, []byte(source), nil, decodeTree)
}

// ParseWithRecovery parses source, collecting syntax errors into the report instead of
// failing on the first one.
func (c *Client) ParseWithRecovery(ctx context.Context, source string) (*protocol.ParseReport, error) {
	return wasm.Invoke(ctx, c.dispatcher, abi.ParseWithRecovery, []byte(source), nil, decodeReport)
}

// Evaluate evaluates in. If in names a readable file, the file's contents are evaluated;
// otherwise in is evaluated as source text.
func (c *Client) Evaluate(ctx context.Context, in string) (protocol.Value, error) {
	return c.evaluate(ctx, c.resolver.ResolveText(in))
}

// EvaluateOptions evaluates opts.Source, or the file at opts.FilePath. Unlike Evaluate,
// a file that cannot be read is an error.
func (c *Client) EvaluateOptions(ctx context.Context, opts EvaluateOptions) (protocol.Value, error) {
	source, err := c.resolver.ResolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return c.evaluate(ctx, source)
}

func (c *Client) evaluate(ctx context.Context, source string) (protocol.Value, error) {
	return wasm.Invoke(ctx, c.dispatcher, abi.Evaluate, []byte(source), nil, decodeTree)
}

// EvaluateAST evaluates an AST produced by Parse.
func (c *Client) EvaluateAST(ctx context.Context, ast protocol.Value) (protocol.Value, error) {
	in, err := encodeTree(ast)
	if err != nil {
		return nil, err
	}
	return wasm.Invoke(ctx, c.dispatcher, abi.EvaluateAST, in, nil, decodeTree)
}

// ValueToJSON renders v as JSON text using the core's encoder.
func (c *Client) ValueToJSON(ctx context.Context, v protocol.Value, opts JSONOptions) (string, error) {
	in, err := encodeTree(v)
	if err != nil {
		return "", err
	}
	var pretty uint32
	if opts.Pretty {
		pretty = 1
	}
	return wasm.Invoke(ctx, c.dispatcher, abi.ValueToJSON, in, []uint64{api.EncodeU32(pretty)}, decodeText)
}

// ValueToYAML renders v as YAML text.
func (c *Client) ValueToYAML(ctx context.Context, v protocol.Value) (string, error) {
	in, err := encodeTree(v)
	if err != nil {
		return "", err
	}
	return wasm.Invoke(ctx, c.dispatcher, abi.ValueToYAML, in, nil, decodeText)
}

// ValueToMsgpack renders v as MessagePack bytes.
func (c *Client) ValueToMsgpack(ctx context.Context, v protocol.Value) ([]byte, error) {
	in, err := encodeTree(v)
	if err != nil {
		return nil, err
	}
	return wasm.Invoke(ctx, c.dispatcher, abi.ValueToMsgpack, in, nil, decodeBytes)
}

// Stats returns the client's core allocation counters.
func (c *Client) Stats() Stats {
	return c.dispatcher.Stats()
}

// Close closes the core instance, and the runtime if the client created it.
func (c *Client) Close(ctx context.Context) error {
	err := c.instance.Close(ctx)
	if c.ownsRuntime {
		if rerr := c.runtime.Close(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}
	if stats := c.Stats(); stats.Outstanding() != 0 {
		c.logger.Warn("Client closed with outstanding core allocations",
			zap.Int64("outstanding", stats.Outstanding()),
		)
	}
	return err
}

func encodeTree(v protocol.Value) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return b, nil
}

func decodeText(b []byte) (string, error) {
	return string(b), nil
}

func decodeBytes(b []byte) ([]byte, error) {
	return b, nil
}

func decodeTree(b []byte) (protocol.Value, error) {
	var v protocol.Value
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeReport(b []byte) (*protocol.ParseReport, error) {
	var report protocol.ParseReport
	if err := json.Unmarshal(b, &report); err != nil {
		return nil, err
	}
	if report.Errors == nil {
		report.Errors = []protocol.ErrorPayload{}
	}
	return &report, nil
}
