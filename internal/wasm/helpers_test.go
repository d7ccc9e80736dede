package wasm

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/docbridge/internal/coretest"
)

type testCore struct {
	runtime    *Runtime
	manager    *InstanceManager
	instance   *Instance
	dispatcher *Dispatcher
	core       *coretest.Core
	fs         afero.Fs
}

// newTestCore instantiates the test core in a fresh runtime. Each runtime registers the
// test core's import module once, so every test core gets its own runtime.
func newTestCore(t *testing.T, core *coretest.Core, opts ...coretest.BinaryOption) *testCore {
	t.Helper()
	if core == nil {
		core = coretest.New()
	}
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	runtime, err := NewRuntime(ctx, logger, nil)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(func() { _ = runtime.Close(context.Background()) })

	fs := afero.NewMemMapFs()
	manager := NewInstanceManager(runtime, NewHostFunctions(logger), Capabilities{FS: fs}, logger)

	instance, err := manager.Instantiate(ctx, &Options{
		Binary:  coretest.Binary(opts...),
		Imports: core.Imports(),
	})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}

	return &testCore{
		runtime:    runtime,
		manager:    manager,
		instance:   instance,
		dispatcher: NewDispatcher(instance, logger),
		core:       core,
		fs:         fs,
	}
}

func (tc *testCore) assertBalanced(t *testing.T) {
	t.Helper()
	stats := tc.core.Stats()
	if stats.Allocs != stats.Frees || stats.Live != 0 {
		t.Errorf("core stats = %+v, want allocs == frees and no live buffers", stats)
	}
	if stats.DoubleFrees != 0 {
		t.Errorf("core double frees = %d, want 0", stats.DoubleFrees)
	}
	if out := tc.dispatcher.Stats().Outstanding(); out != 0 {
		t.Errorf("dispatcher outstanding = %d, want 0", out)
	}
}

func decodeString(b []byte) (string, error) {
	return string(b), nil
}
