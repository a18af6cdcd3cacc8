package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/eventbus"
	"github.com/plaid-run/plaid/internal/wasm"
	"github.com/tetratelabs/wazero"
)

// successModuleWASM exports entrypoint() -> i32 returning 0 immediately.
var successModuleWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0e, 0x01, 0x0a, 'e', 'n', 't', 'r', 'y', 'p', 'o', 'i', 'n', 't', 0x00, 0x00,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0b,
}

// infiniteLoopWASM exports entrypoint() -> i32 whose body never returns.
var infiniteLoopWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0e, 0x01, 0x0a, 'e', 'n', 't', 'r', 'y', 'p', 'o', 'i', 'n', 't', 0x00, 0x00,
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b,
}

func newLoadedModule(t *testing.T, name, channel string, wasmBytes []byte, limits domain.ResourceLimits) *wasm.LoadedModule {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	t.Cleanup(func() { rt.Close(ctx) })
	if _, err := wasm.BuildHostModule(ctx, rt); err != nil {
		t.Fatalf("build host module: %v", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return &wasm.LoadedModule{
		Module: domain.PlaidModule{
			Name:    name,
			Channel: channel,
			Limits:  limits,
		},
		Runtime:  rt,
		Compiled: compiled,
	}
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRecorder) Record(moduleName string, elapsed time.Duration, computationUsed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, moduleName)
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeErrorSink struct {
	mu     sync.Mutex
	faults []wasm.FaultKind
}

func (f *fakeErrorSink) ModuleError(moduleName string, payload []byte, errorContext string, faultKind wasm.FaultKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, faultKind)
}

func (f *fakeErrorSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.faults)
}

func TestExecutorDispatchesSuccessfulModuleAndRecordsPerformance(t *testing.T) {
	registry := wasm.NewRegistry()
	lm := newLoadedModule(t, "ok.wasm", "demo", successModuleWASM, domain.ResourceLimits{
		ComputationLimit:       10_000_000,
		PersistentStorageLimit: domain.Unlimited(),
	})
	registry.Add(lm)

	bus := eventbus.New(4)
	perf := &fakeRecorder{}
	errs := &fakeErrorSink{}
	exec := New(registry, bus, wasm.Deps{}, eventbus.NewResponseRouter(), perf, errs, Config{Workers: 1, RecordPerformance: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Run(ctx)

	msg := domain.NewMessage("demo", nil, domain.NewGeneratorSource("cron", ""), domain.Unlimited())
	if err := bus.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for perf.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if perf.count() != 1 {
		t.Fatalf("expected 1 recorded performance sample, got %d", perf.count())
	}
	if errs.count() != 0 {
		t.Fatalf("expected no faults, got %d", errs.count())
	}
}

func TestExecutorReportsFaultForRunawayModule(t *testing.T) {
	registry := wasm.NewRegistry()
	lm := newLoadedModule(t, "loop.wasm", "demo", infiniteLoopWASM, domain.ResourceLimits{
		ComputationLimit:       10,
		PersistentStorageLimit: domain.Unlimited(),
	})
	registry.Add(lm)

	bus := eventbus.New(4)
	perf := &fakeRecorder{}
	errs := &fakeErrorSink{}
	exec := New(registry, bus, wasm.Deps{}, eventbus.NewResponseRouter(), perf, errs, Config{Workers: 1, RecordPerformance: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Run(ctx)

	msg := domain.NewMessage("demo", nil, domain.NewGeneratorSource("cron", ""), domain.Unlimited())
	if err := bus.Send(ctx, msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for errs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if errs.count() != 1 {
		t.Fatalf("expected 1 reported fault, got %d", errs.count())
	}
	if perf.count() != 0 {
		t.Fatalf("a faulted invocation must not record a performance sample, got %d", perf.count())
	}
}
