package wasm

import (
	"context"
	"testing"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/tetratelabs/wazero"
)

// successModuleWASM is a hand-assembled minimal module exporting
// entrypoint() -> i32 that returns 0 immediately, used to exercise the
// success path of Invoke without depending on a guest toolchain.
var successModuleWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f, // type section: () -> i32
	0x03, 0x02, 0x01, 0x00, // function section: func 0 uses type 0
	0x07, 0x0e, 0x01, 0x0a, 'e', 'n', 't', 'r', 'y', 'p', 'o', 'i', 'n', 't', 0x00, 0x00, // export "entrypoint"
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x41, 0x00, 0x0b, // code: i32.const 0; end
}

// infiniteLoopWASM exports entrypoint() -> i32 whose body loops forever
// (loop; br 0), used to exercise the computation-limit fault path.
var infiniteLoopWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0e, 0x01, 0x0a, 'e', 'n', 't', 'r', 'y', 'p', 'o', 'i', 'n', 't', 0x00, 0x00,
	0x0a, 0x0a, 0x01, 0x08, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b, // code: loop; br 0; end; unreachable; end
}

func newTestModule(t *testing.T, wasmBytes []byte, limits domain.ResourceLimits) *LoadedModule {
	t.Helper()
	ctx := context.Background()
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.PageLimit > 0 {
		cfg = cfg.WithMemoryLimitPages(limits.PageLimit)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	t.Cleanup(func() { rt.Close(ctx) })

	if _, err := BuildHostModule(ctx, rt); err != nil {
		t.Fatalf("build host module: %v", err)
	}
	compiled, err := rt.CompileModule(withMetering(ctx), wasmBytes)
	if err != nil {
		t.Fatalf("compile module: %v", err)
	}
	return &LoadedModule{
		Module: domain.PlaidModule{
			Name:    "test.wasm",
			Channel: "test",
			Limits:  limits,
		},
		Runtime:  rt,
		Compiled: compiled,
	}
}

func TestInvokeSuccess(t *testing.T) {
	lm := newTestModule(t, successModuleWASM, domain.ResourceLimits{
		ComputationLimit:       10_000_000,
		PersistentStorageLimit: domain.Unlimited(),
	})
	msg := domain.NewMessage("test", nil, domain.NewGeneratorSource("cron", ""), domain.Unlimited())

	res, err := Invoke(context.Background(), lm, msg, Deps{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Fault != nil {
		t.Fatalf("expected no fault, got %+v", res.Fault)
	}
}

func TestInvokeComputationLimitExhausted(t *testing.T) {
	lm := newTestModule(t, infiniteLoopWASM, domain.ResourceLimits{
		ComputationLimit:       10,
		PersistentStorageLimit: domain.Unlimited(),
	})
	msg := domain.NewMessage("test", nil, domain.NewGeneratorSource("cron", ""), domain.Unlimited())

	res, err := Invoke(context.Background(), lm, msg, Deps{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Fault == nil {
		t.Fatal("expected a fault from an infinite loop under a tiny computation limit")
	}
	if res.Fault.Kind != FaultComputationLimit {
		t.Fatalf("expected FaultComputationLimit, got %+v", res.Fault)
	}
}
