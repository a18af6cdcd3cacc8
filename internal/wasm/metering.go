package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// callCost is charged for each entry into a host function (an imported or
// Go-implemented function); every guest function entry costs opCost.
// wazero has no built-in instruction-weighted fuel meter (unlike the
// wasmtime metering middleware the original runtime used), so fuel is
// approximated here by charging on every function invocation observed
// through the experimental FunctionListener API. Individual opcodes inside
// a function body are not metered. This is documented as a deliberate
// approximation (see DESIGN.md).
const (
	callCost = 10
	opCost   = 1
)

// meteringFactory installs a meteringListener on every function of a
// module, letting each Invocation's ChargeFuel bound total guest work
// regardless of which exported entry point or internal call chain is
// running.
type meteringFactory struct{}

func (meteringFactory) NewListener(def api.FunctionDefinition, _ interface{}) experimental.FunctionListener {
	cost := uint64(opCost)
	if def.Import() != nil || def.GoFunction() != nil {
		// Calls that cross the host/guest boundary are charged at the
		// call-family rate, matching the weighting for
		// call/call_indirect/return_call/return_call_indirect.
		cost = callCost
	}
	return &meteringListener{cost: cost}
}

type meteringListener struct {
	cost uint64
}

func (l *meteringListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64) {
	if inv := InvocationFromContext(ctx); inv != nil {
		inv.ChargeFuel(l.cost)
	}
}

func (l *meteringListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// withMetering threads the experimental function-listener factory into
// ctx so every function call in modules compiled under it is charged
// against the invocation's fuel budget.
func withMetering(ctx context.Context) context.Context {
	return experimental.WithFunctionListenerFactory(ctx, meteringFactory{})
}
