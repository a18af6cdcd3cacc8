package wasm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/secrets"
	"github.com/plaid-run/plaid/internal/storage"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
)

// Deps bundles the shared collaborators every Invocation needs, assembled
// once by cmd/plaidd and reused across every dispatch (spec §4.2, §4.4).
type Deps struct {
	Provider      storage.Provider
	Shared        map[string]*storage.SharedNamespace
	Secrets       *secrets.Store
	SecretsGroups map[string]secrets.Group
	NamedRequests map[string]domain.NamedRequest
	Scheduler     Scheduler
	Debug         DebugSink
	Requests      RequestDispatcher
}

func newInvocation(lm *LoadedModule, msg domain.Message, deps Deps) *Invocation {
	inv := NewInvocation(lm, msg, nil)
	inv.Provider = deps.Provider
	inv.Shared = deps.Shared
	inv.Secrets = deps.Secrets
	inv.SecretsGroups = deps.SecretsGroups
	inv.NamedRequests = deps.NamedRequests
	inv.Scheduler = deps.Scheduler
	inv.Debug = deps.Debug
	inv.Requests = deps.Requests
	return inv
}

// Result is everything the Execution Engine records about one dispatch of
// a Message to a LoadedModule (spec §4.2 steps 2-5).
type Result struct {
	ModuleName   string
	Elapsed      time.Duration
	FuelUsed     uint64
	Response     []byte
	HasResponse  bool
	ErrorContext string
	Fault        *Fault
}

// FaultKind classifies why a guest invocation did not complete normally.
type FaultKind int

const (
	FaultNone FaultKind = iota
	// FaultComputationLimit fires when the fuel budget is exhausted
	// (spec §4.1 step 4 / §4.2 step 4).
	FaultComputationLimit
	// FaultMemoryLimit fires when the guest tries to grow memory past
	// page_limit (spec §4.1 step 4).
	FaultMemoryLimit
	// FaultTrap covers any other guest trap or panic (spec §4.2 step 5:
	// "a module that traps is treated as an independent failure").
	FaultTrap
)

type Fault struct {
	Kind   FaultKind
	Detail string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("wasm: %s", f.Detail)
}

// fuelNanosPerUnit converts a computation_limit's abstract fuel units into
// a wall-clock budget. wazero's compiler inserts a context.Done() check at
// every function call and loop back-edge when WithCloseOnContextDone is
// set (see registry.go/loader.go), which is what actually terminates a
// guest stuck in a tight compute loop with no further calls — the
// FunctionListener-based charging in metering.go only fires on function
// entry, so it cannot by itself bound a callless loop. Deriving the
// deadline from the same budget keeps the two mechanisms (call-weighted
// charging, wall-clock backstop) consistent with one configuration knob.
const fuelNanosPerUnit = 100 * time.Nanosecond

const (
	minFuelTimeout = time.Millisecond
	maxFuelTimeout = 30 * time.Second
)

func fuelTimeout(limit uint64) time.Duration {
	d := time.Duration(limit) * fuelNanosPerUnit
	if d < minFuelTimeout {
		return minFuelTimeout
	}
	if d > maxFuelTimeout {
		return maxFuelTimeout
	}
	return d
}

// Invoke instantiates a fresh sandbox from lm's compiled module, runs its
// entrypoint export against msg, and reports how the call ended. Every
// message dispatch gets its own instance; none are reused across calls
// (spec §4.2 step 1: "fresh-instantiate-per-invocation").
func Invoke(ctx context.Context, lm *LoadedModule, msg domain.Message, deps Deps) (*Result, error) {
	inv := newInvocation(lm, msg, deps)

	runCtx, cancel := context.WithTimeout(ctx, fuelTimeout(lm.Module.Limits.ComputationLimit))
	inv.cancel = cancel
	defer cancel()

	runCtx = WithInvocation(runCtx, inv)
	runCtx = withMetering(runCtx)

	start := time.Now()
	modCfg := wazero.NewModuleConfig().WithName(inv.Message.ID)
	module, err := lm.Runtime.InstantiateModule(runCtx, lm.Compiled, modCfg)
	if err != nil {
		res := &Result{ModuleName: lm.Module.Name, Elapsed: time.Since(start), FuelUsed: inv.FuelUsed()}
		res.Fault = classifyFault(lm.Module.Name, err)
		return res, nil
	}
	defer module.Close(ctx)

	fn := module.ExportedFunction("entrypoint")
	if fn == nil {
		return nil, fmt.Errorf("wasm: module %s exports no entrypoint", lm.Module.Name)
	}

	_, callErr := fn.Call(runCtx)
	elapsed := time.Since(start)

	res := &Result{
		ModuleName:   lm.Module.Name,
		Elapsed:      elapsed,
		FuelUsed:     inv.FuelUsed(),
		Response:     inv.Response(),
		ErrorContext: inv.ErrorContext(),
	}
	res.HasResponse = inv.ResponseSet()

	if callErr != nil {
		res.Fault = classifyFault(lm.Module.Name, callErr)
	}
	return res, nil
}

// classifyFault maps a wazero execution error into the Fault taxonomy the
// Execution Engine keys its bookkeeping on (spec §4.2 step 5, §4.7).
func classifyFault(moduleName string, err error) *Fault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Kind: FaultComputationLimit, Detail: fmt.Sprintf("%s: computation limit exhausted", moduleName)}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Kind: FaultComputationLimit, Detail: fmt.Sprintf("%s: %s", moduleName, exitErr.Error())}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") || strings.Contains(msg, "out of bounds") {
		return &Fault{Kind: FaultMemoryLimit, Detail: fmt.Sprintf("%s: %s", moduleName, msg)}
	}
	return &Fault{Kind: FaultTrap, Detail: fmt.Sprintf("%s: %s", moduleName, msg)}
}
