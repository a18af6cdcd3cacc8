package wasm

import (
	"context"
	"sync"

	"github.com/plaid-run/plaid/internal/cache"
	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/secrets"
	"github.com/plaid-run/plaid/internal/storage"
	"github.com/plaid-run/plaid/internal/transport"
)

// RequestDispatcher executes a resolved outbound HTTP call, implemented
// by transport.Dispatcher (spec §4.4.5).
type RequestDispatcher interface {
	Dispatch(ctx context.Context, req domain.NamedRequest, body string, variables, headers map[string]string) (*transport.Response, error)
}

type invocationCtxKey struct{}

// Scheduler is the subset of the logback scheduler's surface the host
// functions depend on: submitting a freshly assembled DelayedMessage onto
// its internal channel (spec §4.3, §4.4.7).
type Scheduler interface {
	Submit(ctx context.Context, dm domain.DelayedMessage) error
}

// DebugSink receives print_debug_string output, decoupling this package
// from the logging spine's concrete sink fan-out (spec §4.7).
type DebugSink interface {
	Debug(moduleName, line string)
}

// Invocation is the per-call state bound into a guest instance's context,
// read and mutated by host functions during a single entrypoint call (spec
// §4.2, §4.4). A fresh Invocation backs every message dispatched to a
// module; it is never reused.
type Invocation struct {
	Module  *LoadedModule
	Message domain.Message

	Provider      storage.Provider
	Shared        map[string]*storage.SharedNamespace
	Secrets       *secrets.Store
	SecretsGroups map[string]secrets.Group
	NamedRequests map[string]domain.NamedRequest
	Scheduler     Scheduler
	Debug         DebugSink
	Requests      RequestDispatcher

	cancel context.CancelFunc

	mu            sync.Mutex
	response      []byte
	responseSet   bool
	errorContext  string
	fuelRemaining uint64
	logbackBudget domain.Quota
}

// NewInvocation constructs the state for one dispatch of msg to module.
// cancel is invoked once the module's computation_limit is exhausted;
// callers derive it from the context.CancelFunc of the context passed to
// wazero's InstantiateModule, relying on RuntimeConfig.WithCloseOnContextDone
// to abort the running guest promptly.
func NewInvocation(module *LoadedModule, msg domain.Message, cancel context.CancelFunc) *Invocation {
	return &Invocation{
		Module:        module,
		Message:       msg,
		cancel:        cancel,
		fuelRemaining: module.Module.Limits.ComputationLimit,
		logbackBudget: msg.LogbacksAllowed,
	}
}

func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationCtxKey{}, inv)
}

func InvocationFromContext(ctx context.Context) *Invocation {
	inv, _ := ctx.Value(invocationCtxKey{}).(*Invocation)
	return inv
}

// ChargeFuel deducts cost from the remaining computation budget. Once the
// budget is exhausted it cancels the invocation's context so wazero aborts
// the running instance (the fuel counter approximates the call-weighted
// metering described in spec §4.1 step 4; see metering.go for the
// approximation this implementation makes).
func (inv *Invocation) ChargeFuel(cost uint64) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.fuelRemaining < cost {
		inv.fuelRemaining = 0
		if inv.cancel != nil {
			inv.cancel()
		}
		return false
	}
	inv.fuelRemaining -= cost
	return true
}

// PrivateNamespace returns this invocation's module's private storage
// namespace, enforcing its persistent_storage_limit (spec §4.4.2).
func (inv *Invocation) PrivateNamespace() *storage.PrivateNamespace {
	return storage.NewPrivateNamespace(inv.Provider, inv.Module.Module.Name, inv.Module.Module.Limits.PersistentStorageLimit)
}

func (inv *Invocation) FuelUsed() uint64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.Module.Module.Limits.ComputationLimit - inv.fuelRemaining
}

// SetResponse records a response, truncating to the module's
// persistent_response_size if one is configured (spec §4.4.1: "the
// reference repository truncates").
func (inv *Invocation) SetResponse(b []byte) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if limit := inv.Module.Module.PersistentResponseSize; limit != nil && uint32(len(b)) > *limit {
		b = b[:*limit]
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	inv.response = cp
	inv.responseSet = true
}

func (inv *Invocation) Response() []byte {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.response
}

// ResponseSet reports whether set_response was called during this
// invocation, distinguishing "no response" from "an empty response".
func (inv *Invocation) ResponseSet() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.responseSet
}

func (inv *Invocation) SetErrorContext(s string) {
	inv.mu.Lock()
	inv.errorContext = s
	inv.mu.Unlock()
}

func (inv *Invocation) ErrorContext() string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.errorContext
}

// ReserveLogback applies the budget arithmetic of spec §4.3: each call
// costs 1 unit from the invoking message's remaining logbacks_allowed plus
// whatever numeric budget is handed to the child message, checked and
// deducted atomically. explicitUnlimited is set only for the
// log_back_unlimited variant, which requires the parent's own budget to
// already be Unlimited and otherwise grants no numeric child budget at all.
func (inv *Invocation) ReserveLogback(child domain.Quota, explicitUnlimited bool) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if explicitUnlimited {
		if !inv.logbackBudget.IsUnlimited() {
			return domain.NewHostError(domain.ErrOperationNotAllowed, "log_back_unlimited requires an unlimited parent budget")
		}
		return nil
	}

	if inv.logbackBudget.IsUnlimited() {
		return nil
	}
	if child.IsUnlimited() {
		return domain.NewHostError(domain.ErrOperationNotAllowed, "cannot grant an unlimited child budget from a limited parent")
	}

	cost := child.N() + 1
	remaining, ok := inv.logbackBudget.Sub(cost)
	if !ok {
		return domain.NewHostError(domain.ErrOperationNotAllowed, "logback budget exceeded")
	}
	inv.logbackBudget = remaining
	return nil
}
