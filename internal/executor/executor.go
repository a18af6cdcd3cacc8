// Package executor implements the Execution Engine (spec §4.2): a fixed
// worker pool draining the event bus, dispatching each message to its
// channel's ordered module list, and recording performance and error
// telemetry.
package executor

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/eventbus"
	"github.com/plaid-run/plaid/internal/logging"
	"github.com/plaid-run/plaid/internal/wasm"
)

// PerformanceRecorder receives one (module, elapsed, computation_used)
// sample per completed invocation, feeding the Performance Monitor (spec
// §4.2 step 5, §4.7).
type PerformanceRecorder interface {
	Record(moduleName string, elapsed time.Duration, computationUsed uint64)
}

// ErrorSink receives a module execution fault: a trap, fuel exhaustion,
// memory-limit, or panic, none of which are fatal to the engine (spec
// §4.2 step 4, §7).
type ErrorSink interface {
	ModuleError(moduleName string, payload []byte, errorContext string, faultKind wasm.FaultKind)
}

// Config sizes the worker pool and toggles performance recording.
type Config struct {
	Workers           int
	RecordPerformance bool
}

// Executor is the Execution Engine. It owns no state about individual
// messages beyond what a single dispatch needs; the module Registry and
// wasm.Deps it is constructed with are shared, immutable references (spec
// §5 "the module registry is immutable after loading").
type Executor struct {
	registry  *wasm.Registry
	bus       *eventbus.Bus
	deps      wasm.Deps
	responses *eventbus.ResponseRouter
	perf      PerformanceRecorder
	errs      ErrorSink
	cfg       Config

	group *errgroup.Group
}

// New constructs an Executor. perf and errs may be nil; a nil perf
// disables performance recording regardless of cfg.RecordPerformance, and
// a nil errs falls back to the package-level operational logger.
func New(registry *wasm.Registry, bus *eventbus.Bus, deps wasm.Deps, responses *eventbus.ResponseRouter, perf PerformanceRecorder, errs ErrorSink, cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Executor{
		registry:  registry,
		bus:       bus,
		deps:      deps,
		responses: responses,
		perf:      perf,
		errs:      errs,
		cfg:       cfg,
	}
}

// Run launches the worker pool via an errgroup.Group: a fixed fan-out of
// e.cfg.Workers goroutines draining the same bus, each processing one
// message at a time while distinct workers process distinct messages
// concurrently (spec §4.2 "Scheduling model"). Run returns immediately;
// workers stop when ctx is cancelled or the bus is closed.
func (e *Executor) Run(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	e.group = group
	for i := 0; i < e.cfg.Workers; i++ {
		e.group.Go(func() error {
			e.worker(groupCtx)
			return nil
		})
	}
	logging.Op().Info("executor started", "workers", e.cfg.Workers)
}

// Wait blocks until every worker has exited.
func (e *Executor) Wait() {
	if e.group != nil {
		_ = e.group.Wait()
	}
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-e.bus.Receive():
			if !ok {
				return
			}
			e.dispatch(ctx, msg)
		}
	}
}

// dispatch invokes every module registered for msg's channel, in their
// declared order, on one worker (spec §4.2: "every such module is invoked
// in order on the same message; invocations are independent and a failure
// of one does not suppress the next").
func (e *Executor) dispatch(ctx context.Context, msg domain.Message) {
	handlers := e.registry.ForChannel(msg.Type)
	expectsResponse := msg.Source.ExpectsResponse()

	for _, lm := range handlers {
		res, err := wasm.Invoke(ctx, lm, msg, e.deps)
		if err != nil {
			logging.Op().Error("executor: invocation failed to start", "module", lm.Module.Name, "message_id", msg.ID, "error", err)
			continue
		}

		if res.Fault != nil {
			e.reportFault(lm.Module.Name, msg, res)
			continue
		}

		if e.cfg.RecordPerformance && e.perf != nil {
			e.perf.Record(res.ModuleName, res.Elapsed, res.FuelUsed)
		}

		if expectsResponse && res.HasResponse && e.responses != nil {
			e.responses.Deliver(msg.ID, res.Response)
		}
	}
}

func (e *Executor) reportFault(moduleName string, msg domain.Message, res *wasm.Result) {
	if e.errs != nil {
		e.errs.ModuleError(moduleName, msg.Data, res.ErrorContext, res.Fault.Kind)
		return
	}
	logging.Op().Error("executor: module execution error",
		"module", moduleName,
		"message_id", msg.ID,
		"error_context", res.ErrorContext,
		"detail", res.Fault.Detail,
	)
}
