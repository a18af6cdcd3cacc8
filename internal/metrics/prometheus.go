// Package metrics implements the Performance Monitor (spec §4.7): it
// consumes (module, elapsed, computation_used) samples from the executor,
// keeps per-module aggregates with overflow-safe updates, and exposes the
// same data as Prometheus collectors for scraping.
package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/plaid-run/plaid/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultBuckets covers sub-millisecond host-call overhead up to a slow,
// multi-second invocation dominated by an outbound named request.
var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// moduleAggregate is the in-process mirror of a module's lifetime
// performance counters (spec §4.7: "(runs, total_elapsed, total_computation)
// with overflow-safe updates").
type moduleAggregate struct {
	Runs             uint64 `json:"runs"`
	TotalElapsedNs    uint64 `json:"total_elapsed_ns"`
	TotalComputation uint64 `json:"total_computation"`
	MaxedOut         bool   `json:"maxed_out"`
}

// PerformanceMonitor implements executor.PerformanceRecorder, maintaining
// both the raw aggregate table (for the shutdown report) and Prometheus
// collectors derived from the same samples.
type PerformanceMonitor struct {
	registry   *prometheus.Registry
	reportPath string

	mu         sync.Mutex
	aggregates map[string]*moduleAggregate

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	computationTotal   *prometheus.CounterVec
	faultsTotal        *prometheus.CounterVec
	maxedOutTotal      *prometheus.CounterVec
	startTime          time.Time
	uptime             prometheus.GaugeFunc
}

// NewPerformanceMonitor constructs a PerformanceMonitor and registers its
// collectors under namespace. reportPath may be empty, in which case
// Shutdown writes no report file.
func NewPerformanceMonitor(namespace, reportPath string) *PerformanceMonitor {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PerformanceMonitor{
		registry:   registry,
		reportPath: reportPath,
		aggregates: make(map[string]*moduleAggregate),
		startTime:  time.Now(),

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_invocations_total",
				Help:      "Total number of module invocations dispatched by the executor",
			},
			[]string{"module"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_invocation_duration_seconds",
				Help:      "Wall-clock duration of a module invocation",
				Buckets:   defaultBuckets,
			},
			[]string{"module"},
		),
		computationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_computation_used_total",
				Help:      "Total fuel units consumed by a module across all invocations",
			},
			[]string{"module"},
		),
		faultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_faults_total",
				Help:      "Total module execution faults by kind",
			},
			[]string{"module", "kind"},
		),
		maxedOutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_aggregate_maxed_out_total",
				Help:      "Count of samples dropped because a module's lifetime aggregate overflowed",
			},
			[]string{"module"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the performance monitor started",
		},
		func() float64 { return time.Since(pm.startTime).Seconds() },
	)

	registry.MustRegister(
		pm.invocationsTotal,
		pm.invocationDuration,
		pm.computationTotal,
		pm.faultsTotal,
		pm.maxedOutTotal,
		pm.uptime,
	)

	return pm
}

// addOverflow reports whether a+b wrapped past the uint64 range.
func addOverflow(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum < a
}

// Record implements executor.PerformanceRecorder (spec §4.2 step 5, §4.7).
// Once a module's aggregate has overflowed and been flagged "maxed out",
// every further sample for that module is dropped with an error log rather
// than silently wrapping the counters.
func (p *PerformanceMonitor) Record(moduleName string, elapsed time.Duration, computationUsed uint64) {
	p.mu.Lock()
	agg, ok := p.aggregates[moduleName]
	if !ok {
		agg = &moduleAggregate{}
		p.aggregates[moduleName] = agg
	}
	if agg.MaxedOut {
		p.mu.Unlock()
		logging.Op().Error("performance monitor: dropping sample for maxed-out module", "module", moduleName)
		p.maxedOutTotal.WithLabelValues(moduleName).Inc()
		return
	}

	newRuns := agg.Runs + 1
	newElapsed, overflowedE := addOverflow(agg.TotalElapsedNs, uint64(elapsed))
	newComputation, overflowedC := addOverflow(agg.TotalComputation, computationUsed)
	if newRuns < agg.Runs || overflowedE || overflowedC {
		agg.MaxedOut = true
		p.mu.Unlock()
		logging.Op().Error("performance monitor: module aggregate overflowed, flagging maxed out", "module", moduleName)
		p.maxedOutTotal.WithLabelValues(moduleName).Inc()
		return
	}
	agg.Runs = newRuns
	agg.TotalElapsedNs = newElapsed
	agg.TotalComputation = newComputation
	p.mu.Unlock()

	p.invocationsTotal.WithLabelValues(moduleName).Inc()
	p.invocationDuration.WithLabelValues(moduleName).Observe(elapsed.Seconds())
	p.computationTotal.WithLabelValues(moduleName).Add(float64(computationUsed))
}

// RecordFault records a module execution fault under its kind label.
func (p *PerformanceMonitor) RecordFault(moduleName, faultKind string) {
	p.faultsTotal.WithLabelValues(moduleName, faultKind).Inc()
}

// Snapshot returns a copy of the current per-module aggregates, keyed by
// module name.
func (p *PerformanceMonitor) Snapshot() map[string]moduleAggregate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]moduleAggregate, len(p.aggregates))
	for name, agg := range p.aggregates {
		out[name] = *agg
	}
	return out
}

// Handler returns the HTTP handler Prometheus scrapes.
func (p *PerformanceMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown writes the lifetime aggregate report to reportPath, if one was
// configured (spec §4.7: "on shutdown it writes a report file").
func (p *PerformanceMonitor) Shutdown() error {
	if p.reportPath == "" {
		return nil
	}
	snapshot := p.Snapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.reportPath, data, 0o644)
}
