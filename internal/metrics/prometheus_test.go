package metrics

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPerformanceMonitorRecordsAggregates(t *testing.T) {
	pm := NewPerformanceMonitor("plaid_test", "")
	pm.Record("a.wasm", 10*time.Millisecond, 5)
	pm.Record("a.wasm", 20*time.Millisecond, 7)

	snap := pm.Snapshot()
	agg, ok := snap["a.wasm"]
	if !ok {
		t.Fatal("expected an aggregate for a.wasm")
	}
	if agg.Runs != 2 {
		t.Fatalf("runs: got %d, want 2", agg.Runs)
	}
	if agg.TotalComputation != 12 {
		t.Fatalf("total computation: got %d, want 12", agg.TotalComputation)
	}
	if agg.MaxedOut {
		t.Fatal("aggregate should not be maxed out")
	}
}

func TestPerformanceMonitorFlagsOverflowAndDropsFurtherSamples(t *testing.T) {
	pm := NewPerformanceMonitor("plaid_test", "")
	pm.Record("overflow.wasm", time.Nanosecond, math.MaxUint64)
	pm.Record("overflow.wasm", time.Nanosecond, 1)

	snap := pm.Snapshot()
	agg := snap["overflow.wasm"]
	if !agg.MaxedOut {
		t.Fatal("expected the aggregate to be flagged maxed out after overflow")
	}
	if agg.Runs != 1 {
		t.Fatalf("the overflowing sample itself should not be counted: got %d runs", agg.Runs)
	}
}

func TestPerformanceMonitorShutdownWritesReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.json")
	pm := NewPerformanceMonitor("plaid_test", path)
	pm.Record("a.wasm", time.Millisecond, 1)

	if err := pm.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected a non-empty report file")
	}
}

func TestPerformanceMonitorShutdownNoopWithoutReportPath(t *testing.T) {
	pm := NewPerformanceMonitor("plaid_test", "")
	if err := pm.Shutdown(); err != nil {
		t.Fatalf("shutdown should be a no-op without a report path: %v", err)
	}
}
