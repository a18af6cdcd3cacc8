package spine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/plaid-run/plaid/internal/wasm"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Save(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) SaveBatch(ctx context.Context, evs []Event) error {
	for _, ev := range evs {
		_ = c.Save(ctx, ev)
	}
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureSink) kinds() []EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func TestSpineDeliversModuleErrorAndDebugEvents(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, Config{QueueSize: 8, HeartbeatInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	s.ModuleError("a.wasm", []byte("payload"), "boom", wasm.FaultTrap)
	s.Debug("a.wasm", "debug line")

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 events, got %d", sink.count())
	}
}

func TestSpineEmitsHeartbeat(t *testing.T) {
	sink := &captureSink{}
	s := New(sink, Config{QueueSize: 8, HeartbeatInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	kinds := sink.kinds()
	if len(kinds) == 0 || kinds[0] != EventHeartbeat {
		t.Fatalf("expected a heartbeat event, got %v", kinds)
	}
}

func TestMultiSinkIsolatesFailures(t *testing.T) {
	good := &captureSink{}
	bad := failingSink{}
	m := NewMultiSink(bad, good)

	if err := m.Save(context.Background(), Event{Kind: EventDroppedConnection}); err == nil {
		t.Fatal("expected the failing sink's error to surface")
	}
	if good.count() != 1 {
		t.Fatalf("expected the working sink to still receive the event, got %d", good.count())
	}
}

type failingSink struct{}

func (failingSink) Save(context.Context, Event) error        { return errBoom }
func (failingSink) SaveBatch(context.Context, []Event) error { return errBoom }
func (failingSink) Close() error                             { return nil }

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
