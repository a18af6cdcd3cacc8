package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/eventbus"
	"github.com/plaid-run/plaid/internal/storage"
)

func TestSchedulerPersistsAndFiresDueLogbacks(t *testing.T) {
	provider := storage.NewInMemoryProvider()
	bus := eventbus.New(4)
	sched := New(provider, bus, Config{TickInterval: 20 * time.Millisecond, IsRunner: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	msg := domain.NewMessage("t", []byte("x"), domain.NewLogbackSource("a.wasm"), domain.Limited(0))
	dm := domain.DelayedMessage{Delay: time.Now().Unix() - 1, Message: msg}
	if err := sched.Submit(context.Background(), dm); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case got := <-bus.Receive():
		if got.ID != msg.ID {
			t.Fatalf("got %s, want %s", got.ID, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for due logback to fire")
	}
}

func TestSchedulerNonRunnerOnlyPersists(t *testing.T) {
	provider := storage.NewInMemoryProvider()
	bus := eventbus.New(4)
	sched := New(provider, bus, Config{TickInterval: 20 * time.Millisecond, IsRunner: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	msg := domain.NewMessage("t", nil, domain.NewLogbackSource("a.wasm"), domain.Limited(0))
	dm := domain.DelayedMessage{Delay: time.Now().Unix() - 1, Message: msg}
	if err := sched.Submit(context.Background(), dm); err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	entries, err := provider.FetchAll(context.Background(), Namespace, "")
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the logback to remain persisted on a non-runner instance, got %d entries", len(entries))
	}
}
