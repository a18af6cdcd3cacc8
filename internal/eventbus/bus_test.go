package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
)

func TestBusSendReceive(t *testing.T) {
	b := New(1)
	msg := domain.NewMessage("t", []byte("x"), domain.NewGeneratorSource("cron", ""), domain.Unlimited())
	if err := b.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := <-b.Receive()
	if got.ID != msg.ID {
		t.Fatalf("got %s, want %s", got.ID, msg.ID)
	}
}

func TestBusSendBlocksUntilContextDone(t *testing.T) {
	b := New(1)
	msg := domain.NewMessage("t", nil, domain.NewGeneratorSource("cron", ""), domain.Unlimited())
	if err := b.Send(context.Background(), msg); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Send(ctx, msg); err == nil {
		t.Fatal("expected send to a full bus to block until context deadline")
	}
}

func TestBusTrySendFullReturnsFalse(t *testing.T) {
	b := New(1)
	msg := domain.NewMessage("t", nil, domain.NewGeneratorSource("cron", ""), domain.Unlimited())
	if !b.TrySend(msg) {
		t.Fatal("expected first TrySend to succeed")
	}
	if b.TrySend(msg) {
		t.Fatal("expected second TrySend on a full bus to fail")
	}
}

func TestResponseRouterDeliver(t *testing.T) {
	r := NewResponseRouter()
	waiter := r.Await("m1")
	r.Deliver("m1", []byte("hello"))
	select {
	case got := <-waiter:
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestResponseRouterDeliverWithoutWaiterIsNoop(t *testing.T) {
	r := NewResponseRouter()
	r.Deliver("unknown", []byte("x")) // must not panic or block
}

func TestResponseRouterCancel(t *testing.T) {
	r := NewResponseRouter()
	r.Await("m1")
	r.Cancel("m1")
	r.Deliver("m1", []byte("late")) // no waiter left, must not block
}
