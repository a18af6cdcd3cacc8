// Package eventbus implements the bounded multi-producer multi-consumer
// channel of domain.Message that rendezvous producers (data generators,
// webhook ingress, the logback scheduler) with the executor's worker pool
// (spec §4.5), plus the response-routing boundary GET webhooks use to
// receive a module's set_response synchronously (spec §6).
package eventbus

import (
	"context"
	"sync"

	"github.com/plaid-run/plaid/internal/domain"
)

// Bus is a bounded channel of Message. Backpressure is natural: once full,
// Send blocks until a consumer drains it (spec §4.5).
type Bus struct {
	ch chan domain.Message
}

// New creates a Bus with the given capacity (config's log_queue_size,
// default 2048).
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 2048
	}
	return &Bus{ch: make(chan domain.Message, capacity)}
}

// Send enqueues msg, blocking while the bus is full or returning early if
// ctx is done. Time-sensitive producers (data generators, webhook ingress)
// are expected to pass a context with a deadline and treat ctx.Err() as an
// operational backpressure signal (spec §4.5).
func (b *Bus) Send(ctx context.Context, msg domain.Message) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend attempts a non-blocking enqueue, used by the logback scheduler's
// due-message push so it never stalls its own tick on a full bus (spec
// §4.3 step 3: "if the send fails... break and retry next tick").
func (b *Bus) TrySend(msg domain.Message) bool {
	select {
	case b.ch <- msg:
		return true
	default:
		return false
	}
}

// Receive returns the channel executor workers range over.
func (b *Bus) Receive() <-chan domain.Message {
	return b.ch
}

// Close stops accepting further sends. Callers must ensure no producer is
// still calling Send/TrySend once Close is called.
func (b *Bus) Close() {
	close(b.ch)
}

// ResponseRouter lets the webhook ingress surface register interest in a
// GET-sourced message's eventual response and lets the executor deliver it
// once the handling module calls set_response (spec §6: "the executor must
// observe a 'response expected' flag... and route the response
// accordingly"). The delivery mechanism to the HTTP handler itself is out
// of scope; this type is only the rendezvous point keyed by message id.
type ResponseRouter struct {
	mu      sync.Mutex
	waiters map[string]chan []byte
}

func NewResponseRouter() *ResponseRouter {
	return &ResponseRouter{waiters: make(map[string]chan []byte)}
}

// Await registers messageID and returns a channel that receives at most
// one response; nothing is ever sent on it if no module calls
// set_response. Callers must eventually call Cancel if they stop waiting
// before a response arrives, to avoid leaking the registration.
func (r *ResponseRouter) Await(messageID string) <-chan []byte {
	ch := make(chan []byte, 1)
	r.mu.Lock()
	r.waiters[messageID] = ch
	r.mu.Unlock()
	return ch
}

// Cancel removes a registration without delivering anything.
func (r *ResponseRouter) Cancel(messageID string) {
	r.mu.Lock()
	delete(r.waiters, messageID)
	r.mu.Unlock()
}

// Deliver hands resp to messageID's waiter, if one is registered. Called
// by the executor once a module handling a webhook-GET message has run
// (spec §4.2 step 4). No-op if nothing is awaiting this id.
func (r *ResponseRouter) Deliver(messageID string, resp []byte) {
	r.mu.Lock()
	ch, ok := r.waiters[messageID]
	if ok {
		delete(r.waiters, messageID)
	}
	r.mu.Unlock()
	if ok {
		ch <- resp
		close(ch)
	}
}
