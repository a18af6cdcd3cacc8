// Package scheduler implements the Logback Scheduler (spec §4.3): pending
// logbacks are persisted to a dedicated storage namespace and
// rematerialized into an in-memory min-heap every tick, rather than
// maintained incrementally, so out-of-band edits to the store (manual
// cancellation, cross-instance hand-off) are observed.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/eventbus"
	"github.com/plaid-run/plaid/internal/logging"
	"github.com/plaid-run/plaid/internal/storage"
)

// Namespace is the dedicated storage namespace pending logbacks are keyed
// into by message id (spec §4.3, §6).
const Namespace = "logback_internal"

// Config controls the scheduler's tick cadence and runner role.
type Config struct {
	TickInterval time.Duration
	// IsRunner reports whether this instance drains due logbacks onto the
	// bus. Every instance still persists newly submitted logbacks; only
	// runners additionally rebuild the heap and fire due entries (spec
	// §4.3 step 2).
	IsRunner bool
}

// Scheduler is the logback scheduler. One instance owns a dedicated
// storage namespace and a channel fed by log_back/log_back_unlimited host
// function calls (spec §4.3, §4.4.7).
type Scheduler struct {
	provider storage.Provider
	bus      *eventbus.Bus
	cfg      Config

	submit chan domain.DelayedMessage

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scheduler. provider backs the logback_internal
// namespace; bus is where due messages are pushed.
func New(provider storage.Provider, bus *eventbus.Bus, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		provider: provider,
		bus:      bus,
		cfg:      cfg,
		submit:   make(chan domain.DelayedMessage, 256),
		stop:     make(chan struct{}),
	}
}

// Submit implements wasm.Scheduler: it hands a freshly assembled
// DelayedMessage (relative delay already resolved by the caller to an
// absolute unix-seconds time, see host.go) to the scheduler's internal channel
// (spec §4.3 step 1).
func (s *Scheduler) Submit(ctx context.Context, dm domain.DelayedMessage) error {
	select {
	case s.submit <- dm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the tick loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the tick loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case dm := <-s.submit:
			s.persist(ctx, dm)
		case <-ticker.C:
			s.drainSubmissions(ctx)
			if s.cfg.IsRunner {
				s.tick(ctx)
			}
		}
	}
}

// drainSubmissions persists any logbacks queued since the last tick
// without blocking the tick loop on Submit's channel send.
func (s *Scheduler) drainSubmissions(ctx context.Context) {
	for {
		select {
		case dm := <-s.submit:
			s.persist(ctx, dm)
		default:
			return
		}
	}
}

func (s *Scheduler) persist(ctx context.Context, dm domain.DelayedMessage) {
	encoded, err := json.Marshal(dm)
	if err != nil {
		logging.Op().Error("logback: failed to serialize delayed message", "message_id", dm.Message.ID, "error", err)
		return
	}
	if _, _, err := s.provider.Insert(ctx, Namespace, dm.Message.ID, encoded); err != nil {
		logging.Op().Error("logback: failed to persist delayed message", "message_id", dm.Message.ID, "error", err)
	}
}

// pendingHeap orders DelayedMessages by ascending absolute delay (spec
// §5: "logbacks are ordered by their absolute delay; ties are broken
// arbitrarily").
type pendingHeap []domain.DelayedMessage

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].Delay < h[j].Delay }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(domain.DelayedMessage)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// tick rebuilds the heap from storage and fires every due entry onto the
// bus, per spec §4.3 steps 2-3.
func (s *Scheduler) tick(ctx context.Context) {
	entries, err := s.provider.FetchAll(ctx, Namespace, "")
	if err != nil {
		logging.Op().Error("logback: failed to list pending logbacks", "error", err)
		return
	}

	h := make(pendingHeap, 0, len(entries))
	for _, e := range entries {
		var dm domain.DelayedMessage
		if err := json.Unmarshal(e.Value, &dm); err != nil {
			logging.Op().Error("logback: corrupt pending entry skipped", "key", e.Key, "error", err)
			continue
		}
		h = append(h, dm)
	}
	heap.Init(&h)

	now := time.Now().Unix()
	for h.Len() > 0 && h[0].Delay <= now {
		dm := h[0]
		if s.bus.TrySend(dm.Message) {
			heap.Pop(&h)
			if _, _, err := s.provider.Delete(ctx, Namespace, dm.Message.ID); err != nil {
				logging.Op().Error("logback: failed to delete fired logback", "message_id", dm.Message.ID, "error", err)
			}
			continue
		}
		// Bus is full; retry this and the remaining due entries next tick
		// rather than delete them (spec §4.3 step 3, §7).
		break
	}
}
