package cache

import (
	"container/list"
	"context"
	"sync"
)

// EvictionPolicy selects the behaviour of a ModuleCache when it reaches
// its configured entry limit.
type EvictionPolicy int

const (
	// EvictionNone rejects no writes but never evicts; callers relying on
	// this policy are expected to bound cache growth themselves.
	EvictionNone EvictionPolicy = iota
	// EvictionRandom evicts an arbitrary entry once MaxEntries is reached.
	EvictionRandom
	// EvictionLRU evicts the least recently used entry once MaxEntries is
	// reached.
	EvictionLRU
)

// ModuleCache adapts a backend Cache into the per-module string->string
// cache described by spec §4.4.4, adding an entry-count eviction policy on
// top of the backend's own (usually TTL-based) eviction.
type ModuleCache struct {
	backend    Cache
	policy     EvictionPolicy
	maxEntries int

	mu    sync.Mutex
	order *list.List               // front = most recently used, LRU/random bookkeeping
	index map[string]*list.Element // key -> position in order
}

// NewModuleCache wraps backend with an eviction policy. maxEntries <= 0
// disables entry-count eviction regardless of policy.
func NewModuleCache(backend Cache, policy EvictionPolicy, maxEntries int) *ModuleCache {
	return &ModuleCache{
		backend:    backend,
		policy:     policy,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Insert stores value under key and returns the previously associated
// value, if any, matching the cache_insert host function contract.
func (m *ModuleCache) Insert(ctx context.Context, key, value string) (previous string, hadPrevious bool, err error) {
	prev, err := m.backend.Get(ctx, key)
	switch {
	case err == nil:
		hadPrevious = true
		previous = string(prev)
	case err == ErrNotFound:
		// no previous value
	default:
		return "", false, err
	}

	if err := m.backend.Set(ctx, key, []byte(value), 0); err != nil {
		return "", false, err
	}
	m.touch(key)
	m.evictIfNeeded(ctx)
	return previous, hadPrevious, nil
}

// Get returns the value for key and whether it was present.
func (m *ModuleCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := m.backend.Get(ctx, key)
	if err == ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	m.touch(key)
	return string(v), true, nil
}

func (m *ModuleCache) touch(key string) {
	if m.maxEntries <= 0 || m.policy == EvictionNone {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.index[key]; ok {
		if m.policy == EvictionLRU {
			m.order.MoveToFront(el)
		}
		return
	}
	el := m.order.PushFront(key)
	m.index[key] = el
}

func (m *ModuleCache) evictIfNeeded(ctx context.Context) {
	if m.maxEntries <= 0 || m.policy == EvictionNone {
		return
	}
	m.mu.Lock()
	if m.order.Len() <= m.maxEntries {
		m.mu.Unlock()
		return
	}
	// Both LRU and random policies evict from the back of the order list:
	// for LRU that is the genuinely least-recently-touched key; for random
	// it is simply an arbitrary member, since insertion order carries no
	// meaning under that policy.
	back := m.order.Back()
	var evictKey string
	if back != nil {
		evictKey = back.Value.(string)
		m.order.Remove(back)
		delete(m.index, evictKey)
	}
	m.mu.Unlock()
	if evictKey != "" {
		_ = m.backend.Delete(ctx, evictKey)
	}
}
