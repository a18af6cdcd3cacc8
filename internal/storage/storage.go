// Package storage implements the Storage Façade (spec §4.6): a pluggable
// key-value contract with namespaced operations, plus the private and
// shared-namespace wrappers that enforce the byte-budget and ACL rules of
// §4.4.2 and §4.4.3 on top of it.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get/Delete when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// KeyValue is a listed entry from FetchAll.
type KeyValue struct {
	Key   string
	Value []byte
}

// MigrationFunc transforms one (key, value) pair during ApplyMigration.
// It must be safe to call concurrently and need not be injective.
type MigrationFunc func(key string, value []byte) (string, []byte)

// Provider is the pluggable backend contract the core depends on (spec
// §4.6). Concrete providers (in-memory, Postgres, ...) are additive;
// the core never type-asserts down to a specific provider.
type Provider interface {
	Insert(ctx context.Context, namespace, key string, value []byte) (previous []byte, hadPrevious bool, err error)
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) (previous []byte, hadPrevious bool, err error)
	ListKeys(ctx context.Context, namespace, prefix string) ([]string, error)
	FetchAll(ctx context.Context, namespace, prefix string) ([]KeyValue, error)
	NamespaceByteSize(ctx context.Context, namespace string) (uint64, error)
	ApplyMigration(ctx context.Context, namespace string, f MigrationFunc) error
}

// InMemoryProvider is the reference Provider implementation: a mutex-
// guarded map of namespace -> key -> value. It is the core's default
// backend; concrete external providers (Postgres, embedded KV stores) are
// an explicit Non-goal of the core contract (spec §1) and live alongside
// this one as additive options (see postgres.go).
type InMemoryProvider struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

func NewInMemoryProvider() *InMemoryProvider {
	return &InMemoryProvider{namespaces: make(map[string]map[string][]byte)}
}

func (p *InMemoryProvider) ns(namespace string) map[string][]byte {
	n, ok := p.namespaces[namespace]
	if !ok {
		n = make(map[string][]byte)
		p.namespaces[namespace] = n
	}
	return n
}

func (p *InMemoryProvider) Insert(_ context.Context, namespace, key string, value []byte) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.ns(namespace)
	prev, had := n[key]
	cp := make([]byte, len(value))
	copy(cp, value)
	n[key] = cp
	return prev, had, nil
}

func (p *InMemoryProvider) Get(_ context.Context, namespace, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.namespaces[namespace]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := n[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (p *InMemoryProvider) Delete(_ context.Context, namespace, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.namespaces[namespace]
	if !ok {
		return nil, false, nil
	}
	prev, had := n[key]
	delete(n, key)
	return prev, had, nil
}

func (p *InMemoryProvider) ListKeys(_ context.Context, namespace, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := p.namespaces[namespace]
	keys := make([]string, 0, len(n))
	for k := range n {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *InMemoryProvider) FetchAll(_ context.Context, namespace, prefix string) ([]KeyValue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := p.namespaces[namespace]
	out := make([]KeyValue, 0, len(n))
	for k, v := range n {
		if strings.HasPrefix(k, prefix) {
			out = append(out, KeyValue{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *InMemoryProvider) NamespaceByteSize(_ context.Context, namespace string) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total uint64
	for k, v := range p.namespaces[namespace] {
		total += uint64(len(k)) + uint64(len(v))
	}
	return total, nil
}

func (p *InMemoryProvider) ApplyMigration(_ context.Context, namespace string, f MigrationFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.namespaces[namespace]
	if !ok {
		return nil
	}
	next := make(map[string][]byte, len(n))
	for k, v := range n {
		nk, nv := f(k, v)
		next[nk] = nv
	}
	p.namespaces[namespace] = next
	return nil
}
