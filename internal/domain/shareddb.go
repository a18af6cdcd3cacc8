package domain

import (
	"strings"
	"sync"
)

// SharedDb is a named persistent namespace outside any single module's
// ownership, with an access-control list and an optimistic byte-size cap
// (spec §3, §4.4.3).
type SharedDb struct {
	Name      string
	SizeLimit Quota
	R         []string // module names with read permission
	RW        []string // module names with read-write permission

	mu          sync.RWMutex
	usedStorage uint64
}

// ValidSharedDbName reports whether name may be used as a shared DB name.
// Shared-db names must not end in ".wasm", the reserved suffix for
// per-module private namespaces (spec §3 invariant).
func ValidSharedDbName(name string) bool {
	return !strings.HasSuffix(name, ".wasm")
}

func (s *SharedDb) CanRead(module string) bool {
	return contains(s.R, module) || contains(s.RW, module)
}

func (s *SharedDb) CanWrite(module string) bool {
	return contains(s.RW, module)
}

// UsedStorage returns the current optimistic byte-usage approximation.
func (s *SharedDb) UsedStorage() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedStorage
}

// SetUsedStorage reconciles the in-memory counter against an authoritative
// value, used on process startup per spec §9 ("Shared-DB counter drift").
func (s *SharedDb) SetUsedStorage(n uint64) {
	s.mu.Lock()
	s.usedStorage = n
	s.mu.Unlock()
}

// TryReserve attempts to move usedStorage by delta (positive for growth,
// negative for shrinkage expressed as a signed adjustment) while holding
// the write lock for the full check-then-write, so the size limit is
// enforced atomically (spec §5 "Shared mutable state"). It reports
// whether the reservation succeeded; on failure usedStorage is unchanged.
func (s *SharedDb) TryReserve(delta int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next uint64
	if delta >= 0 {
		next = s.usedStorage + uint64(delta)
	} else {
		shrink := uint64(-delta)
		if shrink > s.usedStorage {
			next = 0
		} else {
			next = s.usedStorage - shrink
		}
	}
	if delta > 0 && !s.SizeLimit.Allows(next) {
		return false
	}
	s.usedStorage = next
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
