package storage

import (
	"context"

	"github.com/plaid-run/plaid/internal/domain"
)

// SharedNamespace wraps a Provider namespace with the ACL and capacity
// enforcement of spec §4.4.3, backed by a domain.SharedDb's optimistic
// used_storage counter.
type SharedNamespace struct {
	provider Provider
	db       *domain.SharedDb
}

func NewSharedNamespace(provider Provider, db *domain.SharedDb) *SharedNamespace {
	return &SharedNamespace{provider: provider, db: db}
}

// Reconcile recomputes the shared DB's used_storage from the provider's
// real byte count, per spec §9 / §4.4.3 (required on process startup).
func (s *SharedNamespace) Reconcile(ctx context.Context) error {
	size, err := s.provider.NamespaceByteSize(ctx, s.db.Name)
	if err != nil {
		return err
	}
	s.db.SetUsedStorage(size)
	return nil
}

func (s *SharedNamespace) Insert(ctx context.Context, callerModule, key string, value []byte) ([]byte, bool, error) {
	if !s.db.CanWrite(callerModule) {
		return nil, false, domain.NewHostError(domain.ErrOperationNotAllowed, "module not in rw list")
	}

	oldValue, hadOld, err := s.peek(ctx, key)
	if err != nil {
		return nil, false, err
	}
	delta := int64(len(key)) + int64(len(value))
	if hadOld {
		delta -= int64(len(key)) + int64(len(oldValue))
	}
	if !s.db.TryReserve(delta) {
		return nil, false, domain.NewHostError(domain.ErrStorageLimitReached, "")
	}

	prev, had, err := s.provider.Insert(ctx, s.db.Name, key, value)
	if err != nil {
		// Roll back the optimistic reservation; the write never happened.
		s.db.TryReserve(-delta)
		return nil, false, domain.NewHostError(domain.ErrInternalAPIError, err.Error())
	}
	return prev, had, nil
}

func (s *SharedNamespace) Get(ctx context.Context, callerModule, key string) ([]byte, bool, error) {
	if !s.db.CanRead(callerModule) {
		return nil, false, domain.NewHostError(domain.ErrOperationNotAllowed, "module not in r/rw list")
	}
	return s.peek(ctx, key)
}

func (s *SharedNamespace) Delete(ctx context.Context, callerModule, key string) ([]byte, bool, error) {
	if !s.db.CanWrite(callerModule) {
		return nil, false, domain.NewHostError(domain.ErrOperationNotAllowed, "module not in rw list")
	}
	prev, had, err := s.provider.Delete(ctx, s.db.Name, key)
	if err != nil {
		return nil, false, domain.NewHostError(domain.ErrInternalAPIError, err.Error())
	}
	if had {
		s.db.TryReserve(-(int64(len(key)) + int64(len(prev))))
	}
	return prev, had, nil
}

func (s *SharedNamespace) ListKeys(ctx context.Context, callerModule, prefix string) ([]string, error) {
	if !s.db.CanRead(callerModule) {
		return nil, domain.NewHostError(domain.ErrOperationNotAllowed, "module not in r/rw list")
	}
	return s.provider.ListKeys(ctx, s.db.Name, prefix)
}

func (s *SharedNamespace) peek(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.provider.Get(ctx, s.db.Name, key)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewHostError(domain.ErrInternalAPIError, err.Error())
	}
	return v, true, nil
}
