package storage

import (
	"context"

	"github.com/plaid-run/plaid/internal/domain"
)

// PrivateNamespace wraps a Provider's per-module namespace with the
// persistent_storage_limit byte-budget enforcement of spec §4.4.2.
type PrivateNamespace struct {
	provider  Provider
	namespace string
	limit     domain.Quota
}

func NewPrivateNamespace(provider Provider, moduleName string, limit domain.Quota) *PrivateNamespace {
	return &PrivateNamespace{provider: provider, namespace: moduleName, limit: limit}
}

// Insert performs an atomic replace, returning the previous value (or
// false) the way storage_insert does. If limit would be exceeded, no
// mutation occurs and ErrStorageLimitReached is returned.
func (n *PrivateNamespace) Insert(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if !n.limit.IsUnlimited() {
		current, err := n.provider.NamespaceByteSize(ctx, n.namespace)
		if err != nil {
			return nil, false, domain.NewHostError(domain.ErrInternalAPIError, err.Error())
		}
		oldValue, hadOld, err := n.peek(ctx, key)
		if err != nil {
			return nil, false, err
		}
		delta := int64(len(key)) + int64(len(value))
		if hadOld {
			delta -= int64(len(key)) + int64(len(oldValue))
		}
		var projected uint64
		if delta >= 0 {
			projected = current + uint64(delta)
		} else if uint64(-delta) > current {
			projected = 0
		} else {
			projected = current - uint64(-delta)
		}
		if !n.limit.Allows(projected) {
			return nil, false, domain.NewHostError(domain.ErrStorageLimitReached, "")
		}
	}
	return n.provider.Insert(ctx, n.namespace, key, value)
}

func (n *PrivateNamespace) peek(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := n.provider.Get(ctx, n.namespace, key)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.NewHostError(domain.ErrInternalAPIError, err.Error())
	}
	return v, true, nil
}

func (n *PrivateNamespace) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.peek(ctx, key)
}

func (n *PrivateNamespace) Delete(ctx context.Context, key string) ([]byte, bool, error) {
	return n.provider.Delete(ctx, n.namespace, key)
}

func (n *PrivateNamespace) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return n.provider.ListKeys(ctx, n.namespace, prefix)
}
