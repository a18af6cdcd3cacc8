package storage

import (
	"context"
	"testing"

	"github.com/plaid-run/plaid/internal/domain"
)

func TestInMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewInMemoryProvider()

	if _, had, _ := p.Insert(ctx, "m.wasm", "k", []byte("v1")); had {
		t.Fatal("first insert should report no previous value")
	}
	prev, had, err := p.Insert(ctx, "m.wasm", "k", []byte("v2"))
	if err != nil || !had || string(prev) != "v1" {
		t.Fatalf("second insert: prev=%q had=%v err=%v, want v1/true/nil", prev, had, err)
	}
	got, err := p.Get(ctx, "m.wasm", "k")
	if err != nil || string(got) != "v2" {
		t.Fatalf("get: %q, %v", got, err)
	}
	delPrev, had, _ := p.Delete(ctx, "m.wasm", "k")
	if !had || string(delPrev) != "v2" {
		t.Fatalf("delete: %q %v", delPrev, had)
	}
	if _, err := p.Get(ctx, "m.wasm", "k"); err != ErrNotFound {
		t.Fatalf("get after delete: err=%v, want ErrNotFound", err)
	}
}

func TestPrivateNamespaceStorageLimit(t *testing.T) {
	ctx := context.Background()
	p := NewInMemoryProvider()
	ns := NewPrivateNamespace(p, "m.wasm", domain.Limited(40))

	if _, _, err := ns.Insert(ctx, "k", make([]byte, 10)); err != nil {
		t.Fatalf("insert k: %v", err)
	}
	if _, _, err := ns.Insert(ctx, "k2", make([]byte, 20)); err != nil {
		t.Fatalf("insert k2: %v", err)
	}
	// len("k")+10=11, len("k2")+20=22 -> 33 so far; inserting k3
	// (len("k3")+10=12) would bring the total to 45 > 40, so it must be
	// rejected without mutation.
	_, _, err := ns.Insert(ctx, "k3", make([]byte, 10))
	if err == nil {
		t.Fatal("expected StorageLimitReached, got nil")
	}
	if e, ok := err.(*domain.HostError); !ok || e.Code != domain.ErrStorageLimitReached {
		t.Fatalf("err = %v (%T), want HostError{StorageLimitReached}", err, err)
	}

	keys, err := ns.ListKeys(ctx, "")
	if err != nil {
		t.Fatalf("list_keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k" || keys[1] != "k2" {
		t.Fatalf("keys = %v, want [k k2]", keys)
	}
}

func TestSharedNamespaceACLAndCapacity(t *testing.T) {
	ctx := context.Background()
	p := NewInMemoryProvider()
	db := &domain.SharedDb{
		Name:      "sdb1",
		SizeLimit: domain.Limited(50),
		R:         []string{"a.wasm"},
		RW:        []string{"b.wasm"},
	}
	shared := NewSharedNamespace(p, db)

	if _, _, err := shared.Insert(ctx, "a.wasm", "x", make([]byte, 44)); err == nil {
		t.Fatal("a.wasm has read-only access, expected OperationNotAllowed")
	}

	if _, _, err := shared.Insert(ctx, "b.wasm", "x", make([]byte, 44)); err != nil {
		t.Fatalf("b.wasm insert x: %v", err)
	}
	// used_storage is now 1+44=45; inserting y (1+1=2) would bring it to 47
	// under the 50 limit and must succeed.
	if _, _, err := shared.Insert(ctx, "b.wasm", "y", make([]byte, 1)); err != nil {
		t.Fatalf("b.wasm insert y within budget: %v", err)
	}
	// A third insert would push past the limit and must be rejected.
	_, _, err := shared.Insert(ctx, "b.wasm", "z", make([]byte, 10))
	if err == nil {
		t.Fatal("expected StorageLimitReached on third insert")
	}
	if e, ok := err.(*domain.HostError); !ok || e.Code != domain.ErrStorageLimitReached {
		t.Fatalf("err = %v, want HostError{StorageLimitReached}", err)
	}
}
