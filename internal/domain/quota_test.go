package domain

import (
	"testing"

	"gopkg.in/yaml.v3"
)

// TestResourceLimitsYAMLFixture exercises the YAML decoding path that
// ResourceLimits' yaml struct tags (module.go) provide, alongside the JSON
// the daemon's own config file uses (internal/config).
func TestResourceLimitsYAMLFixture(t *testing.T) {
	const doc = `
computation_limit: 5000000
page_limit: 64
persistent_storage_limit:
  kind: limited
  n: 1048576
`
	var limits ResourceLimits
	if err := yaml.Unmarshal([]byte(doc), &limits); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}

	if limits.ComputationLimit != 5_000_000 {
		t.Fatalf("ComputationLimit = %d, want 5000000", limits.ComputationLimit)
	}
	if limits.PageLimit != 64 {
		t.Fatalf("PageLimit = %d, want 64", limits.PageLimit)
	}
	if limits.PersistentStorageLimit.IsUnlimited() {
		t.Fatal("PersistentStorageLimit should be limited")
	}
	if got := limits.PersistentStorageLimit.N(); got != 1<<20 {
		t.Fatalf("PersistentStorageLimit.N() = %d, want %d", got, 1<<20)
	}
}

// TestQuotaYAMLRoundTrip confirms an unlimited Quota survives a
// marshal/unmarshal round trip through YAML, the same guarantee the JSON
// codec above already provides.
func TestQuotaYAMLRoundTrip(t *testing.T) {
	out, err := yaml.Marshal(Unlimited())
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}

	var q Quota
	if err := yaml.Unmarshal(out, &q); err != nil {
		t.Fatalf("yaml.Unmarshal: %v", err)
	}
	if !q.IsUnlimited() {
		t.Fatal("round-tripped quota should remain unlimited")
	}
}
