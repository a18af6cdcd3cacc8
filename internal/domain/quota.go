package domain

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Quota represents the Unlimited | Limited(n) shape shared by
// logbacks_allowed, persistent_storage_limit, and shared-db size_limit
// (spec §3). The zero value is Unlimited, which is deliberate: a
// zero-valued Quota behaves safely as "no cap" rather than "cap of zero".
type Quota struct {
	limited bool
	n       uint64
}

// Unlimited returns a Quota with no upper bound.
func Unlimited() Quota { return Quota{} }

// Limited returns a Quota capped at n.
func Limited(n uint64) Quota { return Quota{limited: true, n: n} }

// IsUnlimited reports whether q has no upper bound.
func (q Quota) IsUnlimited() bool { return !q.limited }

// N returns the numeric cap. Only meaningful when !IsUnlimited().
func (q Quota) N() uint64 { return q.n }

// Allows reports whether amount is within the quota (amount <= N for a
// limited quota; always true for Unlimited).
func (q Quota) Allows(amount uint64) bool {
	return q.IsUnlimited() || amount <= q.n
}

// Sub returns the quota remaining after deducting amount, and whether the
// deduction was possible. A Limited quota that would go negative returns
// (q, false) unchanged. Unlimited quotas are unaffected by deduction.
func (q Quota) Sub(amount uint64) (Quota, bool) {
	if q.IsUnlimited() {
		return q, true
	}
	if amount > q.n {
		return q, false
	}
	return Limited(q.n - amount), true
}

type quotaJSON struct {
	Kind string `json:"kind"`
	N    uint64 `json:"n,omitempty"`
}

func (q Quota) MarshalJSON() ([]byte, error) {
	if q.IsUnlimited() {
		return json.Marshal(quotaJSON{Kind: "unlimited"})
	}
	return json.Marshal(quotaJSON{Kind: "limited", N: q.n})
}

func (q *Quota) UnmarshalJSON(data []byte) error {
	var raw quotaJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Kind == "limited" {
		*q = Limited(raw.N)
	} else {
		*q = Unlimited()
	}
	return nil
}

// MarshalYAML and UnmarshalYAML mirror the JSON codec above so the same
// Quota-bearing types (ResourceLimits, SharedDb) parse equally well from
// the YAML fixtures used by tests as from the JSON config documents
// loaded at runtime.
func (q Quota) MarshalYAML() (interface{}, error) {
	if q.IsUnlimited() {
		return quotaJSON{Kind: "unlimited"}, nil
	}
	return quotaJSON{Kind: "limited", N: q.n}, nil
}

func (q *Quota) UnmarshalYAML(value *yaml.Node) error {
	var raw quotaJSON
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Kind == "limited" {
		*q = Limited(raw.N)
	} else {
		*q = Unlimited()
	}
	return nil
}
