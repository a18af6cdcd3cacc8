package domain

// ResourceLimits bounds a single module's sandbox (spec §3, §4.1). It
// carries both JSON and YAML struct tags so the same type serializes as
// either a JSON config document or a YAML test fixture without a second
// shadow struct.
type ResourceLimits struct {
	// ComputationLimit is the fuel budget per invocation. Fuel is charged
	// per function entry: 10 units for entering a host function, 1 unit
	// for entering a guest function. Individual opcodes are not metered.
	// The invocation is also given a wall-clock deadline derived from this
	// limit (100ns per unit, clamped to 1ms..30s).
	ComputationLimit uint64 `json:"computation_limit" yaml:"computation_limit"`
	// PageLimit caps the number of 64KiB linear-memory pages an instance
	// may grow to; growth past it must trap.
	PageLimit uint32 `json:"page_limit" yaml:"page_limit"`
	// PersistentStorageLimit bounds the module's private storage
	// namespace in bytes.
	PersistentStorageLimit Quota `json:"persistent_storage_limit" yaml:"persistent_storage_limit"`
}

// SaturatePages clamps a requested page count to the 32-bit maximum, per
// spec §4.1 step 3 ("Memory pages saturate to the 32-bit maximum").
func SaturatePages(requested uint64) uint32 {
	const max32 = ^uint32(0)
	if requested > uint64(max32) {
		return max32
	}
	return uint32(requested)
}

// PlaidModule is a loaded, compiled, quota-bound guest (spec §3). The
// compiled wazero artifact itself lives in the wasm package; this struct
// holds the metadata the loader resolves and the registry indexes on.
type PlaidModule struct {
	// Name is the module's filename, used as its identity in ACLs, logs,
	// and storage namespacing.
	Name string
	// Channel is the log-type routing key this module is invoked for.
	Channel string

	Limits ResourceLimits

	// PersistentResponseSize caps set_response payloads; nil means
	// unbounded.
	PersistentResponseSize *uint32

	// SecretsGroup names the secret group bound to this module, or "" if
	// none is attached.
	SecretsGroup string

	// CacheAttached reports whether this module has a cache_* surface
	// available; when false, cache_insert/cache_get return CacheDisabled.
	CacheAttached bool

	// TestMode forbids any host function whose configuration does not
	// explicitly opt into test-mode execution.
	TestMode bool
}

// ChannelKeyFromFilename derives the default log-channel for a module
// filename absent an explicit override: the prefix up to the first '_'
// (spec §4.1 step 1).
func ChannelKeyFromFilename(filename string) string {
	for i := 0; i < len(filename); i++ {
		if filename[i] == '_' {
			return filename[:i]
		}
	}
	return filename
}
