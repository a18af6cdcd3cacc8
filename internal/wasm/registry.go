package wasm

import (
	"context"
	"sort"
	"sync"

	"github.com/plaid-run/plaid/internal/cache"
	"github.com/plaid-run/plaid/internal/domain"
	"github.com/tetratelabs/wazero"
)

// LoadedModule is a compiled, quota-bound guest together with the
// resources the loader attached to it (spec §3 PlaidModule, §4.1 step 5).
// The compiled artifact is shared across every invocation; each dispatch
// instantiates a fresh sandbox from it (spec §4.2 step 1).
type LoadedModule struct {
	Module domain.PlaidModule

	// Runtime is dedicated to this module so its page_limit can be
	// enforced as a wazero runtime-level memory limit (spec §4.1 step 4:
	// "a tunable that caps the linear-memory page count; exceeding it on
	// growth must trap"). Fresh instances are created from Compiled
	// against this runtime per invocation (spec §4.2 step 1).
	Runtime  wazero.Runtime
	Compiled wazero.CompiledModule
	Cache    *cache.ModuleCache // nil unless Module.CacheAttached
}

// Close releases the module's dedicated runtime. Called when the
// registry that owns it is discarded (e.g. on process shutdown).
func (lm *LoadedModule) Close(ctx context.Context) error {
	return lm.Runtime.Close(ctx)
}

// Registry holds loaded modules indexed by name and by log channel,
// cheaply clonable by reference (spec §2 Module Registry). It is
// immutable after LoadDir returns; the executor only ever reads it.
type Registry struct {
	mu        sync.RWMutex
	byName    map[string]*LoadedModule
	byChannel map[string][]*LoadedModule
}

func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*LoadedModule),
		byChannel: make(map[string][]*LoadedModule),
	}
}

// Add inserts lm into the registry, keeping each channel's handler list
// sorted by module name for deterministic ordering across process
// restarts (spec §2 Channel Map: "directory enumeration order is not
// sufficient... sort by module name for reproducibility").
func (r *Registry) Add(lm *LoadedModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[lm.Module.Name] = lm
	list := append(r.byChannel[lm.Module.Channel], lm)
	sort.Slice(list, func(i, j int) bool { return list[i].Module.Name < list[j].Module.Name })
	r.byChannel[lm.Module.Channel] = list
}

func (r *Registry) ByName(name string) (*LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lm, ok := r.byName[name]
	return lm, ok
}

// ForChannel returns the ordered handler list for a log-type. Callers
// must not mutate the returned slice.
func (r *Registry) ForChannel(channel string) []*LoadedModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChannel[channel]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Close releases every loaded module's dedicated runtime.
func (r *Registry) Close(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, lm := range r.byName {
		_ = lm.Close(ctx)
	}
}

// Names returns every loaded module's name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
