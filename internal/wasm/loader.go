// Package wasm implements the Module Loader (§4.1), the Execution Engine's
// in-process sandbox backend, and the Host-Function Mediation Layer
// (§4.4), built on github.com/tetratelabs/wazero in place of the
// teacher's TCP/agent-process backend (see registry.go, loader.go,
// metering.go, host.go, runtime.go).
package wasm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/plaid-run/plaid/internal/cache"
	"github.com/plaid-run/plaid/internal/config"
	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/logging"
	"github.com/plaid-run/plaid/internal/secrets"
	"github.com/plaid-run/plaid/internal/signing"
	"github.com/tetratelabs/wazero"
)

// CacheFactory builds the per-module cache attachment for a module whose
// configuration opts in (spec §3 PlaidModule.cache, §4.4.4).
type CacheFactory func(moduleName string) *cache.ModuleCache

// Loader reads compiled guest binaries from a directory and produces a
// Registry of the ones that pass verification and compilation (spec
// §4.1).
type Loader struct {
	Limits           config.LimitsConfig
	ChannelOverrides map[string]string
	ModuleOptions    map[string]config.ModuleOptionsConfig
	SecretGroups     map[string]secrets.Group

	// Signing is nil when signature verification is disabled.
	Signing *signing.Config

	CacheFactory CacheFactory
}

// LoadDir loads every "*.wasm" file directly inside dir. Per spec §4.1
// "Failure semantics", any single module's filename-shape, read,
// signature, or compilation failure is logged and skips that module; it
// never aborts the loader.
func (l *Loader) LoadDir(ctx context.Context, dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wasm: read modules dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wasm") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	reg := NewRegistry()
	for _, name := range names {
		lm, err := l.loadOne(ctx, dir, name)
		if err != nil {
			logging.Op().Error("module load failed, skipping", "module", name, "error", err)
			continue
		}
		reg.Add(lm)
	}
	return reg, nil
}

func (l *Loader) loadOne(ctx context.Context, dir, filename string) (*LoadedModule, error) {
	path := filepath.Join(dir, filename)
	moduleBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module file: %w", err)
	}

	if l.Signing != nil {
		if err := signing.CheckModuleSignatures(*l.Signing, filename, moduleBytes); err != nil {
			return nil, fmt.Errorf("signature verification: %w", err)
		}
	}

	channel := l.ChannelOverrides[filename]
	if channel == "" {
		channel = domain.ChannelKeyFromFilename(filename)
	}

	limits := l.Limits.Resolve(filename, channel)
	limits.PageLimit = domain.SaturatePages(uint64(limits.PageLimit))

	opts := l.ModuleOptions[filename]

	runtimeCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(limits.PageLimit)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if _, err := BuildHostModule(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("build host module: %w", err)
	}

	compiled, err := runtime.CompileModule(withMetering(ctx), moduleBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}

	pmod := domain.PlaidModule{
		Name:                   filename,
		Channel:                channel,
		Limits:                 limits,
		PersistentResponseSize: opts.PersistentResponseSize,
		SecretsGroup:           opts.SecretsGroup,
		CacheAttached:          opts.CacheAttached,
		TestMode:               opts.TestMode,
	}

	lm := &LoadedModule{Module: pmod, Runtime: runtime, Compiled: compiled}
	if opts.CacheAttached && l.CacheFactory != nil {
		lm.Cache = l.CacheFactory(filename)
	}
	return lm, nil
}

// SigningConfigFrom adapts config.SigningConfig (the on-disk document
// shape) into signing.Config (the verifier's shape). It returns nil when
// signing is disabled, matching Loader.Signing's "nil means disabled"
// convention (spec §4.1 step 2 / §6 on-disk module layout).
func SigningConfigFrom(cfg config.SigningConfig) *signing.Config {
	if !cfg.Enabled {
		return nil
	}
	required := cfg.SignaturesRequired
	if required <= 0 {
		required = 1
	}
	return &signing.Config{
		SignaturesDir:       cfg.SignaturesDir,
		AuthorizedSigners:   cfg.AuthorizedSigners,
		SignatureNamespace:  cfg.SignatureNamespace,
		SignaturesRequired:  required,
	}
}
