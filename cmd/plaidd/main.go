// Command plaidd is the Plaid daemon: it loads compiled guest modules,
// starts the logback scheduler and execution engine, and serves until a
// termination signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plaid-run/plaid/internal/cache"
	"github.com/plaid-run/plaid/internal/config"
	"github.com/plaid-run/plaid/internal/domain"
	"github.com/plaid-run/plaid/internal/eventbus"
	"github.com/plaid-run/plaid/internal/executor"
	"github.com/plaid-run/plaid/internal/logging"
	"github.com/plaid-run/plaid/internal/logging/spine"
	"github.com/plaid-run/plaid/internal/metrics"
	"github.com/plaid-run/plaid/internal/scheduler"
	"github.com/plaid-run/plaid/internal/secrets"
	"github.com/plaid-run/plaid/internal/storage"
	"github.com/plaid-run/plaid/internal/transport"
	"github.com/plaid-run/plaid/internal/wasm"
	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "plaidd",
		Short: "plaidd runs Plaid's rule-execution daemon",
		Long:  "plaidd loads WebAssembly modules, dispatches channel events to them, and manages their storage, cache, and outbound request facades.",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a JSON configuration file (optional, defaults apply otherwise)")
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the daemon until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			logging.SetLevelFromString(cfg.Logging.Level)

			return run(cfg)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := buildStorageProvider(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage provider: %w", err)
	}

	shared := make(map[string]*storage.SharedNamespace, len(cfg.SharedDbs))
	for _, dbCfg := range cfg.SharedDbs {
		if !domain.ValidSharedDbName(dbCfg.Name) {
			logging.Op().Error("skipping shared db with reserved name", "name", dbCfg.Name)
			continue
		}
		db := &domain.SharedDb{Name: dbCfg.Name, SizeLimit: dbCfg.SizeLimit, R: dbCfg.R, RW: dbCfg.RW}
		ns := storage.NewSharedNamespace(provider, db)
		if err := ns.Reconcile(ctx); err != nil {
			logging.Op().Error("shared db reconciliation failed", "name", dbCfg.Name, "error", err)
		}
		shared[dbCfg.Name] = ns
	}

	secretsStore := secrets.NewStore()
	if cfg.SecretsFile != "" {
		loaded, err := secrets.LoadFromFile(cfg.SecretsFile, nil)
		if err != nil {
			return fmt.Errorf("load secrets file: %w", err)
		}
		secretsStore = loaded
	}
	secretGroups := make(map[string]secrets.Group, len(cfg.SecretGroups))
	for _, g := range cfg.SecretGroups {
		secretGroups[g.Name] = secrets.Group{Name: g.Name, Names: g.Names}
	}

	namedRequests := make(map[string]domain.NamedRequest, len(cfg.NamedRequests))
	for _, nr := range cfg.NamedRequests {
		namedRequests[nr.Name] = namedRequestFromConfig(nr)
	}

	cacheBackend, err := buildCacheBackend(cfg.Cache)
	if err != nil {
		return fmt.Errorf("build cache backend: %w", err)
	}
	cacheFactory := wasm.CacheFactory(func(moduleName string) *cache.ModuleCache {
		return cache.NewModuleCache(cacheBackend, evictionPolicyFromString(cfg.Cache.Eviction), cfg.Cache.MaxEntries)
	})

	loader := &wasm.Loader{
		Limits:           cfg.Limits,
		ChannelOverrides: cfg.ChannelOverrides,
		ModuleOptions:    cfg.ModuleOptions,
		SecretGroups:     secretGroups,
		Signing:          wasm.SigningConfigFrom(cfg.Signing),
		CacheFactory:     cacheFactory,
	}
	registry, err := loader.LoadDir(ctx, cfg.ModulesDir)
	if err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	logging.Op().Info("modules loaded", "count", registry.Len())

	bus := eventbus.New(cfg.EventBus.QueueSize)
	responses := eventbus.NewResponseRouter()

	sched := scheduler.New(provider, bus, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		IsRunner:     cfg.Scheduler.IsRunner,
	})
	sched.Start(ctx)
	defer sched.Stop()

	logSink := buildLogSink(cfg.Logging)
	spineCfg := spine.Config{HeartbeatInterval: cfg.Logging.HeartbeatInterval}
	logSpine := spine.New(logSink, spineCfg)
	logSpine.Start(ctx)
	defer logSpine.Stop()

	var perf *metrics.PerformanceMonitor
	if cfg.Metrics.Enabled {
		perf = metrics.NewPerformanceMonitor(cfg.Metrics.Namespace, perfReportPath(cfg))
		defer perf.Shutdown()
	}

	deps := wasm.Deps{
		Provider:      provider,
		Shared:        shared,
		Secrets:       secretsStore,
		SecretsGroups: secretGroups,
		NamedRequests: namedRequests,
		Scheduler:     sched,
		Debug:         logSpine,
		Requests:      transport.NewDispatcher(),
	}

	var recorder executor.PerformanceRecorder
	if perf != nil && cfg.Executor.RecordPerformance {
		recorder = perf
	}
	exec := executor.New(registry, bus, deps, responses, recorder, logSpine, executor.Config{
		Workers:           cfg.Executor.Workers,
		RecordPerformance: cfg.Executor.RecordPerformance,
	})
	exec.Run(ctx)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled && perf != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", perf.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Error("metrics server stopped", "error", err)
			}
		}()
		logging.Op().Info("metrics server started", "addr", cfg.Metrics.Addr)
	}

	logging.Op().Info("plaidd started", "modules_dir", cfg.ModulesDir, "modules", registry.Len())

	<-ctx.Done()
	logging.Op().Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	bus.Close()
	exec.Wait()
	registry.Close(context.Background())

	return nil
}

func buildStorageProvider(ctx context.Context, cfg config.StorageConfig) (storage.Provider, error) {
	switch cfg.Provider {
	case "postgres":
		return storage.NewPostgresProvider(ctx, cfg.PostgresDSN)
	default:
		return storage.NewInMemoryProvider(), nil
	}
}

func buildCacheBackend(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Provider {
	case "redis":
		return cache.NewRedisCache(cache.RedisCacheConfig{Addr: cfg.RedisAddr}), nil
	default:
		return cache.NewInMemoryCache(), nil
	}
}

func evictionPolicyFromString(s string) cache.EvictionPolicy {
	switch s {
	case "random":
		return cache.EvictionRandom
	case "lru":
		return cache.EvictionLRU
	default:
		return cache.EvictionNone
	}
}

func buildLogSink(cfg config.LoggingConfig) spine.Sink {
	sinks := []spine.Sink{spine.NewStdoutSink()}
	if cfg.HTTPSinkURL != "" {
		sinks = append(sinks, spine.NewHTTPPostSink(cfg.HTTPSinkURL, nil))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return spine.NewMultiSink(sinks...)
}

func perfReportPath(cfg *config.Config) string {
	if cfg.ModulesDir == "" {
		return ""
	}
	return cfg.ModulesDir + "/.performance_report.json"
}

func namedRequestFromConfig(nr config.NamedRequestConfig) domain.NamedRequest {
	timeout := time.Duration(nr.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var rootCA []byte
	if nr.RootCAFile != "" {
		if data, err := os.ReadFile(nr.RootCAFile); err == nil {
			rootCA = data
		} else {
			logging.Op().Error("failed to read named request root CA file", "name", nr.Name, "error", err)
		}
	}
	return domain.NamedRequest{
		Name:                nr.Name,
		Verb:                domain.Verb(nr.Verb),
		URI:                 nr.URI,
		StaticHeaders:       nr.StaticHeaders,
		StaticBody:          nr.StaticBody,
		ReturnBody:          nr.ReturnBody,
		ReturnCode:          nr.ReturnCode,
		ReturnCert:          nr.ReturnCert,
		AllowedRules:        nr.AllowedRules,
		AvailableInTestMode: nr.AvailableInTestMode,
		Timeout:             timeout,
		RootCA:              rootCA,
		AllowRedirects:      nr.AllowRedirects,
		CaptureCerts:        nr.CaptureCerts,
	}
}
