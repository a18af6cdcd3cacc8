// Package config loads Plaid's daemon configuration: a single JSON
// document plus environment overrides and no CLI flag surface,
// config.Load(path) and config.LoadFromEnv(cfg).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/plaid-run/plaid/internal/domain"
)

// LimitsConfig is the three-tier resource override table consulted during
// module loading: module-specific, then log-type, then global default
// (spec §4.1 step 3).
type LimitsConfig struct {
	Default  domain.ResourceLimits            `json:"default"`
	ByType   map[string]domain.ResourceLimits `json:"by_type"`
	ByModule map[string]domain.ResourceLimits `json:"by_module"`
}

// Resolve returns the effective limits for a module in a given log channel,
// applying the module -> type -> default priority. A more specific tier
// wholesale replaces the less specific one when present.
func (l LimitsConfig) Resolve(moduleName, channel string) domain.ResourceLimits {
	limits := l.Default
	if byType, ok := l.ByType[channel]; ok {
		limits = byType
	}
	if byModule, ok := l.ByModule[moduleName]; ok {
		limits = byModule
	}
	return limits
}

// SigningConfig gates module loading on armored SSH signatures (spec §4.1
// step 2).
type SigningConfig struct {
	Enabled            bool     `json:"enabled"`
	SignaturesDir      string   `json:"signatures_dir"`
	AuthorizedSigners  []string `json:"authorized_signers"`
	SignatureNamespace string   `json:"signature_namespace"`
	SignaturesRequired int      `json:"signatures_required"`
}

// SecretGroupConfig binds a named allowlist of secret names, surfaced to
// modules whose SecretsGroup field names it.
type SecretGroupConfig struct {
	Name  string   `json:"name"`
	Names []string `json:"names"`
}

// SharedDbConfig declares one shared, ACL-gated storage namespace (spec §3
// SharedDb).
type SharedDbConfig struct {
	Name      string       `json:"name"`
	SizeLimit domain.Quota `json:"size_limit"`
	R         []string     `json:"r"`
	RW        []string     `json:"rw"`
}

// NamedRequestConfig declares one outbound HTTP call template available to
// make_named_request (spec §3 NamedRequest).
type NamedRequestConfig struct {
	Name                string            `json:"name"`
	Verb                string            `json:"verb"`
	URI                 string            `json:"uri"`
	StaticHeaders       map[string]string `json:"static_headers"`
	StaticBody          *string           `json:"static_body"`
	ReturnBody          bool              `json:"return_body"`
	ReturnCode          bool              `json:"return_code"`
	ReturnCert          bool              `json:"return_cert"`
	AllowedRules        []string          `json:"allowed_rules"`
	AvailableInTestMode bool              `json:"available_in_test_mode"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	RootCAFile          string            `json:"root_ca_file"`
	AllowRedirects      bool              `json:"allow_redirects"`
	CaptureCerts        bool              `json:"capture_certs"`
}

// ModuleOptionsConfig carries the per-module attachment settings that
// don't fit the three-tier resource table: secret group binding, cache
// attachment, response-size cap, and the test-mode flag (spec §3
// PlaidModule).
type ModuleOptionsConfig struct {
	SecretsGroup           string  `json:"secrets_group"`
	CacheAttached          bool    `json:"cache_attached"`
	PersistentResponseSize *uint32 `json:"persistent_response_size"`
	TestMode               bool    `json:"test_mode"`
}

// StorageConfig selects which storage.Provider backs module namespaces.
type StorageConfig struct {
	Provider    string `json:"provider"` // "memory" or "postgres"
	PostgresDSN string `json:"postgres_dsn"`
}

// CacheConfig selects which cache.Cache backend module caches attach to.
type CacheConfig struct {
	Provider   string        `json:"provider"` // "memory" or "redis"
	RedisAddr  string        `json:"redis_addr"`
	DefaultTTL time.Duration `json:"default_ttl"`
	MaxEntries int           `json:"max_entries"`
	Eviction   string        `json:"eviction"` // "none", "random", "lru"
}

// EventBusConfig sizes the channel joining producers to the executor.
type EventBusConfig struct {
	QueueSize int `json:"log_queue_size"` // default 2048
}

// SchedulerConfig controls the logback scheduler's tick cadence.
type SchedulerConfig struct {
	TickInterval time.Duration `json:"tick_interval"` // default 1s
	IsRunner     bool          `json:"is_runner"`
}

// ExecutorConfig sizes the dispatch worker pool.
type ExecutorConfig struct {
	Workers           int  `json:"workers"`
	RecordPerformance bool `json:"record_performance"`
}

// LoggingConfig controls the logging spine's sinks and heartbeat cadence.
type LoggingConfig struct {
	Level             string        `json:"level"`
	Format            string        `json:"format"` // text, json
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HTTPSinkURL       string        `json:"http_sink_url"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
	Addr      string `json:"addr"`
}

// Config is the root configuration document loaded by cmd/plaidd.
type Config struct {
	ModulesDir       string                         `json:"modules_dir"`
	ChannelOverrides map[string]string              `json:"channel_overrides"`
	ModuleOptions    map[string]ModuleOptionsConfig `json:"module_options"`
	Limits           LimitsConfig                   `json:"limits"`
	Signing          SigningConfig                  `json:"signing"`
	SecretsFile      string                         `json:"secrets_file"`
	SecretGroups     []SecretGroupConfig            `json:"secret_groups"`
	SharedDbs        []SharedDbConfig               `json:"shared_dbs"`
	NamedRequests    []NamedRequestConfig           `json:"named_requests"`
	Storage          StorageConfig                  `json:"storage"`
	Cache            CacheConfig                    `json:"cache"`
	EventBus         EventBusConfig                 `json:"event_bus"`
	Scheduler        SchedulerConfig                `json:"scheduler"`
	Executor         ExecutorConfig                 `json:"executor"`
	Logging          LoggingConfig                  `json:"logging"`
	Metrics          MetricsConfig                  `json:"metrics"`
}

// DefaultConfig returns a Config with sensible defaults for local operation.
func DefaultConfig() *Config {
	return &Config{
		ModulesDir: "./modules",
		Limits: LimitsConfig{
			Default: domain.ResourceLimits{
				ComputationLimit:       10_000_000,
				PageLimit:              256,
				PersistentStorageLimit: domain.Limited(1 << 20),
			},
			ByType:   map[string]domain.ResourceLimits{},
			ByModule: map[string]domain.ResourceLimits{},
		},
		Signing: SigningConfig{
			Enabled:            false,
			SignatureNamespace: "plaid-modules",
			SignaturesRequired: 1,
		},
		Storage: StorageConfig{
			Provider: "memory",
		},
		Cache: CacheConfig{
			Provider:   "memory",
			DefaultTTL: 5 * time.Minute,
			MaxEntries: 10_000,
			Eviction:   "lru",
		},
		EventBus: EventBusConfig{
			QueueSize: 2048,
		},
		Scheduler: SchedulerConfig{
			TickInterval: time.Second,
			IsRunner:     true,
		},
		Executor: ExecutorConfig{
			Workers:           8,
			RecordPerformance: true,
		},
		Logging: LoggingConfig{
			Level:             "info",
			Format:            "text",
			HeartbeatInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "plaid",
			Addr:      ":9090",
		},
	}
}

// Load reads and parses a JSON configuration file, applying it on top of
// DefaultConfig so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies PLAID_-prefixed environment variable overrides,
// mirroring an env-override layering convention without reintroducing a
// CLI flag surface.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PLAID_MODULES_DIR"); v != "" {
		cfg.ModulesDir = v
	}
	if v := os.Getenv("PLAID_SECRETS_FILE"); v != "" {
		cfg.SecretsFile = v
	}
	if v := os.Getenv("PLAID_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PLAID_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PLAID_STORAGE_PROVIDER"); v != "" {
		cfg.Storage.Provider = v
	}
	if v := os.Getenv("PLAID_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
		cfg.Storage.Provider = "postgres"
	}
	if v := os.Getenv("PLAID_CACHE_PROVIDER"); v != "" {
		cfg.Cache.Provider = v
	}
	if v := os.Getenv("PLAID_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
		cfg.Cache.Provider = "redis"
	}
	if v := os.Getenv("PLAID_SIGNING_ENABLED"); v != "" {
		cfg.Signing.Enabled = parseBool(v)
	}
	if v := os.Getenv("PLAID_SIGNATURES_REQUIRED"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Signing.SignaturesRequired = n
		}
	}
	if v := os.Getenv("PLAID_EVENT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventBus.QueueSize = n
		}
	}
	if v := os.Getenv("PLAID_EXECUTOR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.Workers = n
		}
	}
	if v := os.Getenv("PLAID_SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.TickInterval = d
		}
	}
	if v := os.Getenv("PLAID_SCHEDULER_IS_RUNNER"); v != "" {
		cfg.Scheduler.IsRunner = parseBool(v)
	}
	if v := os.Getenv("PLAID_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("PLAID_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
