// Package config loads and validates exporter configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/precatorio-exporter/internal/extract/registry"
)

// Storage and queue backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Export    ExportConfig    `mapstructure:"export"`
	Source    SourceConfig    `mapstructure:"source"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig sizes the worker pool and its retry budget.
type PoolConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Lease       time.Duration `mapstructure:"lease"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	// QueueDepth is the initial buffer of the unbounded in-memory queue.
	QueueDepth  int           `mapstructure:"queue_depth"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
	Key     string `mapstructure:"key"`
}

// ExportConfig holds orchestration limits.
type ExportConfig struct {
	PermanentFailureThreshold int     `mapstructure:"permanent_failure_threshold"`
	LookupConcurrency         int     `mapstructure:"lookup_concurrency"`
	LookupRPS                 float64 `mapstructure:"lookup_rps"`
	LookupBurst               int     `mapstructure:"lookup_burst"`
	MaxUnitsCap               int     `mapstructure:"max_units_cap"`
}

// SourceConfig points at the registry and the party lookup site.
type SourceConfig struct {
	RegistryURL     string             `mapstructure:"registry_url"`
	LookupURL       string             `mapstructure:"lookup_url"`
	UserAgent       string             `mapstructure:"user_agent"`
	NavTimeout      time.Duration      `mapstructure:"nav_timeout"`
	ResultsTimeout  time.Duration      `mapstructure:"results_timeout"`
	LookupTimeout   time.Duration      `mapstructure:"lookup_timeout"`
	MaxBrowsers     int                `mapstructure:"max_browsers"`
	HeadlessDefault bool               `mapstructure:"headless_default"`
	Selectors       registry.Selectors `mapstructure:"selectors"`
}

// StorageConfig selects where unit artifacts are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// all bookkeeping in memory.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for the completion event. Publishing is
// disabled when either field is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// NotifyConfig tunes webhook delivery.
type NotifyConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// ReconcileConfig schedules the completion sweep.
type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXPORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	sel := registry.DefaultSelectors()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pool.concurrency", 3)
	v.SetDefault("pool.lease", 15*time.Minute)
	v.SetDefault("pool.max_attempts", 3)
	v.SetDefault("pool.backoff_base", 2*time.Second)
	v.SetDefault("pool.backoff_max", time.Minute)
	v.SetDefault("pool.queue_depth", 256)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.addr", "localhost:6379")
	v.SetDefault("queue.db", 0)
	v.SetDefault("queue.key", "precatorio:tasks")
	v.SetDefault("export.permanent_failure_threshold", 2)
	v.SetDefault("export.lookup_concurrency", 5)
	v.SetDefault("export.lookup_rps", 2.0)
	v.SetDefault("export.lookup_burst", 5)
	v.SetDefault("export.max_units_cap", 0)
	v.SetDefault("source.registry_url", "https://www8.tjmg.jus.br/juridico/pe/consultaPorEntidadeDevedora.jsf")
	v.SetDefault("source.lookup_url", "https://pje.tjmg.jus.br/pje/ConsultaPublica/listView.seam")
	v.SetDefault("source.user_agent", "precatorio-exporter/0.1")
	v.SetDefault("source.nav_timeout", 45*time.Second)
	v.SetDefault("source.results_timeout", 60*time.Second)
	v.SetDefault("source.lookup_timeout", 15*time.Second)
	v.SetDefault("source.max_browsers", 3)
	v.SetDefault("source.headless_default", true)
	v.SetDefault("source.selectors.entity_input", sel.EntityInput)
	v.SetDefault("source.selectors.entity_suggestion", sel.EntitySuggestion)
	v.SetDefault("source.selectors.year_start_input", sel.YearStartInput)
	v.SetDefault("source.selectors.year_end_input", sel.YearEndInput)
	v.SetDefault("source.selectors.loading_indicator", sel.LoadingIndicator)
	v.SetDefault("source.selectors.result_table", sel.ResultTable)
	v.SetDefault("source.selectors.result_rows", sel.ResultRows)
	v.SetDefault("source.selectors.paginator_current", sel.PaginatorCurrent)
	v.SetDefault("source.selectors.next_page", sel.NextPage)
	v.SetDefault("source.selectors.detail_link", sel.DetailLink)
	v.SetDefault("source.selectors.detail_dialog", sel.DetailDialog)
	v.SetDefault("source.selectors.detail_face_value", sel.DetailFaceValue)
	v.SetDefault("source.selectors.detail_face_value_date", sel.DetailFaceValueDate)
	v.SetDefault("source.selectors.detail_action", sel.DetailAction)
	v.SetDefault("source.selectors.detail_close", sel.DetailClose)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.prefix", "exports")
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("notify.timeout", 30*time.Second)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 5m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.Concurrency <= 0 {
		return fmt.Errorf("pool.concurrency must be > 0")
	}
	if c.Pool.MaxAttempts <= 0 {
		return fmt.Errorf("pool.max_attempts must be > 0")
	}
	if c.Export.PermanentFailureThreshold <= 0 {
		return fmt.Errorf("export.permanent_failure_threshold must be > 0")
	}
	// A unit must be able to reach the ledger threshold before the pool
	// gives up on it, otherwise its export never completes.
	if c.Pool.MaxAttempts < c.Export.PermanentFailureThreshold {
		return fmt.Errorf("pool.max_attempts (%d) must be >= export.permanent_failure_threshold (%d)",
			c.Pool.MaxAttempts, c.Export.PermanentFailureThreshold)
	}
	if c.Export.LookupConcurrency <= 0 {
		return fmt.Errorf("export.lookup_concurrency must be > 0")
	}
	if c.Export.MaxUnitsCap < 0 {
		return fmt.Errorf("export.max_units_cap must be >= 0")
	}
	if c.Source.RegistryURL == "" {
		return fmt.Errorf("source.registry_url is required")
	}
	if c.Source.LookupURL == "" {
		return fmt.Errorf("source.lookup_url is required")
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Queue.Addr == "" {
			return fmt.Errorf("queue.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// PubSubEnabled reports whether completion events should be published.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}
