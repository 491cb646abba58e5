// Package config loads locsync configuration from config.yaml and LOCSYNC_
// environment variables, and initializes the global logger.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Gate       GateConfig       `yaml:"gate" mapstructure:"gate"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	Replay     ReplayConfig     `yaml:"replay" mapstructure:"replay"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the version log and canonical store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig configures the durable job queue.
type QueueConfig struct {
	Driver             string        `yaml:"driver" mapstructure:"driver"`
	DSN                string        `yaml:"dsn" mapstructure:"dsn"`
	MaxAttempts        int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	LeaseDuration      time.Duration `yaml:"lease_duration" mapstructure:"lease_duration"`
	TransientInitial   time.Duration `yaml:"transient_initial" mapstructure:"transient_initial"`
	TransientMax       time.Duration `yaml:"transient_max" mapstructure:"transient_max"`
	QuotaInitial       time.Duration `yaml:"quota_initial" mapstructure:"quota_initial"`
	QuotaMax           time.Duration `yaml:"quota_max" mapstructure:"quota_max"`
	QuotaMultiplier    float64       `yaml:"quota_multiplier" mapstructure:"quota_multiplier"`
	QuotaEscalateAfter int           `yaml:"quota_escalate_after" mapstructure:"quota_escalate_after"`
}

// CacheConfig configures the fingerprint cache tiers.
type CacheConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size"`
}

// AnthropicConfig holds the enrichment provider settings.
type AnthropicConfig struct {
	Key               string        `yaml:"key" mapstructure:"key"`
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Model             string        `yaml:"model" mapstructure:"model"`
	MaxTokens         int64         `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	PromptCacheTTL    string        `yaml:"prompt_cache_ttl" mapstructure:"prompt_cache_ttl"`
}

// GeocodeConfig configures the coordinate fallback chain.
type GeocodeConfig struct {
	Strategies    []string `yaml:"strategies" mapstructure:"strategies"`
	GoogleKey     string   `yaml:"google_key" mapstructure:"google_key"`
	CensusRPS     float64  `yaml:"census_rps" mapstructure:"census_rps"`
	GoogleRPS     float64  `yaml:"google_rps" mapstructure:"google_rps"`
	TigerMaxScore int      `yaml:"tiger_max_rating" mapstructure:"tiger_max_rating"`
	DefaultLat    float64  `yaml:"default_lat" mapstructure:"default_lat"`
	DefaultLon    float64  `yaml:"default_lon" mapstructure:"default_lon"`
	DefaultRadius float64  `yaml:"default_radius_m" mapstructure:"default_radius_m"`
}

// GateConfig configures the validation gate.
type GateConfig struct {
	RejectThreshold    float64 `yaml:"reject_threshold" mapstructure:"reject_threshold"`
	ProviderWeight     float64 `yaml:"provider_weight" mapstructure:"provider_weight"`
	ApproximatePenalty float64 `yaml:"approximate_penalty" mapstructure:"approximate_penalty"`
}

// ReconcileConfig points at the merge policy file.
type ReconcileConfig struct {
	PolicyFile string `yaml:"policy_file" mapstructure:"policy_file"`
}

// ArchiveConfig configures the job result archive.
type ArchiveConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`
	MaxBytes int64  `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// ReplayConfig bounds the replay feeder.
type ReplayConfig struct {
	AllowedRoot  string `yaml:"allowed_root" mapstructure:"allowed_root"`
	MaxFileBytes int64  `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency" mapstructure:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval" mapstructure:"reclaim_interval"`
	Stages          []string      `yaml:"stages" mapstructure:"stages"`
}

// ServerConfig configures the operator HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures alert thresholds and delivery.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	RejectionRateThreshold float64 `yaml:"rejection_rate_threshold" mapstructure:"rejection_rate_threshold"`
	ParkedBacklogThreshold int     `yaml:"parked_backlog_threshold" mapstructure:"parked_backlog_threshold"`
	MinSample              int     `yaml:"min_sample" mapstructure:"min_sample"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "locsync.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("queue.driver", "sqlite")
	v.SetDefault("queue.dsn", "locsync-queue.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.lease_duration", "5m")
	v.SetDefault("queue.transient_initial", "2s")
	v.SetDefault("queue.transient_max", "1m")
	v.SetDefault("queue.quota_initial", "1h")
	v.SetDefault("queue.quota_max", "4h")
	v.SetDefault("queue.quota_multiplier", 1.5)
	v.SetDefault("queue.quota_escalate_after", 6)

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.pool_size", 10)

	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.timeout", "2m")
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("anthropic.prompt_cache_ttl", "5m")

	v.SetDefault("geocode.strategies", []string{"census", "google", "default"})
	v.SetDefault("geocode.google_key", "")
	v.SetDefault("geocode.census_rps", 10.0)
	v.SetDefault("geocode.google_rps", 25.0)
	v.SetDefault("geocode.tiger_max_rating", 20)
	v.SetDefault("geocode.default_lat", 39.8283)
	v.SetDefault("geocode.default_lon", -98.5795)
	v.SetDefault("geocode.default_radius_m", 1000.0)

	v.SetDefault("gate.reject_threshold", 30.0)
	v.SetDefault("gate.provider_weight", 0.3)
	v.SetDefault("gate.approximate_penalty", 5.0)

	v.SetDefault("reconcile.policy_file", "")

	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.max_bytes", 100<<20)

	v.SetDefault("replay.allowed_root", "archive")
	v.SetDefault("replay.max_file_bytes", 100<<20)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.reclaim_interval", "30s")
	v.SetDefault("worker.stages", []string{})

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.rejection_rate_threshold", 0.5)
	v.SetDefault("monitoring.parked_backlog_threshold", 50)
	v.SetDefault("monitoring.min_sample", 20)
}

// Validate checks that the keys a command needs are present and sane.
// mode is the command name: serve, work, submit, replay, rebuild, status,
// parked or migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not postgres or sqlite", c.Store.Driver))
	}

	if c.Gate.RejectThreshold < 0 || c.Gate.RejectThreshold > 100 {
		errs = append(errs, "gate.reject_threshold must be between 0 and 100")
	}
	if c.Gate.ProviderWeight < 0 || c.Gate.ProviderWeight > 1 {
		errs = append(errs, "gate.provider_weight must be between 0 and 1")
	}

	switch mode {
	case "work":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Archive.Dir == "" {
			errs = append(errs, "archive.dir is required")
		}
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
			errs = append(errs, "worker.concurrency must be between 1 and 64")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "replay":
		if c.Replay.AllowedRoot == "" {
			errs = append(errs, "replay.allowed_root is required")
		}
	case "submit", "rebuild", "status", "parked", "migrate":
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
