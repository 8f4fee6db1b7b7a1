// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// BackendKind selects which Backend implementation the spine runs against.
type BackendKind string

const (
	BackendMemory  BackendKind = "memory"
	BackendStreams BackendKind = "streams"
)

type MemoryBackend struct {
	MaxSize int `mapstructure:"max_size"`
}

type StreamsBackend struct {
	URL             string        `mapstructure:"url"`
	StreamKey       string        `mapstructure:"stream_key"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	ConsumerName    string        `mapstructure:"consumer_name"`
	PoolSize        int           `mapstructure:"pool_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ClaimMinIdleMS  int           `mapstructure:"claim_min_idle_ms"`
	DLQStream       string        `mapstructure:"dlq_stream"`
	BreakerWindow   time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// ClaimMinIdle converts ClaimMinIdleMS to a time.Duration.
func (s StreamsBackend) ClaimMinIdle() time.Duration {
	return time.Duration(s.ClaimMinIdleMS) * time.Millisecond
}

// DLQStreamKey returns the dead-letter stream key, defaulting to
// "<StreamKey>:dlq" when DLQStream is not set.
func (s StreamsBackend) DLQStreamKey() string {
	if s.DLQStream != "" {
		return s.DLQStream
	}
	return s.StreamKey + ":dlq"
}

type Backend struct {
	Kind    BackendKind    `mapstructure:"kind"`
	Memory  MemoryBackend  `mapstructure:"memory"`
	Streams StreamsBackend `mapstructure:"streams"`
}

// EnqueueFailureMode mirrors spine.EnqueueFailureMode as a config-friendly
// string enum (FAIL, RETRY, STORE).
type EnqueueFailureMode string

// HandlerFailureMode mirrors spine.HandlerFailureMode as a config-friendly
// string enum (LOG, STORE, NACK).
type HandlerFailureMode string

const (
	EnqueueFail  EnqueueFailureMode = "FAIL"
	EnqueueRetry EnqueueFailureMode = "RETRY"
	EnqueueStore EnqueueFailureMode = "STORE"

	HandlerLog   HandlerFailureMode = "LOG"
	HandlerStore HandlerFailureMode = "STORE"
	HandlerNack  HandlerFailureMode = "NACK"
)

type Spine struct {
	MaxSteps                      int                `mapstructure:"max_steps"`
	RetryAttempts                 int                `mapstructure:"retry_attempts"`
	RetryBaseDelay                time.Duration      `mapstructure:"retry_base_delay"`
	HandlerTimeout                time.Duration      `mapstructure:"handler_timeout"`
	MaxConsecutiveBackendFailures int                `mapstructure:"max_consecutive_backend_failures"`
	EnqueueFailureMode             EnqueueFailureMode `mapstructure:"enqueue_failure_mode"`
	HandlerFailureMode             HandlerFailureMode `mapstructure:"handler_failure_mode"`
}

type DLQ struct {
	MaxSize int `mapstructure:"max_size"`
}

type TracingConfig struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`

	// LogFile, when set, tees structured logs to a rotating file on disk
	// in addition to stdout. Empty means stdout only.
	LogFile           string `mapstructure:"log_file"`
	LogFileMaxSizeMB  int    `mapstructure:"log_file_max_size_mb"`
	LogFileMaxBackups int    `mapstructure:"log_file_max_backups"`
	LogFileMaxAgeDays int    `mapstructure:"log_file_max_age_days"`
	LogFileCompress   bool   `mapstructure:"log_file_compress"`
}

type AdminAPI struct {
	Addr string `mapstructure:"addr"`

	// RateLimitPerSecond throttles the admin API's mutating endpoints
	// (purge, requeue); 0 disables rate limiting.
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

// Demo configures cmd/spine's optional scheduled trigger: when CronSpec is
// set, -role=run enqueues a heartbeat NOTIFICATION_REQUESTED event on that
// cron schedule.
type Demo struct {
	CronSpec string `mapstructure:"cron_spec"`
}

type Config struct {
	Backend       Backend             `mapstructure:"backend"`
	Spine         Spine               `mapstructure:"spine"`
	DLQ           DLQ                 `mapstructure:"dlq"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	AdminAPI      AdminAPI            `mapstructure:"admin_api"`
	Demo          Demo                `mapstructure:"demo"`
}

func defaultConfig() *Config {
	return &Config{
		Backend: Backend{
			Kind:   BackendMemory,
			Memory: MemoryBackend{MaxSize: 0},
			Streams: StreamsBackend{
				URL:            "redis://localhost:6379/0",
				StreamKey:      "spine:events",
				ConsumerGroup:  "spine",
				ConsumerName:   "spine-1",
				PoolSize:       10,
				MaxRetries:     5,
				ClaimMinIdleMS: 30_000,
			},
		},
		Spine: Spine{
			MaxSteps:                      100_000,
			RetryAttempts:                 3,
			RetryBaseDelay:                100 * time.Millisecond,
			HandlerTimeout:                30 * time.Second,
			MaxConsecutiveBackendFailures: 10,
			EnqueueFailureMode:            EnqueueFail,
			HandlerFailureMode:            HandlerLog,
		},
		DLQ: DLQ{MaxSize: 10_000},
		Observability: ObservabilityConfig{
			MetricsPort:       9090,
			LogLevel:          "info",
			Tracing:           TracingConfig{Enabled: false},
			LogFileMaxSizeMB:  100,
			LogFileMaxBackups: 3,
			LogFileMaxAgeDays: 28,
		},
		AdminAPI: AdminAPI{
			Addr:               ":8089",
			RateLimitPerSecond: 5,
			RateLimitBurst:     10,
		},
	}
}

// Load reads configuration from a YAML file at path, overridable by
// environment variables (e.g. SPINE_BACKEND_KIND), and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("spine")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("backend.kind", def.Backend.Kind)
	v.SetDefault("backend.memory.max_size", def.Backend.Memory.MaxSize)
	v.SetDefault("backend.streams.url", def.Backend.Streams.URL)
	v.SetDefault("backend.streams.stream_key", def.Backend.Streams.StreamKey)
	v.SetDefault("backend.streams.consumer_group", def.Backend.Streams.ConsumerGroup)
	v.SetDefault("backend.streams.consumer_name", def.Backend.Streams.ConsumerName)
	v.SetDefault("backend.streams.pool_size", def.Backend.Streams.PoolSize)
	v.SetDefault("backend.streams.max_retries", def.Backend.Streams.MaxRetries)
	v.SetDefault("backend.streams.claim_min_idle_ms", def.Backend.Streams.ClaimMinIdleMS)

	v.SetDefault("spine.max_steps", def.Spine.MaxSteps)
	v.SetDefault("spine.retry_attempts", def.Spine.RetryAttempts)
	v.SetDefault("spine.retry_base_delay", def.Spine.RetryBaseDelay)
	v.SetDefault("spine.handler_timeout", def.Spine.HandlerTimeout)
	v.SetDefault("spine.max_consecutive_backend_failures", def.Spine.MaxConsecutiveBackendFailures)
	v.SetDefault("spine.enqueue_failure_mode", string(def.Spine.EnqueueFailureMode))
	v.SetDefault("spine.handler_failure_mode", string(def.Spine.HandlerFailureMode))

	v.SetDefault("dlq.max_size", def.DLQ.MaxSize)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.log_file_max_size_mb", def.Observability.LogFileMaxSizeMB)
	v.SetDefault("observability.log_file_max_backups", def.Observability.LogFileMaxBackups)
	v.SetDefault("observability.log_file_max_age_days", def.Observability.LogFileMaxAgeDays)

	v.SetDefault("admin_api.addr", def.AdminAPI.Addr)
	v.SetDefault("admin_api.rate_limit_per_second", def.AdminAPI.RateLimitPerSecond)
	v.SetDefault("admin_api.rate_limit_burst", def.AdminAPI.RateLimitBurst)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	switch cfg.Backend.Kind {
	case BackendMemory, BackendStreams:
	default:
		return fmt.Errorf("backend.kind must be %q or %q", BackendMemory, BackendStreams)
	}
	if cfg.Backend.Kind == BackendStreams {
		if cfg.Backend.Streams.StreamKey == "" {
			return fmt.Errorf("backend.streams.stream_key is required")
		}
		if cfg.Backend.Streams.ConsumerGroup == "" {
			return fmt.Errorf("backend.streams.consumer_group is required")
		}
		if cfg.Backend.Streams.ConsumerName == "" {
			return fmt.Errorf("backend.streams.consumer_name is required")
		}
	}
	if cfg.Spine.MaxSteps < 1 {
		return fmt.Errorf("spine.max_steps must be >= 1")
	}
	if cfg.Spine.HandlerTimeout <= 0 {
		return fmt.Errorf("spine.handler_timeout must be > 0")
	}
	if cfg.Spine.MaxConsecutiveBackendFailures < 1 {
		return fmt.Errorf("spine.max_consecutive_backend_failures must be >= 1")
	}
	switch cfg.Spine.EnqueueFailureMode {
	case EnqueueFail, EnqueueRetry, EnqueueStore:
	default:
		return fmt.Errorf("spine.enqueue_failure_mode must be FAIL, RETRY, or STORE")
	}
	switch cfg.Spine.HandlerFailureMode {
	case HandlerLog, HandlerStore, HandlerNack:
	default:
		return fmt.Errorf("spine.handler_failure_mode must be LOG, STORE, or NACK")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Demo.CronSpec != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(cfg.Demo.CronSpec); err != nil {
			return fmt.Errorf("demo.cron_spec: %w", err)
		}
	}
	return nil
}
