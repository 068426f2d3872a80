// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport kinds accepted by transport.kind.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Transport TransportConfig `mapstructure:"transport"`
	Redis     RedisConfig     `mapstructure:"redis"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// IntakeConfig bounds submission handling.
type IntakeConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// WorkerConfig governs the processing pool.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	EmbedDimensions int           `mapstructure:"embed_dimensions"`
}

// TransportConfig selects the task queue implementation.
type TransportConfig struct {
	Kind       string `mapstructure:"kind"`
	QueueDepth int    `mapstructure:"queue_depth"`
}

// RedisConfig configures the Redis task queue.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	Block    time.Duration `mapstructure:"block"`
}

// PubSubConfig holds the Pub/Sub task queue and event topic names.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	EventsTopic  string `mapstructure:"events_topic"`
}

// DBConfig controls access to the relational database.
// An empty DSN selects the in-memory record store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig sets where raw artifacts are written.
// An empty bucket selects the in-memory blob store.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// FetchConfig configures the HTTP fetcher.
type FetchConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	// RatePerHost caps fetches per second against one host. Zero disables the cap.
	RatePerHost float64 `mapstructure:"rate_per_host"`
	Burst       int     `mapstructure:"burst"`
}

// ReconcileConfig controls recovery of stale processing records.
type ReconcileConfig struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// Schedule is a cron expression; empty disables the in-process scheduler.
	Schedule string `mapstructure:"schedule"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("intake.request_timeout", "10s")
	v.SetDefault("intake.dispatch_timeout", "5s")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.task_timeout", "2m")
	v.SetDefault("worker.finalize_timeout", "10s")
	v.SetDefault("worker.store_timeout", "10s")
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.embed_dimensions", 256)
	v.SetDefault("transport.kind", TransportMemory)
	v.SetDefault("transport.queue_depth", 256)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "ingest:tasks")
	v.SetDefault("redis.block", "1s")
	v.SetDefault("pubsub.topic", "ingest-tasks")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription", "ingest-tasks-workers")
	v.SetDefault("pubsub.events_topic", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.migrate", false)
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("fetch.user_agent", "ingestion-pipeline/0.1")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 25<<20)
	v.SetDefault("fetch.rate_per_host", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("reconcile.stale_after", "15m")
	v.SetDefault("reconcile.schedule", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "ingestion-pipeline")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker.max_attempts must be > 0")
	}
	if c.Worker.TaskTimeout < 0 {
		return fmt.Errorf("worker.task_timeout must be >= 0")
	}
	if c.Worker.StoreTimeout < 0 {
		return fmt.Errorf("worker.store_timeout must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Reconcile.StaleAfter <= 0 {
		return fmt.Errorf("reconcile.stale_after must be > 0")
	}
	if c.Worker.TaskTimeout > 0 && c.Reconcile.StaleAfter <= c.Worker.TaskTimeout {
		return fmt.Errorf("reconcile.stale_after must exceed worker.task_timeout")
	}
	if c.Fetch.RatePerHost < 0 {
		return fmt.Errorf("fetch.rate_per_host must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Transport.Kind {
	case TransportMemory:
		if c.Transport.QueueDepth <= 0 {
			return fmt.Errorf("transport.queue_depth must be > 0")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when transport.kind is redis")
		}
	case TransportPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" || c.PubSub.Subscription == "" {
			return fmt.Errorf("pubsub.project_id, pubsub.topic and pubsub.subscription are required when transport.kind is pubsub")
		}
	default:
		return fmt.Errorf("transport.kind must be one of memory, redis, pubsub (got %q)", c.Transport.Kind)
	}
	return nil
}
