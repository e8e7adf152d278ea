// Package config loads service configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration tree.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Render  RenderConfig  `mapstructure:"render"`
	Extract ExtractConfig `mapstructure:"extract"`
	Safety  SafetyConfig  `mapstructure:"safety"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	DB      DBConfig      `mapstructure:"db"`
	Storage StorageConfig `mapstructure:"storage"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr             string `mapstructure:"addr"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
}

type WorkerConfig struct {
	Count         int `mapstructure:"count"`
	MaxAttempts   int `mapstructure:"max_attempts"`
	SoftTimeoutS  int `mapstructure:"soft_timeout_s"`
	HardTimeoutS  int `mapstructure:"hard_timeout_s"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int `mapstructure:"backoff_max_ms"`
}

type RenderConfig struct {
	PageLoadTimeoutMs    int     `mapstructure:"page_load_timeout_ms"`
	ContentWaitTimeoutMs int     `mapstructure:"content_wait_timeout_ms"`
	UserAgent            string  `mapstructure:"user_agent"`
	MaxParallel          int     `mapstructure:"max_parallel"`
	HostQPS              float64 `mapstructure:"host_qps"`
}

type ExtractConfig struct {
	MinParagraphCount  int `mapstructure:"min_paragraph_count"`
	MinParagraphLength int `mapstructure:"min_paragraph_length"`
}

type SafetyConfig struct {
	AllowPrivateURLs bool `mapstructure:"allow_private_urls"`
}

type ProbeConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	TimeoutMs int  `mapstructure:"timeout_ms"`
}

type ReaperConfig struct {
	GracePeriodS int `mapstructure:"grace_period_s"`
	IntervalS    int `mapstructure:"interval_s"`
}

type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

type StorageConfig struct {
	// Backend is one of "memory", "local" or "gcs".
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from the optional file at path, then overlays
// environment variables. Flat env names are bound explicitly so deployments
// can set PAGE_LOAD_TIMEOUT_MS without knowing the config tree.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout_ms", 30_000)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.soft_timeout_s", 600)
	v.SetDefault("worker.hard_timeout_s", 900)
	v.SetDefault("worker.backoff_base_ms", 500)
	v.SetDefault("worker.backoff_max_ms", 10_000)
	v.SetDefault("render.page_load_timeout_ms", 30_000)
	v.SetDefault("render.content_wait_timeout_ms", 5_000)
	v.SetDefault("render.max_parallel", 2)
	v.SetDefault("render.host_qps", 1.0)
	v.SetDefault("extract.min_paragraph_count", 3)
	v.SetDefault("extract.min_paragraph_length", 20)
	v.SetDefault("safety.allow_private_urls", false)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_ms", 15_000)
	v.SetDefault("reaper.grace_period_s", 7_200)
	v.SetDefault("reaper.interval_s", 0)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("pubsub.topic", "ingest-events")
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("logging.development", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat names used by existing deployments.
	bindings := map[string]string{
		"render.page_load_timeout_ms":    "PAGE_LOAD_TIMEOUT_MS",
		"render.content_wait_timeout_ms": "CONTENT_WAIT_TIMEOUT_MS",
		"extract.min_paragraph_count":    "MIN_PARAGRAPH_COUNT",
		"extract.min_paragraph_length":   "MIN_PARAGRAPH_LENGTH",
		"worker.soft_timeout_s":          "TASK_SOFT_TIMEOUT_S",
		"worker.hard_timeout_s":          "TASK_HARD_TIMEOUT_S",
		"reaper.grace_period_s":          "STUCK_TASK_GRACE_PERIOD_S",
		"safety.allow_private_urls":      "ALLOW_PRIVATE_URLS",
		"db.dsn":                         "DATABASE_URL",
		"server.addr":                    "SERVER_ADDR",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the timing relationships the lifecycle depends on.
func (c *Config) Validate() error {
	if c.Worker.SoftTimeoutS <= 0 || c.Worker.HardTimeoutS <= 0 {
		return fmt.Errorf("task timeouts must be positive")
	}
	if c.Worker.SoftTimeoutS >= c.Worker.HardTimeoutS {
		return fmt.Errorf("soft timeout (%ds) must be below hard timeout (%ds)", c.Worker.SoftTimeoutS, c.Worker.HardTimeoutS)
	}
	if c.Reaper.GracePeriodS <= c.Worker.HardTimeoutS {
		return fmt.Errorf("reaper grace period (%ds) must exceed hard timeout (%ds)", c.Reaper.GracePeriodS, c.Worker.HardTimeoutS)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Extract.MinParagraphCount <= 0 || c.Extract.MinParagraphLength <= 0 {
		return fmt.Errorf("extraction thresholds must be positive")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// Duration helpers.

func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c WorkerConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutS) * time.Second
}

func (c WorkerConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutS) * time.Second
}

func (c WorkerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

func (c WorkerConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c RenderConfig) PageLoadTimeout() time.Duration {
	return time.Duration(c.PageLoadTimeoutMs) * time.Millisecond
}

func (c RenderConfig) ContentWaitTimeout() time.Duration {
	return time.Duration(c.ContentWaitTimeoutMs) * time.Millisecond
}

func (c ProbeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ReaperConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodS) * time.Second
}

func (c ReaperConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}
