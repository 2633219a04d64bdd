// Package config loads caseflow settings from defaults, an optional YAML
// file, a .env file and CASEFLOW_ environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "CASEFLOW"

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Cursor      CursorConfig      `mapstructure:"cursor" yaml:"cursor"`
	Lease       LeaseConfig       `mapstructure:"lease" yaml:"lease"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper" yaml:"sweeper"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
	Webhook     WebhookConfig     `mapstructure:"webhook" yaml:"webhook"`
	OCR         OCRConfig         `mapstructure:"ocr" yaml:"ocr"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. Driver is sqlite3 or postgres; for
// sqlite3 the DSN is a file path.
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// CursorConfig holds the pagination cursor signing key. An empty secret
// makes cursors valid only for the lifetime of the process.
type CursorConfig struct {
	Secret string `mapstructure:"secret" yaml:"secret"`
}

type LeaseConfig struct {
	Default time.Duration `mapstructure:"default" yaml:"default"`
	Max     time.Duration `mapstructure:"max" yaml:"max"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type IdempotencyConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	TTL            time.Duration `mapstructure:"ttl" yaml:"ttl"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout" yaml:"pending_timeout"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" yaml:"purge_interval"`
	Redis          RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type WebhookConfig struct {
	Workers         int              `mapstructure:"workers" yaml:"workers"`
	QueueSize       int              `mapstructure:"queue_size" yaml:"queue_size"`
	MaxAttempts     int              `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff  time.Duration    `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff      time.Duration    `mapstructure:"max_backoff" yaml:"max_backoff"`
	AttemptTimeout  time.Duration    `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	RecoverInterval time.Duration    `mapstructure:"recover_interval" yaml:"recover_interval"`
	SinkSize        int              `mapstructure:"sink_size" yaml:"sink_size"`
	Listeners       []ListenerConfig `mapstructure:"listeners" yaml:"listeners"`
}

// ListenerConfig is a webhook endpoint fixed in configuration.
type ListenerConfig struct {
	URL    string   `mapstructure:"url" yaml:"url"`
	Events []string `mapstructure:"events" yaml:"events"`
}

// OCRConfig points at the OCR engine. With an empty Endpoint no embedded
// dispatcher runs and jobs wait for external workers.
type OCRConfig struct {
	Endpoint     string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency"`
	Lease        time.Duration `mapstructure:"lease" yaml:"lease"`
	IdleInterval time.Duration `mapstructure:"idle_interval" yaml:"idle_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "caseflow.db")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("cursor.secret", "")

	v.SetDefault("lease.default", 30*time.Minute)
	v.SetDefault("lease.max", 24*time.Hour)

	v.SetDefault("sweeper.interval", 5*time.Second)

	v.SetDefault("idempotency.backend", "sql")
	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.wait_timeout", 5*time.Second)
	v.SetDefault("idempotency.pending_timeout", 2*time.Minute)
	v.SetDefault("idempotency.purge_interval", 10*time.Minute)
	v.SetDefault("idempotency.redis.addr", "localhost:6379")
	v.SetDefault("idempotency.redis.username", "")
	v.SetDefault("idempotency.redis.password", "")
	v.SetDefault("idempotency.redis.prefix", "caseflow:idempotency:")

	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.queue_size", 1024)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.initial_backoff", time.Second)
	v.SetDefault("webhook.max_backoff", time.Minute)
	v.SetDefault("webhook.attempt_timeout", 10*time.Second)
	v.SetDefault("webhook.recover_interval", 30*time.Second)
	v.SetDefault("webhook.sink_size", 100)
	v.SetDefault("webhook.listeners", []ListenerConfig{})

	v.SetDefault("ocr.endpoint", "")
	v.SetDefault("ocr.timeout", 2*time.Minute)
	v.SetDefault("ocr.concurrency", 4)
	v.SetDefault("ocr.lease", 10*time.Minute)
	v.SetDefault("ocr.idle_interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}

	if c.Lease.Default <= 0 || c.Lease.Max <= 0 {
		return errors.New("lease.default and lease.max must be positive")
	}
	if c.Lease.Default > c.Lease.Max {
		return fmt.Errorf("lease.default %s exceeds lease.max %s", c.Lease.Default, c.Lease.Max)
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be positive")
	}

	switch c.Idempotency.Backend {
	case "sql":
	case "redis":
		if c.Idempotency.Redis.Addr == "" {
			return errors.New("idempotency.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("idempotency.backend must be sql or redis, got %q", c.Idempotency.Backend)
	}
	if c.Idempotency.TTL <= 0 {
		return errors.New("idempotency.ttl must be positive")
	}

	if c.Webhook.Workers < 1 {
		return errors.New("webhook.workers must be at least 1")
	}
	if c.Webhook.MaxAttempts < 1 {
		return errors.New("webhook.max_attempts must be at least 1")
	}
	for i, l := range c.Webhook.Listeners {
		u, err := url.Parse(l.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.listeners[%d].url must be an absolute http(s) url", i)
		}
	}

	if c.OCR.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.OCR.Endpoint); err != nil {
			return fmt.Errorf("ocr.endpoint: %w", err)
		}
		if c.OCR.Concurrency < 1 {
			return errors.New("ocr.concurrency must be at least 1")
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

const redacted = "******"

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Cursor.Secret != "" {
		out.Cursor.Secret = redacted
	}
	if out.Idempotency.Redis.Password != "" {
		out.Idempotency.Redis.Password = redacted
	}
	if u, err := url.Parse(out.Database.DSN); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
			out.Database.DSN = u.String()
		}
	}
	return yaml.Marshal(&out)
}
