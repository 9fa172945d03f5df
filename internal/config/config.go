// Package config loads engine configuration files.
//
// Files are YAML. Keys left out keep their defaults:
//
//	database:
//	  path: pvm.db
//	job_executor:
//	  enabled: true
//	  lock_time: 5m
//	  max_jobs_per_acquisition: 3
//	  wait_time: 5s
//	  pool_size: 10
//	  max_backoff: 60s
//	  retry_backoff:
//	    base: 10s
//	    max: 10m
//	redis:
//	  addr: localhost:6379
//	  channel: pvm:jobs
//	metrics:
//	  addr: :9090
//	log:
//	  level: info
//	  format: text
//	deployments:
//	  - processes/order.yaml
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pvm/internal/fault"
	"github.com/roach88/pvm/internal/jobexecutor"
	"github.com/roach88/pvm/internal/wakeup"
)

// Config is the engine configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	JobExecutor JobExecutorConfig `mapstructure:"job_executor"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	// Deployments are definition resources deployed at startup.
	Deployments []string `mapstructure:"deployments"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type JobExecutorConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	LockOwner             string        `mapstructure:"lock_owner"`
	LockTime              time.Duration `mapstructure:"lock_time"`
	MaxJobsPerAcquisition int           `mapstructure:"max_jobs_per_acquisition"`
	WaitTime              time.Duration `mapstructure:"wait_time"`
	PoolSize              int           `mapstructure:"pool_size"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff"`
	// RetryBackoff postpones failed jobs when Base is set; otherwise they
	// are retried immediately.
	RetryBackoff RetryBackoffConfig `mapstructure:"retry_backoff"`
}

type RetryBackoffConfig struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// RedisConfig enables cross-node wake-up hints when Addr is set.
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// MetricsConfig serves prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "pvm.db"},
		JobExecutor: JobExecutorConfig{
			Enabled:               true,
			LockTime:              jobexecutor.DefaultLockTime,
			MaxJobsPerAcquisition: jobexecutor.DefaultMaxJobsPerAcquisition,
			WaitTime:              jobexecutor.DefaultWaitTime,
			PoolSize:              jobexecutor.DefaultPoolSize,
			MaxBackoff:            jobexecutor.DefaultMaxBackoff,
		},
		Redis: RedisConfig{Channel: wakeup.DefaultChannel},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults and validates the result.
// An empty document yields the defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()

	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fault.Validation("invalid config: %v", err)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      &cfg,
	})
	if err != nil {
		return Config{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Config{}, fault.Validation("invalid config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Database.Path == "" {
		return fault.Validation("database.path is required")
	}
	je := c.JobExecutor
	if je.LockTime <= 0 {
		return fault.Validation("job_executor.lock_time must be positive, got %s", je.LockTime)
	}
	if je.WaitTime < 0 {
		return fault.Validation("job_executor.wait_time must not be negative, got %s", je.WaitTime)
	}
	if je.MaxJobsPerAcquisition < 1 {
		return fault.Validation("job_executor.max_jobs_per_acquisition must be at least 1, got %d", je.MaxJobsPerAcquisition)
	}
	if je.PoolSize < 1 {
		return fault.Validation("job_executor.pool_size must be at least 1, got %d", je.PoolSize)
	}
	if je.MaxBackoff <= 0 {
		return fault.Validation("job_executor.max_backoff must be positive, got %s", je.MaxBackoff)
	}
	if rb := je.RetryBackoff; rb.Base < 0 || (rb.Base > 0 && rb.Max < rb.Base) {
		return fault.Validation("job_executor.retry_backoff needs 0 <= base <= max, got base %s max %s", rb.Base, rb.Max)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fault.Validation("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fault.Validation("invalid log.level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds a logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
