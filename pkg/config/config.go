// Package config loads coordinator settings from an optional TOML file with
// environment variable overrides. Every setting has a working default so the
// CLI runs with no config at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultStatePath     = "state/generation_state.json"
	DefaultLeaseDuration = 30 * time.Minute
	DefaultMaxAttempts   = 3
	DefaultLockTimeout   = 10 * time.Second
	DefaultLockBackoff   = 50 * time.Millisecond
	DefaultSweepInterval = 30 * time.Second
	DefaultMetricsAddr   = ":9109"
)

// Config holds all coordinator settings.
type Config struct {
	// StatePath is the durable JSON task document. The sidecar lock file
	// is StatePath + ".lock".
	StatePath string `toml:"state_path"`

	// LeaseDuration is how long a claim remains exclusive before the
	// sweep may reclaim the task.
	LeaseDuration duration `toml:"lease_duration"`

	// MaxAttempts is the retry ceiling: a task whose lease expires with
	// AttemptCount >= MaxAttempts is failed instead of re-queued.
	MaxAttempts int `toml:"max_attempts"`

	// LockTimeout bounds how long a single operation waits for the store
	// lock before giving up with a retryable error.
	LockTimeout duration `toml:"lock_timeout"`

	// LockBackoff is the delay between lock acquisition attempts.
	LockBackoff duration `toml:"lock_backoff"`

	// Transitions maps a task type to the child type spawned when a task
	// of that type completes successfully. Supplied by the deployment,
	// never hard-coded (e.g. draft_dp = "review_datapoint").
	Transitions map[string]string `toml:"transitions"`

	// SweepInterval is the background sweep cadence of the watch command.
	SweepInterval duration `toml:"sweep_interval"`

	// MetricsAddr is the listen address of the watch command's
	// Prometheus endpoint.
	MetricsAddr string `toml:"metrics_addr"`
}

// duration wraps time.Duration so TOML accepts strings like "30m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		StatePath:     DefaultStatePath,
		LeaseDuration: duration(DefaultLeaseDuration),
		MaxAttempts:   DefaultMaxAttempts,
		LockTimeout:   duration(DefaultLockTimeout),
		LockBackoff:   duration(DefaultLockBackoff),
		Transitions:   map[string]string{},
		SweepInterval: duration(DefaultSweepInterval),
		MetricsAddr:   DefaultMetricsAddr,
	}
}

// Load reads the TOML file at path (missing file is not an error), then
// applies environment overrides. An unparseable file is an error: the
// coordinator must not run with half-applied settings.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("PIPELINE_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("PIPELINE_LEASE_DURATION"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PIPELINE_LEASE_DURATION: %w", err)
		}
		cfg.LeaseDuration = duration(parsed)
	}
	if v := os.Getenv("PIPELINE_MAX_ATTEMPTS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PIPELINE_MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = parsed
	}
	if v := os.Getenv("PIPELINE_LOCK_TIMEOUT"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PIPELINE_LOCK_TIMEOUT: %w", err)
		}
		cfg.LockTimeout = duration(parsed)
	}
	if v := os.Getenv("PIPELINE_LOCK_BACKOFF"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PIPELINE_LOCK_BACKOFF: %w", err)
		}
		cfg.LockBackoff = duration(parsed)
	}
	if v := os.Getenv("PIPELINE_SWEEP_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PIPELINE_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = duration(parsed)
	}
	if v := os.Getenv("PIPELINE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = duration(DefaultLeaseDuration)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = duration(DefaultLockTimeout)
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = duration(DefaultLockBackoff)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = duration(DefaultSweepInterval)
	}

	return cfg, nil
}

// DefaultPath returns the config file location: PIPELINE_CONFIG if set,
// otherwise pipeline.toml in the working directory.
func DefaultPath() string {
	if p := os.Getenv("PIPELINE_CONFIG"); p != "" {
		return p
	}
	return "pipeline.toml"
}
