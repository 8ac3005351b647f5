// Package config loads service configuration with precedence ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the fully resolved service configuration.
type AppConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DBPath is the sqlite file backing the task repository.
	DBPath string `yaml:"db_path"`

	// OutputRoot is the base directory for composed output files.
	OutputRoot string `yaml:"output_root"`

	// FFmpegBin is the encoder binary; empty means "ffmpeg" from PATH.
	FFmpegBin string `yaml:"ffmpeg_bin"`

	// MaxConcurrentWorkers caps simultaneously active workers. 0 = unbounded.
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers"`

	// WorkerTimeout marks tasks with no progress for this long as failed.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`

	// StaleSweepInterval is how often the timeout sweeper runs.
	StaleSweepInterval time.Duration `yaml:"stale_sweep_interval"`

	// Rate limiting for the API surface.
	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`

	LogLevel string `yaml:"log_level"`
}

// fileConfig mirrors AppConfig for YAML decoding; *_seconds integer fields are
// accepted the way the original deployment wrote them.
type fileConfig struct {
	Listen                   string `yaml:"listen"`
	DBPath                   string `yaml:"db_path"`
	OutputRoot               string `yaml:"output_root"`
	FFmpegBin                string `yaml:"ffmpeg_bin"`
	MaxConcurrentWorkers     *int   `yaml:"max_concurrent_workers"`
	WorkerTimeoutSeconds     *int   `yaml:"worker_timeout_seconds"`
	StaleSweepIntervalSecond *int   `yaml:"stale_sweep_interval_seconds"`
	RateLimitRPS             *int   `yaml:"rate_limit_rps"`
	RateLimitBurst           *int   `yaml:"rate_limit_burst"`
	LogLevel                 string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		Listen:               ":8080",
		DBPath:               "vidcompose.db",
		OutputRoot:           "output",
		MaxConcurrentWorkers: 0,
		WorkerTimeout:        7200 * time.Second,
		StaleSweepInterval:   600 * time.Second,
		RateLimitRPS:         100,
		RateLimitBurst:       50,
		LogLevel:             "info",
	}
}

// Load resolves configuration from defaults, an optional YAML file, and the
// environment, in increasing order of precedence.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		mergeFile(&cfg, fc)
	}

	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergeFile(cfg *AppConfig, fc fileConfig) {
	if fc.Listen != "" {
		cfg.Listen = fc.Listen
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.OutputRoot != "" {
		cfg.OutputRoot = fc.OutputRoot
	}
	if fc.FFmpegBin != "" {
		cfg.FFmpegBin = fc.FFmpegBin
	}
	if fc.MaxConcurrentWorkers != nil {
		cfg.MaxConcurrentWorkers = *fc.MaxConcurrentWorkers
	}
	if fc.WorkerTimeoutSeconds != nil {
		cfg.WorkerTimeout = time.Duration(*fc.WorkerTimeoutSeconds) * time.Second
	}
	if fc.StaleSweepIntervalSecond != nil {
		cfg.StaleSweepInterval = time.Duration(*fc.StaleSweepIntervalSecond) * time.Second
	}
	if fc.RateLimitRPS != nil {
		cfg.RateLimitRPS = *fc.RateLimitRPS
	}
	if fc.RateLimitBurst != nil {
		cfg.RateLimitBurst = *fc.RateLimitBurst
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
}

func mergeEnv(cfg *AppConfig) {
	cfg.Listen = ParseString("VIDCOMPOSE_LISTEN", cfg.Listen)
	cfg.DBPath = ParseString("VIDCOMPOSE_DB_PATH", cfg.DBPath)
	cfg.OutputRoot = ParseString("OUTPUT_ROOT", cfg.OutputRoot)
	cfg.FFmpegBin = ParseString("VIDCOMPOSE_FFMPEG_BIN", cfg.FFmpegBin)
	cfg.MaxConcurrentWorkers = ParseInt("MAX_CONCURRENT_WORKERS", cfg.MaxConcurrentWorkers)
	cfg.WorkerTimeout = ParseDuration("WORKER_TIMEOUT_SECONDS", cfg.WorkerTimeout)
	cfg.StaleSweepInterval = ParseDuration("STALE_SWEEP_INTERVAL_SECONDS", cfg.StaleSweepInterval)
	cfg.RateLimitRPS = ParseInt("VIDCOMPOSE_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = ParseInt("VIDCOMPOSE_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.LogLevel = ParseString("LOG_LEVEL", cfg.LogLevel)
}

// Validate rejects configurations that cannot run.
func (c AppConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.OutputRoot == "" {
		return fmt.Errorf("output root must not be empty")
	}
	if c.MaxConcurrentWorkers < 0 {
		return fmt.Errorf("max_concurrent_workers must be >= 0, got %d", c.MaxConcurrentWorkers)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker_timeout_seconds must be positive, got %s", c.WorkerTimeout)
	}
	if c.StaleSweepInterval <= 0 {
		return fmt.Errorf("stale_sweep_interval_seconds must be positive, got %s", c.StaleSweepInterval)
	}
	return nil
}
