// Package config resolves zlibmeta settings from defaults, an optional HCL
// file and ZLIBMETA_* environment variables. Command-line flags are applied
// last by the caller.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ZLIBMETA_"

// Config is the resolved configuration of one invocation.
type Config struct {
	DB               string        `yaml:"db"`
	BatchSize        int           `yaml:"batch_size"`
	ProgressEvery    int64         `yaml:"progress_every"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	Parallel         bool          `yaml:"parallel"`
	MaxLineBytes     int           `yaml:"max_line_bytes"`
	LogLevel         string        `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DB:               "zlib_metadata.db",
		BatchSize:        10000,
		ProgressEvery:    100000,
		ProgressInterval: 30 * time.Second,
		MaxLineBytes:     16 << 20,
		LogLevel:         "info",
	}
}

// file mirrors Config for HCL decoding; nil means "not set in the file".
type file struct {
	DB               *string `hcl:"db,optional"`
	BatchSize        *int    `hcl:"batch_size,optional"`
	ProgressEvery    *int64  `hcl:"progress_every,optional"`
	ProgressInterval *string `hcl:"progress_interval,optional"`
	Parallel         *bool   `hcl:"parallel,optional"`
	MaxLineBytes     *int    `hcl:"max_line_bytes,optional"`
	LogLevel         *string `hcl:"log_level,optional"`
}

// Load resolves defaults, then path (skipped when empty), then a .env file
// in the working directory if present, then the process environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		if err := c.ApplyFile(path); err != nil {
			return c, err
		}
	}
	// Missing .env is the common case.
	_ = godotenv.Load()
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return c, err
	}
	return c, nil
}

// ApplyFile overlays the attributes set in an HCL (or HCL-JSON) file.
func (c *Config) ApplyFile(path string) error {
	var f file
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if f.DB != nil {
		c.DB = *f.DB
	}
	if f.BatchSize != nil {
		c.BatchSize = *f.BatchSize
	}
	if f.ProgressEvery != nil {
		c.ProgressEvery = *f.ProgressEvery
	}
	if f.ProgressInterval != nil {
		d, err := time.ParseDuration(*f.ProgressInterval)
		if err != nil {
			return fmt.Errorf("config %s: progress_interval: %w", path, err)
		}
		c.ProgressInterval = d
	}
	if f.Parallel != nil {
		c.Parallel = *f.Parallel
	}
	if f.MaxLineBytes != nil {
		c.MaxLineBytes = *f.MaxLineBytes
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	return nil
}

// ApplyEnv overlays ZLIBMETA_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	if v, ok := get("DB"); ok {
		c.DB = v
	}
	if v, ok := get("BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("BATCH_SIZE", err))
		c.BatchSize = n
	}
	if v, ok := get("PROGRESS_EVERY"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, envErr("PROGRESS_EVERY", err))
		c.ProgressEvery = n
	}
	if v, ok := get("PROGRESS_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("PROGRESS_INTERVAL", err))
		c.ProgressInterval = d
	}
	if v, ok := get("PARALLEL"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("PARALLEL", err))
		c.Parallel = b
	}
	if v, ok := get("MAX_LINE_BYTES"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("MAX_LINE_BYTES", err))
		c.MaxLineBytes = n
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return errors.Join(errs...)
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
}

// Validate rejects settings no import can run with.
func (c Config) Validate() error {
	var errs []error
	if c.DB == "" {
		errs = append(errs, errors.New("db path is empty"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
	}
	if c.ProgressEvery <= 0 {
		errs = append(errs, fmt.Errorf("progress_every must be positive, got %d", c.ProgressEvery))
	}
	if c.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("progress_interval must be positive, got %s", c.ProgressInterval))
	}
	if c.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_line_bytes must be positive, got %d", c.MaxLineBytes))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel (debug, info, warn, error).
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}
