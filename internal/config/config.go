// Package config loads dupescan configuration.
// Precedence, lowest first: defaults, JSON config file, DUPESCAN_* environment
// variables, command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Cache file formats.
const (
	CacheFormatJSON   = "json"
	CacheFormatSQLite = "sqlite"
)

// Keeper selection modes.
const (
	KeepPrompt = "prompt"
	KeepFirst  = "first"
)

// Duration is a time.Duration that reads "24h" style strings from JSON.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration '%s': %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", b)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config holds every tunable for a run.
type Config struct {
	// Source
	Source          string `json:"source"`
	CredentialsFile string `json:"credentials_file,omitempty"`

	// Cache
	CacheDir        string   `json:"cache_dir"`
	CacheFormat     string   `json:"cache_format"`
	CacheTTL        Duration `json:"cache_ttl"`
	PersistInterval Duration `json:"persist_interval"`

	// Fetching
	BatchSize         int      `json:"batch_size"`
	Concurrency       int      `json:"concurrency"`
	MaxRetries        int      `json:"max_retries"`
	RetryBaseDelay    Duration `json:"retry_base_delay"`
	RetryMaxDelay     Duration `json:"retry_max_delay"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	ForceRefresh      bool     `json:"force_refresh"`

	// Analysis and deletion
	SkipEmpty bool   `json:"skip_empty"`
	Keep      string `json:"keep"`
	Trash     bool   `json:"trash"`
	Yes       bool   `json:"yes"`
	DryRun    bool   `json:"dry_run"`

	// Output
	CSVOutput   string `json:"csv_output,omitempty"`
	MetricsFile string `json:"metrics_file,omitempty"`
	Progress    bool   `json:"progress"`

	// Logging
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	LogFile   string `json:"log_file,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Source:            "memory:",
		CacheDir:          defaultCacheDir(),
		CacheFormat:       CacheFormatJSON,
		CacheTTL:          Duration(24 * time.Hour),
		PersistInterval:   Duration(5 * time.Minute),
		BatchSize:         100,
		Concurrency:       4,
		MaxRetries:        5,
		RetryBaseDelay:    Duration(500 * time.Millisecond),
		RetryMaxDelay:     Duration(30 * time.Second),
		RequestsPerSecond: 10,
		Keep:              KeepPrompt,
		Progress:          true,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// defaultCacheDir checks ./.dupescan first, then falls back to the user
// cache directory.
func defaultCacheDir() string {
	if cwd, err := os.Getwd(); err == nil {
		local := filepath.Join(cwd, ".dupescan")
		if _, err := os.Stat(local); err == nil {
			return local
		}
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "dupescan")
	}
	return ".dupescan"
}

// LoadFile overlays the JSON file at path onto c. A missing file is not an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays DUPESCAN_* environment variables onto c.
func (c *Config) ApplyEnv() {
	c.Source = envOr("DUPESCAN_SOURCE", c.Source)
	c.CredentialsFile = envOr("DUPESCAN_CREDENTIALS", c.CredentialsFile)
	c.CacheDir = envOr("DUPESCAN_CACHE_DIR", c.CacheDir)
	c.CacheFormat = envOr("DUPESCAN_CACHE_FORMAT", c.CacheFormat)
	c.CacheTTL = envDuration("DUPESCAN_CACHE_TTL", c.CacheTTL)
	c.PersistInterval = envDuration("DUPESCAN_PERSIST_INTERVAL", c.PersistInterval)
	c.BatchSize = envInt("DUPESCAN_BATCH_SIZE", c.BatchSize)
	c.Concurrency = envInt("DUPESCAN_CONCURRENCY", c.Concurrency)
	c.MaxRetries = envInt("DUPESCAN_MAX_RETRIES", c.MaxRetries)
	c.RequestsPerSecond = envFloat("DUPESCAN_RPS", c.RequestsPerSecond)
	c.SkipEmpty = envBool("DUPESCAN_SKIP_EMPTY", c.SkipEmpty)
	c.Keep = envOr("DUPESCAN_KEEP", c.Keep)
	c.MetricsFile = envOr("DUPESCAN_METRICS_FILE", c.MetricsFile)
	c.LogLevel = envOr("DUPESCAN_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("DUPESCAN_LOG_FORMAT", c.LogFormat)
	c.LogFile = envOr("DUPESCAN_LOG_FILE", c.LogFile)
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return fmt.Errorf("batch_size must be between 1 and 1000, got %d", c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base <= max")
	}
	switch c.CacheFormat {
	case CacheFormatJSON, CacheFormatSQLite:
	default:
		return fmt.Errorf("unknown cache_format '%s'", c.CacheFormat)
	}
	switch c.Keep {
	case KeepPrompt, KeepFirst:
	default:
		return fmt.Errorf("unknown keep mode '%s'", c.Keep)
	}
	return nil
}

// CachePath returns the snapshot file for the configured format.
func (c *Config) CachePath() string {
	if c.CacheFormat == CacheFormatSQLite {
		return filepath.Join(c.CacheDir, "cache.db")
	}
	return filepath.Join(c.CacheDir, "cache.json")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback Duration) Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return Duration(d)
}
