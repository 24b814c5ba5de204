// Package config handles loading, validating, and resolving the daybook
// configuration. Resolution follows a three-layer override chain:
// defaults -> config file -> environment variables, with CLI flags applied
// by the command layer on top.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Config is the on-disk shape of the TOML config file. Duration fields are
// strings ("30s", "5m") so the file stays human-editable; they are parsed
// into a Resolved during validation.
type Config struct {
	ServerURL string     `toml:"server_url"`
	DataDir   string     `toml:"data_dir"`
	TokenPath string     `toml:"token_path"`
	LogLevel  string     `toml:"log_level"`
	Sync      SyncConfig `toml:"sync"`
}

// SyncConfig holds the sync engine tunables.
type SyncConfig struct {
	Interval       string `toml:"interval"`         // periodic sync trigger interval
	RequestTimeout string `toml:"request_timeout"`  // per-transport-call deadline
	MaxAttempts    int    `toml:"max_attempts"`     // transient-failure ceiling per round
	RetryBaseDelay string `toml:"retry_base_delay"` // first backoff delay, doubles per attempt
	RetryMaxDelay  string `toml:"retry_max_delay"`  // backoff cap
	SyncOnStart    bool   `toml:"sync_on_start"`    // trigger a round when the scheduler starts
}

// Resolved is the effective configuration after merging all layers and
// parsing duration strings. All paths are absolute.
type Resolved struct {
	ServerURL string
	DataDir   string
	DBPath    string
	TokenPath string
	LogLevel  string

	Interval       time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	SyncOnStart    bool
}

// Defaults for the sync section. The retry shape implements the fixed
// three-attempt ceiling with doubling delay.
const (
	defaultInterval       = "5m"
	defaultRequestTimeout = "30s"
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = "1s"
	defaultRetryMaxDelay  = "30s"
	defaultLogLevel       = "info"
)

// dbFileName is the SQLite database inside the data directory.
const dbFileName = "journal.db"

// tokenFileName is the bearer-token file inside the data directory.
const tokenFileName = "token.json"

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: defaultLogLevel,
		Sync: SyncConfig{
			Interval:       defaultInterval,
			RequestTimeout: defaultRequestTimeout,
			MaxAttempts:    defaultMaxAttempts,
			RetryBaseDelay: defaultRetryBaseDelay,
			RetryMaxDelay:  defaultRetryMaxDelay,
			SyncOnStart:    true,
		},
	}
}

// Validate checks a Config for structural problems and returns the parsed
// Resolved form. ServerURL may be empty: offline-only usage is valid until
// the first sync is attempted.
func Validate(cfg *Config) (*Resolved, error) {
	r := &Resolved{
		ServerURL:   cfg.ServerURL,
		DataDir:     cfg.DataDir,
		TokenPath:   cfg.TokenPath,
		LogLevel:    cfg.LogLevel,
		MaxAttempts: cfg.Sync.MaxAttempts,
		SyncOnStart: cfg.Sync.SyncOnStart,
	}

	if r.DataDir == "" {
		r.DataDir = DefaultDataDir()
	}

	if r.DataDir == "" {
		return nil, fmt.Errorf("config: cannot determine data directory (set data_dir)")
	}

	if r.TokenPath == "" {
		r.TokenPath = filepath.Join(r.DataDir, tokenFileName)
	}

	r.DBPath = filepath.Join(r.DataDir, dbFileName)

	if r.ServerURL != "" {
		u, err := url.Parse(r.ServerURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("config: server_url %q is not a valid URL", r.ServerURL)
		}
	}

	switch r.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: unknown log_level %q", r.LogLevel)
	}

	if r.MaxAttempts < 1 {
		return nil, fmt.Errorf("config: sync.max_attempts must be at least 1, got %d", r.MaxAttempts)
	}

	var err error
	if r.Interval, err = parseDuration("sync.interval", cfg.Sync.Interval); err != nil {
		return nil, err
	}

	if r.RequestTimeout, err = parseDuration("sync.request_timeout", cfg.Sync.RequestTimeout); err != nil {
		return nil, err
	}

	if r.RetryBaseDelay, err = parseDuration("sync.retry_base_delay", cfg.Sync.RetryBaseDelay); err != nil {
		return nil, err
	}

	if r.RetryMaxDelay, err = parseDuration("sync.retry_max_delay", cfg.Sync.RetryMaxDelay); err != nil {
		return nil, err
	}

	return r, nil
}

// parseDuration parses a TOML duration string, rejecting zero and negative
// values (a zero interval would spin the scheduler).
func parseDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: %s: parsing %q: %w", key, val, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %q", key, val)
	}

	return d, nil
}
