// Package config loads server configuration once at startup. Environment
// variables win over the optional TOML file; defaults cover everything else.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names.
const (
	EnvHost        = "AGENT_MAIL_HOST"
	EnvPort        = "AGENT_MAIL_PORT"
	EnvToken       = "AGENT_MAIL_TOKEN"
	EnvDatabase    = "AGENT_MAIL_DB"
	EnvStorageRoot = "AGENT_MAIL_STORAGE_ROOT"
	EnvConfigFile  = "AGENT_MAIL_CONFIG"
	EnvAllowAbs    = "AGENT_MAIL_ALLOW_ABSOLUTE_PATHS"
	EnvAutoContact = "AGENT_MAIL_AUTO_CONTACT_LINKS"
	EnvGuardMode   = "AGENT_MAIL_GUARD_MODE"
)

// Byte budgets applied before persistence. Inputs that cross a budget are
// truncated on a UTF-8 boundary; attachments that cross theirs are rejected.
const (
	MaxBodyBytes       = 2 * 1024 * 1024
	MaxSubjectBytes    = 4 * 1024
	MaxNoteBytes       = 4096
	MaxIngressBytes    = 1024
	MaxAttachmentBytes = 8 * 1024 * 1024
)

// Config is the startup configuration for the server.
type Config struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	AuthToken   string `toml:"auth_token"`
	DatabaseURL string `toml:"database_url"`
	StorageRoot string `toml:"storage_root"`

	// PoolSize is the number of read connections; writes serialize on one.
	PoolSize    int           `toml:"pool_size"`
	PoolWait    time.Duration `toml:"-"`
	PoolWaitMS  int           `toml:"pool_wait_ms"`
	BusyTimeout time.Duration `toml:"-"`
	BusyMS      int           `toml:"busy_timeout_ms"`

	// Coalescing delay bounds WBQ tail latency; the debounce window bounds
	// signal storms.
	CoalesceDelay   time.Duration `toml:"-"`
	CoalesceDelayMS int           `toml:"coalesce_delay_ms"`
	DebounceWindow  time.Duration `toml:"-"`
	DebounceMS      int           `toml:"debounce_window_ms"`
	MaxBatchSize    int           `toml:"max_batch_size"`

	CacheEntries   int   `toml:"cache_entries"`
	CacheBytes     int64 `toml:"cache_bytes"`
	TouchFlushSecs int   `toml:"touch_flush_secs"`

	// AllowAbsolutePaths opts out of the storage-root containment check for
	// attachment paths.
	AllowAbsolutePaths bool `toml:"allow_absolute_paths"`
	// AutoContactLinks makes the "auto" policy create links on first send.
	AutoContactLinks bool `toml:"auto_contact_links"`
	// GuardMode is "enforce" or "advisory".
	GuardMode string `toml:"guard_mode"`
	// LoopbackExempt skips token auth for loopback peers.
	LoopbackExempt bool `toml:"loopback_exempt"`
}

// Default returns the built-in defaults rooted under dir.
func Default(dir string) Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8765,
		DatabaseURL:    filepath.Join(dir, "index.db"),
		StorageRoot:    filepath.Join(dir, "storage"),
		PoolSize:       8,
		PoolWait:       10 * time.Second,
		BusyTimeout:    60 * time.Second,
		CoalesceDelay:  150 * time.Millisecond,
		DebounceWindow: 500 * time.Millisecond,
		MaxBatchSize:   64,
		CacheEntries:   4096,
		CacheBytes:     64 * 1024 * 1024,
		TouchFlushSecs: 30,
		GuardMode:      "enforce",
		LoopbackExempt: true,
	}
}

// Load builds the configuration: defaults, then the TOML file when present,
// then environment overrides. It is called exactly once at startup.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	cfg := Default(filepath.Join(home, ".agent-mail"))

	path := os.Getenv(EnvConfigFile)
	if path == "" {
		path = filepath.Join(home, ".agent-mail", "config.toml")
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	cfg.applyDurations()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyDurations converts the millisecond TOML fields into durations,
// keeping defaults when a field was absent.
func (c *Config) applyDurations() {
	if c.PoolWaitMS > 0 {
		c.PoolWait = time.Duration(c.PoolWaitMS) * time.Millisecond
	}
	if c.BusyMS > 0 {
		c.BusyTimeout = time.Duration(c.BusyMS) * time.Millisecond
	}
	if c.CoalesceDelayMS > 0 {
		c.CoalesceDelay = time.Duration(c.CoalesceDelayMS) * time.Millisecond
	}
	if c.DebounceMS > 0 {
		c.DebounceWindow = time.Duration(c.DebounceMS) * time.Millisecond
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv(EnvDatabase); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvStorageRoot); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv(EnvAllowAbs); v != "" {
		c.AllowAbsolutePaths = boolEnv(v)
	}
	if v := os.Getenv(EnvAutoContact); v != "" {
		c.AutoContactLinks = boolEnv(v)
	}
	if v := os.Getenv(EnvGuardMode); v != "" {
		c.GuardMode = v
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.GuardMode != "enforce" && c.GuardMode != "advisory" {
		return fmt.Errorf("guard_mode %q: want enforce or advisory", c.GuardMode)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size %d: want >= 1", c.PoolSize)
	}
	if c.BusyTimeout < 60*time.Second {
		c.BusyTimeout = 60 * time.Second
	}
	return nil
}

func boolEnv(v string) bool {
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
