package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	LogDir   string `toml:"log_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Store contains configuration for the durable SQLite store.
type Store struct {
	BusyTimeoutMillis int `toml:"busy_timeout_millis"`
}

// Cache contains configuration for the tiered result cache.
type Cache struct {
	LocalCapacity int  `toml:"local_capacity"`
	LocalShards   int  `toml:"local_shards"`
	SharedEnabled bool `toml:"shared_enabled"`
	// SharedDir holds the badger database backing the shared tier. Empty
	// means a "shared" subdirectory of data_dir.
	SharedDir  string `toml:"shared_dir"`
	TTLSeconds int    `toml:"ttl_seconds"`
}

// Breaker contains circuit breaker thresholds applied to every protected
// dependency (capabilities, shared cache, persistence).
type Breaker struct {
	FailureThreshold   int `toml:"failure_threshold"`
	WindowSeconds      int `toml:"window_seconds"`
	CooldownSeconds    int `toml:"cooldown_seconds"`
	CallTimeoutSeconds int `toml:"call_timeout_seconds"`
}

// Quota contains the per-caller request allotment.
type Quota struct {
	WindowSeconds int `toml:"window_seconds"`
	MaxRequests   int `toml:"max_requests"`
}

// Pipeline contains stage execution settings.
type Pipeline struct {
	Workers            int `toml:"workers"`
	RetryBudget        int `toml:"retry_budget"`
	RetryBackoffMillis int `toml:"retry_backoff_millis"`
	AdvanceTimeoutSecs int `toml:"advance_timeout_seconds"`
	// ReclaimOnStartupSecs bounds the startup pass that resets crashed
	// running stages and resumes their assets. Zero means unbounded.
	ReclaimOnStartupSecs int `toml:"reclaim_on_startup_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the engine.
//
// Sections by subsystem:
//   - Paths: data/log directories, API bind address and token
//   - Store: SQLite tuning
//   - Cache: local LRU capacity and shared badger tier
//   - Breaker: circuit breaker thresholds and per-call timeout
//   - Quota: per-caller request window
//   - Pipeline: worker count, retry budget and backoff
//   - Logging: log format and level
type Config struct {
	Paths    Paths    `toml:"paths"`
	Store    Store    `toml:"store"`
	Cache    Cache    `toml:"cache"`
	Breaker  Breaker  `toml:"breaker"`
	Quota    Quota    `toml:"quota"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
}

// SampleConfig returns the embedded annotated sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/loom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Cache.SharedEnabled && strings.TrimSpace(c.Cache.SharedDir) != "" {
		dirs = append(dirs, c.Cache.SharedDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "loom.db")
}

// SocketPath returns the IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "loom.sock")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "loomd.lock")
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	return filepath.Abs(trimmed)
}
