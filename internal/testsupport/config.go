package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Cache.SharedEnabled = false
	cfg.Pipeline.RetryBackoffMillis = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

// WithSharedCache enables the badger shared tier under the test temp dir.
func WithSharedCache() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Cache.SharedEnabled = true
		cfg.Cache.SharedDir = filepath.Join(cfg.Paths.DataDir, "shared")
	}
}

// WithBreaker overrides circuit breaker thresholds for fast tests.
func WithBreaker(threshold, cooldownSeconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Breaker.FailureThreshold = threshold
		cfg.Breaker.CooldownSeconds = cooldownSeconds
	}
}
