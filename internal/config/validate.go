package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateQuota(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.WindowSeconds < 1 {
		return errors.New("breaker.window_seconds must be at least 1")
	}
	if c.Breaker.CooldownSeconds < 1 {
		return errors.New("breaker.cooldown_seconds must be at least 1")
	}
	if c.Breaker.CallTimeoutSeconds < 1 {
		return errors.New("breaker.call_timeout_seconds must be at least 1")
	}
	return nil
}

func (c *Config) validateQuota() error {
	if c.Quota.WindowSeconds < 1 {
		return errors.New("quota.window_seconds must be at least 1")
	}
	if c.Quota.MaxRequests < 1 {
		return errors.New("quota.max_requests must be at least 1")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers < 1 {
		return errors.New("pipeline.workers must be at least 1")
	}
	if c.Pipeline.RetryBudget < 0 {
		return errors.New("pipeline.retry_budget must not be negative")
	}
	if c.Pipeline.RetryBackoffMillis < 1 {
		return errors.New("pipeline.retry_backoff_millis must be at least 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
