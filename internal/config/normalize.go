package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCache()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeCache() {
	if c.Cache.LocalCapacity <= 0 {
		c.Cache.LocalCapacity = defaultLocalCapacity
	}
	if c.Cache.LocalShards <= 0 {
		c.Cache.LocalShards = defaultLocalShards
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = defaultCacheTTLSeconds
	}
	if c.Cache.SharedEnabled && strings.TrimSpace(c.Cache.SharedDir) == "" {
		c.Cache.SharedDir = filepath.Join(c.Paths.DataDir, "shared")
	}
	if expanded, err := expandPath(c.Cache.SharedDir); err == nil {
		c.Cache.SharedDir = expanded
	}
}

func (c *Config) normalizeLogging() {
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
}
