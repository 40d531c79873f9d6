// Package config loads and validates the engine configuration.
//
// Configuration is a TOML file with one section per subsystem. Load resolves
// the file (explicit path, then ~/.config/loom/config.toml, then ./loom.toml),
// applies defaults for anything unset, expands ~ in path fields, and
// validates the result. A missing config file is not an error; defaults
// produce a runnable local setup.
package config
