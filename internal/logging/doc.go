// Package logging wraps log/slog with the handlers and attribute helpers the
// rest of the engine uses.
//
// Two output formats are supported: "console" renders a compact human-facing
// line with indented fields, "json" emits machine-readable records with
// normalized timestamp and level keys. Context helpers project the standard
// identifiers (asset, stage, capability, correlation id) from a context into
// structured fields so every subsystem logs them consistently.
package logging
