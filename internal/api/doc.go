// Package api defines wire-format types and converters for the IPC and HTTP
// API layer. It translates internal store and cache models into
// transport-friendly DTOs so external consumers never couple to internal
// types.
//
// DTOs use camelCase JSON tags. Internal enums (store.AssetStatus,
// store.StageStatus, breaker states) are exposed as lowercase strings.
// Timestamps use RFC3339 with milliseconds. Result payloads are passed
// through as json.RawMessage to avoid double-encoding.
package api
