// Package store persists assets, result records, the lineage ledger, and
// per-asset stage state in SQLite.
//
// The Store is the single serialization point for result writes: UpsertResult
// runs the lineage append and the insert-or-replace in one transaction keyed
// on (asset, kind, timestamp, capability), so re-delivery of the same
// capability output is idempotent. Every attempted write, including ones that
// never applied, leaves a lineage row.
//
// Assets are soft-deleted only; result and lineage rows survive deletion for
// audit. Stage state transitions are validated here so no caller can move a
// stage to running before its writer observed the prerequisites.
//
// Schema changes bump schemaVersion in schema.go; the database is rebuilt
// from scratch on mismatch rather than migrated in place.
package store
