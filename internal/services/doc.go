// Package services defines the shared error taxonomy and context plumbing
// used across the orchestration engine.
//
// Errors are classified by wrapping them with one of the exported sentinel
// markers. Components never branch on error strings; they use errors.Is
// against the sentinels, or the helper predicates in this package. Retryable
// failures carry the ErrTransient marker; everything else is terminal for the
// invocation that produced it.
//
// Context helpers annotate a context with asset, stage, capability, and
// correlation identifiers so structured logging can attach them uniformly.
package services
