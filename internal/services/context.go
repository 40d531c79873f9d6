package services

import "context"

type contextKey string

const (
	assetIDKey    contextKey = "asset_id"
	stageKey      contextKey = "stage"
	capabilityKey contextKey = "capability"
	requestIDKey  contextKey = "request_id"
	callerKey     contextKey = "caller"
)

// WithAssetID annotates context with the asset identifier.
func WithAssetID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, assetIDKey, id)
}

// AssetIDFromContext extracts the asset identifier if present.
func AssetIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(assetIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(stageKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithCapability annotates context with the capability being executed.
func WithCapability(ctx context.Context, capability string) context.Context {
	if capability == "" {
		return ctx
	}
	return context.WithValue(ctx, capabilityKey, capability)
}

// CapabilityFromContext returns the capability name if present.
func CapabilityFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(capabilityKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithCaller annotates context with the quota accounting identity.
func WithCaller(ctx context.Context, caller string) context.Context {
	if caller == "" {
		return ctx
	}
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the caller identity, defaulting to "local".
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok && v != "" {
		return v
	}
	return "local"
}
