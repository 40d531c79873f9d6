package api

import (
	"encoding/json"
	"time"

	"loom/internal/breaker"
	"loom/internal/cache"
	"loom/internal/services"
	"loom/internal/store"
)

// FromAsset converts a store asset into its transport representation.
func FromAsset(asset *store.Asset) Asset {
	if asset == nil {
		return Asset{}
	}
	return Asset{
		ID:           asset.ID,
		Source:       asset.Source,
		DurationSecs: asset.DurationSecs,
		SizeBytes:    asset.SizeBytes,
		Status:       string(asset.Status),
		CreatedAt:    formatTime(asset.CreatedAt),
		UpdatedAt:    formatTime(asset.UpdatedAt),
	}
}

// FromStageStates converts stage rows, preserving order.
func FromStageStates(states []*store.StageState) []StageState {
	out := make([]StageState, 0, len(states))
	for _, state := range states {
		if state == nil {
			continue
		}
		out = append(out, StageState{
			Stage:      state.Stage,
			Status:     string(state.Status),
			StartedAt:  formatTimePtr(state.StartedAt),
			FinishedAt: formatTimePtr(state.FinishedAt),
		})
	}
	return out
}

// BuildAssetStatus assembles the GetAssetStatus payload. Partial is set when
// at least one stage has succeeded but the asset is not complete yet.
func BuildAssetStatus(asset *store.Asset, states []*store.StageState) AssetStatusResponse {
	resp := AssetStatusResponse{
		Asset:  FromAsset(asset),
		Stages: FromStageStates(states),
	}
	if asset != nil && asset.Status != store.AssetComplete {
		for _, state := range states {
			if state != nil && state.Status == store.StageSucceeded {
				resp.Partial = true
				break
			}
		}
	}
	return resp
}

// FromResult converts a persisted result record.
func FromResult(rec *store.ResultRecord) Result {
	if rec == nil {
		return Result{}
	}
	return Result{
		ID:                rec.ID,
		AssetID:           rec.AssetID,
		Kind:              rec.Kind,
		TimestampSecs:     rec.TimestampSecs,
		Payload:           json.RawMessage(rec.Payload),
		Capability:        rec.Capability,
		CapabilityVersion: rec.CapabilityVersion,
		CreatedAt:         formatTime(rec.CreatedAt),
	}
}

// FromResults converts a result list.
func FromResults(records []*store.ResultRecord) []Result {
	out := make([]Result, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		out = append(out, FromResult(rec))
	}
	return out
}

// FromCacheStats converts cache counters, computing per-tier hit rates.
func FromCacheStats(stats cache.Stats) CacheStatsResponse {
	return CacheStatsResponse{
		Local:  fromTierStats(stats.Local),
		Shared: fromTierStats(stats.Shared),
	}
}

func fromTierStats(tier cache.TierStats) TierStats {
	out := TierStats{
		Hits:      tier.Hits,
		Misses:    tier.Misses,
		Entries:   tier.Entries,
		SizeBytes: tier.SizeBytes,
	}
	if total := tier.Hits + tier.Misses; total > 0 {
		out.HitRate = float64(tier.Hits) / float64(total)
	}
	return out
}

// FromBreakerSnapshots converts breaker snapshots for status payloads.
func FromBreakerSnapshots(snaps []breaker.Snapshot) []BreakerStatus {
	out := make([]BreakerStatus, 0, len(snaps))
	for _, snap := range snaps {
		status := BreakerStatus{
			Name:     snap.Name,
			State:    snap.State.String(),
			Failures: snap.Failures,
		}
		if !snap.LastOpenedAt.IsZero() {
			status.LastOpenedAt = formatTime(snap.LastOpenedAt)
		}
		out = append(out, status)
	}
	return out
}

// FromStoreHealth converts database diagnostics.
func FromStoreHealth(health store.Health) StoreHealth {
	return StoreHealth{
		DBPath:           health.DBPath,
		DatabaseExists:   health.DatabaseExists,
		DatabaseReadable: health.DatabaseReadable,
		SchemaVersion:    health.SchemaVersion,
		IntegrityCheck:   health.IntegrityCheck,
		TotalAssets:      health.TotalAssets,
		TotalResults:     health.TotalResults,
	}
}

// FromError maps an internal error onto the wire taxonomy.
func FromError(err error) Error {
	if err == nil {
		return Error{}
	}
	out := Error{
		Kind:    services.Kind(err),
		Message: services.Details(err).Message,
	}
	if retryAfter, ok := services.RetryAfter(err); ok {
		out.RetryAfterMillis = float64(retryAfter.Milliseconds())
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
