package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"loom/internal/breaker"
	"loom/internal/config"
	"loom/internal/logging"
)

// Tiered composes the in-process LRU tier with the optional shared badger
// tier. Lookup order is local first, the slower tier only on a miss; hits in
// the shared tier are promoted into the local tier so repeat reads stay in
// process.
//
// The shared tier sits behind its own breaker. A badger outage therefore
// degrades reads to misses and drops writes instead of surfacing errors to
// callers.
type Tiered struct {
	local   *localTier
	shared  *sharedTier
	breaker *breaker.Breaker
	ttl     time.Duration
	logger  *slog.Logger

	sharedHits   atomic.Int64
	sharedMisses atomic.Int64
}

// TierStats reports hit-rate and occupancy for one tier.
type TierStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Entries   int   `json:"entries,omitempty"`
	SizeBytes int64 `json:"size_bytes,omitempty"`
}

// Stats is the aggregate view returned by Tiered.Stats.
type Stats struct {
	Local  TierStats `json:"local"`
	Shared TierStats `json:"shared"`
}

// New builds the tiered cache from configuration. The shared tier is only
// opened when enabled; a nil shared tier leaves the cache purely local.
func New(cfg *config.Config, logger *slog.Logger) (*Tiered, error) {
	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second

	t := &Tiered{
		local:  newLocalTier(cfg.Cache.LocalCapacity, cfg.Cache.LocalShards),
		ttl:    ttl,
		logger: logging.NewComponentLogger(logger, "cache"),
	}

	if cfg.Cache.SharedEnabled {
		shared, err := openSharedTier(cfg.Cache.SharedDir, ttl, logger)
		if err != nil {
			return nil, err
		}
		t.shared = shared
		t.breaker = breaker.New("shared-cache", breaker.Settings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
			Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
			CallTimeout:      time.Duration(cfg.Breaker.CallTimeoutSeconds) * time.Second,
		}, logger)
	}

	return t, nil
}

// Get returns the cached payload for key. Only the local tier is consulted
// synchronously without risk; shared-tier failures are swallowed and logged
// because a cache outage must never fail the caller's request.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	now := time.Now()
	if value, ok := t.local.get(key, now); ok {
		return value, true
	}
	if t.shared == nil {
		return nil, false
	}

	var value []byte
	var found bool
	err := t.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		value, found, err = t.shared.get(key)
		return err
	})
	if err != nil {
		t.sharedMisses.Add(1)
		t.logger.Debug("shared cache read degraded to miss",
			logging.String(logging.FieldErrorHint, err.Error()))
		return nil, false
	}
	if !found {
		t.sharedMisses.Add(1)
		return nil, false
	}
	t.sharedHits.Add(1)
	t.local.set(key, value, t.localExpiry(now))
	return value, true
}

// Set writes the payload to the local tier and, best effort, the shared
// tier. Shared write failures are logged and dropped.
func (t *Tiered) Set(ctx context.Context, key string, value []byte) {
	t.local.set(key, value, t.localExpiry(time.Now()))
	if t.shared == nil {
		return
	}
	err := t.breaker.Do(ctx, func(ctx context.Context) error {
		return t.shared.set(key, value)
	})
	if err != nil {
		t.logger.Debug("shared cache write dropped",
			logging.String(logging.FieldErrorHint, err.Error()))
	}
}

// Invalidate removes key from every tier. Used after reprocessing so stale
// derived results are never served.
func (t *Tiered) Invalidate(ctx context.Context, key string) {
	t.local.invalidate(key)
	if t.shared == nil {
		return
	}
	err := t.breaker.Do(ctx, func(ctx context.Context) error {
		return t.shared.invalidate(key)
	})
	if err != nil {
		t.logger.Debug("shared cache invalidate dropped",
			logging.String(logging.FieldErrorHint, err.Error()))
	}
}

// Stats reports per-tier hit counters and occupancy.
func (t *Tiered) Stats() Stats {
	s := Stats{
		Local: TierStats{
			Hits:    t.local.hits.Load(),
			Misses:  t.local.misses.Load(),
			Entries: t.local.len(),
		},
	}
	if t.shared != nil {
		s.Shared = TierStats{
			Hits:      t.sharedHits.Load(),
			Misses:    t.sharedMisses.Load(),
			SizeBytes: t.shared.sizeBytes(),
		}
	}
	return s
}

// BreakerSnapshot exposes the shared-tier breaker state for status
// reporting. Returns false when no shared tier is configured.
func (t *Tiered) BreakerSnapshot() (breaker.Snapshot, bool) {
	if t.breaker == nil {
		return breaker.Snapshot{}, false
	}
	return t.breaker.Snapshot(), true
}

// Close releases the shared tier's database.
func (t *Tiered) Close() error {
	if t.shared == nil {
		return nil
	}
	return t.shared.close()
}

func (t *Tiered) localExpiry(now time.Time) time.Time {
	if t.ttl <= 0 {
		return time.Time{}
	}
	return now.Add(t.ttl)
}
