// Package orchestrator is the single entry point for capability execution.
//
// Execute admits a request (schema, then quota), consults the tiered cache,
// runs the capability handler behind its breaker with bounded retries, and
// finally persists the output with write verification. No write begins until
// the handler has fully returned, so cancelling an in-flight invocation never
// leaves a partially committed result.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"loom/internal/breaker"
	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/quota"
	"loom/internal/registry"
	"loom/internal/services"
	"loom/internal/store"
	"loom/internal/validate"
)

// Request names one capability invocation.
type Request struct {
	Caller     string
	Capability string
	AssetID    string
	Params     map[string]any
}

// Result is the outcome of a successful Execute call. FromCache reports that
// the payload was served from the cache without re-running the handler; a
// cached payload was verified durable when it was first written.
type Result struct {
	Capability string
	Kind       string
	Payload    []byte
	Record     *store.ResultRecord
	FromCache  bool
}

// Orchestrator coordinates validation, caching, breakers, execution, and
// persistence for every capability call.
type Orchestrator struct {
	store     *store.Store
	cache     *cache.Tiered
	registry  *registry.Registry
	validator *validate.Validator
	logger    *slog.Logger

	retryBudget  int
	retryBackoff time.Duration

	persistence *breaker.Breaker
	breakers    map[string]*breaker.Breaker
}

// New wires the orchestrator. Every registered capability gets its own
// breaker, as does the persistence layer; breaker state is per-dependency so
// one failing tool never blocks the others.
func New(cfg *config.Config, st *store.Store, tiered *cache.Tiered, reg *registry.Registry, logger *slog.Logger) *Orchestrator {
	settings := breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		CallTimeout:      time.Duration(cfg.Breaker.CallTimeoutSeconds) * time.Second,
	}

	breakers := make(map[string]*breaker.Breaker, reg.Len())
	for _, name := range reg.Names() {
		breakers[name] = breaker.New("capability:"+name, settings, logger)
	}

	limiter := quota.New(time.Duration(cfg.Quota.WindowSeconds)*time.Second, cfg.Quota.MaxRequests)

	return &Orchestrator{
		store:        st,
		cache:        tiered,
		registry:     reg,
		validator:    validate.New(reg, limiter),
		logger:       logging.NewComponentLogger(logger, "orchestrator"),
		retryBudget:  cfg.Pipeline.RetryBudget,
		retryBackoff: time.Duration(cfg.Pipeline.RetryBackoffMillis) * time.Millisecond,
		persistence:  breaker.New("persistence", settings, logger),
		breakers:     breakers,
	}
}

// Registry exposes the capability set for surfaces that list tools.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// Execute runs one capability invocation end to end.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	cap, err := o.validator.Admit(validate.Request{
		Caller:     req.Caller,
		Capability: req.Capability,
		AssetID:    req.AssetID,
		Params:     req.Params,
	})
	if err != nil {
		return nil, err
	}

	asset, err := o.store.GetAsset(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}

	ctx = services.WithAssetID(ctx, asset.ID)
	ctx = services.WithCapability(ctx, cap.Name)
	log := logging.WithContext(ctx, o.logger)

	key := cache.Key(cap.Name, asset.ID, req.Params)
	if payload, ok := o.cache.Get(ctx, key); ok {
		log.Debug("served from cache")
		return &Result{
			Capability: cap.Name,
			Kind:       string(cap.Kind),
			Payload:    payload,
			FromCache:  true,
		}, nil
	}

	paramsJSON := encodeParams(req.Params)

	output, err := o.runHandler(ctx, cap, asset, req.Params, log)
	if err != nil {
		o.recordFailure(asset.ID, cap, paramsJSON, err, log)
		return nil, err
	}

	record, err := o.persist(ctx, cap, asset.ID, output, paramsJSON)
	if err != nil {
		o.recordFailure(asset.ID, cap, paramsJSON, err, log)
		return nil, err
	}

	o.cache.Set(ctx, key, record.Payload)
	log.Debug("capability executed",
		logging.String("result_id", record.ID),
		logging.String("kind", record.Kind))

	return &Result{
		Capability: cap.Name,
		Kind:       record.Kind,
		Payload:    record.Payload,
		Record:     record,
	}, nil
}

// runHandler invokes the capability behind its breaker, retrying transient
// failures with exponential backoff up to the configured budget. Breaker
// rejections and permanent failures are never retried here.
func (o *Orchestrator) runHandler(ctx context.Context, cap registry.Capability, asset *store.Asset, params map[string]any, log *slog.Logger) (registry.Output, error) {
	ref := registry.AssetRef{ID: asset.ID, SourcePath: asset.Source}

	var output registry.Output
	var lastErr error
	for attempt := 0; attempt <= o.retryBudget; attempt++ {
		if attempt > 0 {
			if err := o.backoff(ctx, attempt); err != nil {
				return registry.Output{}, err
			}
			log.Debug("retrying capability", logging.Int("attempt", attempt))
		}

		err := o.capabilityBreaker(cap.Name).Do(ctx, func(callCtx context.Context) error {
			var handlerErr error
			output, handlerErr = cap.Handler(callCtx, ref, registry.Params(params))
			return handlerErr
		})
		if err == nil {
			return output, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			return registry.Output{}, err
		}
		if errors.Is(err, services.ErrUnavailable) || !services.IsTransient(err) {
			return registry.Output{}, err
		}
	}

	// Budget exhausted; the transient failure becomes permanent.
	return registry.Output{}, services.Wrap(services.ErrExecution, "orchestrator", "execute",
		fmt.Sprintf("capability %s failed after %d retries", cap.Name, o.retryBudget), lastErr)
}

// persist writes and verifies the result behind the persistence breaker.
func (o *Orchestrator) persist(ctx context.Context, cap registry.Capability, assetID string, output registry.Output, paramsJSON string) (*store.ResultRecord, error) {
	var record *store.ResultRecord
	err := o.persistence.Do(ctx, func(callCtx context.Context) error {
		// The verified re-read below is the record handed back; the upsert
		// return value is redundant with it.
		_, err := o.store.UpsertResult(callCtx, store.ResultRecord{
			AssetID:           assetID,
			Kind:              string(cap.Kind),
			TimestampSecs:     output.TimestampSecs,
			Payload:           output.Payload,
			Capability:        cap.Name,
			CapabilityVersion: cap.Version,
		}, paramsJSON)
		if err != nil {
			return err
		}
		verified, err := o.store.VerifyWritten(callCtx, assetID, string(cap.Kind), output.TimestampSecs, cap.Name)
		if err != nil {
			return err
		}
		record = verified
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// recordFailure appends a failed lineage entry so unapplied attempts remain
// auditable. Best effort: if the store is down the original error still wins.
func (o *Orchestrator) recordFailure(assetID string, cap registry.Capability, paramsJSON string, attemptErr error, log *slog.Logger) {
	if errors.Is(attemptErr, context.Canceled) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.RecordFailedWrite(ctx, assetID, cap.Name, cap.Version, paramsJSON, attemptErr); err != nil {
		log.Warn("could not record failed attempt",
			logging.String(logging.FieldErrorHint, err.Error()))
	}
}

func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	delay := o.retryBackoff << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) capabilityBreaker(name string) *breaker.Breaker {
	return o.breakers[name]
}

// Invalidate drops any cached payload for the given invocation shape.
func (o *Orchestrator) Invalidate(ctx context.Context, capability, assetID string, params map[string]any) {
	o.cache.Invalidate(ctx, cache.Key(capability, assetID, params))
}

// CacheStats reports tiered cache counters for status surfaces.
func (o *Orchestrator) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// BreakerSnapshots returns the state of every breaker, sorted by name.
func (o *Orchestrator) BreakerSnapshots() []breaker.Snapshot {
	snaps := make([]breaker.Snapshot, 0, len(o.breakers)+2)
	snaps = append(snaps, o.persistence.Snapshot())
	for _, b := range o.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	if shared, ok := o.cache.BreakerSnapshot(); ok {
		snaps = append(snaps, shared)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
