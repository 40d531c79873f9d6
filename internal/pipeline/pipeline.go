// Package pipeline drives each asset's stage graph to completion.
//
// Stages form a DAG over capability names. Advancement is serialized per
// asset so one worker at a time mutates an asset's stage states, while
// unrelated assets progress fully in parallel under a shared worker
// semaphore.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/services"
	"loom/internal/store"
)

// Caller is the quota identity used for pipeline-initiated executions.
const Caller = "pipeline"

// UnitsFunc expands a stage into its constituent invocations. Each returned
// parameter map becomes one Orchestrator.Execute call. A nil UnitsFunc runs
// the stage as a single call with the stage's default parameters.
type UnitsFunc func(ctx context.Context, st *store.Store, asset *store.Asset) ([]map[string]any, error)

// StageSpec declares one stage of the DAG.
type StageSpec struct {
	Name       string
	Capability string
	Prereqs    []string
	// Params are the default parameters for every unit; unit maps from
	// Units override them key by key.
	Params map[string]any
	Units  UnitsFunc
}

// Controller owns stage scheduling for all assets.
type Controller struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	specs  []StageSpec
	byName map[string]StageSpec
	logger *slog.Logger

	workers        *semaphore.Weighted
	advanceTimeout time.Duration

	mu         sync.Mutex
	assetLocks map[string]*sync.Mutex

	wg      sync.WaitGroup
	closed  chan struct{}
	closeMu sync.Mutex
}

// New validates the stage graph and builds the controller. Unknown
// prerequisites and cycles are configuration errors.
func New(cfg *config.Config, st *store.Store, orch *orchestrator.Orchestrator, specs []StageSpec, logger *slog.Logger) (*Controller, error) {
	byName := make(map[string]StageSpec, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", "stage with empty name", nil)
		}
		if spec.Capability == "" {
			return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", fmt.Sprintf("stage %s names no capability", spec.Name), nil)
		}
		if _, dup := byName[spec.Name]; dup {
			return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", fmt.Sprintf("stage %s declared twice", spec.Name), nil)
		}
		byName[spec.Name] = spec
	}
	for _, spec := range specs {
		for _, prereq := range spec.Prereqs {
			if _, ok := byName[prereq]; !ok {
				return nil, services.Wrap(services.ErrConfiguration, "pipeline", "new", fmt.Sprintf("stage %s requires undeclared stage %s", spec.Name, prereq), nil)
			}
		}
	}
	if err := checkAcyclic(specs); err != nil {
		return nil, err
	}

	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}

	return &Controller{
		store:          st,
		orch:           orch,
		specs:          specs,
		byName:         byName,
		logger:         logging.NewComponentLogger(logger, "pipeline"),
		workers:        semaphore.NewWeighted(int64(workers)),
		advanceTimeout: time.Duration(cfg.Pipeline.AdvanceTimeoutSecs) * time.Second,
		assetLocks:     make(map[string]*sync.Mutex),
		closed:         make(chan struct{}),
	}, nil
}

func checkAcyclic(specs []StageSpec) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))
	edges := make(map[string][]string, len(specs))
	for _, spec := range specs {
		edges[spec.Name] = spec.Prereqs
	}

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return services.Wrap(services.ErrConfiguration, "pipeline", "new", fmt.Sprintf("stage graph has a cycle through %s", name), nil)
		case done:
			return nil
		}
		state[name] = visiting
		for _, prereq := range edges[name] {
			if err := visit(prereq); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, spec := range specs {
		if err := visit(spec.Name); err != nil {
			return err
		}
	}
	return nil
}

// StageNames lists the declared stages in declaration order.
func (c *Controller) StageNames() []string {
	names := make([]string, len(c.specs))
	for i, spec := range c.specs {
		names[i] = spec.Name
	}
	return names
}

// Ingest creates the asset row, seeds its stage states, and kicks off the
// first advancement.
func (c *Controller) Ingest(ctx context.Context, source string, durationSecs float64, sizeBytes int64) (*store.Asset, error) {
	asset, err := c.store.CreateAsset(ctx, source, durationSecs, sizeBytes)
	if err != nil {
		return nil, err
	}
	if err := c.store.InitStages(ctx, asset.ID, c.StageNames()); err != nil {
		return nil, err
	}
	if err := c.Advance(ctx, asset.ID); err != nil {
		return nil, err
	}
	return asset, nil
}

// Advance starts every stage whose prerequisites are satisfied. It returns
// once eligible stages are marked running and handed to workers; stage
// execution itself is asynchronous.
func (c *Controller) Advance(ctx context.Context, assetID string) error {
	lock := c.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	states, err := c.stageStatuses(ctx, assetID)
	if err != nil {
		return err
	}

	started := 0
	for _, spec := range c.specs {
		if states[spec.Name] != store.StageNotStarted {
			continue
		}
		if !c.prereqsSucceeded(spec, states) {
			continue
		}
		if err := c.store.SetStageStatus(ctx, assetID, spec.Name, store.StageNotStarted, store.StageRunning); err != nil {
			if store.IsNotFound(err) {
				// A racing advancer already claimed this stage.
				continue
			}
			return err
		}
		states[spec.Name] = store.StageRunning
		started++
		c.launchStage(assetID, spec)
	}

	if started > 0 {
		if err := c.store.UpdateAssetStatus(ctx, assetID, store.AssetProcessing); err != nil {
			return err
		}
		return nil
	}
	return c.deriveAssetStatusLocked(ctx, assetID, states)
}

// Reprocess resets a failed stage back to not_started and re-advances the
// asset. Operator initiated only.
func (c *Controller) Reprocess(ctx context.Context, assetID, stage string) error {
	spec, ok := c.byName[stage]
	if !ok {
		return services.Wrap(services.ErrNotFound, "pipeline", "reprocess", fmt.Sprintf("stage %s is not declared", stage), nil)
	}

	lock := c.assetLock(assetID)
	lock.Lock()
	if err := c.store.ResetStage(ctx, assetID, stage, spec.Capability, encodedParams(spec.Params)); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	c.invalidateStage(ctx, assetID, spec)
	return c.Advance(ctx, assetID)
}

// invalidateStage evicts the cache entries a rerun of the stage would hit.
// Unit-expanding stages populate one key per unit, so the expansion is
// replayed here; the parent stages it reads from are untouched by a reset,
// making the expansion reproducible. Expansion failures leave entries
// behind, which the idempotent upsert tolerates.
func (c *Controller) invalidateStage(ctx context.Context, assetID string, spec StageSpec) {
	asset, err := c.store.GetAsset(ctx, assetID)
	if err != nil {
		c.orch.Invalidate(ctx, spec.Capability, assetID, spec.Params)
		return
	}
	units, err := c.stageUnits(ctx, spec, asset)
	if err != nil {
		c.orch.Invalidate(ctx, spec.Capability, assetID, spec.Params)
		return
	}
	for _, params := range units {
		c.orch.Invalidate(ctx, spec.Capability, assetID, params)
	}
}

// AssetStatus reports the asset lifecycle plus each stage's status. It never
// blocks on in-flight work.
func (c *Controller) AssetStatus(ctx context.Context, assetID string) (*store.Asset, []*store.StageState, error) {
	asset, err := c.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	states, err := c.store.StageStates(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	return asset, states, nil
}

// Close waits for in-flight stage work to drain.
func (c *Controller) Close(ctx context.Context) error {
	c.closeMu.Lock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	c.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Controller) launchStage(assetID string, spec StageSpec) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if c.advanceTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.advanceTimeout)
		}
		defer cancel()

		if err := c.workers.Acquire(ctx, 1); err != nil {
			c.finishStage(ctx, assetID, spec.Name, err)
			return
		}
		err := c.runStage(ctx, assetID, spec)
		c.workers.Release(1)
		c.finishStage(ctx, assetID, spec.Name, err)
	}()
}

func (c *Controller) runStage(ctx context.Context, assetID string, spec StageSpec) error {
	asset, err := c.store.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}

	units, err := c.stageUnits(ctx, spec, asset)
	if err != nil {
		return err
	}

	ctx = services.WithAssetID(ctx, assetID)
	ctx = services.WithStage(ctx, spec.Name)
	log := logging.WithContext(ctx, c.logger)
	log.Info("stage started", logging.Int("units", len(units)))

	for _, params := range units {
		if _, err := c.orch.Execute(ctx, orchestrator.Request{
			Caller:     Caller,
			Capability: spec.Capability,
			AssetID:    assetID,
			Params:     params,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) stageUnits(ctx context.Context, spec StageSpec, asset *store.Asset) ([]map[string]any, error) {
	if spec.Units == nil {
		return []map[string]any{cloneParams(spec.Params)}, nil
	}
	expanded, err := spec.Units(ctx, c.store, asset)
	if err != nil {
		return nil, err
	}
	units := make([]map[string]any, 0, len(expanded))
	for _, unit := range expanded {
		merged := cloneParams(spec.Params)
		for key, value := range unit {
			merged[key] = value
		}
		units = append(units, merged)
	}
	return units, nil
}

// finishStage records the terminal stage status and either unlocks
// dependents or settles the asset's lifecycle.
func (c *Controller) finishStage(ctx context.Context, assetID, stage string, runErr error) {
	lock := c.assetLock(assetID)
	lock.Lock()

	target := store.StageSucceeded
	if runErr != nil {
		target = store.StageFailed
		c.logger.Warn("stage failed",
			logging.String(logging.FieldAssetID, assetID),
			logging.String(logging.FieldStage, stage),
			logging.String(logging.FieldErrorHint, runErr.Error()))
	}

	statusCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.store.SetStageStatus(statusCtx, assetID, stage, store.StageRunning, target); err != nil {
		c.logger.Error("could not record stage outcome",
			logging.String(logging.FieldAssetID, assetID),
			logging.String(logging.FieldStage, stage),
			logging.String(logging.FieldErrorHint, err.Error()))
		lock.Unlock()
		return
	}

	states, err := c.stageStatuses(statusCtx, assetID)
	if err != nil {
		lock.Unlock()
		return
	}
	if err := c.deriveAssetStatusLocked(statusCtx, assetID, states); err != nil {
		lock.Unlock()
		return
	}
	lock.Unlock()

	select {
	case <-c.closed:
		return
	default:
	}

	if runErr == nil {
		if err := c.Advance(statusCtx, assetID); err != nil {
			c.logger.Warn("re-advance after stage success failed",
				logging.String(logging.FieldAssetID, assetID),
				logging.String(logging.FieldErrorHint, err.Error()))
		}
	}
}

// deriveAssetStatusLocked maps stage statuses onto the asset lifecycle.
// Caller must hold the asset lock.
func (c *Controller) deriveAssetStatusLocked(ctx context.Context, assetID string, states map[string]store.StageStatus) error {
	allSucceeded := true
	anyActive := false
	for _, spec := range c.specs {
		switch states[spec.Name] {
		case store.StageSucceeded:
			continue
		case store.StageRunning:
			allSucceeded = false
			anyActive = true
		case store.StageNotStarted:
			allSucceeded = false
			if c.canEventuallyRun(spec, states, map[string]bool{}) {
				anyActive = true
			}
		case store.StageFailed:
			allSucceeded = false
		}
	}

	switch {
	case allSucceeded:
		return c.store.UpdateAssetStatus(ctx, assetID, store.AssetComplete)
	case anyActive:
		return c.store.UpdateAssetStatus(ctx, assetID, store.AssetProcessing)
	default:
		// Quiesced with at least one failed or blocked stage; every path
		// to completion is cut off.
		return c.store.UpdateAssetStatus(ctx, assetID, store.AssetError)
	}
}

// canEventuallyRun reports whether a not_started stage still has a live path
// to running: no failed ancestor anywhere in its prerequisite chain.
func (c *Controller) canEventuallyRun(spec StageSpec, states map[string]store.StageStatus, seen map[string]bool) bool {
	if seen[spec.Name] {
		return false
	}
	seen[spec.Name] = true
	for _, prereq := range spec.Prereqs {
		switch states[prereq] {
		case store.StageFailed:
			return false
		case store.StageSucceeded, store.StageRunning:
			continue
		case store.StageNotStarted:
			if !c.canEventuallyRun(c.byName[prereq], states, seen) {
				return false
			}
		}
	}
	return true
}

func (c *Controller) prereqsSucceeded(spec StageSpec, states map[string]store.StageStatus) bool {
	for _, prereq := range spec.Prereqs {
		if states[prereq] != store.StageSucceeded {
			return false
		}
	}
	return true
}

func (c *Controller) stageStatuses(ctx context.Context, assetID string) (map[string]store.StageStatus, error) {
	states, err := c.store.StageStates(ctx, assetID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]store.StageStatus, len(states))
	for _, state := range states {
		byName[state.Stage] = state.Status
	}
	return byName, nil
}

func (c *Controller) assetLock(assetID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.assetLocks[assetID]
	if !ok {
		lock = &sync.Mutex{}
		c.assetLocks[assetID] = lock
	}
	return lock
}

func cloneParams(params map[string]any) map[string]any {
	cloned := make(map[string]any, len(params))
	for key, value := range params {
		cloned[key] = value
	}
	return cloned
}

func encodedParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}
