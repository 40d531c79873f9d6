// Package daemon hosts the long-running loom process: it owns the store,
// cache, orchestrator, and pipeline controller, enforces single-instance
// execution with a file lock, and serves the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/orchestrator"
	"loom/internal/pipeline"
	"loom/internal/store"
)

// Daemon coordinates background processing and the external surfaces.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	cache      *cache.Tiered
	orch       *orchestrator.Orchestrator
	controller *pipeline.Controller

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	DBPath       string
	LockFilePath string
	Capabilities []string
	Stages       []string
	Health       store.Health
}

// New constructs a daemon over already-wired components.
func New(cfg *config.Config, st *store.Store, tiered *cache.Tiered, orch *orchestrator.Orchestrator, controller *pipeline.Controller, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil || tiered == nil || orch == nil || controller == nil {
		return nil, errors.New("daemon requires config, store, cache, orchestrator, and pipeline controller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      st,
		cache:      tiered,
		orch:       orch,
		controller: controller,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}
	srv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = srv
	return d, nil
}

// Bootstrap opens every dependency from configuration and wires the default
// capability set and stage graph.
func Bootstrap(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	tiered, err := cache.New(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	reg, err := DefaultRegistry()
	if err != nil {
		_ = tiered.Close()
		_ = st.Close()
		return nil, err
	}
	orch := orchestrator.New(cfg, st, tiered, reg, logger)
	controller, err := pipeline.New(cfg, st, orch, DefaultStages(), logger)
	if err != nil {
		_ = tiered.Close()
		_ = st.Close()
		return nil, err
	}
	return New(cfg, st, tiered, orch, controller, logger)
}

// Start acquires the daemon lock, recovers interrupted stage work, and
// begins serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.resumeInterrupted(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		return err
	}

	if d.api != nil {
		if err := d.api.start(d.ctx); err != nil {
			_ = d.lock.Unlock()
			d.cancel()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("loom daemon started",
		logging.String("lock", d.lockPath),
		logging.String("db", d.cfg.DatabasePath()))
	return nil
}

// resumeInterrupted resets stages orphaned in running by a previous crash
// and restarts advancement for each affected asset; without the re-advance
// the reclaimed stages would sit in not_started with nothing to pick them
// up. A nonzero reclaim_on_startup_seconds bounds the whole pass.
func (d *Daemon) resumeInterrupted(ctx context.Context) error {
	if secs := d.cfg.Pipeline.ReclaimOnStartupSecs; secs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	assetIDs, err := d.store.ReclaimRunningStages(ctx)
	if err != nil {
		return fmt.Errorf("reclaim interrupted stages: %w", err)
	}
	if len(assetIDs) == 0 {
		return nil
	}

	d.logger.Info("reclaimed interrupted stages", logging.Int("assets", len(assetIDs)))
	for _, assetID := range assetIDs {
		if err := d.controller.Advance(ctx, assetID); err != nil {
			d.logger.Warn("resume interrupted asset",
				logging.String(logging.FieldAssetID, assetID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "reprocess the asset manually if it stays stuck"))
		}
	}
	return nil
}

// Stop drains in-flight stage work and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.controller.Close(drainCtx); err != nil {
		d.logger.Warn("stage drain interrupted", logging.Error(err))
	}

	if d.api != nil {
		d.api.stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close stops the daemon and releases its resources.
func (d *Daemon) Close() error {
	d.Stop()
	var firstErr error
	if err := d.cache.Close(); err != nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Ingest registers a new asset and starts its pipeline.
func (d *Daemon) Ingest(ctx context.Context, source string, durationSecs float64, sizeBytes int64) (*store.Asset, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, errors.New("source is required")
	}
	asset, err := d.controller.Ingest(ctx, trimmed, durationSecs, sizeBytes)
	if err != nil {
		return nil, err
	}
	d.logger.Info("asset ingested",
		logging.String(logging.FieldAssetID, asset.ID),
		logging.String("source", trimmed))
	return asset, nil
}

// Execute runs one capability invocation on behalf of the named caller.
func (d *Daemon) Execute(ctx context.Context, caller, capability, assetID string, params map[string]any) (*orchestrator.Result, error) {
	return d.orch.Execute(ctx, orchestrator.Request{
		Caller:     caller,
		Capability: capability,
		AssetID:    assetID,
		Params:     params,
	})
}

// AssetStatus reports the asset lifecycle and all stage states.
func (d *Daemon) AssetStatus(ctx context.Context, assetID string) (*store.Asset, []*store.StageState, error) {
	return d.controller.AssetStatus(ctx, assetID)
}

// Results reads whatever has been persisted so far for the asset.
func (d *Daemon) Results(ctx context.Context, assetID string, filter store.ResultFilter) ([]*store.ResultRecord, error) {
	return d.store.QueryResults(ctx, assetID, filter)
}

// CacheStats reports tiered cache counters.
func (d *Daemon) CacheStats() cache.Stats {
	return d.orch.CacheStats()
}

// Reprocess resets a failed stage and re-advances the asset.
func (d *Daemon) Reprocess(ctx context.Context, assetID, stage string) error {
	return d.controller.Reprocess(ctx, assetID, stage)
}

// Orchestrator exposes the execution facade for IPC and tests.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.orch
}

// APIAddr reports the bound HTTP API address, or "" when the API is
// disabled or not started.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		DBPath:       d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		Capabilities: d.orch.Registry().Names(),
		Stages:       d.controller.StageNames(),
		Health:       d.store.CheckHealth(ctx),
	}
}
