package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loom/internal/services"
)

const stageColumns = "asset_id, stage, status, started_at, finished_at"

// InitStages seeds not_started rows for every declared stage of an asset.
// Existing rows are left untouched so repeated calls are safe.
func (s *Store) InitStages(ctx context.Context, assetID string, stages []string) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin init stages tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stage := range stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_state (asset_id, stage, status) VALUES (?, ?, ?)
             ON CONFLICT (asset_id, stage) DO NOTHING`,
			assetID, stage, StageNotStarted,
		); err != nil {
			return fmt.Errorf("seed stage %s: %w", stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit init stages: %w", err)
	}
	return nil
}

// StageStates returns the per-stage status rows for an asset.
func (s *Store) StageStates(ctx context.Context, assetID string) ([]*StageState, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+stageColumns+" FROM stage_state WHERE asset_id = ? ORDER BY stage ASC", assetID)
	if err != nil {
		return nil, fmt.Errorf("query stage state: %w", err)
	}
	defer rows.Close()

	var states []*StageState
	for rows.Next() {
		state, err := scanStageState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// SetStageStatus transitions one (asset, stage) pair, enforcing the legal
// transition set. The guard is expressed in the UPDATE's WHERE clause so
// racing writers cannot both apply the same transition.
func (s *Store) SetStageStatus(ctx context.Context, assetID, stage string, from, to StageStatus) error {
	if !stageTransitionAllowed(from, to) {
		return fmt.Errorf("illegal stage transition %s -> %s for %s/%s", from, to, assetID, stage)
	}

	now := formatTime(time.Now())
	var (
		query string
		args  []any
	)
	switch to {
	case StageRunning:
		query = "UPDATE stage_state SET status = ?, started_at = ?, finished_at = NULL WHERE asset_id = ? AND stage = ? AND status = ?"
		args = []any{to, now, assetID, stage, from}
	case StageSucceeded, StageFailed:
		query = "UPDATE stage_state SET status = ?, finished_at = ? WHERE asset_id = ? AND stage = ? AND status = ?"
		args = []any{to, now, assetID, stage, from}
	case StageNotStarted:
		query = "UPDATE stage_state SET status = ?, started_at = NULL, finished_at = NULL WHERE asset_id = ? AND stage = ? AND status = ?"
		args = []any{to, assetID, stage, from}
	default:
		return fmt.Errorf("unknown stage status %q", to)
	}

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("set stage status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "set stage status",
			fmt.Sprintf("%s/%s not in %s", assetID, stage, from), nil)
	}
	return nil
}

// ResetStage moves a failed stage back to not_started and records a
// reprocess lineage entry. Only failed stages can be reset.
func (s *Store) ResetStage(ctx context.Context, assetID, stage, capability, paramsJSON string) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE stage_state SET status = ?, started_at = NULL, finished_at = NULL WHERE asset_id = ? AND stage = ? AND status = ?",
		StageNotStarted, assetID, stage, StageFailed)
	if err != nil {
		return fmt.Errorf("reset stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "reset stage",
			fmt.Sprintf("%s/%s is not failed", assetID, stage), nil)
	}

	if err := appendLineageTx(ctx, tx, LineageEntry{
		AssetID:    assetID,
		Op:         LineageReprocess,
		Capability: capability,
		ParamsJSON: paramsJSON,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// ReclaimRunningStages moves stages stuck in running back to not_started and
// returns the ids of the assets that owned them, so the caller can resume
// their pipelines. Called once at daemon startup to recover from a crash
// mid-stage.
func (s *Store) ReclaimRunningStages(ctx context.Context) ([]string, error) {
	ctx = ensureContext(ctx)

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT asset_id FROM stage_state WHERE status = ? ORDER BY asset_id",
		StageRunning)
	if err != nil {
		return nil, fmt.Errorf("list interrupted stages: %w", err)
	}
	defer rows.Close()

	var assetIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan interrupted asset: %w", err)
		}
		assetIDs = append(assetIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interrupted assets: %w", err)
	}
	if len(assetIDs) == 0 {
		return nil, nil
	}

	if _, err := s.execWithRetry(ctx,
		"UPDATE stage_state SET status = ?, started_at = NULL WHERE status = ?",
		StageNotStarted, StageRunning); err != nil {
		return nil, fmt.Errorf("reclaim running stages: %w", err)
	}
	return assetIDs, nil
}

func scanStageState(scanner interface{ Scan(dest ...any) error }) (*StageState, error) {
	var (
		assetID     string
		stage       string
		status      string
		startedRaw  sql.NullString
		finishedRaw sql.NullString
	)
	if err := scanner.Scan(&assetID, &stage, &status, &startedRaw, &finishedRaw); err != nil {
		return nil, err
	}
	return &StageState{
		AssetID:    assetID,
		Stage:      stage,
		Status:     StageStatus(status),
		StartedAt:  parseTimePtr(startedRaw),
		FinishedAt: parseTimePtr(finishedRaw),
	}, nil
}

// IsNotFound reports whether err is the store's not-found marker.
func IsNotFound(err error) bool {
	return errors.Is(err, services.ErrNotFound)
}
