package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"loom/internal/services"
)

const assetColumns = "id, source, duration_secs, size_bytes, status, deleted, created_at, updated_at"

// CreateAsset inserts a new asset in pending state and returns it.
func (s *Store) CreateAsset(ctx context.Context, source string, durationSecs float64, sizeBytes int64) (*Asset, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("asset source cannot be empty")
	}

	id := uuid.NewString()
	now := formatTime(time.Now())
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO assets (id, source, duration_secs, size_bytes, status, deleted, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id, source, durationSecs, sizeBytes, AssetPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}
	return s.GetAsset(ctx, id)
}

// GetAsset returns an asset by id. Soft-deleted assets are excluded.
func (s *Store) GetAsset(ctx context.Context, id string) (*Asset, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE id = ? AND deleted = 0", id)
	asset, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "store", "get asset", id, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// ListAssets returns all live assets ordered by creation time.
func (s *Store) ListAssets(ctx context.Context) ([]*Asset, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+assetColumns+" FROM assets WHERE deleted = 0 ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// UpdateAssetStatus persists a lifecycle transition.
func (s *Store) UpdateAssetStatus(ctx context.Context, id string, status AssetStatus) error {
	if _, ok := assetStatusSet[status]; !ok {
		return fmt.Errorf("unknown asset status %q", status)
	}
	res, err := s.execWithRetry(ctx,
		"UPDATE assets SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0",
		status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update asset status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "update asset status", id, nil)
	}
	return nil
}

// DeleteAsset soft-deletes an asset. Result and lineage rows are left intact
// for audit; a delete lineage entry records the operation.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE assets SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0",
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("soft delete asset: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return services.Wrap(services.ErrNotFound, "store", "delete asset", id, nil)
	}

	if err := appendLineageTx(ctx, tx, LineageEntry{
		AssetID: id,
		Op:      LineageDelete,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func scanAsset(scanner interface{ Scan(dest ...any) error }) (*Asset, error) {
	var (
		id         string
		source     string
		duration   sql.NullFloat64
		size       sql.NullInt64
		statusStr  string
		deleted    sql.NullInt64
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &source, &duration, &size, &statusStr, &deleted, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	return &Asset{
		ID:           id,
		Source:       source,
		DurationSecs: duration.Float64,
		SizeBytes:    size.Int64,
		Status:       AssetStatus(statusStr),
		Deleted:      deleted.Valid && deleted.Int64 != 0,
		CreatedAt:    parseTime(createdRaw),
		UpdatedAt:    parseTime(updatedRaw),
	}, nil
}
