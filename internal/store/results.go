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

const resultColumns = "id, asset_id, kind, timestamp_secs, payload, capability, capability_version, created_at"

// UpsertResult appends a lineage entry and inserts-or-replaces the result
// record in a single transaction. Calling it twice with the same
// (asset, kind, timestamp, capability) key produces one result row and two
// lineage rows. Returns the stored record.
func (s *Store) UpsertResult(ctx context.Context, rec ResultRecord, paramsJSON string) (*ResultRecord, error) {
	if strings.TrimSpace(rec.AssetID) == "" {
		return nil, errors.New("result asset id cannot be empty")
	}
	if strings.TrimSpace(rec.Kind) == "" {
		return nil, errors.New("result kind cannot be empty")
	}
	if strings.TrimSpace(rec.Capability) == "" {
		return nil, errors.New("result capability cannot be empty")
	}

	ctx = ensureContext(ctx)
	var stored *ResultRecord
	err := retryOnBusy(ctx, func() error {
		var txErr error
		stored, txErr = s.upsertResultTx(ctx, rec, paramsJSON)
		return txErr
	})
	return stored, err
}

func (s *Store) upsertResultTx(ctx context.Context, rec ResultRecord, paramsJSON string) (*ResultRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := tsKey(rec.TimestampSecs)

	var existingID string
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM results WHERE asset_id = ? AND kind = ? AND ts_key = ? AND capability = ?",
		rec.AssetID, rec.Kind, key, rec.Capability,
	).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existingID = ""
	case err != nil:
		return nil, fmt.Errorf("probe result key: %w", err)
	}

	op := LineageCreate
	resultID := uuid.NewString()
	if existingID != "" {
		op = LineageUpdate
		resultID = existingID
	}

	// The result row must exist before the lineage row that references it,
	// or the lineage foreign key rejects the create path.
	now := formatTime(time.Now())
	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (id, asset_id, kind, timestamp_secs, ts_key, payload, capability, capability_version, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (asset_id, kind, ts_key, capability) DO UPDATE SET
             payload = excluded.payload,
             capability_version = excluded.capability_version`,
		resultID, rec.AssetID, rec.Kind, nullableFloat(rec.TimestampSecs), key,
		rec.Payload, rec.Capability, rec.CapabilityVersion, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert result: %w", err)
	}

	if err := appendLineageTx(ctx, tx, LineageEntry{
		AssetID:           rec.AssetID,
		ResultID:          resultID,
		Op:                op,
		Capability:        rec.Capability,
		CapabilityVersion: rec.CapabilityVersion,
		ParamsJSON:        paramsJSON,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}

	out := rec
	out.ID = resultID
	return &out, nil
}

// VerifyWritten re-reads a result immediately after commit. A missing row is
// a verification failure, never silently tolerated; it is the only guard
// against a commit that did not apply.
func (s *Store) VerifyWritten(ctx context.Context, assetID, kind string, timestampSecs *float64, capability string) (*ResultRecord, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+resultColumns+" FROM results WHERE asset_id = ? AND kind = ? AND ts_key = ? AND capability = ?",
		assetID, kind, tsKey(timestampSecs), capability)
	rec, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrVerification, "store", "verify written",
			fmt.Sprintf("%s/%s by %s", assetID, kind, capability), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("verify written: %w", err)
	}
	return rec, nil
}

// QueryResults returns persisted results for an asset, optionally narrowed by
// kind and timestamp range. Partial pipeline data is served as-is: whatever
// stages have persisted is returned without regard to overall completeness.
func (s *Store) QueryResults(ctx context.Context, assetID string, filter ResultFilter) ([]*ResultRecord, error) {
	ctx = ensureContext(ctx)

	query := "SELECT " + resultColumns + " FROM results WHERE asset_id = ?"
	args := []any{assetID}
	if strings.TrimSpace(filter.Kind) != "" {
		query += " AND kind = ?"
		args = append(args, filter.Kind)
	}
	if filter.From != nil {
		query += " AND ts_key >= ?"
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		query += " AND ts_key <= ?"
		args = append(args, *filter.To)
	}
	query += " ORDER BY ts_key ASC, kind ASC, capability ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var records []*ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordFailedWrite appends a lineage entry for a write attempt that never
// applied, preserving the audit trail of non-applied operations.
func (s *Store) RecordFailedWrite(ctx context.Context, assetID, capability, capabilityVersion, paramsJSON string, attemptErr error) error {
	detail := ""
	if attemptErr != nil {
		detail = attemptErr.Error()
	}
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed-write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendLineageTx(ctx, tx, LineageEntry{
		AssetID:           assetID,
		Op:                LineageCreate,
		Capability:        capability,
		CapabilityVersion: capabilityVersion,
		ParamsJSON:        paramsJSON,
		Failed:            true,
		Error:             detail,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed-write: %w", err)
	}
	return nil
}

func scanResult(scanner interface{ Scan(dest ...any) error }) (*ResultRecord, error) {
	var (
		id         string
		assetID    string
		kind       string
		timestamp  sql.NullFloat64
		payload    []byte
		capability string
		version    sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &assetID, &kind, &timestamp, &payload, &capability, &version, &createdRaw); err != nil {
		return nil, err
	}
	rec := &ResultRecord{
		ID:                id,
		AssetID:           assetID,
		Kind:              kind,
		Payload:           payload,
		Capability:        capability,
		CapabilityVersion: version.String,
		CreatedAt:         parseTime(createdRaw),
	}
	if timestamp.Valid {
		value := timestamp.Float64
		rec.TimestampSecs = &value
	}
	return rec, nil
}
