package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const lineageColumns = "id, asset_id, result_id, op, capability, capability_version, params_json, failed, error, created_at"

// appendLineageTx inserts one append-only lineage row inside the caller's
// transaction so the ledger commits or rolls back with the write it records.
func appendLineageTx(ctx context.Context, tx *sql.Tx, entry LineageEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO lineage (id, asset_id, result_id, op, capability, capability_version, params_json, failed, error, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AssetID,
		nullableString(entry.ResultID),
		entry.Op,
		entry.Capability,
		entry.CapabilityVersion,
		entry.ParamsJSON,
		boolToInt(entry.Failed),
		entry.Error,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append lineage: %w", err)
	}
	return nil
}

// LineageForAsset returns the full audit trail for an asset in append order.
func (s *Store) LineageForAsset(ctx context.Context, assetID string) ([]*LineageEntry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lineageColumns+" FROM lineage WHERE asset_id = ? ORDER BY created_at ASC, id ASC",
		assetID)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	defer rows.Close()

	var entries []*LineageEntry
	for rows.Next() {
		entry, err := scanLineage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LineageForResult returns the audit trail rows tied to one result record.
func (s *Store) LineageForResult(ctx context.Context, resultID string) ([]*LineageEntry, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+lineageColumns+" FROM lineage WHERE result_id = ? ORDER BY created_at ASC, id ASC",
		resultID)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	defer rows.Close()

	var entries []*LineageEntry
	for rows.Next() {
		entry, err := scanLineage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanLineage(scanner interface{ Scan(dest ...any) error }) (*LineageEntry, error) {
	var (
		id         string
		assetID    string
		resultID   sql.NullString
		op         string
		capability sql.NullString
		version    sql.NullString
		params     sql.NullString
		failed     sql.NullInt64
		errMsg     sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &assetID, &resultID, &op, &capability, &version, &params, &failed, &errMsg, &createdRaw); err != nil {
		return nil, err
	}
	return &LineageEntry{
		ID:                id,
		AssetID:           assetID,
		ResultID:          resultID.String,
		Op:                LineageOp(op),
		Capability:        capability.String,
		CapabilityVersion: version.String,
		ParamsJSON:        params.String,
		Failed:            failed.Valid && failed.Int64 != 0,
		Error:             errMsg.String,
		CreatedAt:         parseTime(createdRaw),
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
