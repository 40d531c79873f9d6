package store

import (
	"context"
	"fmt"
	"os"
)

// CheckHealth gathers diagnostic information about the database without
// failing on individual probe errors; whatever could be determined is
// reported alongside the first error encountered.
func (s *Store) CheckHealth(ctx context.Context) Health {
	ctx = ensureContext(ctx)
	health := Health{DBPath: s.path}

	if _, err := os.Stat(s.path); err != nil {
		health.Error = fmt.Sprintf("stat database: %v", err)
		return health
	}
	health.DatabaseExists = true

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		health.Error = fmt.Sprintf("read schema version: %v", err)
		return health
	}
	health.DatabaseReadable = true
	health.SchemaVersion = fmt.Sprintf("%d", version)

	var integrity string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = fmt.Sprintf("integrity check: %v", err)
		return health
	}
	health.IntegrityCheck = integrity == "ok"

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM assets WHERE deleted = 0").Scan(&health.TotalAssets); err != nil {
		health.Error = fmt.Sprintf("count assets: %v", err)
		return health
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM results").Scan(&health.TotalResults); err != nil {
		health.Error = fmt.Sprintf("count results: %v", err)
		return health
	}

	return health
}
