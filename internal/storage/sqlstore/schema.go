package sqlstore

import (
	"context"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/types"
)

// mappingKinds are the kinds that own a mapping table. Issues are included
// so relation dependencies can be read; rows there come from the issue
// migration.
var mappingKinds = append(append([]types.EntityKind(nil), types.AllKinds...), types.KindIssue)

func (s *Store) idColumn() string {
	if s.driver == DriverSQLite {
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "id BIGINT AUTO_INCREMENT PRIMARY KEY"
}

func (s *Store) schema() []string {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS staging_source (
			kind VARCHAR(32) NOT NULL,
			source_id VARCHAR(255) NOT NULL,
			name TEXT NOT NULL,
			attrs TEXT NOT NULL,
			fetched_at VARCHAR(32) NOT NULL,
			PRIMARY KEY (kind, source_id)
		)`,
		`CREATE TABLE IF NOT EXISTS staging_target (
			kind VARCHAR(32) NOT NULL,
			target_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			attrs TEXT NOT NULL,
			fetched_at VARCHAR(32) NOT NULL,
			PRIMARY KEY (kind, target_id)
		)`,
	}
	for _, k := range mappingKinds {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s,
			source_id VARCHAR(255) NOT NULL UNIQUE,
			target_id BIGINT NULL,
			migration_status VARCHAR(64) NOT NULL,
			proposed_name TEXT NOT NULL,
			proposed_attrs TEXT NOT NULL,
			notes TEXT NOT NULL,
			local_path TEXT NOT NULL,
			upload_token TEXT NOT NULL,
			automation_hash VARCHAR(64) NOT NULL,
			display_name TEXT NOT NULL,
			ref_target_id BIGINT NULL,
			created_at VARCHAR(32) NOT NULL,
			last_updated_at VARCHAR(32) NOT NULL
		)`, k.Table(), s.idColumn()))
	}
	return stmts
}

// ensureSchema creates every table that does not exist yet.
func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.execContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
