package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/types"
)

// ReplaceSourceEntities swaps the staged source rows of kind for rows.
func (s *Store) ReplaceSourceEntities(ctx context.Context, kind types.EntityKind, rows []types.SourceEntity) error {
	ts := formatTime(now())
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM staging_source WHERE kind = ?", string(kind)); err != nil {
			return fmt.Errorf("clear %s staging: %w", kind, err)
		}
		for _, r := range rows {
			attrs, err := encodeAttrs(r.Attrs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO staging_source (kind, source_id, name, attrs, fetched_at) VALUES (?, ?, ?, ?, ?)",
				string(kind), r.SourceID, r.Name, attrs, ts); err != nil {
				return fmt.Errorf("stage %s %s: %w", kind, r.SourceID, err)
			}
		}
		return nil
	})
}

// SourceEntities returns the staged source rows of kind ordered by source_id.
func (s *Store) SourceEntities(ctx context.Context, kind types.EntityKind) ([]types.SourceEntity, error) {
	rows, err := s.queryContext(ctx,
		"SELECT source_id, name, attrs, fetched_at FROM staging_source WHERE kind = ? ORDER BY source_id", string(kind))
	if err != nil {
		return nil, fmt.Errorf("read %s staging: %w", kind, err)
	}
	defer rows.Close()

	var out []types.SourceEntity
	for rows.Next() {
		var (
			e            types.SourceEntity
			attrs, fetch string
		)
		if err := rows.Scan(&e.SourceID, &e.Name, &attrs, &fetch); err != nil {
			return nil, fmt.Errorf("read %s staging: %w", kind, err)
		}
		if e.Attrs, err = decodeAttrs(attrs); err != nil {
			return nil, fmt.Errorf("%s staging %s: %w", kind, e.SourceID, err)
		}
		e.Kind = kind
		e.FetchedAt = parseTime(fetch)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceTargetEntities swaps the target snapshot rows of kind for rows.
func (s *Store) ReplaceTargetEntities(ctx context.Context, kind types.EntityKind, rows []types.TargetEntity) error {
	ts := formatTime(now())
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM staging_target WHERE kind = ?", string(kind)); err != nil {
			return fmt.Errorf("clear %s snapshot: %w", kind, err)
		}
		for _, r := range rows {
			attrs, err := encodeAttrs(r.Attrs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO staging_target (kind, target_id, name, attrs, fetched_at) VALUES (?, ?, ?, ?, ?)",
				string(kind), r.ID, r.Name, attrs, ts); err != nil {
				return fmt.Errorf("snapshot %s %d: %w", kind, r.ID, err)
			}
		}
		return nil
	})
}

// TargetEntities returns the target snapshot rows of kind ordered by id.
func (s *Store) TargetEntities(ctx context.Context, kind types.EntityKind) ([]types.TargetEntity, error) {
	rows, err := s.queryContext(ctx,
		"SELECT target_id, name, attrs, fetched_at FROM staging_target WHERE kind = ? ORDER BY target_id", string(kind))
	if err != nil {
		return nil, fmt.Errorf("read %s snapshot: %w", kind, err)
	}
	defer rows.Close()

	var out []types.TargetEntity
	for rows.Next() {
		var (
			e            types.TargetEntity
			attrs, fetch string
		)
		if err := rows.Scan(&e.ID, &e.Name, &attrs, &fetch); err != nil {
			return nil, fmt.Errorf("read %s snapshot: %w", kind, err)
		}
		if e.Attrs, err = decodeAttrs(attrs); err != nil {
			return nil, fmt.Errorf("%s snapshot %d: %w", kind, e.ID, err)
		}
		e.Kind = kind
		e.FetchedAt = parseTime(fetch)
		out = append(out, e)
	}
	return out, rows.Err()
}
