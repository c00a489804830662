package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02 15:04:05.000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// now is replaced in tests.
var now = time.Now

const mappingColumns = `id, source_id, target_id, migration_status, proposed_name, proposed_attrs,
	notes, local_path, upload_token, automation_hash, display_name, ref_target_id,
	created_at, last_updated_at`

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func encodeAttrs(a types.Attrs) (string, error) {
	if a == nil {
		return "{}", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode attrs: %w", err)
	}
	return string(data), nil
}

func decodeAttrs(s string) (types.Attrs, error) {
	if s == "" {
		return types.Attrs{}, nil
	}
	var a types.Attrs
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return nil, fmt.Errorf("decode attrs: %w", err)
	}
	if a == nil {
		a = types.Attrs{}
	}
	return a.Normalize(), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMapping(kind types.EntityKind, row scanner) (*types.Mapping, error) {
	var (
		m                types.Mapping
		target, ref      sql.NullInt64
		status, attrs    string
		created, updated string
	)
	if err := row.Scan(&m.ID, &m.SourceID, &target, &status, &m.ProposedName, &attrs,
		&m.Notes, &m.LocalPath, &m.UploadToken, &m.AutomationHash, &m.DisplayName, &ref,
		&created, &updated); err != nil {
		return nil, err
	}
	proposed, err := decodeAttrs(attrs)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, m.SourceID, err)
	}
	m.Kind = kind
	m.TargetID = ptrInt(target)
	m.RefTargetID = ptrInt(ref)
	m.Status = types.Status(status)
	m.Proposed = proposed
	m.CreatedAt = parseTime(created)
	m.LastUpdatedAt = parseTime(updated)
	return &m, nil
}

// GetMapping returns the record for sourceID, or storage.ErrNotFound.
func (s *Store) GetMapping(ctx context.Context, kind types.EntityKind, sourceID string) (*types.Mapping, error) {
	rows, err := s.queryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE source_id = ?", mappingColumns, kind.Table()), sourceID)
	if err != nil {
		return nil, fmt.Errorf("get %s mapping %s: %w", kind, sourceID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get %s mapping %s: %w", kind, sourceID, err)
		}
		return nil, fmt.Errorf("%s mapping %s: %w", kind, sourceID, storage.ErrNotFound)
	}
	return scanMapping(kind, rows)
}

// ListMappings returns records matching filter, ordered by source_id.
func (s *Store) ListMappings(ctx context.Context, kind types.EntityKind, filter storage.MappingFilter) ([]*types.Mapping, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "migration_status IN ("+strings.Join(ph, ", ")+")")
	}
	if !filter.UpdatedSince.IsZero() {
		where = append(where, "last_updated_at >= ?")
		args = append(args, formatTime(filter.UpdatedSince))
	}

	query := fmt.Sprintf("SELECT %s FROM %s", mappingColumns, kind.Table())
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY source_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s mappings: %w", kind, err)
	}
	defer rows.Close()

	var out []*types.Mapping
	for rows.Next() {
		m, err := scanMapping(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("list %s mappings: %w", kind, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMapping(ctx context.Context, db execer, m *types.Mapping) error {
	attrs, err := encodeAttrs(m.Proposed)
	if err != nil {
		return err
	}
	ts := now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = ts
	}
	m.LastUpdatedAt = ts
	res, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		source_id, target_id, migration_status, proposed_name, proposed_attrs,
		notes, local_path, upload_token, automation_hash, display_name, ref_target_id,
		created_at, last_updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, m.Kind.Table()),
		m.SourceID, nullInt(m.TargetID), string(m.Status), m.ProposedName, attrs,
		m.Notes, m.LocalPath, m.UploadToken, m.AutomationHash, m.DisplayName, nullInt(m.RefTargetID),
		formatTime(m.CreatedAt), formatTime(m.LastUpdatedAt))
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%s %s: %w", m.Kind, m.SourceID, storage.ErrDuplicate)
		}
		return fmt.Errorf("insert %s mapping %s: %w", m.Kind, m.SourceID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		m.ID = id
	}
	return nil
}

// InsertMapping creates a new record. A second record for the same
// source_id fails with storage.ErrDuplicate.
func (s *Store) InsertMapping(ctx context.Context, m *types.Mapping) error {
	return s.withRetry(ctx, func() error {
		return insertMapping(ctx, s.db, m)
	})
}

// UpdateMapping writes the engine-owned fields and the automation hash.
// Reference columns are left alone. A missing record is storage.ErrNotFound.
func (s *Store) UpdateMapping(ctx context.Context, m *types.Mapping) error {
	attrs, err := encodeAttrs(m.Proposed)
	if err != nil {
		return err
	}
	m.LastUpdatedAt = now()
	res, err := s.execContext(ctx, fmt.Sprintf(`UPDATE %s SET
		target_id = ?, migration_status = ?, proposed_name = ?, proposed_attrs = ?,
		notes = ?, local_path = ?, upload_token = ?, automation_hash = ?, last_updated_at = ?
		WHERE source_id = ?`, m.Kind.Table()),
		nullInt(m.TargetID), string(m.Status), m.ProposedName, attrs,
		m.Notes, m.LocalPath, m.UploadToken, m.AutomationHash, formatTime(m.LastUpdatedAt),
		m.SourceID)
	if err != nil {
		return fmt.Errorf("update %s mapping %s: %w", m.Kind, m.SourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s mapping %s: %w", m.Kind, m.SourceID, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s mapping %s: %w", m.Kind, m.SourceID, storage.ErrNotFound)
	}
	return nil
}

// ApplySync inserts new records and refreshes reference columns of existing
// ones in a single transaction.
func (s *Store) ApplySync(ctx context.Context, kind types.EntityKind, batch storage.SyncBatch) error {
	if len(batch.Inserts) == 0 && len(batch.Refreshes) == 0 {
		return nil
	}
	return s.runInTransaction(ctx, func(tx *sql.Tx) error {
		for _, m := range batch.Inserts {
			if err := insertMapping(ctx, tx, m); err != nil {
				return err
			}
		}
		for _, m := range batch.Refreshes {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET display_name = ?, ref_target_id = ? WHERE source_id = ?", kind.Table()),
				m.DisplayName, nullInt(m.RefTargetID), m.SourceID); err != nil {
				return fmt.Errorf("refresh %s mapping %s: %w", kind, m.SourceID, err)
			}
		}
		return nil
	})
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context, kind types.EntityKind) (map[types.Status]int, error) {
	rows, err := s.queryContext(ctx,
		fmt.Sprintf("SELECT migration_status, COUNT(*) FROM %s GROUP BY migration_status", kind.Table()))
	if err != nil {
		return nil, fmt.Errorf("count %s mappings: %w", kind, err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count %s mappings: %w", kind, err)
		}
		counts[types.Status(st)] = n
	}
	return counts, rows.Err()
}
