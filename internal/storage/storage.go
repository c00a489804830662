// Package storage provides the interface to the mapping store.
//
// The concrete implementation lives in the sqlstore sub-package. This
// package holds the interface and filter types that are referenced by both
// the implementation and its consumers (mapping, resolver, push, transfer).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/steveyegge/trackbridge/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a mapping whose source_id already
// exists in the kind's table.
var ErrDuplicate = errors.New("duplicate source_id")

// MappingFilter narrows a mapping query. Results are always ordered by
// source_id.
type MappingFilter struct {
	Statuses []types.Status
	// UpdatedSince limits to records touched at or after the given time.
	UpdatedSince time.Time
	// Limit caps the number of rows; zero means no limit.
	Limit int
}

// SyncBatch is the set of writes one synchronizer pass produces for a kind.
type SyncBatch struct {
	Inserts []*types.Mapping
	// Refreshes only carry the reference columns (DisplayName, RefTargetID).
	Refreshes []*types.Mapping
}

// Store is the interface satisfied by *sqlstore.Store.
// Consumers depend on this interface so tests can substitute fakes.
type Store interface {
	// Staging snapshot
	ReplaceSourceEntities(ctx context.Context, kind types.EntityKind, rows []types.SourceEntity) error
	SourceEntities(ctx context.Context, kind types.EntityKind) ([]types.SourceEntity, error)
	ReplaceTargetEntities(ctx context.Context, kind types.EntityKind, rows []types.TargetEntity) error
	TargetEntities(ctx context.Context, kind types.EntityKind) ([]types.TargetEntity, error)

	// Mapping records
	GetMapping(ctx context.Context, kind types.EntityKind, sourceID string) (*types.Mapping, error)
	ListMappings(ctx context.Context, kind types.EntityKind, filter MappingFilter) ([]*types.Mapping, error)
	InsertMapping(ctx context.Context, m *types.Mapping) error
	// UpdateMapping writes the owned fields and the automation hash.
	UpdateMapping(ctx context.Context, m *types.Mapping) error
	ApplySync(ctx context.Context, kind types.EntityKind, batch SyncBatch) error
	CountByStatus(ctx context.Context, kind types.EntityKind) (map[types.Status]int, error)

	Close() error
}
