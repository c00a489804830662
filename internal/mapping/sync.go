// Package mapping keeps exactly one mapping record per staged source entity.
package mapping

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// Result counts what one Sync pass did.
type Result struct {
	Inserted  int
	Refreshed int
	Unchanged int
}

// reference describes where a kind's ref_target_id comes from: the resolved
// target id of another kind's record, keyed by a staging attribute.
type reference struct {
	kind types.EntityKind
	attr string
}

var references = map[types.EntityKind]reference{
	types.KindMembership: {kind: types.KindGroup, attr: types.AttrGroupID},
	types.KindTracker:    {kind: types.KindStatus, attr: types.AttrInitialStatus},
	types.KindRelation:   {kind: types.KindIssue, attr: types.AttrFromIssue},
	types.KindAttachment: {kind: types.KindIssue, attr: types.AttrIssueID},
}

// attachmentAttrs are copied from staging into new attachment records so the
// transfer queues never need to consult staging.
var attachmentAttrs = []string{
	types.AttrFilename, types.AttrFilesize, types.AttrContentURL, types.AttrContentType, types.AttrIssueID,
}

// Synchronizer upserts mapping records from the staging snapshot.
type Synchronizer struct {
	Store  storage.Store
	Logger *slog.Logger
}

// NewSynchronizer creates a synchronizer over store.
func NewSynchronizer(store storage.Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Synchronizer{Store: store, Logger: logger}
}

// Sync creates records for staged entities that have none and refreshes
// the reference columns of the rest. Existing status, target, notes and
// hash are never touched, and no record is ever removed.
func (s *Synchronizer) Sync(ctx context.Context, kind types.EntityKind) (*Result, error) {
	staged, err := s.Store.SourceEntities(ctx, kind)
	if err != nil {
		return nil, err
	}
	existing, err := s.Store.ListMappings(ctx, kind, storage.MappingFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Mapping, len(existing))
	for _, m := range existing {
		byID[m.SourceID] = m
	}

	refTargets, err := s.loadReferences(ctx, kind)
	if err != nil {
		return nil, err
	}

	var (
		batch  storage.SyncBatch
		result Result
		seen   = make(map[string]bool, len(staged))
	)
	for _, e := range staged {
		if e.SourceID == "" {
			s.Logger.Warn("staging row without source id skipped", "kind", kind, "name", e.Name)
			continue
		}
		if seen[e.SourceID] {
			continue
		}
		seen[e.SourceID] = true

		var ref *int64
		if r, ok := references[kind]; ok {
			ref = refTargets[e.Attrs.String(r.attr)]
		}

		cur, ok := byID[e.SourceID]
		if !ok {
			m := newRecord(kind, e)
			m.RefTargetID = ref
			batch.Inserts = append(batch.Inserts, m)
			result.Inserted++
			continue
		}
		if cur.DisplayName == e.Name && types.SameTarget(cur.RefTargetID, ref) {
			result.Unchanged++
			continue
		}
		refreshed := cur.Clone()
		refreshed.DisplayName = e.Name
		refreshed.RefTargetID = ref
		batch.Refreshes = append(batch.Refreshes, refreshed)
		result.Refreshed++
	}

	if err := s.Store.ApplySync(ctx, kind, batch); err != nil {
		return nil, fmt.Errorf("sync %s mappings: %w", kind, err)
	}
	s.Logger.Debug("mapping sync complete", "kind", kind,
		"inserted", result.Inserted, "refreshed", result.Refreshed, "unchanged", result.Unchanged)
	return &result, nil
}

func newRecord(kind types.EntityKind, e types.SourceEntity) *types.Mapping {
	m := &types.Mapping{
		Kind:        kind,
		SourceID:    e.SourceID,
		Status:      kind.Family().Initial,
		Proposed:    types.Attrs{},
		DisplayName: e.Name,
	}
	if kind == types.KindAttachment {
		for _, k := range attachmentAttrs {
			if v, ok := e.Attrs[k]; ok {
				m.Proposed[k] = v
			}
		}
		m.ProposedName = e.Name
	}
	hashguard.Stamp(m)
	return m
}

// loadReferences maps source id to resolved target id for the kind that
// backs kind's ref_target_id column.
func (s *Synchronizer) loadReferences(ctx context.Context, kind types.EntityKind) (map[string]*int64, error) {
	r, ok := references[kind]
	if !ok {
		return nil, nil
	}
	recs, err := s.Store.ListMappings(ctx, r.kind, storage.MappingFilter{})
	if err != nil {
		return nil, fmt.Errorf("load %s references: %w", r.kind, err)
	}
	out := make(map[string]*int64, len(recs))
	for _, m := range recs {
		if m.TargetID != nil && r.kind.Family().Resolved(m.Status) {
			out[m.SourceID] = types.Int64Ptr(*m.TargetID)
		}
	}
	return out, nil
}
