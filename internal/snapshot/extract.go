// Package snapshot runs the extract phase: it copies source entities into
// the staging tables and refreshes the target snapshot the resolver matches
// against.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// Source reads entities from the source system.
type Source interface {
	Users(ctx context.Context) ([]types.SourceEntity, error)
	Groups(ctx context.Context) (groups, memberships []types.SourceEntity, err error)
	Statuses(ctx context.Context) ([]types.SourceEntity, error)
	Priorities(ctx context.Context) ([]types.SourceEntity, error)
	IssueTypes(ctx context.Context) ([]types.SourceEntity, error)
	Labels(ctx context.Context) ([]types.SourceEntity, error)
	FetchIssueData(ctx context.Context) (*jira.IssueData, error)
}

// Target reads the current state of the target system.
type Target interface {
	Users(ctx context.Context) ([]types.TargetEntity, error)
	Groups(ctx context.Context) ([]types.TargetEntity, error)
	Statuses(ctx context.Context) ([]types.TargetEntity, error)
	Priorities(ctx context.Context) ([]types.TargetEntity, error)
	Trackers(ctx context.Context) ([]types.TargetEntity, error)
	Tags(ctx context.Context) ([]types.TargetEntity, error)
	Relations(ctx context.Context, issueIDs []int64) ([]types.TargetEntity, error)
}

// Result counts the rows one extract staged.
type Result struct {
	Source int
	Target int
	// TargetSkipped is set when the target snapshot was left as it was.
	TargetSkipped bool
}

// Extractor fills the staging tables for one kind at a time.
type Extractor struct {
	Store  storage.Store
	Source Source
	Target Target
	// UseExtendedAPI allows reading snapshots only the extended API serves.
	UseExtendedAPI bool
	Logger         *slog.Logger

	OnMessage func(msg string)
	OnWarning func(msg string)
}

// NewExtractor creates an extractor.
func NewExtractor(store storage.Store, source Source, target Target, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Extractor{Store: store, Source: source, Target: target, Logger: logger}
}

func (e *Extractor) msg(format string, args ...any) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Extractor) warn(format string, args ...any) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}

// Extract stages the source rows of kind and refreshes its target snapshot.
// Staging is replaced wholesale; mapping records are left to the
// synchronizer.
func (e *Extractor) Extract(ctx context.Context, kind types.EntityKind) (*Result, error) {
	result := &Result{}

	src, err := e.fetchSource(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("fetch source %s: %w", kind, err)
	}
	for k, rows := range src {
		if err := e.Store.ReplaceSourceEntities(ctx, k, rows); err != nil {
			return nil, err
		}
		if k == kind {
			result.Source = len(rows)
		}
	}
	e.msg("Fetched %d %s from source", result.Source, kind)
	e.Logger.Info("source staged", "kind", kind, "rows", result.Source)

	tgtKind, rows, err := e.fetchTarget(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("fetch target %s: %w", kind, err)
	}
	if tgtKind == "" {
		result.TargetSkipped = true
		return result, nil
	}
	if err := e.Store.ReplaceTargetEntities(ctx, tgtKind, rows); err != nil {
		return nil, err
	}
	result.Target = len(rows)
	e.msg("Fetched %d %s from target", result.Target, tgtKind)
	e.Logger.Info("target snapshot refreshed", "kind", tgtKind, "rows", result.Target)
	return result, nil
}

// fetchSource returns the staging rows to replace, keyed by kind. Kinds
// derived from issues also restage the issues they depend on.
func (e *Extractor) fetchSource(ctx context.Context, kind types.EntityKind) (map[types.EntityKind][]types.SourceEntity, error) {
	one := func(rows []types.SourceEntity, err error) (map[types.EntityKind][]types.SourceEntity, error) {
		if err != nil {
			return nil, err
		}
		return map[types.EntityKind][]types.SourceEntity{kind: rows}, nil
	}

	switch kind {
	case types.KindUser:
		return one(e.Source.Users(ctx))
	case types.KindGroup, types.KindMembership:
		groups, members, err := e.Source.Groups(ctx)
		if kind == types.KindGroup {
			return one(groups, err)
		}
		return one(members, err)
	case types.KindStatus:
		return one(e.Source.Statuses(ctx))
	case types.KindPriority:
		return one(e.Source.Priorities(ctx))
	case types.KindTracker:
		return one(e.Source.IssueTypes(ctx))
	case types.KindTag:
		return one(e.Source.Labels(ctx))
	case types.KindRelation, types.KindAttachment:
		data, err := e.Source.FetchIssueData(ctx)
		if err != nil {
			return nil, err
		}
		out := map[types.EntityKind][]types.SourceEntity{types.KindIssue: data.Issues}
		if kind == types.KindRelation {
			out[kind] = data.Links
		} else {
			out[kind] = data.Attachments
		}
		return out, nil
	default:
		return nil, fmt.Errorf("no extractor for %q", kind)
	}
}

// fetchTarget returns the snapshot kind to replace and its rows. An empty
// kind means the snapshot is left untouched.
func (e *Extractor) fetchTarget(ctx context.Context, kind types.EntityKind) (types.EntityKind, []types.TargetEntity, error) {
	var (
		rows []types.TargetEntity
		err  error
	)
	switch kind {
	case types.KindUser:
		rows, err = e.Target.Users(ctx)
	case types.KindGroup:
		rows, err = e.Target.Groups(ctx)
	case types.KindMembership:
		// Target group snapshots carry their member ids.
		rows, err = e.Target.Groups(ctx)
		return types.KindGroup, rows, err
	case types.KindStatus:
		rows, err = e.Target.Statuses(ctx)
	case types.KindPriority:
		rows, err = e.Target.Priorities(ctx)
	case types.KindTracker:
		rows, err = e.Target.Trackers(ctx)
	case types.KindTag:
		if !e.UseExtendedAPI {
			e.warn("tags snapshot needs the extended API; rerun with --use-extended-api to refresh it")
			return "", nil, nil
		}
		rows, err = e.Target.Tags(ctx)
	case types.KindRelation:
		ids, ierr := e.migratedIssues(ctx)
		if ierr != nil {
			return "", nil, ierr
		}
		rows, err = e.Target.Relations(ctx, ids)
	case types.KindAttachment:
		return "", nil, nil
	default:
		return "", nil, fmt.Errorf("no extractor for %q", kind)
	}
	return kind, rows, err
}

// migratedIssues lists the target ids of issues that already exist there.
func (e *Extractor) migratedIssues(ctx context.Context) ([]int64, error) {
	recs, err := e.Store.ListMappings(ctx, types.KindIssue, storage.MappingFilter{})
	if err != nil {
		return nil, fmt.Errorf("load issue mappings: %w", err)
	}
	fam := types.KindIssue.Family()
	var ids []int64
	for _, m := range recs {
		if m.TargetID != nil && fam.Resolved(m.Status) {
			ids = append(ids, *m.TargetID)
		}
	}
	return ids, nil
}
