// Package resolver classifies mapping records against the target snapshot.
//
// A Transform pass builds per-kind lookup state once, then evaluates every
// eligible record in source_id order. Each record moves through at most one
// transition per pass and is only written when its owned state changes.
// Records whose automation hash shows a manual edit are preserved untouched.
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/vocab"
)

// Rule resolves the records of one kind.
type Rule interface {
	// Prepare loads the snapshot index and dependency tables for a run.
	Prepare(ctx context.Context, env *Env) error
	// Resolve computes the new state for rec. src is the staged source row.
	Resolve(rec *types.Mapping, src *types.SourceEntity) Decision
}

// Env is what rules may read while preparing.
type Env struct {
	Store storage.Store
	Vocab *vocab.Vocabulary
}

// Mappings loads every record of kind keyed by source id.
func (e *Env) Mappings(ctx context.Context, kind types.EntityKind) (map[string]*types.Mapping, error) {
	recs, err := e.Store.ListMappings(ctx, kind, storage.MappingFilter{})
	if err != nil {
		return nil, fmt.Errorf("load %s mappings: %w", kind, err)
	}
	out := make(map[string]*types.Mapping, len(recs))
	for _, m := range recs {
		out[m.SourceID] = m
	}
	return out, nil
}

// Staged loads the staged source rows of kind keyed by source id.
func (e *Env) Staged(ctx context.Context, kind types.EntityKind) (map[string]*types.SourceEntity, error) {
	rows, err := e.Store.SourceEntities(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.SourceEntity, len(rows))
	for i := range rows {
		out[rows[i].SourceID] = &rows[i]
	}
	return out, nil
}

// Stats tracks what one Transform pass did.
type Stats struct {
	Evaluated int // eligible records looked at
	Updated   int // records written with a new state
	Unchanged int // eligible records whose state was already current
	Preserved int // records skipped because of a manual edit
	Skipped   int // records not in an eligible status
	// ByStatus counts the resulting status of every evaluated record.
	ByStatus map[types.Status]int
}

// Options tune a Transform pass.
type Options struct {
	// Limit caps the number of eligible records evaluated; zero is no cap.
	Limit int
}

// Engine runs Transform passes.
type Engine struct {
	Store  storage.Store
	Vocab  *vocab.Vocabulary
	Logger *slog.Logger

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	registry *Registry
}

// NewEngine creates an engine using the global rule registry.
func NewEngine(store storage.Store, v *vocab.Vocabulary, logger *slog.Logger) *Engine {
	if v == nil {
		v = vocab.Default()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{Store: store, Vocab: v, Logger: logger, registry: globalRegistry}
}

func (e *Engine) msg(format string, args ...any) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Engine) warn(format string, args ...any) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}

// Transform re-evaluates every eligible record of kind.
func (e *Engine) Transform(ctx context.Context, kind types.EntityKind, opts Options) (*Stats, error) {
	family := kind.Family()
	rule, err := e.registry.NewRule(kind)
	if err != nil {
		return nil, err
	}

	env := &Env{Store: e.Store, Vocab: e.Vocab}
	if err := rule.Prepare(ctx, env); err != nil {
		return nil, fmt.Errorf("prepare %s resolution: %w", kind, err)
	}
	staged, err := env.Staged(ctx, kind)
	if err != nil {
		return nil, err
	}
	records, err := e.Store.ListMappings(ctx, kind, storage.MappingFilter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[types.Status]int)}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !family.Eligible(rec.Status) {
			stats.Skipped++
			continue
		}
		if opts.Limit > 0 && stats.Evaluated >= opts.Limit {
			break
		}
		stats.Evaluated++

		if hashguard.IsOverridden(rec) {
			stats.Preserved++
			stats.ByStatus[rec.Status]++
			e.Logger.Info("manual override preserved", "kind", kind, "source_id", rec.SourceID, "status", rec.Status)
			e.warn("%s %s was edited by hand; left untouched", kind.Singular(), rec.SourceID)
			continue
		}

		var d Decision
		if src, ok := staged[rec.SourceID]; ok {
			d = rule.Resolve(rec, src)
		} else {
			d = manual("source %s %s is missing from staging", kind.Singular(), rec.SourceID)
		}

		if _, err := family.Transition(rec.Status, d.Status); err != nil {
			return stats, fmt.Errorf("%s %s: %w", kind, rec.SourceID, err)
		}
		next := apply(rec, d)
		stats.ByStatus[next.Status]++

		if hashguard.SameOwnedState(rec, next) {
			stats.Unchanged++
			continue
		}
		hashguard.Stamp(next)
		if err := e.Store.UpdateMapping(ctx, next); err != nil {
			return stats, err
		}
		stats.Updated++
		e.Logger.Debug("mapping resolved", "kind", kind, "source_id", rec.SourceID,
			"from", rec.Status, "to", next.Status, "notes", next.Notes)
		if next.Status.NeedsAttention() {
			e.msg("%s %s → %s: %s", kind.Singular(), rec.SourceID, next.Status, next.Notes)
		}
	}
	return stats, nil
}
