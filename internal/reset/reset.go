// Package reset provides the operator-driven ways of putting mapping records
// back under automation. This package is CLI-agnostic and returns errors for
// the CLI to handle.
package reset

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// ImpactSummary describes what a requeue would touch.
type ImpactSummary struct {
	Failed int
	// Overridden failed records are hand-edited and will be left alone.
	Overridden int
}

// Result contains the results of a requeue.
type Result struct {
	Requeued  int
	Preserved int
	// ByStatus counts where the requeued records went.
	ByStatus map[types.Status]int
}

// CountImpact counts the failed records of kind.
func CountImpact(ctx context.Context, store storage.Store, kind types.EntityKind) (*ImpactSummary, error) {
	recs, err := failed(ctx, store, kind)
	if err != nil {
		return nil, err
	}
	summary := &ImpactSummary{}
	for _, rec := range recs {
		if hashguard.IsOverridden(rec) {
			summary.Overridden++
			continue
		}
		summary.Failed++
	}
	return summary, nil
}

func failed(ctx context.Context, store storage.Store, kind types.EntityKind) ([]*types.Mapping, error) {
	recs, err := store.ListMappings(ctx, kind, storage.MappingFilter{
		Statuses: []types.Status{kind.Family().Failed},
	})
	if err != nil {
		return nil, fmt.Errorf("list failed %s: %w", kind, err)
	}
	return recs, nil
}

// RequeueStatus is where a failed record goes on reset. Attachments whose
// binary is still on disk only need the upload retried.
func RequeueStatus(rec *types.Mapping) types.Status {
	fam := rec.Kind.Family()
	if fam != types.TransferFamily || rec.LocalPath == "" {
		return fam.Requeue
	}
	if info, err := os.Stat(rec.LocalPath); err == nil && info.Size() > 0 {
		return types.StatusPendingUpload
	}
	return fam.Requeue
}

// Requeue moves every failed record of kind to its requeue status with the
// failure note cleared and a fresh hash. Hand-edited records are skipped.
func Requeue(ctx context.Context, store storage.Store, kind types.EntityKind, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	recs, err := failed(ctx, store, kind)
	if err != nil {
		return nil, err
	}

	fam := kind.Family()
	result := &Result{ByStatus: make(map[types.Status]int)}
	for _, rec := range recs {
		if hashguard.IsOverridden(rec) {
			result.Preserved++
			logger.Info("manual override preserved", "kind", kind, "source_id", rec.SourceID)
			continue
		}
		next := rec.Clone()
		status, err := fam.Transition(rec.Status, RequeueStatus(rec))
		if err != nil {
			return result, err
		}
		next.Status = status
		next.Notes = ""
		if status == fam.Requeue && fam == types.TransferFamily {
			next.LocalPath = ""
		}
		hashguard.Stamp(next)
		if err := store.UpdateMapping(ctx, next); err != nil {
			return result, fmt.Errorf("requeue %s %s: %w", kind, rec.SourceID, err)
		}
		result.Requeued++
		result.ByStatus[status]++
		logger.Debug("record requeued", "kind", kind, "source_id", rec.SourceID, "status", status)
	}
	return result, nil
}

// ClearHash accepts a record's current, possibly hand-edited, state as the
// engine's own by rehashing it. It reports whether the record was overridden
// before.
func ClearHash(ctx context.Context, store storage.Store, kind types.EntityKind, sourceID string) (bool, error) {
	rec, err := store.GetMapping(ctx, kind, sourceID)
	if err != nil {
		return false, err
	}
	wasOverridden := hashguard.IsOverridden(rec)
	hashguard.Stamp(rec)
	if err := store.UpdateMapping(ctx, rec); err != nil {
		return wasOverridden, fmt.Errorf("rehash %s %s: %w", kind, sourceID, err)
	}
	return wasOverridden, nil
}
