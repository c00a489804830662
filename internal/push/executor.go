// Package push writes ready mapping records to the target system and
// records each outcome on the record.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/normalize"
	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// MaxNoteLen caps the failure text stored in a record's notes.
const MaxNoteLen = 500

// Options controls one push run.
type Options struct {
	// Confirm must be set, and DryRun unset, for any remote write to happen.
	Confirm bool
	DryRun  bool
	// Limit caps how many records are processed (0 = no limit).
	Limit int
	// UseExtendedAPI allows kinds that need the extended API plugin.
	UseExtendedAPI bool
}

// Live reports whether the options allow remote writes.
func (o Options) Live() bool {
	return o.Confirm && !o.DryRun
}

// Result tallies one push run.
type Result struct {
	Previewed int
	Succeeded int
	Failed    int
	Preserved int
}

// Executor pushes ready records of one kind at a time.
type Executor struct {
	Store  storage.Store
	Client *redmine.Client
	Logger *slog.Logger
	// Out receives preview payloads (default os.Stdout).
	Out io.Writer

	OnMessage func(msg string)
	OnWarning func(msg string)

	probed      bool
	extendedErr error
}

// NewExecutor creates an executor.
func NewExecutor(store storage.Store, client *redmine.Client, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{Store: store, Client: client, Logger: logger, Out: os.Stdout}
}

func (e *Executor) msg(format string, args ...any) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (e *Executor) warn(format string, args ...any) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
}

// Push processes every record of kind in the family's ready status, ordered
// by source id. Only a failure to persist an outcome aborts the run.
func (e *Executor) Push(ctx context.Context, kind types.EntityKind, opts Options) (*Result, error) {
	ep, ok := endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("no push endpoint for %s", kind)
	}
	fam := kind.Family()
	recs, err := e.Store.ListMappings(ctx, kind, storage.MappingFilter{
		Statuses: []types.Status{fam.Ready},
		Limit:    opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list %s ready for push: %w", kind, err)
	}
	result := &Result{}
	if len(recs) == 0 {
		e.msg("No %s in %s", kind, fam.Ready)
		return result, nil
	}

	if !opts.Live() {
		for _, rec := range recs {
			if err := e.preview(ep, rec); err != nil {
				return result, err
			}
			result.Previewed++
		}
		e.msg("[dry-run] %d %s would be pushed; rerun with --confirm-push to write", result.Previewed, kind)
		return result, nil
	}

	var unavailable error
	if ep.extended {
		unavailable = e.extendedAvailable(ctx, opts)
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if hashguard.IsOverridden(rec) {
			result.Preserved++
			e.Logger.Info("manual override preserved", "kind", kind, "source_id", rec.SourceID)
			e.warn("%s %s was edited by hand; not pushing", kind.Singular(), rec.SourceID)
			continue
		}

		var out types.Outcome
		if unavailable != nil {
			out = types.Fail(rec.SourceID, types.NewError(types.ErrPermanent, "%v", unavailable))
		} else {
			out = e.pushOne(ctx, ep, rec)
		}
		if err := e.record(ctx, rec, out); err != nil {
			return result, err
		}
		if out.OK() {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	e.msg("Pushed %s: %d succeeded, %d failed, %d preserved", kind, result.Succeeded, result.Failed, result.Preserved)
	return result, nil
}

// preview prints the exact request a live run would send.
func (e *Executor) preview(ep endpoint, rec *types.Mapping) error {
	path, err := ep.resolvePath(e.Client, rec)
	if err != nil {
		e.warn("%s: %v", rec.SourceID, err)
		return nil
	}
	payload, err := ep.payload(rec)
	if err != nil {
		e.warn("%s: %v", rec.SourceID, err)
		return nil
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", rec.SourceID, err)
	}
	out := e.Out
	if out == nil {
		out = os.Stdout
	}
	_, err = fmt.Fprintf(out, "[dry-run] Would POST %s for %s\n%s\n", path, rec.SourceID, data)
	return err
}

// extendedAvailable returns nil when the extended API may be used, else the
// reason it may not. The probe runs once per executor.
func (e *Executor) extendedAvailable(ctx context.Context, opts Options) error {
	if !opts.UseExtendedAPI {
		return errors.New("extended API disabled; rerun with --use-extended-api")
	}
	if e.probed {
		return e.extendedErr
	}
	e.probed = true
	ok, err := e.Client.ProbeExtendedAPI(ctx)
	switch {
	case err != nil:
		e.extendedErr = fmt.Errorf("extended API probe failed: %w", err)
	case !ok:
		e.extendedErr = fmt.Errorf("extended API not available at %s (no %s header)",
			e.Client.ExtendedPath(""), redmine.ExtendedAPIHeader)
	}
	if e.extendedErr != nil {
		e.warn("%v", e.extendedErr)
	}
	return e.extendedErr
}

// pushOne performs the single remote call for rec. An exhausted 429 budget
// comes back as a failed outcome, not an error, so the run continues.
func (e *Executor) pushOne(ctx context.Context, ep endpoint, rec *types.Mapping) types.Outcome {
	path, err := ep.resolvePath(e.Client, rec)
	if err != nil {
		return types.Fail(rec.SourceID, classify(err))
	}
	payload, err := ep.payload(rec)
	if err != nil {
		return types.Fail(rec.SourceID, classify(err))
	}

	resp, err := e.Client.PostJSON(ctx, path, payload)
	if err != nil {
		te := classify(err)
		if ep.benign != nil && ep.benign(te) {
			e.Logger.Debug("treating known-benign failure as success", "source_id", rec.SourceID, "error", te)
			if id := ep.targetID(rec); id != 0 {
				return types.Ok(succeeded(rec, id))
			}
		}
		return types.Fail(rec.SourceID, te)
	}

	id, idErr := ep.createdID(rec, resp)
	if idErr != nil {
		return types.Fail(rec.SourceID, idErr)
	}
	return types.Ok(succeeded(rec, id))
}

func succeeded(rec *types.Mapping, id int64) *types.Mapping {
	out := rec.Clone()
	out.TargetID = types.Int64Ptr(id)
	return out
}

// classify turns any error into a *types.Error, keeping an existing
// classification.
func classify(err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	return &types.Error{Kind: types.ErrPermanent, Message: err.Error()}
}

// record persists an outcome: the family's success or failure terminal, the
// target id or a capped note, and a fresh automation hash.
func (e *Executor) record(ctx context.Context, rec *types.Mapping, out types.Outcome) error {
	fam := rec.Kind.Family()
	next := rec.Clone()
	want := fam.Failed
	if out.OK() {
		want = fam.Success
		next.TargetID = out.Record.TargetID
		next.Notes = ""
	} else {
		next.Notes = normalize.Truncate(out.Err.Error(), MaxNoteLen)
	}
	status, err := fam.Transition(rec.Status, want)
	if err != nil {
		return err
	}
	next.Status = status
	hashguard.Stamp(next)
	if err := e.Store.UpdateMapping(ctx, next); err != nil {
		return fmt.Errorf("record push outcome for %s %s: %w", rec.Kind.Singular(), rec.SourceID, err)
	}

	if out.OK() {
		e.Logger.Info("pushed", "kind", rec.Kind, "source_id", rec.SourceID, "target_id", next.Target())
	} else {
		e.Logger.Warn("push failed", "kind", rec.Kind, "source_id", rec.SourceID, "error", next.Notes)
		e.warn("%s %s: %s", rec.Kind.Singular(), rec.SourceID, next.Notes)
	}
	return nil
}
