// Package transfer moves attachment binaries from the source system to the
// target: a download queue that stages files locally and an upload queue
// that turns them into target upload tokens.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/trackbridge/internal/archive"
	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/normalize"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// MaxNoteLen caps the failure reason stored in a record's notes.
const MaxNoteLen = 500

// Downloader streams a source binary into w.
type Downloader interface {
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Uploader sends a binary to the target and returns its upload token.
type Uploader interface {
	Upload(ctx context.Context, filename string, open func() (io.ReadCloser, error), size int64) (string, error)
}

// Options controls one queue run.
type Options struct {
	// Workers is the pool size; 0 or 1 runs strictly sequentially.
	Workers int
	// Limit caps how many records the queue takes (0 = no limit).
	Limit int
	// Confirm must be set, and DryRun unset, before Upload writes to the
	// target. Downloads only write locally and ignore both.
	Confirm bool
	DryRun  bool
}

// Live reports whether the options allow uploads to the target.
func (o Options) Live() bool {
	return o.Confirm && !o.DryRun
}

// Result tallies one queue run.
type Result struct {
	Previewed int
	Succeeded int
	Failed    int
	Preserved int
}

// Pipeline runs the download and upload queues for attachments.
type Pipeline struct {
	Store  storage.Store
	Source Downloader
	Target Uploader
	// Dir is where downloaded binaries are staged.
	Dir string
	// Archive optionally mirrors each downloaded file.
	Archive archive.BlobStore
	Logger  *slog.Logger

	OnMessage func(msg string)
	OnWarning func(msg string)

	// cbMu serializes callbacks, which workers may invoke concurrently.
	cbMu sync.Mutex
}

// New creates a pipeline staging files under dir.
func New(store storage.Store, source Downloader, target Uploader, dir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{Store: store, Source: source, Target: target, Dir: dir, Logger: logger}
}

func (p *Pipeline) msg(format string, args ...any) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.OnMessage != nil {
		p.OnMessage(fmt.Sprintf(format, args...))
	}
}

func (p *Pipeline) warn(format string, args ...any) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if p.OnWarning != nil {
		p.OnWarning(fmt.Sprintf(format, args...))
	}
}

// step performs the remote work for one record and reports the outcome.
// It must not touch the store.
type step func(ctx context.Context, rec *types.Mapping) types.Outcome

// run selects records in statuses, applies work to each and records every
// outcome through a single serialized completion callback, so sequential
// and pool mode make exactly the same transitions.
func (p *Pipeline) run(ctx context.Context, label string, statuses []types.Status, success types.Status, opts Options, work step) (*Result, error) {
	recs, err := p.Store.ListMappings(ctx, types.KindAttachment, storage.MappingFilter{
		Statuses: statuses,
		Limit:    opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments for %s: %w", label, err)
	}

	result := &Result{}
	var queue []*types.Mapping
	for _, rec := range recs {
		if hashguard.IsOverridden(rec) {
			result.Preserved++
			p.Logger.Info("manual override preserved", "kind", rec.Kind, "source_id", rec.SourceID)
			p.warn("attachment %s was edited by hand; skipping %s", rec.SourceID, label)
			continue
		}
		queue = append(queue, rec)
	}
	if len(queue) == 0 {
		p.msg("No attachments to %s", label)
		return result, nil
	}

	var mu sync.Mutex
	complete := func(rec *types.Mapping, out types.Outcome) error {
		mu.Lock()
		defer mu.Unlock()
		if err := p.record(ctx, rec, out, success); err != nil {
			return err
		}
		if out.OK() {
			result.Succeeded++
		} else {
			result.Failed++
		}
		return nil
	}

	if opts.Workers <= 1 {
		for _, rec := range queue {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := complete(rec, work(ctx, rec)); err != nil {
				return result, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Workers)
		for _, rec := range queue {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return complete(rec, work(gctx, rec))
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
	}

	p.msg("%s: %d succeeded, %d failed, %d preserved", label, result.Succeeded, result.Failed, result.Preserved)
	return result, nil
}

// record applies the transfer transition for out and stamps a fresh hash.
// A failure to persist is returned and aborts the run.
func (p *Pipeline) record(ctx context.Context, rec *types.Mapping, out types.Outcome, success types.Status) error {
	fam := types.TransferFamily
	next := rec.Clone()
	want := fam.Failed
	if out.OK() {
		want = success
		next.LocalPath = out.Record.LocalPath
		next.UploadToken = out.Record.UploadToken
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
	if err := p.Store.UpdateMapping(ctx, next); err != nil {
		return fmt.Errorf("record transfer outcome for attachment %s: %w", rec.SourceID, err)
	}
	if out.OK() {
		p.Logger.Debug("attachment advanced", "source_id", rec.SourceID, "status", status)
	} else {
		p.Logger.Warn("attachment failed", "source_id", rec.SourceID, "error", next.Notes)
		p.warn("attachment %s: %s", rec.SourceID, next.Notes)
	}
	return nil
}
