package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/types"
)

// Upload runs the upload queue: PENDING_UPLOAD records are sent to the
// target and move to PENDING_ASSOCIATION with their upload token. A missing
// or empty local file fails without a remote call. Unless opts is live, it
// only lists what would be sent and writes nothing.
func (p *Pipeline) Upload(ctx context.Context, opts Options) (*Result, error) {
	if !opts.Live() {
		return p.previewUploads(ctx, opts)
	}
	if p.Target == nil {
		return nil, errors.New("no target client configured for uploads")
	}
	return p.run(ctx, "upload",
		[]types.Status{types.StatusPendingUpload},
		types.StatusPendingAssociation, opts,
		p.uploadOne)
}

func (p *Pipeline) uploadOne(ctx context.Context, rec *types.Mapping) types.Outcome {
	if rec.LocalPath == "" {
		return types.Fail(rec.SourceID, types.NewError(types.ErrData, "attachment has no local file"))
	}
	info, err := os.Stat(rec.LocalPath)
	if err != nil {
		return types.Fail(rec.SourceID, types.NewError(types.ErrData, "local file %s is missing", rec.LocalPath))
	}
	if info.Size() == 0 {
		return types.Fail(rec.SourceID, types.NewError(types.ErrData, "local file %s is empty", rec.LocalPath))
	}
	open := func() (io.ReadCloser, error) { return os.Open(rec.LocalPath) }
	token, err := p.Target.Upload(ctx, uploadName(rec), open, info.Size())
	if err != nil {
		return types.Fail(rec.SourceID, classify(err))
	}

	out := rec.Clone()
	out.UploadToken = token
	return types.Ok(out)
}

// previewUploads reports each upload a live run would make. It makes no
// remote call and leaves every record untouched.
func (p *Pipeline) previewUploads(ctx context.Context, opts Options) (*Result, error) {
	recs, err := p.Store.ListMappings(ctx, types.KindAttachment, storage.MappingFilter{
		Statuses: []types.Status{types.StatusPendingUpload},
		Limit:    opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments for upload: %w", err)
	}
	result := &Result{}
	for _, rec := range recs {
		if hashguard.IsOverridden(rec) {
			result.Preserved++
			continue
		}
		size := "missing"
		if info, err := os.Stat(rec.LocalPath); err == nil && rec.LocalPath != "" {
			size = fmt.Sprintf("%d bytes", info.Size())
		}
		p.msg("[dry-run] Would POST /uploads.json for %s (%s, %s)", rec.SourceID, uploadName(rec), size)
		result.Previewed++
	}
	if result.Previewed == 0 {
		p.msg("No attachments to upload")
		return result, nil
	}
	p.msg("[dry-run] %d attachments would be uploaded; rerun with --confirm-push to write", result.Previewed)
	return result, nil
}

func uploadName(rec *types.Mapping) string {
	if name := rec.Proposed.String(types.AttrFilename); name != "" {
		return name
	}
	return filepath.Base(rec.LocalPath)
}
