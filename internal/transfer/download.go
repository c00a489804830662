package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/steveyegge/trackbridge/internal/types"
)

var (
	disallowed = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	repeated   = regexp.MustCompile(`[_.-]{2,}`)
)

// Sanitize turns an arbitrary file name into a safe local one: runs of
// disallowed characters become one underscore and separators are stripped
// from both ends.
func Sanitize(name string) string {
	s := disallowed.ReplaceAllString(name, "_")
	s = repeated.ReplaceAllStringFunc(s, func(m string) string {
		if strings.Contains(m, ".") {
			return "."
		}
		return m[:1]
	})
	s = strings.Trim(s, "._-")
	if s == "" {
		return "attachment"
	}
	return s
}

// LocalName is the staged file name for an attachment.
func LocalName(sourceID, filename string) string {
	return Sanitize(sourceID) + "_" + Sanitize(filename)
}

// Download runs the download queue: PENDING_DOWNLOAD and FAILED records are
// streamed to Dir and move to PENDING_UPLOAD with an absolute local path.
func (p *Pipeline) Download(ctx context.Context, opts Options) (*Result, error) {
	if p.Source == nil {
		return nil, errors.New("no source client configured for downloads")
	}
	dir, err := filepath.Abs(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	return p.run(ctx, "download",
		[]types.Status{types.StatusPendingDownload, types.StatusFailed},
		types.StatusPendingUpload, opts,
		func(ctx context.Context, rec *types.Mapping) types.Outcome {
			return p.downloadOne(ctx, dir, rec)
		})
}

func (p *Pipeline) downloadOne(ctx context.Context, dir string, rec *types.Mapping) types.Outcome {
	url := rec.Proposed.String(types.AttrContentURL)
	if url == "" {
		return types.Fail(rec.SourceID, types.NewError(types.ErrData, "attachment has no content URL"))
	}
	filename := rec.Proposed.String(types.AttrFilename)
	if filename == "" {
		filename = rec.ProposedName
	}
	path := filepath.Join(dir, LocalName(rec.SourceID, filename))

	f, err := os.Create(path)
	if err != nil {
		return types.Fail(rec.SourceID, types.NewError(types.ErrPermanent, "create %s: %v", path, err))
	}
	n, err := p.Source.Download(ctx, url, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return types.Fail(rec.SourceID, classify(err))
	}

	if want := rec.Proposed.Int(types.AttrFilesize); want > 0 && n != want {
		p.Logger.Warn("attachment size differs from source metadata",
			"source_id", rec.SourceID, "expected", want, "got", n)
	}
	p.mirror(ctx, rec.SourceID, path)

	out := rec.Clone()
	out.LocalPath = path
	out.UploadToken = ""
	return types.Ok(out)
}

// mirror copies a downloaded file to the archive. Failures only warn.
func (p *Pipeline) mirror(ctx context.Context, sourceID, path string) {
	if p.Archive == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		p.warn("archive attachment %s: %v", sourceID, err)
		return
	}
	defer f.Close()
	key := "attachments/" + filepath.Base(path)
	if err := p.Archive.Put(ctx, key, f); err != nil {
		p.Logger.Warn("archive mirror failed", "source_id", sourceID, "error", err)
		p.warn("archive attachment %s: %v", sourceID, err)
	}
}

func classify(err error) *types.Error {
	var te *types.Error
	if errors.As(err, &te) {
		return te
	}
	return &types.Error{Kind: types.ErrPermanent, Message: err.Error()}
}
