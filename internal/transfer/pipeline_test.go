package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/archive"
	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/retry"
	"github.com/steveyegge/trackbridge/internal/storage"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/testutil"
	"github.com/steveyegge/trackbridge/internal/types"
)

type fixture struct {
	store  *sqlstore.Store
	source *testutil.MockTrackerServer
	target *testutil.MockTrackerServer
	dir    string
	p      *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	src := testutil.NewMockTrackerServer()
	t.Cleanup(src.Close)
	tgt := testutil.NewMockTrackerServer()
	t.Cleanup(tgt.Close)

	policy := retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	jc := jira.NewClient(src.URL(), "me", "token")
	jc.Retry = policy
	rc := redmine.NewClient(tgt.URL(), "key")
	rc.Retry = policy

	dir := filepath.Join(t.TempDir(), "files")
	return &fixture{store: s, source: src, target: tgt, dir: dir, p: New(s, jc, rc, dir, nil)}
}

func (f *fixture) seed(t *testing.T, rec *types.Mapping) {
	t.Helper()
	rec.Kind = types.KindAttachment
	hashguard.Stamp(rec)
	require.NoError(t, f.store.InsertMapping(context.Background(), rec))
}

func (f *fixture) seedPending(t *testing.T, id, filename string) {
	t.Helper()
	f.seed(t, &types.Mapping{
		SourceID:     id,
		Status:       types.StatusPendingDownload,
		ProposedName: filename,
		Proposed: types.Attrs{
			types.AttrFilename:   filename,
			types.AttrContentURL: f.source.URL() + "/secure/attachment/" + id,
		},
	})
}

func (f *fixture) get(t *testing.T, id string) *types.Mapping {
	t.Helper()
	m, err := f.store.GetMapping(context.Background(), types.KindAttachment, id)
	require.NoError(t, err)
	return m
}

func TestDownloadPoolWithMissingFiles(t *testing.T) {
	f := newFixture(t)
	missing := map[string]bool{"a03": true, "a07": true}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("a%02d", i)
		f.seedPending(t, id, "report "+id+".txt")
		if missing[id] {
			f.source.SetResponse(http.MethodGet, "/secure/attachment/"+id, http.StatusNotFound,
				map[string]any{"errorMessages": []string{"attachment not found"}})
			continue
		}
		f.source.SetResponse(http.MethodGet, "/secure/attachment/"+id, http.StatusOK, "content of "+id)
	}

	res, err := f.p.Download(context.Background(), Options{Workers: 4})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	counts, err := f.store.CountByStatus(context.Background(), types.KindAttachment)
	require.NoError(t, err)
	assert.Equal(t, 8, counts[types.StatusPendingUpload])
	assert.Equal(t, 2, counts[types.StatusFailed])

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("a%02d", i)
		m := f.get(t, id)
		path := filepath.Join(f.dir, LocalName(id, "report "+id+".txt"))
		if missing[id] {
			assert.Equal(t, types.StatusFailed, m.Status)
			assert.Contains(t, m.Notes, "HTTP 404")
			assert.Empty(t, m.LocalPath)
			assert.NoFileExists(t, path)
			continue
		}
		assert.Equal(t, types.StatusPendingUpload, m.Status)
		assert.True(t, filepath.IsAbs(m.LocalPath))
		assert.Equal(t, path, m.LocalPath)
		data, err := os.ReadFile(m.LocalPath)
		require.NoError(t, err)
		assert.Equal(t, "content of "+id, string(data))
		assert.False(t, hashguard.IsOverridden(m))
	}

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 8)
}

func TestSequentialAndPoolAgree(t *testing.T) {
	outcome := func(workers int) map[string]types.Status {
		f := newFixture(t)
		for _, id := range []string{"1", "2", "3", "4", "5"} {
			f.seedPending(t, id, id+".bin")
			code := http.StatusOK
			if id == "2" || id == "5" {
				code = http.StatusInternalServerError
			}
			f.source.SetResponse(http.MethodGet, "/secure/attachment/"+id, code, "x")
		}
		_, err := f.p.Download(context.Background(), Options{Workers: workers})
		require.NoError(t, err)
		out := map[string]types.Status{}
		for _, id := range []string{"1", "2", "3", "4", "5"} {
			out[id] = f.get(t, id).Status
		}
		return out
	}
	assert.Equal(t, outcome(1), outcome(3))
}

func TestDownloadRetriesFailedRecords(t *testing.T) {
	f := newFixture(t)
	f.seedPending(t, "9", "a.txt")
	f.source.SetResponse(http.MethodGet, "/secure/attachment/9", http.StatusBadGateway, "")
	_, err := f.p.Download(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, f.get(t, "9").Status)

	f.source.SetResponse(http.MethodGet, "/secure/attachment/9", http.StatusOK, "ok")
	_, err = f.p.Download(context.Background(), Options{})
	require.NoError(t, err)
	m := f.get(t, "9")
	assert.Equal(t, types.StatusPendingUpload, m.Status)
	assert.Empty(t, m.Notes)
}

func TestDownloadLimit(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"1", "2", "3"} {
		f.seedPending(t, id, id+".txt")
		f.source.SetResponse(http.MethodGet, "/secure/attachment/"+id, http.StatusOK, "x")
	}
	res, err := f.p.Download(context.Background(), Options{Limit: 2, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, types.StatusPendingDownload, f.get(t, "3").Status)
}

func TestMissingContentURL(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &types.Mapping{SourceID: "1", Status: types.StatusPendingDownload, ProposedName: "x"})
	_, err := f.p.Download(context.Background(), Options{})
	require.NoError(t, err)
	m := f.get(t, "1")
	assert.Equal(t, types.StatusFailed, m.Status)
	assert.Contains(t, m.Notes, "no content URL")
	assert.Equal(t, 0, f.source.GetRequestCount())
}

func TestDownloadMirrorsToArchive(t *testing.T) {
	f := newFixture(t)
	store := archive.NewLocalStore(t.TempDir())
	f.p.Archive = store
	f.seedPending(t, "1", "a.txt")
	f.source.SetResponse(http.MethodGet, "/secure/attachment/1", http.StatusOK, "mirrored")

	_, err := f.p.Download(context.Background(), Options{})
	require.NoError(t, err)
	data, err := store.Get(context.Background(), "attachments/"+LocalName("1", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mirrored", string(data))
}

type brokenArchive struct{ archive.BlobStore }

func (brokenArchive) Put(context.Context, string, io.ReadSeeker) error {
	return errors.New("bucket unreachable")
}

func TestArchiveFailureOnlyWarns(t *testing.T) {
	f := newFixture(t)
	f.p.Archive = brokenArchive{}
	var warnings []string
	f.p.OnWarning = func(msg string) { warnings = append(warnings, msg) }
	f.seedPending(t, "1", "a.txt")
	f.source.SetResponse(http.MethodGet, "/secure/attachment/1", http.StatusOK, "x")

	res, err := f.p.Download(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "bucket unreachable")
}

func TestUploadQueue(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	good := filepath.Join(f.dir, "1_a.txt")
	empty := filepath.Join(f.dir, "2_b.txt")
	require.NoError(t, os.WriteFile(good, []byte("payload"), 0o600))
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	f.seed(t, &types.Mapping{SourceID: "1", Status: types.StatusPendingUpload, LocalPath: good,
		Proposed: types.Attrs{types.AttrFilename: "a.txt"}})
	f.seed(t, &types.Mapping{SourceID: "2", Status: types.StatusPendingUpload, LocalPath: empty})
	f.seed(t, &types.Mapping{SourceID: "3", Status: types.StatusPendingUpload, LocalPath: filepath.Join(f.dir, "nope")})

	f.target.SetResponse(http.MethodPost, "/uploads.json", http.StatusCreated, map[string]any{"upload": map[string]any{"token": "1.abc"}})

	res, err := f.p.Upload(context.Background(), Options{Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	ok := f.get(t, "1")
	assert.Equal(t, types.StatusPendingAssociation, ok.Status)
	assert.Equal(t, "1.abc", ok.UploadToken)
	assert.Equal(t, good, ok.LocalPath)

	assert.Contains(t, f.get(t, "2").Notes, "empty")
	assert.Contains(t, f.get(t, "3").Notes, "missing")

	reqs := f.target.RequestsTo(http.MethodPost, "/uploads.json")
	require.Len(t, reqs, 1)
	assert.Equal(t, []byte("payload"), reqs[0].Body)
	assert.Equal(t, "filename=a.txt", reqs[0].Query)
}

func TestUploadWithoutConfirmOnlyPreviews(t *testing.T) {
	for _, opts := range []Options{
		{},
		{DryRun: true},
		{Confirm: true, DryRun: true},
	} {
		f := newFixture(t)
		require.NoError(t, os.MkdirAll(f.dir, 0o755))
		path := filepath.Join(f.dir, "1_a.txt")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
		f.seed(t, &types.Mapping{SourceID: "1", Status: types.StatusPendingUpload, LocalPath: path,
			Proposed: types.Attrs{types.AttrFilename: "a.txt"}})
		before := f.get(t, "1")

		var msgs []string
		f.p.OnMessage = func(m string) { msgs = append(msgs, m) }
		res, err := f.p.Upload(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Previewed)
		assert.Zero(t, res.Succeeded)
		assert.Zero(t, f.target.GetRequestCount())

		after := f.get(t, "1")
		assert.Equal(t, types.StatusPendingUpload, after.Status)
		assert.Equal(t, before.AutomationHash, after.AutomationHash)
		assert.Equal(t, before.LastUpdatedAt, after.LastUpdatedAt)
		require.NotEmpty(t, msgs)
		assert.Equal(t, "[dry-run] Would POST /uploads.json for 1 (a.txt, 5 bytes)", msgs[0])
	}
}

func TestUploadRetryResendsWholeFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	path := filepath.Join(f.dir, "1_a.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))
	f.seed(t, &types.Mapping{SourceID: "1", Status: types.StatusPendingUpload, LocalPath: path})
	f.target.SetRateLimit(1, "")
	f.target.SetResponse(http.MethodPost, "/uploads.json", http.StatusCreated, map[string]any{"upload": map[string]any{"token": "1.abc"}})

	res, err := f.p.Upload(context.Background(), Options{Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	reqs := f.target.RequestsTo(http.MethodPost, "/uploads.json")
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, []byte("payload"), r.Body)
	}
}

func TestUploadFailureKeepsLocalFile(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	path := filepath.Join(f.dir, "1_a.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))
	f.seed(t, &types.Mapping{SourceID: "1", Status: types.StatusPendingUpload, LocalPath: path})
	f.target.SetResponse(http.MethodPost, "/uploads.json", http.StatusRequestEntityTooLarge,
		map[string]any{"errors": []string{"This file cannot be uploaded because it exceeds the maximum allowed file size"}})

	_, err := f.p.Upload(context.Background(), Options{Confirm: true})
	require.NoError(t, err)
	m := f.get(t, "1")
	assert.Equal(t, types.StatusFailed, m.Status)
	assert.Contains(t, m.Notes, "HTTP 413")
	assert.Equal(t, path, m.LocalPath)
	assert.FileExists(t, path)
}

func TestUploadLimitWithPool(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	var calls atomic.Int32
	f.target.Handle(http.MethodPost, "/uploads.json", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		testutil.WriteJSON(w, http.StatusCreated, map[string]any{"upload": map[string]any{"token": fmt.Sprintf("t%d", n)}})
	})
	for _, id := range []string{"1", "2", "3", "4"} {
		path := filepath.Join(f.dir, id)
		require.NoError(t, os.WriteFile(path, []byte(id), 0o600))
		f.seed(t, &types.Mapping{SourceID: id, Status: types.StatusPendingUpload, LocalPath: path})
	}

	res, err := f.p.Upload(context.Background(), Options{Workers: 4, Limit: 3, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, types.StatusPendingUpload, f.get(t, "4").Status)
}

func TestOverriddenAttachmentIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedPending(t, "1", "a.txt")
	m := f.get(t, "1")
	m.Notes = "do not migrate"
	require.NoError(t, f.store.UpdateMapping(ctx, m))

	res, err := f.p.Download(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Preserved)
	assert.Equal(t, 0, f.source.GetRequestCount())
}

type failingStore struct{ storage.Store }

func (failingStore) UpdateMapping(context.Context, *types.Mapping) error {
	return errors.New("database is gone")
}

func TestOutcomeWriteFailureAbortsPool(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"1", "2", "3"} {
		f.seedPending(t, id, id+".txt")
		f.source.SetResponse(http.MethodGet, "/secure/attachment/"+id, http.StatusOK, "x")
	}
	f.p.Store = failingStore{f.store}
	_, err := f.p.Download(context.Background(), Options{Workers: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is gone")
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"report final.pdf", "report_final.pdf"},
		{"../../etc/passwd", "etc_passwd"},
		{"__weird__name--.txt", "weird_name.txt"},
		{"ünïcödé.png", "n_c_d.png"},
		{"", "attachment"},
		{"...", "attachment"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
	assert.Equal(t, "10042_a_b.txt", LocalName("10042", "a b.txt"))
}
