package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/hashguard"
	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/testutil"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/ui"
)

type env struct {
	dsn    string
	jira   *testutil.MockTrackerServer
	target *testutil.MockTrackerServer
}

// newEnv points a fresh config at two mock trackers and a temp database.
func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	e := &env{
		dsn:    filepath.Join(dir, "trackbridge.db"),
		jira:   testutil.NewMockTrackerServer(),
		target: testutil.NewMockTrackerServer(),
	}
	t.Cleanup(e.jira.Close)
	t.Cleanup(e.target.Close)

	t.Setenv("TRACKBRIDGE_SOURCE_URL", e.jira.URL())
	t.Setenv("TRACKBRIDGE_SOURCE_USERNAME", "migrator@example.com")
	t.Setenv("TRACKBRIDGE_SOURCE_API_TOKEN", "token")
	t.Setenv("TRACKBRIDGE_TARGET_URL", e.target.URL())
	t.Setenv("TRACKBRIDGE_TARGET_API_KEY", "key")
	t.Setenv("TRACKBRIDGE_DATABASE_DSN", e.dsn)
	t.Setenv("TRACKBRIDGE_RETRY_BASE_DELAY", "1ms")
	t.Setenv("TRACKBRIDGE_OTEL_ENABLED", "")
	return e
}

func (e *env) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *env) store(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: e.dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (e *env) serveStatuses() {
	e.jira.SetResponse(http.MethodGet, "/rest/api/3/status", http.StatusOK, []map[string]any{
		{"id": "1", "name": "Open", "statusCategory": map[string]any{"key": "new"}},
		{"id": "3", "name": "In Review", "statusCategory": map[string]any{"key": "indeterminate"}},
	})
	e.target.SetResponse(http.MethodGet, "/issue_statuses.json", http.StatusOK, map[string]any{
		"issue_statuses": []map[string]any{{"id": 1, "name": "open", "is_closed": false}},
	})
	e.target.SetResponseWithHeaders(http.MethodGet, "/extended_api/issue_statuses.json", http.StatusOK,
		map[string]any{"issue_statuses": []any{}}, map[string]string{redmine.ExtendedAPIHeader: "1"})
	e.target.SetResponse(http.MethodPost, "/extended_api/issue_statuses.json", http.StatusCreated,
		map[string]any{"issue_status": map[string]any{"id": 7, "name": "In Review"}})
}

func TestSelectPhases(t *testing.T) {
	tests := []struct {
		name    string
		kind    types.EntityKind
		only    []string
		skip    []string
		want    []string
		wantErr bool
	}{
		{name: "all", kind: types.KindStatus, want: []string{"extract", "map", "transform", "push"}},
		{name: "attachments", kind: types.KindAttachment, want: []string{"extract", "map", "download", "upload"}},
		{name: "only keeps run order", kind: types.KindTag, only: []string{"push", "extract"}, want: []string{"extract", "push"}},
		{name: "skip", kind: types.KindUser, skip: []string{"extract"}, want: []string{"map", "transform", "push"}},
		{name: "push is not an attachment phase", kind: types.KindAttachment, only: []string{"push"}, wantErr: true},
		{name: "nothing left", kind: types.KindGroup, only: []string{"map"}, skip: []string{"map"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectPhases(tt.kind, tt.only, tt.skip)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusesEndToEnd(t *testing.T) {
	e := newEnv(t)
	e.serveStatuses()

	// Without --confirm-push nothing is written to the target.
	out, err := e.execute(t, "statuses", "--use-extended-api")
	require.NoError(t, err)
	assert.Contains(t, out, "EXTRACT STATUSES")
	assert.Contains(t, out, "previewed")
	assert.Empty(t, e.target.RequestsTo(http.MethodPost, "/extended_api/issue_statuses.json"))

	_, err = e.execute(t, "statuses", "--phases", "push", "--confirm-push", "--use-extended-api")
	require.NoError(t, err)
	assert.Len(t, e.target.RequestsTo(http.MethodPost, "/extended_api/issue_statuses.json"), 1)

	s := e.store(t)
	m, err := s.GetMapping(context.Background(), types.KindStatus, "1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusMatchFound, m.Status)
	assert.Equal(t, int64(1), m.Target())

	m, err = s.GetMapping(context.Background(), types.KindStatus, "3")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCreationSuccess, m.Status)
	assert.Equal(t, int64(7), m.Target())

	out, err = e.execute(t, "report", "statuses", "--since", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUSES")
	assert.Contains(t, out, "CREATION_SUCCESS")
	assert.Contains(t, out, "MATCH_FOUND")
}

func TestLocalPhasesNeedNoCredentials(t *testing.T) {
	e := newEnv(t)
	t.Setenv("TRACKBRIDGE_SOURCE_API_TOKEN", "")

	_, err := e.execute(t, "priorities", "--phases", "map,transform")
	require.NoError(t, err)

	_, err = e.execute(t, "priorities", "--phases", "extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRACKBRIDGE_SOURCE_API_TOKEN")
}

func TestUnknownPhase(t *testing.T) {
	_, err := newEnv(t).execute(t, "tags", "--phases", "download")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown phase "download"`)
}

func TestResetFailed(t *testing.T) {
	e := newEnv(t)
	s := e.store(t)
	rec := &types.Mapping{Kind: types.KindGroup, SourceID: "g1", Status: types.StatusCreationFailed, Notes: "HTTP 422: Name has already been taken"}
	hashguard.Stamp(rec)
	require.NoError(t, s.InsertMapping(context.Background(), rec))
	require.NoError(t, s.Close())

	if !ui.IsInputTerminal() {
		_, err := e.execute(t, "reset", "groups", "--failed")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--yes")
	}

	out, err := e.execute(t, "reset", "groups", "--failed", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued")

	m, err := e.store(t).GetMapping(context.Background(), types.KindGroup, "g1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingAnalysis, m.Status)
	assert.Empty(t, m.Notes)
}

func TestAttachmentUploadNeedsConfirm(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(t.TempDir(), "10_notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	s := e.store(t)
	rec := &types.Mapping{Kind: types.KindAttachment, SourceID: "10", Status: types.StatusPendingUpload, LocalPath: path,
		Proposed: types.Attrs{types.AttrFilename: "notes.txt"}}
	hashguard.Stamp(rec)
	require.NoError(t, s.InsertMapping(context.Background(), rec))
	require.NoError(t, s.Close())
	e.target.SetResponse(http.MethodPost, "/uploads.json", http.StatusCreated, map[string]any{"upload": map[string]any{"token": "10.abc"}})

	for _, args := range [][]string{
		{"attachments", "--phases", "upload"},
		{"attachments", "--phases", "upload", "--confirm-push", "--dry-run"},
	} {
		out, err := e.execute(t, args...)
		require.NoError(t, err)
		assert.Contains(t, out, "Would POST /uploads.json for 10 (notes.txt, 5 bytes)")
		assert.Empty(t, e.target.RequestsTo(http.MethodPost, "/uploads.json"))
	}

	_, err := e.execute(t, "attachments", "--phases", "upload", "--confirm-push")
	require.NoError(t, err)
	assert.Len(t, e.target.RequestsTo(http.MethodPost, "/uploads.json"), 1)

	m, err := e.store(t).GetMapping(context.Background(), types.KindAttachment, "10")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingAssociation, m.Status)
	assert.Equal(t, "10.abc", m.UploadToken)
}

func TestResetNeedsAnAction(t *testing.T) {
	_, err := newEnv(t).execute(t, "reset", "groups")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--failed")
}

func TestReportRejectsBadSince(t *testing.T) {
	_, err := newEnv(t).execute(t, "report", "--since", "banana")
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	e := newEnv(t)
	e.serveStatuses()
	out, err := e.execute(t, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "Extended API available")

	e.target.Reset()
	e.target.SetResponse(http.MethodGet, "/extended_api/issue_statuses.json", http.StatusNotFound, map[string]any{})
	out, err = e.execute(t, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "not available")
}
