package snapshot

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/retry"
	"github.com/steveyegge/trackbridge/internal/storage/sqlstore"
	"github.com/steveyegge/trackbridge/internal/testutil"
	"github.com/steveyegge/trackbridge/internal/types"
)

type fixture struct {
	store  *sqlstore.Store
	source *testutil.MockTrackerServer
	target *testutil.MockTrackerServer
	ex     *Extractor
	warns  []string
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

	jc := jira.NewClient(src.URL(), "me@example.com", "token")
	jc.Retry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	rc := redmine.NewClient(tgt.URL(), "key")
	rc.Retry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}

	f := &fixture{store: s, source: src, target: tgt}
	f.ex = NewExtractor(s, jc, rc, nil)
	f.ex.OnWarning = func(msg string) { f.warns = append(f.warns, msg) }
	return f
}

func TestExtractStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.SetResponse(http.MethodGet, "/rest/api/3/status", http.StatusOK, []map[string]any{
		{"id": "1", "name": "Open", "statusCategory": map[string]any{"key": "new"}},
		{"id": "6", "name": "Done", "statusCategory": map[string]any{"key": "done"}},
	})
	f.target.SetResponse(http.MethodGet, "/issue_statuses.json", http.StatusOK, map[string]any{
		"issue_statuses": []map[string]any{{"id": 1, "name": "New", "is_closed": false}},
	})

	res, err := f.ex.Extract(ctx, types.KindStatus)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Source)
	assert.Equal(t, 1, res.Target)

	staged, err := f.store.SourceEntities(ctx, types.KindStatus)
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, "done", staged[1].Attrs.String(types.AttrCategory))

	snap, err := f.store.TargetEntities(ctx, types.KindStatus)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "New", snap[0].Name)
}

func TestExtractReplacesStaleStaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.ReplaceSourceEntities(ctx, types.KindTag, []types.SourceEntity{{SourceID: "gone", Name: "gone"}}))
	f.source.SetResponse(http.MethodGet, "/rest/api/3/label", http.StatusOK, map[string]any{"isLast": true, "values": []string{"backend"}})

	_, err := f.ex.Extract(ctx, types.KindTag)
	require.NoError(t, err)

	staged, err := f.store.SourceEntities(ctx, types.KindTag)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, "backend", staged[0].SourceID)
}

func TestExtractTagsNeedsExtendedAPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.SetResponse(http.MethodGet, "/rest/api/3/label", http.StatusOK, map[string]any{"isLast": true, "values": []string{"ui"}})
	f.target.SetResponse(http.MethodGet, "/extended_api/tags.json", http.StatusOK, map[string]any{
		"tags": []map[string]any{{"id": 4, "name": "UI"}},
	})

	res, err := f.ex.Extract(ctx, types.KindTag)
	require.NoError(t, err)
	assert.True(t, res.TargetSkipped)
	assert.Zero(t, f.target.GetRequestCount())
	require.Len(t, f.warns, 1)
	assert.Contains(t, f.warns[0], "--use-extended-api")

	f.ex.UseExtendedAPI = true
	res, err = f.ex.Extract(ctx, types.KindTag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Target)
	snap, err := f.store.TargetEntities(ctx, types.KindTag)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(4), snap[0].ID)
}

func TestExtractMembershipsRefreshesGroupSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.SetResponse(http.MethodGet, "/rest/api/3/group/bulk", http.StatusOK, map[string]any{
		"isLast": true, "values": []map[string]any{{"groupId": "g-1", "name": "devs"}},
	})
	f.source.SetResponse(http.MethodGet, "/rest/api/3/group/member", http.StatusOK, map[string]any{
		"isLast": true, "values": []map[string]any{{"accountId": "a1"}},
	})
	f.target.SetResponse(http.MethodGet, "/groups.json", http.StatusOK, map[string]any{
		"groups": []map[string]any{{"id": 7, "name": "devs"}}, "total_count": 1,
	})
	f.target.SetResponse(http.MethodGet, "/groups/7.json", http.StatusOK, map[string]any{
		"group": map[string]any{"id": 7, "users": []map[string]any{{"id": 3}}},
	})

	res, err := f.ex.Extract(ctx, types.KindMembership)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Source)

	staged, err := f.store.SourceEntities(ctx, types.KindMembership)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, types.MembershipKey("g-1", "a1"), staged[0].SourceID)

	groups, err := f.store.TargetEntities(ctx, types.KindGroup)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"3"}, groups[0].Attrs.Strings(types.AttrUserIDs))
}

func TestExtractRelationsStagesIssuesAndReadsMigratedRelations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.SetResponse(http.MethodGet, "/rest/api/3/search", http.StatusOK, map[string]any{
		"total": 2,
		"issues": []map[string]any{
			{"id": "1", "key": "P-1", "fields": map[string]any{
				"summary": "one",
				"issuelinks": []map[string]any{{
					"id":           "7",
					"type":         map[string]any{"name": "Blocks", "inward": "is blocked by", "outward": "blocks"},
					"outwardIssue": map[string]any{"key": "P-2"},
				}},
			}},
			{"id": "2", "key": "P-2", "fields": map[string]any{
				"summary": "two",
				"status":  map[string]any{"name": "Done", "statusCategory": map[string]any{"key": "done"}},
			}},
		},
	})
	// Only P-1 has been migrated to the target.
	require.NoError(t, f.store.InsertMapping(ctx, &types.Mapping{
		Kind: types.KindIssue, SourceID: "P-1", Status: types.StatusCreationSuccess, TargetID: types.Int64Ptr(101),
	}))
	require.NoError(t, f.store.InsertMapping(ctx, &types.Mapping{
		Kind: types.KindIssue, SourceID: "P-2", Status: types.StatusPendingAnalysis,
	}))
	f.target.SetResponse(http.MethodGet, "/issues/101/relations.json", http.StatusOK, map[string]any{
		"relations": []map[string]any{{"id": 900, "issue_id": 101, "issue_to_id": 55, "relation_type": "relates"}},
	})

	res, err := f.ex.Extract(ctx, types.KindRelation)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Source)
	assert.Equal(t, 1, res.Target)

	issues, err := f.store.SourceEntities(ctx, types.KindIssue)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.True(t, issues[1].Attrs.Bool(types.AttrIsClosed))

	links, err := f.store.SourceEntities(ctx, types.KindRelation)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "P-1", links[0].Attrs.String(types.AttrFromIssue))

	assert.Len(t, f.target.RequestsTo(http.MethodGet, "/issues/101/relations.json"), 1)
	assert.Equal(t, 1, f.target.GetRequestCount())
}

func TestExtractAttachmentsHasNoTargetSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.SetResponse(http.MethodGet, "/rest/api/3/search", http.StatusOK, map[string]any{
		"total": 1,
		"issues": []map[string]any{{"id": "1", "key": "P-1", "fields": map[string]any{
			"summary": "one",
			"attachment": []map[string]any{{
				"id": "10", "filename": "log.txt", "size": 4, "mimeType": "text/plain",
				"content": "https://jira.example.com/secure/attachment/10/log.txt",
			}},
		}}},
	})

	res, err := f.ex.Extract(ctx, types.KindAttachment)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Source)
	assert.True(t, res.TargetSkipped)
	assert.Zero(t, f.target.GetRequestCount())

	rows, err := f.store.SourceEntities(ctx, types.KindAttachment)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "log.txt", rows[0].Attrs.String(types.AttrFilename))
}

func TestExtractSourceErrorIsWrapped(t *testing.T) {
	f := newFixture(t)
	f.source.SetResponse(http.MethodGet, "/rest/api/3/priority", http.StatusUnauthorized, map[string]any{
		"errorMessages": []string{"bad token"},
	})
	_, err := f.ex.Extract(context.Background(), types.KindPriority)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch source priorities")
	assert.Contains(t, err.Error(), "bad token")
}

func TestExtractUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.ex.Extract(context.Background(), types.KindIssue)
	assert.ErrorContains(t, err, "no extractor")
}
