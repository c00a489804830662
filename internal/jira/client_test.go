package jira

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/retry"
	"github.com/steveyegge/trackbridge/internal/testutil"
	"github.com/steveyegge/trackbridge/internal/types"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockTrackerServer) {
	t.Helper()
	srv := testutil.NewMockTrackerServer()
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL(), "me@example.com", "token")
	c.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return c, srv
}

func TestUsersPagesAndSkipsApps(t *testing.T) {
	c, srv := newTestClient(t)
	c.PageSize = 2
	srv.Handle(http.MethodGet, "/rest/api/3/users/search", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("startAt") {
		case "0":
			testutil.WriteJSON(w, http.StatusOK, []map[string]any{
				{"accountId": "a1", "accountType": "atlassian", "displayName": "Ada Lovelace", "emailAddress": "ada@example.com", "active": true},
				{"accountId": "bot", "accountType": "app", "displayName": "Automation"},
			})
		default:
			testutil.WriteJSON(w, http.StatusOK, []map[string]any{
				{"accountId": "b2", "accountType": "atlassian", "displayName": "Bob"},
			})
		}
	})

	users, err := c.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a1", users[0].SourceID)
	assert.Equal(t, "ada", users[0].Attrs.String(types.AttrLogin))
	assert.Equal(t, "ada@example.com", users[0].Attrs.String(types.AttrMail))
	assert.Equal(t, "b2", users[1].SourceID)
	assert.Empty(t, users[1].Attrs.String(types.AttrMail))

	reqs := srv.RequestsTo(http.MethodGet, "/rest/api/3/users/search")
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].Headers.Get("Authorization"), "Basic ")
}

func TestGroupsAndMembers(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse(http.MethodGet, "/rest/api/3/group/bulk", http.StatusOK, map[string]any{
		"isLast": true,
		"values": []map[string]any{{"groupId": "g-1", "name": "devs"}},
	})
	srv.SetResponse(http.MethodGet, "/rest/api/3/group/member", http.StatusOK, map[string]any{
		"isLast": true,
		"values": []map[string]any{{"accountId": "a1", "displayName": "Ada"}, {"accountId": "b2", "displayName": "Bob"}},
	})

	groups, members, err := c.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "devs", groups[0].Name)
	require.Len(t, members, 2)
	assert.Equal(t, types.MembershipKey("g-1", "a1"), members[0].SourceID)
	assert.Equal(t, "g-1", members[0].Attrs.String(types.AttrGroupID))
	assert.Equal(t, "b2", members[1].Attrs.String(types.AttrUserID))

	reqs := srv.RequestsTo(http.MethodGet, "/rest/api/3/group/member")
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Query, "groupId=g-1")
}

func TestStatusesCarryCategory(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse(http.MethodGet, "/rest/api/3/status", http.StatusOK, []map[string]any{
		{"id": "1", "name": "Open", "statusCategory": map[string]any{"key": "new"}},
		{"id": "6", "name": "Closed", "statusCategory": map[string]any{"key": "done"}},
	})

	rows, err := c.Statuses(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "done", rows[1].Attrs.String(types.AttrCategory))
}

func TestIssueTypesUseProjectWorkflow(t *testing.T) {
	c, srv := newTestClient(t)
	c.Project = "PROJ"
	srv.SetResponse(http.MethodGet, "/rest/api/3/issuetype", http.StatusOK, []map[string]any{
		{"id": "10001", "name": "Bug", "description": "A problem"},
		{"id": "10002", "name": "Epic"},
	})
	srv.SetResponse(http.MethodGet, "/rest/api/3/project/PROJ/statuses", http.StatusOK, []map[string]any{
		{"id": "10001", "statuses": []map[string]any{{"id": "1"}, {"id": "3"}}},
	})

	rows, err := c.IssueTypes(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[0].Attrs.String(types.AttrInitialStatus))
	assert.Equal(t, "A problem", rows[0].Attrs.String(types.AttrDescription))
	assert.Empty(t, rows[1].Attrs.String(types.AttrInitialStatus))
}

func TestPrioritiesArePositioned(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse(http.MethodGet, "/rest/api/3/priority", http.StatusOK, []map[string]any{
		{"id": "1", "name": "Highest"},
		{"id": "3", "name": "Medium", "isDefault": true},
	})
	rows, err := c.Priorities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows[1].Attrs.Int(types.AttrPosition))
	assert.True(t, rows[1].Attrs.Bool(types.AttrIsDefault))
}

func TestLabelsPaginate(t *testing.T) {
	c, srv := newTestClient(t)
	srv.Handle(http.MethodGet, "/rest/api/3/label", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startAt") == "0" {
			testutil.WriteJSON(w, http.StatusOK, map[string]any{"isLast": false, "values": []string{"backend"}})
			return
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"isLast": true, "values": []string{"ui"}})
	})
	rows, err := c.Labels(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ui", rows[1].SourceID)
}

func TestRateLimitedSearchIsRetried(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetRateLimit(1, "0")
	srv.SetResponse(http.MethodGet, "/rest/api/3/search", http.StatusOK, map[string]any{
		"total":  1,
		"issues": []map[string]any{{"id": "1", "key": "P-1", "fields": map[string]any{"summary": "one"}}},
	})

	issues, err := c.SearchIssues(context.Background(), "project = P")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 2, srv.GetRequestCount())
}

func TestErrorMessages(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse(http.MethodGet, "/rest/api/3/status", http.StatusForbidden, map[string]any{
		"errorMessages": []string{"You do not have permission"},
		"errors":        map[string]string{"project": "unknown"},
	})
	_, err := c.Statuses(context.Background())
	require.Error(t, err)
	assert.Equal(t, 403, types.StatusCodeOf(err))
	assert.Contains(t, err.Error(), "HTTP 403: You do not have permission; project: unknown")
}

func TestConvertIssuesOrientsAndDeduplicatesLinks(t *testing.T) {
	link := func(id, inward, outward string) IssueLink {
		var l IssueLink
		l.ID = id
		l.Type.Name = "Blocks"
		l.Type.Inward = "is blocked by"
		l.Type.Outward = "blocks"
		if inward != "" {
			l.InwardIssue = &struct{ Key string }{Key: inward}
		}
		if outward != "" {
			l.OutwardIssue = &struct{ Key string }{Key: outward}
		}
		return l
	}
	p1 := Issue{Key: "P-1", Fields: IssueFields{Summary: "one", IssueLinks: []IssueLink{link("7", "", "P-2")}}}
	p2 := Issue{Key: "P-2", Fields: IssueFields{
		Summary:    "two",
		IssueLinks: []IssueLink{link("7", "P-1", "")},
		Attachments: []Attachment{
			{ID: "10", Filename: "log.txt", Size: 4, MimeType: "text/plain", Content: "https://x/secure/attachment/10/log.txt"},
		},
	}}

	data := ConvertIssues([]Issue{p1, p2}, time.Now())
	require.Len(t, data.Issues, 2)
	require.Len(t, data.Links, 1)
	l := data.Links[0]
	assert.Equal(t, "link-7", l.SourceID)
	assert.Equal(t, "P-1", l.Attrs.String(types.AttrFromIssue))
	assert.Equal(t, "P-2", l.Attrs.String(types.AttrToIssue))
	assert.Equal(t, "blocks", l.Attrs.String(types.AttrOutward))

	require.Len(t, data.Attachments, 1)
	a := data.Attachments[0]
	assert.Equal(t, "P-2", a.Attrs.String(types.AttrIssueID))
	assert.Equal(t, int64(4), a.Attrs.Int(types.AttrFilesize))
}

func TestDownload(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse(http.MethodGet, "/secure/attachment/10/log.txt", http.StatusOK, "hello")
	srv.SetResponse(http.MethodGet, "/secure/attachment/11/gone.txt", http.StatusNotFound, "")

	var buf bytes.Buffer
	n, err := c.Download(context.Background(), srv.URL()+"/secure/attachment/10/log.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "hello", buf.String())

	// Relative content paths resolve against the instance URL.
	buf.Reset()
	_, err = c.Download(context.Background(), "/secure/attachment/10/log.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())

	_, err = c.Download(context.Background(), fmt.Sprintf("%s/secure/attachment/11/gone.txt", srv.URL()), &buf)
	require.Error(t, err)
	assert.Equal(t, 404, types.StatusCodeOf(err))
}

func TestMissingToken(t *testing.T) {
	c := NewClient("https://example.atlassian.net", "", "")
	_, err := c.Users(context.Background())
	assert.ErrorContains(t, err, "API token not configured")
}
