package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/trackbridge/internal/types"
)

// valuesPage is Jira's paginated envelope for /group/bulk, /label and
// similar endpoints.
type valuesPage struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	IsLast     bool              `json:"isLast"`
	Values     []json.RawMessage `json:"values"`
}

// pageValues walks a values-envelope collection.
func (c *Client) pageValues(ctx context.Context, path string, params url.Values, visit func(json.RawMessage) error) error {
	startAt := 0
	for {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(c.pageSize()))

		var page valuesPage
		if err := c.getJSON(ctx, path, q, &page); err != nil {
			return err
		}
		for _, v := range page.Values {
			if err := visit(v); err != nil {
				return err
			}
		}
		startAt += len(page.Values)
		if page.IsLast || len(page.Values) == 0 || (page.Total > 0 && startAt >= page.Total) {
			return nil
		}
	}
}

// User is a Jira account.
type User struct {
	AccountID    string `json:"accountId"`
	AccountType  string `json:"accountType"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
	Active       bool   `json:"active"`
}

func (u User) entity(fetched time.Time) types.SourceEntity {
	attrs := types.Attrs{
		types.AttrDisplayName: u.DisplayName,
		types.AttrActive:      u.Active,
	}
	if u.EmailAddress != "" {
		attrs[types.AttrMail] = u.EmailAddress
		attrs[types.AttrLogin] = strings.SplitN(u.EmailAddress, "@", 2)[0]
	}
	return types.SourceEntity{
		Kind:      types.KindUser,
		SourceID:  u.AccountID,
		Name:      u.DisplayName,
		Attrs:     attrs,
		FetchedAt: fetched,
	}
}

// Users returns every human account. App and customer accounts are skipped.
func (c *Client) Users(ctx context.Context) ([]types.SourceEntity, error) {
	now := time.Now().UTC()
	var out []types.SourceEntity
	startAt := 0
	for {
		q := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(c.pageSize())},
		}
		var page []User
		if err := c.getJSON(ctx, "/rest/api/3/users/search", q, &page); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, u := range page {
			if u.AccountType != "" && u.AccountType != "atlassian" {
				continue
			}
			out = append(out, u.entity(now))
		}
		if len(page) < c.pageSize() {
			return out, nil
		}
		startAt += len(page)
	}
}

type group struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
}

// Groups returns every group and the memberships between groups and users.
func (c *Client) Groups(ctx context.Context) (groups, memberships []types.SourceEntity, err error) {
	now := time.Now().UTC()
	var all []group
	err = c.pageValues(ctx, "/rest/api/3/group/bulk", nil, func(raw json.RawMessage) error {
		var g group
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("parse group: %w", err)
		}
		all = append(all, g)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list groups: %w", err)
	}

	for _, g := range all {
		groups = append(groups, types.SourceEntity{
			Kind: types.KindGroup, SourceID: g.GroupID, Name: g.Name, FetchedAt: now,
		})
		params := url.Values{"groupId": {g.GroupID}, "includeInactiveUsers": {"true"}}
		err := c.pageValues(ctx, "/rest/api/3/group/member", params, func(raw json.RawMessage) error {
			var u User
			if err := json.Unmarshal(raw, &u); err != nil {
				return fmt.Errorf("parse group member: %w", err)
			}
			memberships = append(memberships, types.SourceEntity{
				Kind:     types.KindMembership,
				SourceID: types.MembershipKey(g.GroupID, u.AccountID),
				Name:     g.Name + " / " + u.DisplayName,
				Attrs: types.Attrs{
					types.AttrGroupID: g.GroupID,
					types.AttrUserID:  u.AccountID,
				},
				FetchedAt: now,
			})
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("list members of %s: %w", g.Name, err)
		}
	}
	return groups, memberships, nil
}

// Statuses returns the workflow statuses with their category key
// ("new", "indeterminate" or "done").
func (c *Client) Statuses(ctx context.Context) ([]types.SourceEntity, error) {
	var rows []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Description    string `json:"description"`
		StatusCategory struct {
			Key string `json:"key"`
		} `json:"statusCategory"`
	}
	if err := c.getJSON(ctx, "/rest/api/3/status", nil, &rows); err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	now := time.Now().UTC()
	out := make([]types.SourceEntity, 0, len(rows))
	for _, r := range rows {
		attrs := types.Attrs{types.AttrCategory: r.StatusCategory.Key}
		if r.Description != "" {
			attrs[types.AttrDescription] = r.Description
		}
		out = append(out, types.SourceEntity{
			Kind: types.KindStatus, SourceID: r.ID, Name: r.Name, Attrs: attrs, FetchedAt: now,
		})
	}
	return out, nil
}

// Priorities returns the priority scheme in display order.
func (c *Client) Priorities(ctx context.Context) ([]types.SourceEntity, error) {
	var rows []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		IsDefault bool   `json:"isDefault"`
	}
	if err := c.getJSON(ctx, "/rest/api/3/priority", nil, &rows); err != nil {
		return nil, fmt.Errorf("list priorities: %w", err)
	}
	now := time.Now().UTC()
	out := make([]types.SourceEntity, 0, len(rows))
	for i, r := range rows {
		out = append(out, types.SourceEntity{
			Kind: types.KindPriority, SourceID: r.ID, Name: r.Name, FetchedAt: now,
			Attrs: types.Attrs{types.AttrPosition: int64(i + 1), types.AttrIsDefault: r.IsDefault},
		})
	}
	return out, nil
}

// IssueTypes returns the issue types as trackers. When a project is
// configured, each type's first workflow status becomes its initial status.
func (c *Client) IssueTypes(ctx context.Context) ([]types.SourceEntity, error) {
	var rows []struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Subtask     bool   `json:"subtask"`
	}
	if err := c.getJSON(ctx, "/rest/api/3/issuetype", nil, &rows); err != nil {
		return nil, fmt.Errorf("list issue types: %w", err)
	}

	initial := map[string]string{}
	if c.Project != "" {
		var flows []struct {
			ID       string `json:"id"`
			Statuses []struct {
				ID string `json:"id"`
			} `json:"statuses"`
		}
		path := "/rest/api/3/project/" + url.PathEscape(c.Project) + "/statuses"
		if err := c.getJSON(ctx, path, nil, &flows); err != nil {
			return nil, fmt.Errorf("list workflow statuses for %s: %w", c.Project, err)
		}
		for _, f := range flows {
			if len(f.Statuses) > 0 {
				initial[f.ID] = f.Statuses[0].ID
			}
		}
	}

	now := time.Now().UTC()
	out := make([]types.SourceEntity, 0, len(rows))
	for _, r := range rows {
		attrs := types.Attrs{}
		if r.Description != "" {
			attrs[types.AttrDescription] = r.Description
		}
		if s, ok := initial[r.ID]; ok {
			attrs[types.AttrInitialStatus] = s
		}
		out = append(out, types.SourceEntity{
			Kind: types.KindTracker, SourceID: r.ID, Name: r.Name, Attrs: attrs, FetchedAt: now,
		})
	}
	return out, nil
}

// Labels returns every label as a tag.
func (c *Client) Labels(ctx context.Context) ([]types.SourceEntity, error) {
	now := time.Now().UTC()
	var out []types.SourceEntity
	err := c.pageValues(ctx, "/rest/api/3/label", nil, func(raw json.RawMessage) error {
		var label string
		if err := json.Unmarshal(raw, &label); err != nil {
			return fmt.Errorf("parse label: %w", err)
		}
		out = append(out, types.SourceEntity{Kind: types.KindTag, SourceID: label, Name: label, FetchedAt: now})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	return out, nil
}

// Issue represents a Jira issue from the REST API, limited to the fields
// needed for links and attachments.
type Issue struct {
	ID     string      `json:"id"`
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// IssueFields contains the fields of a Jira issue.
type IssueFields struct {
	Summary string `json:"summary"`
	Status  *struct {
		Name           string `json:"name"`
		StatusCategory struct {
			Key string `json:"key"`
		} `json:"statusCategory"`
	} `json:"status"`
	Labels      []string     `json:"labels"`
	IssueLinks  []IssueLink  `json:"issuelinks"`
	Attachments []Attachment `json:"attachment"`
}

// IssueLink is one side of a link as seen from the owning issue.
type IssueLink struct {
	ID   string `json:"id"`
	Type struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Inward  string `json:"inward"`
		Outward string `json:"outward"`
	} `json:"type"`
	InwardIssue  *struct{ Key string } `json:"inwardIssue"`
	OutwardIssue *struct{ Key string } `json:"outwardIssue"`
}

// Attachment is a file attached to an issue.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

// SearchResult represents a Jira JQL search response.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// searchFields is the set of fields requested from search.
const searchFields = "summary,status,labels,issuelinks,attachment"

// SearchIssues queries Jira using JQL and returns all matching issues, handling pagination.
func (c *Client) SearchIssues(ctx context.Context, jql string) ([]Issue, error) {
	var allIssues []Issue
	startAt := 0

	for {
		params := url.Values{
			"jql":        {jql},
			"fields":     {searchFields},
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(c.pageSize())},
		}
		var result SearchResult
		if err := c.getJSON(ctx, "/rest/api/3/search", params, &result); err != nil {
			return nil, fmt.Errorf("search issues: %w", err)
		}

		allIssues = append(allIssues, result.Issues...)
		if c.Logger != nil {
			c.Logger.Debug("fetched issue page", "start_at", startAt, "count", len(result.Issues), "total", result.Total)
		}

		if len(result.Issues) == 0 || startAt+len(result.Issues) >= result.Total {
			break
		}
		startAt += len(result.Issues)
	}

	return allIssues, nil
}

// ProjectJQL is the issue query for the configured project.
func (c *Client) ProjectJQL() string {
	if c.Project == "" {
		return "ORDER BY key ASC"
	}
	return fmt.Sprintf("project = %q ORDER BY key ASC", c.Project)
}

// IssueData splits a project's issues into staging rows: the issues
// themselves (relations need to know which are closed), their links
// (each once, oriented along the outward phrase) and their attachments.
type IssueData struct {
	Issues      []types.SourceEntity
	Links       []types.SourceEntity
	Attachments []types.SourceEntity
}

// FetchIssueData runs the project query and converts the result.
func (c *Client) FetchIssueData(ctx context.Context) (*IssueData, error) {
	issues, err := c.SearchIssues(ctx, c.ProjectJQL())
	if err != nil {
		return nil, err
	}
	return ConvertIssues(issues, time.Now().UTC()), nil
}

// ConvertIssues turns search results into staging rows.
func ConvertIssues(issues []Issue, fetched time.Time) *IssueData {
	data := &IssueData{}
	links := map[string]types.SourceEntity{}
	for _, is := range issues {
		closed := is.Fields.Status != nil && is.Fields.Status.StatusCategory.Key == "done"
		data.Issues = append(data.Issues, types.SourceEntity{
			Kind:     types.KindIssue,
			SourceID: is.Key,
			Name:     is.Fields.Summary,
			Attrs: types.Attrs{
				types.AttrIsClosed: closed,
				types.AttrTags:     append([]string(nil), is.Fields.Labels...),
			},
			FetchedAt: fetched,
		})

		for _, l := range is.Fields.IssueLinks {
			var from, to string
			switch {
			case l.OutwardIssue != nil:
				from, to = is.Key, l.OutwardIssue.Key
			case l.InwardIssue != nil:
				from, to = l.InwardIssue.Key, is.Key
			default:
				continue
			}
			id := types.RelationKey(l.ID)
			if _, seen := links[id]; seen {
				continue
			}
			links[id] = types.SourceEntity{
				Kind:     types.KindRelation,
				SourceID: id,
				Name:     from + " " + l.Type.Outward + " " + to,
				Attrs: types.Attrs{
					types.AttrLinkType:  l.Type.Name,
					types.AttrOutward:   l.Type.Outward,
					types.AttrInward:    l.Type.Inward,
					types.AttrFromIssue: from,
					types.AttrToIssue:   to,
				},
				FetchedAt: fetched,
			}
		}

		for _, a := range is.Fields.Attachments {
			data.Attachments = append(data.Attachments, types.SourceEntity{
				Kind:     types.KindAttachment,
				SourceID: a.ID,
				Name:     a.Filename,
				Attrs: types.Attrs{
					types.AttrFilename:    a.Filename,
					types.AttrFilesize:    a.Size,
					types.AttrContentURL:  a.Content,
					types.AttrContentType: a.MimeType,
					types.AttrIssueID:     is.Key,
				},
				FetchedAt: fetched,
			})
		}
	}

	ids := make([]string, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		data.Links = append(data.Links, links[id])
	}
	return data
}
