package redmine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/trackbridge/internal/types"
)

// pageSize is the page size for offset-paginated collections.
const pageSize = 100

// listPaged walks an offset-paginated collection and hands each page's
// array under key to visit.
func (c *Client) listPaged(ctx context.Context, path, key string, visit func(json.RawMessage) error) error {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := c.Get(ctx, fmt.Sprintf("%s%soffset=%d&limit=%d", path, sep, offset, pageSize))
		if err != nil {
			return fmt.Errorf("list %s: %w", key, err)
		}
		var page map[string]json.RawMessage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return fmt.Errorf("decode %s page: %w", key, err)
		}
		var items []json.RawMessage
		if raw, ok := page[key]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}
		for _, item := range items {
			if err := visit(item); err != nil {
				return err
			}
		}
		var total int
		if raw, ok := page["total_count"]; ok {
			_ = json.Unmarshal(raw, &total)
		}
		offset += len(items)
		if len(items) == 0 || total == 0 || offset >= total {
			return nil
		}
	}
}

// listAll fetches an unpaginated collection.
func (c *Client) listAll(ctx context.Context, path, key string, into any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("list %s: %w", key, err)
	}
	var page map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	raw, ok := page[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

type namedRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Users returns every user in the target.
func (c *Client) Users(ctx context.Context) ([]types.TargetEntity, error) {
	var out []types.TargetEntity
	err := c.listPaged(ctx, "/users.json?status=", "users", func(raw json.RawMessage) error {
		var u struct {
			ID        int64  `json:"id"`
			Login     string `json:"login"`
			Firstname string `json:"firstname"`
			Lastname  string `json:"lastname"`
			Mail      string `json:"mail"`
		}
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("decode user: %w", err)
		}
		out = append(out, types.TargetEntity{
			Kind: types.KindUser,
			ID:   u.ID,
			Name: u.Login,
			Attrs: types.Attrs{
				types.AttrLogin:     u.Login,
				types.AttrMail:      u.Mail,
				types.AttrFirstname: u.Firstname,
				types.AttrLastname:  u.Lastname,
			},
		})
		return nil
	})
	return out, err
}

// Groups returns every group with its member user ids.
func (c *Client) Groups(ctx context.Context) ([]types.TargetEntity, error) {
	var groups []namedRef
	err := c.listPaged(ctx, "/groups.json", "groups", func(raw json.RawMessage) error {
		var g namedRef
		if err := json.Unmarshal(raw, &g); err != nil {
			return fmt.Errorf("decode group: %w", err)
		}
		groups = append(groups, g)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.TargetEntity, 0, len(groups))
	for _, g := range groups {
		resp, err := c.Get(ctx, fmt.Sprintf("/groups/%d.json?include=users", g.ID))
		if err != nil {
			return nil, fmt.Errorf("get group %d: %w", g.ID, err)
		}
		var detail struct {
			Group struct {
				Users []namedRef `json:"users"`
			} `json:"group"`
		}
		if err := json.Unmarshal(resp.Body, &detail); err != nil {
			return nil, fmt.Errorf("decode group %d: %w", g.ID, err)
		}
		members := make([]string, 0, len(detail.Group.Users))
		for _, u := range detail.Group.Users {
			members = append(members, strconv.FormatInt(u.ID, 10))
		}
		out = append(out, types.TargetEntity{
			Kind:  types.KindGroup,
			ID:    g.ID,
			Name:  g.Name,
			Attrs: types.Attrs{types.AttrUserIDs: members},
		})
	}
	return out, nil
}

// Statuses returns the issue statuses.
func (c *Client) Statuses(ctx context.Context) ([]types.TargetEntity, error) {
	var rows []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		IsClosed bool   `json:"is_closed"`
	}
	if err := c.listAll(ctx, "/issue_statuses.json", "issue_statuses", &rows); err != nil {
		return nil, err
	}
	out := make([]types.TargetEntity, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.TargetEntity{
			Kind: types.KindStatus, ID: r.ID, Name: r.Name,
			Attrs: types.Attrs{types.AttrIsClosed: r.IsClosed},
		})
	}
	return out, nil
}

// Priorities returns the issue priority enumeration.
func (c *Client) Priorities(ctx context.Context) ([]types.TargetEntity, error) {
	var rows []struct {
		ID        int64  `json:"id"`
		Name      string `json:"name"`
		IsDefault bool   `json:"is_default"`
	}
	if err := c.listAll(ctx, "/enumerations/issue_priorities.json", "issue_priorities", &rows); err != nil {
		return nil, err
	}
	out := make([]types.TargetEntity, 0, len(rows))
	for i, r := range rows {
		out = append(out, types.TargetEntity{
			Kind: types.KindPriority, ID: r.ID, Name: r.Name,
			Attrs: types.Attrs{types.AttrIsDefault: r.IsDefault, types.AttrPosition: int64(i + 1)},
		})
	}
	return out, nil
}

// Trackers returns the trackers with their default status.
func (c *Client) Trackers(ctx context.Context) ([]types.TargetEntity, error) {
	var rows []struct {
		ID            int64     `json:"id"`
		Name          string    `json:"name"`
		Description   string    `json:"description"`
		DefaultStatus *namedRef `json:"default_status"`
	}
	if err := c.listAll(ctx, "/trackers.json", "trackers", &rows); err != nil {
		return nil, err
	}
	out := make([]types.TargetEntity, 0, len(rows))
	for _, r := range rows {
		attrs := types.Attrs{}
		if r.Description != "" {
			attrs[types.AttrDescription] = r.Description
		}
		if r.DefaultStatus != nil {
			attrs[types.AttrDefaultStatus] = r.DefaultStatus.ID
		}
		out = append(out, types.TargetEntity{Kind: types.KindTracker, ID: r.ID, Name: r.Name, Attrs: attrs})
	}
	return out, nil
}

// Tags returns the tags known to the extended API.
func (c *Client) Tags(ctx context.Context) ([]types.TargetEntity, error) {
	var rows []namedRef
	if err := c.listAll(ctx, c.ExtendedPath("/tags.json"), "tags", &rows); err != nil {
		return nil, err
	}
	out := make([]types.TargetEntity, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.TargetEntity{Kind: types.KindTag, ID: r.ID, Name: r.Name})
	}
	return out, nil
}

// Relations returns the relations attached to the given target issues.
// Each relation appears once even when both of its issues are listed.
func (c *Client) Relations(ctx context.Context, issueIDs []int64) ([]types.TargetEntity, error) {
	seen := make(map[int64]bool)
	var out []types.TargetEntity
	for _, id := range issueIDs {
		var rows []struct {
			ID           int64  `json:"id"`
			IssueID      int64  `json:"issue_id"`
			IssueToID    int64  `json:"issue_to_id"`
			RelationType string `json:"relation_type"`
		}
		if err := c.listAll(ctx, fmt.Sprintf("/issues/%d/relations.json", id), "relations", &rows); err != nil {
			if types.StatusCodeOf(err) == 404 {
				continue
			}
			return nil, err
		}
		for _, r := range rows {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, types.TargetEntity{
				Kind: types.KindRelation,
				ID:   r.ID,
				Name: fmt.Sprintf("%d %s %d", r.IssueID, r.RelationType, r.IssueToID),
				Attrs: types.Attrs{
					types.AttrIssueID:      r.IssueID,
					types.AttrIssueToID:    r.IssueToID,
					types.AttrRelationType: r.RelationType,
				},
			})
		}
	}
	return out, nil
}
