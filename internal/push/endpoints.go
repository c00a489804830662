package push

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steveyegge/trackbridge/internal/redmine"
	"github.com/steveyegge/trackbridge/internal/types"
)

// endpoint describes how one entity kind is written to the target.
type endpoint struct {
	// extended endpoints live under the extended API prefix.
	extended bool
	path     func(rec *types.Mapping) (string, error)
	payload  func(rec *types.Mapping) (any, error)
	// key is the response object that carries the created id. An empty key
	// means the endpoint answers without a body and the target id is
	// taken from the payload instead.
	key      string
	targetID func(rec *types.Mapping) int64
	// benign reports whether a failed call actually left the target in the
	// desired state.
	benign func(err *types.Error) bool
}

func fixed(path string) func(*types.Mapping) (string, error) {
	return func(*types.Mapping) (string, error) { return path, nil }
}

func name(rec *types.Mapping) (string, error) {
	if strings.TrimSpace(rec.ProposedName) == "" {
		return "", types.NewError(types.ErrData, "record has no proposed name")
	}
	return rec.ProposedName, nil
}

var endpoints = map[types.EntityKind]endpoint{
	types.KindUser: {
		path: fixed("/users.json"),
		key:  "user",
		payload: func(rec *types.Mapping) (any, error) {
			login := rec.Proposed.String(types.AttrLogin)
			if login == "" {
				login = rec.ProposedName
			}
			mail := rec.Proposed.String(types.AttrMail)
			if login == "" || mail == "" {
				return nil, types.NewError(types.ErrData, "user needs a login and an email address")
			}
			return map[string]any{"user": map[string]any{
				"login":             login,
				"firstname":         rec.Proposed.String(types.AttrFirstname),
				"lastname":          rec.Proposed.String(types.AttrLastname),
				"mail":              mail,
				"generate_password": true,
			}}, nil
		},
	},
	types.KindGroup: {
		path: fixed("/groups.json"),
		key:  "group",
		payload: func(rec *types.Mapping) (any, error) {
			n, err := name(rec)
			if err != nil {
				return nil, err
			}
			return map[string]any{"group": map[string]any{"name": n}}, nil
		},
	},
	types.KindMembership: {
		path: func(rec *types.Mapping) (string, error) {
			gid := rec.Proposed.Int(types.AttrGroupID)
			if gid == 0 {
				return "", types.NewError(types.ErrData, "membership has no target group id")
			}
			return fmt.Sprintf("/groups/%d/users.json", gid), nil
		},
		payload: func(rec *types.Mapping) (any, error) {
			uid := rec.Proposed.Int(types.AttrUserID)
			if uid == 0 {
				return nil, types.NewError(types.ErrData, "membership has no target user id")
			}
			return map[string]any{"user_id": uid}, nil
		},
		targetID: func(rec *types.Mapping) int64 { return rec.Proposed.Int(types.AttrUserID) },
		benign: func(err *types.Error) bool {
			msg := strings.ToLower(err.Message)
			return err.StatusCode == 422 && strings.Contains(msg, "already") && strings.Contains(msg, "group")
		},
	},
	types.KindRelation: {
		path: func(rec *types.Mapping) (string, error) {
			from := rec.Proposed.Int(types.AttrIssueID)
			if from == 0 {
				return "", types.NewError(types.ErrData, "relation has no target issue id")
			}
			return fmt.Sprintf("/issues/%d/relations.json", from), nil
		},
		key: "relation",
		payload: func(rec *types.Mapping) (any, error) {
			to := rec.Proposed.Int(types.AttrIssueToID)
			typ := rec.Proposed.String(types.AttrRelationType)
			if to == 0 || typ == "" {
				return nil, types.NewError(types.ErrData, "relation needs a target issue and a relation type")
			}
			rel := map[string]any{"issue_to_id": to, "relation_type": typ}
			if d := rec.Proposed.Int(types.AttrDelay); d != 0 {
				rel["delay"] = d
			}
			return map[string]any{"relation": rel}, nil
		},
	},
	types.KindStatus: {
		extended: true,
		path:     fixed("/issue_statuses.json"),
		key:      "issue_status",
		payload: func(rec *types.Mapping) (any, error) {
			n, err := name(rec)
			if err != nil {
				return nil, err
			}
			return map[string]any{"issue_status": map[string]any{
				"name":      n,
				"is_closed": rec.Proposed.Bool(types.AttrIsClosed),
			}}, nil
		},
	},
	types.KindPriority: {
		extended: true,
		path:     fixed("/enumerations/issue_priorities.json"),
		key:      "issue_priority",
		payload: func(rec *types.Mapping) (any, error) {
			n, err := name(rec)
			if err != nil {
				return nil, err
			}
			p := map[string]any{
				"name":       n,
				"is_default": rec.Proposed.Bool(types.AttrIsDefault),
				"active":     true,
			}
			if pos := rec.Proposed.Int(types.AttrPosition); pos > 0 {
				p["position"] = pos
			}
			return map[string]any{"issue_priority": p}, nil
		},
	},
	types.KindTracker: {
		extended: true,
		path:     fixed("/trackers.json"),
		key:      "tracker",
		payload: func(rec *types.Mapping) (any, error) {
			n, err := name(rec)
			if err != nil {
				return nil, err
			}
			status := rec.Proposed.Int(types.AttrDefaultStatus)
			if status == 0 {
				return nil, types.NewError(types.ErrData, "tracker has no default status")
			}
			t := map[string]any{"name": n, "default_status_id": status}
			if d := rec.Proposed.String(types.AttrDescription); d != "" {
				t["description"] = d
			}
			return map[string]any{"tracker": t}, nil
		},
	},
	types.KindTag: {
		extended: true,
		path:     fixed("/tags.json"),
		key:      "tag",
		payload: func(rec *types.Mapping) (any, error) {
			n, err := name(rec)
			if err != nil {
				return nil, err
			}
			return map[string]any{"tag": map[string]any{"name": n}}, nil
		},
	},
}

// Kinds returns the kinds that have a push endpoint.
func Kinds() []types.EntityKind {
	var out []types.EntityKind
	for _, k := range types.AllKinds {
		if _, ok := endpoints[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// resolvePath returns the full request path, applying the extended prefix.
func (ep endpoint) resolvePath(c *redmine.Client, rec *types.Mapping) (string, error) {
	p, err := ep.path(rec)
	if err != nil {
		return "", err
	}
	if ep.extended {
		return c.ExtendedPath(p), nil
	}
	return p, nil
}

// createdID extracts the new entity's id from a creation response.
func (ep endpoint) createdID(rec *types.Mapping, resp *redmine.Response) (int64, *types.Error) {
	if ep.key == "" {
		if id := ep.targetID(rec); id != 0 {
			return id, nil
		}
		return 0, types.NewError(types.ErrPermanent, "no target id for %s", rec.SourceID)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, &types.Error{Kind: types.ErrPermanent, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: malformed response", resp.StatusCode), Err: err}
	}
	var obj struct {
		ID int64 `json:"id"`
	}
	if raw, ok := body[ep.key]; ok {
		_ = json.Unmarshal(raw, &obj)
	}
	if obj.ID == 0 {
		return 0, &types.Error{Kind: types.ErrPermanent, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("HTTP %d: response has no %s.id", resp.StatusCode, ep.key)}
	}
	return obj.ID, nil
}
