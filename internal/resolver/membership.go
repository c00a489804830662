package resolver

import (
	"context"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/types"
)

func init() {
	Register(types.KindMembership, func() Rule { return &membershipRule{} })
}

// membershipRule assigns a user to a group once both exist in the target.
// The group is checked before the user so a record waits on one thing at a
// time.
type membershipRule struct {
	groups  map[string]*types.Mapping
	users   map[string]*types.Mapping
	members map[string]bool // "<target group>/<target user>"
}

func memberKey(group, user int64) string {
	return fmt.Sprintf("%d/%d", group, user)
}

func (r *membershipRule) Prepare(ctx context.Context, env *Env) error {
	var err error
	if r.groups, err = env.Mappings(ctx, types.KindGroup); err != nil {
		return err
	}
	if r.users, err = env.Mappings(ctx, types.KindUser); err != nil {
		return err
	}

	r.members = make(map[string]bool)
	rows, err := env.Store.TargetEntities(ctx, types.KindMembership)
	if err != nil {
		return err
	}
	for _, m := range rows {
		r.members[memberKey(m.Attrs.Int(types.AttrGroupID), m.Attrs.Int(types.AttrUserID))] = true
	}
	// Group snapshots may also list their members inline.
	groups, err := env.Store.TargetEntities(ctx, types.KindGroup)
	if err != nil {
		return err
	}
	for _, g := range groups {
		for _, uid := range g.Attrs.Strings(types.AttrUserIDs) {
			var id int64
			if _, err := fmt.Sscan(uid, &id); err == nil {
				r.members[memberKey(g.ID, id)] = true
			}
		}
	}
	return nil
}

// prerequisite returns the resolved target id of dep, or a decision that
// names what the record is waiting for.
func prerequisite(recs map[string]*types.Mapping, kind types.EntityKind, sourceID string, wait types.Status) (int64, *Decision) {
	if sourceID == "" {
		d := manual("membership has no source %s id", kind.Singular())
		return 0, &d
	}
	dep, ok := recs[sourceID]
	if !ok {
		d := awaiting(wait, "%s %s has no mapping record yet", kind.Singular(), sourceID)
		return 0, &d
	}
	if dep.TargetID == nil || !kind.Family().Resolved(dep.Status) {
		d := awaiting(wait, "%s %s is %s", kind.Singular(), sourceID, dep.Status)
		return 0, &d
	}
	return *dep.TargetID, nil
}

func (r *membershipRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	groupID, wait := prerequisite(r.groups, types.KindGroup, src.Attrs.String(types.AttrGroupID), types.StatusAwaitingGroup)
	if wait != nil {
		return *wait
	}
	userID, wait := prerequisite(r.users, types.KindUser, src.Attrs.String(types.AttrUserID), types.StatusAwaitingUser)
	if wait != nil {
		return *wait
	}

	proposed := types.Attrs{types.AttrGroupID: groupID, types.AttrUserID: userID}
	if r.members[memberKey(groupID, userID)] {
		return Decision{
			Status:       types.StatusMatchFound,
			TargetID:     types.Int64Ptr(userID),
			ProposedName: src.Name,
			Proposed:     proposed,
		}
	}
	return Decision{
		Status:       types.StatusReadyForAssignment,
		ProposedName: src.Name,
		Proposed:     proposed,
	}
}
