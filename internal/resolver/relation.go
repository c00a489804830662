package resolver

import (
	"context"
	"fmt"

	"github.com/steveyegge/trackbridge/internal/normalize"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/vocab"
)

func init() {
	Register(types.KindRelation, func() Rule { return &relationRule{} })
}

// relationRule turns a source issue link into a target relation. Checks run
// in a fixed order and the first that fires decides: the link type must be
// in the vocabulary, a blocking link must not block an already closed
// issue, and both issues must already exist in the target.
type relationRule struct {
	vocab    *vocab.Vocabulary
	issues   map[string]*types.Mapping
	srcIssue map[string]*types.SourceEntity
	existing map[string]int64 // "<from>/<to>/<type>" → target relation id
}

func relationKey(from, to int64, typ string) string {
	return fmt.Sprintf("%d/%d/%s", from, to, typ)
}

func (r *relationRule) Prepare(ctx context.Context, env *Env) error {
	var err error
	r.vocab = env.Vocab
	if r.issues, err = env.Mappings(ctx, types.KindIssue); err != nil {
		return err
	}
	if r.srcIssue, err = env.Staged(ctx, types.KindIssue); err != nil {
		return err
	}
	rows, err := env.Store.TargetEntities(ctx, types.KindRelation)
	if err != nil {
		return err
	}
	r.existing = make(map[string]int64, len(rows))
	for _, t := range rows {
		k := relationKey(t.Attrs.Int(types.AttrIssueID), t.Attrs.Int(types.AttrIssueToID), t.Attrs.String(types.AttrRelationType))
		r.existing[k] = t.ID
	}
	return nil
}

func (r *relationRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	outward := src.Attrs.String(types.AttrOutward)
	inward := src.Attrs.String(types.AttrInward)
	m, ok := r.vocab.LookupRelation(outward, inward)
	if !ok {
		return manual("link type %q (%q / %q) has no relation mapping",
			src.Attrs.String(types.AttrLinkType), outward, inward)
	}

	from, to := src.Attrs.String(types.AttrFromIssue), src.Attrs.String(types.AttrToIssue)
	if m.Swapped {
		from, to = to, from
	}
	if from == "" || to == "" {
		return manual("link is missing an issue (from %q, to %q)", from, to)
	}

	if m.Rule.Blocking {
		if blocked, ok := r.srcIssue[to]; ok && blocked.Attrs.Bool(types.AttrIsClosed) {
			return manual("%s %s %s, but %s is already closed", from, m.Rule.Type, to, to)
		}
	}

	fromID, wait := r.issueTarget(from)
	if wait != nil {
		return *wait
	}
	toID, wait := r.issueTarget(to)
	if wait != nil {
		return *wait
	}

	name := normalize.Name(fmt.Sprintf("%s %s %s", from, m.Rule.Type, to))
	proposed := types.Attrs{
		types.AttrIssueID:      fromID,
		types.AttrIssueToID:    toID,
		types.AttrRelationType: m.Rule.Type,
	}
	if id, ok := r.existing[relationKey(fromID, toID, m.Rule.Type)]; ok {
		return Decision{Status: types.StatusMatchFound, TargetID: types.Int64Ptr(id), ProposedName: name, Proposed: proposed}
	}
	return Decision{Status: types.StatusReadyForCreation, ProposedName: name, Proposed: proposed}
}

func (r *relationRule) issueTarget(sourceID string) (int64, *Decision) {
	dep, ok := r.issues[sourceID]
	if !ok {
		d := awaiting(types.StatusAwaitingIssue, "issue %s has not been migrated yet", sourceID)
		return 0, &d
	}
	if dep.TargetID == nil || !types.KindIssue.Family().Resolved(dep.Status) {
		d := awaiting(types.StatusAwaitingIssue, "issue %s is %s", sourceID, dep.Status)
		return 0, &d
	}
	return *dep.TargetID, nil
}
