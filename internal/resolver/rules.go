package resolver

import (
	"context"

	"github.com/steveyegge/trackbridge/internal/normalize"
	"github.com/steveyegge/trackbridge/internal/types"
	"github.com/steveyegge/trackbridge/internal/vocab"
)

func init() {
	Register(types.KindStatus, func() Rule { return &statusRule{} })
	Register(types.KindPriority, func() Rule { return &priorityRule{} })
	Register(types.KindTracker, func() Rule { return &trackerRule{} })
	Register(types.KindTag, func() Rule { return &nameRule{kind: types.KindTag} })
	Register(types.KindGroup, func() Rule { return &nameRule{kind: types.KindGroup} })
	Register(types.KindUser, func() Rule { return &userRule{} })
}

// nameRule is a plain name match with no extra attributes.
type nameRule struct {
	kind types.EntityKind
	ix   *Index
}

func (r *nameRule) Prepare(ctx context.Context, env *Env) error {
	rows, err := env.Store.TargetEntities(ctx, r.kind)
	if err != nil {
		return err
	}
	r.ix = NewNameIndex(rows)
	return nil
}

func (r *nameRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	return matchName(r.ix, r.kind.Family(), r.kind.Singular(), src.Name, nil)
}

// statusRule proposes is_closed from the source status category.
type statusRule struct {
	ix    *Index
	vocab *vocab.Vocabulary
}

func (r *statusRule) Prepare(ctx context.Context, env *Env) error {
	rows, err := env.Store.TargetEntities(ctx, types.KindStatus)
	if err != nil {
		return err
	}
	r.ix = NewNameIndex(rows)
	r.vocab = env.Vocab
	return nil
}

func (r *statusRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	return matchName(r.ix, types.CreationFamily, "status", src.Name, func(d Decision) Decision {
		d.Proposed[types.AttrIsClosed] = r.vocab.IsClosedCategory(src.Attrs.String(types.AttrCategory))
		return d
	})
}

// priorityRule proposes ordering and the default flag from the source.
type priorityRule struct {
	ix *Index
}

func (r *priorityRule) Prepare(ctx context.Context, env *Env) error {
	rows, err := env.Store.TargetEntities(ctx, types.KindPriority)
	if err != nil {
		return err
	}
	r.ix = NewNameIndex(rows)
	return nil
}

func (r *priorityRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	return matchName(r.ix, types.CreationFamily, "priority", src.Name, func(d Decision) Decision {
		d.Proposed[types.AttrPosition] = src.Attrs.Int(types.AttrPosition)
		d.Proposed[types.AttrIsDefault] = src.Attrs.Bool(types.AttrIsDefault)
		return d
	})
}

// trackerRule needs the tracker's initial workflow status to be resolved
// before it can propose creation.
type trackerRule struct {
	ix       *Index
	statuses map[string]*types.Mapping
}

func (r *trackerRule) Prepare(ctx context.Context, env *Env) error {
	rows, err := env.Store.TargetEntities(ctx, types.KindTracker)
	if err != nil {
		return err
	}
	r.ix = NewNameIndex(rows)
	r.statuses, err = env.Mappings(ctx, types.KindStatus)
	return err
}

func (r *trackerRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	return matchName(r.ix, types.WorkflowFamily, "tracker", src.Name, func(d Decision) Decision {
		initial := src.Attrs.String(types.AttrInitialStatus)
		if initial == "" {
			return manual("tracker %q has no initial workflow status", d.ProposedName)
		}
		st, ok := r.statuses[initial]
		if !ok {
			return manual("initial status %s of tracker %q has no mapping record", initial, d.ProposedName)
		}
		if st.Status == types.StatusIgnored {
			return manual("initial status %s of tracker %q is IGNORED", initial, d.ProposedName)
		}
		if st.TargetID == nil || !types.KindStatus.Family().Resolved(st.Status) {
			return awaiting(types.StatusAwaitingStatus, "initial status %s of tracker %q is %s", initial, d.ProposedName, st.Status)
		}
		d.Proposed[types.AttrDefaultStatus] = *st.TargetID
		if desc := src.Attrs.String(types.AttrDescription); desc != "" {
			d.Proposed[types.AttrDescription] = desc
		}
		return d
	})
}

// userRule matches on login and needs an email address to propose creation.
type userRule struct {
	ix *Index
}

func (r *userRule) Prepare(ctx context.Context, env *Env) error {
	rows, err := env.Store.TargetEntities(ctx, types.KindUser)
	if err != nil {
		return err
	}
	r.ix = NewIndex(rows, func(t types.TargetEntity) string {
		if login := t.Attrs.String(types.AttrLogin); login != "" {
			return login
		}
		return t.Name
	})
	return nil
}

func userLogin(src *types.SourceEntity) string {
	if login := src.Attrs.String(types.AttrLogin); login != "" {
		return login
	}
	return src.Name
}

func (r *userRule) Resolve(_ *types.Mapping, src *types.SourceEntity) Decision {
	login := userLogin(src)
	return matchName(r.ix, types.CreationFamily, "user", login, func(d Decision) Decision {
		mail := normalize.Name(src.Attrs.String(types.AttrMail))
		if mail == "" {
			return manual("user %q has no email address", d.ProposedName)
		}
		first, last := normalize.SplitDisplayName(src.Attrs.String(types.AttrDisplayName), d.ProposedName)
		d.Proposed[types.AttrLogin] = d.ProposedName
		d.Proposed[types.AttrMail] = mail
		d.Proposed[types.AttrFirstname] = first
		d.Proposed[types.AttrLastname] = last
		return d
	})
}
