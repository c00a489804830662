package resolver

import (
	"fmt"
	"strings"

	"github.com/steveyegge/trackbridge/internal/normalize"
	"github.com/steveyegge/trackbridge/internal/types"
)

// Decision is the state a rule computes for one record. Manual and awaiting
// decisions carry a data-class error explaining what blocks the record.
type Decision struct {
	Status       types.Status
	TargetID     *int64
	ProposedName string
	Proposed     types.Attrs
	Err          *types.Error
}

// Notes is the human-readable explanation stored on the record.
func (d Decision) Notes() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Message
}

func manual(format string, args ...any) Decision {
	return Decision{
		Status: types.StatusManual,
		Err:    types.NewError(types.ErrData, format, args...),
	}
}

func awaiting(status types.Status, format string, args ...any) Decision {
	return Decision{
		Status: status,
		Err:    types.NewError(types.ErrData, format, args...),
	}
}

func matched(hit types.TargetEntity) Decision {
	return Decision{
		Status:       types.StatusMatchFound,
		TargetID:     types.Int64Ptr(hit.ID),
		ProposedName: hit.Name,
		Proposed:     hit.Attrs.Clone().Normalize(),
	}
}

// matchName runs the shared lookup: empty key goes to manual review, no hit
// proposes creation under the normalized name, one hit is a match carrying
// the target's actual attributes, several hits are ambiguous.
//
// create fills the proposed attributes for the creation path; it may veto
// creation by returning a manual decision.
func matchName(ix *Index, family *types.Family, label, name string, create func(d Decision) Decision) Decision {
	if normalize.Key(name) == "" {
		return manual("source %s has no name", label)
	}
	hits := ix.Lookup(name)
	switch len(hits) {
	case 0:
		d := Decision{
			Status:       family.Ready,
			ProposedName: normalize.Truncate(normalize.Name(name), normalize.MaxKeyRunes),
			Proposed:     types.Attrs{},
		}
		if create != nil {
			d = create(d)
		}
		return d
	case 1:
		return matched(hits[0])
	default:
		ids := make([]string, len(hits))
		for i, h := range hits {
			ids[i] = fmt.Sprintf("%d", h.ID)
		}
		return manual("ambiguous: %d target %s entries named %q (ids %s)",
			len(hits), label, normalize.Name(name), strings.Join(ids, ", "))
	}
}

// apply returns a copy of rec carrying d's owned fields.
func apply(rec *types.Mapping, d Decision) *types.Mapping {
	c := rec.Clone()
	c.Status = d.Status
	c.TargetID = nil
	if d.TargetID != nil {
		c.TargetID = types.Int64Ptr(*d.TargetID)
	}
	c.ProposedName = d.ProposedName
	c.Proposed = d.Proposed.Clone()
	if c.Proposed == nil {
		c.Proposed = types.Attrs{}
	}
	c.Notes = d.Notes()
	return c
}
