// Package types defines the mapping records, status families and error
// taxonomy shared by every stage of a migration run.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityKind identifies one migrated entity type. Each kind owns a mapping
// table named "<kind>_mappings".
type EntityKind string

// Entity kinds
const (
	KindUser       EntityKind = "users"
	KindGroup      EntityKind = "groups"
	KindMembership EntityKind = "memberships"
	KindStatus     EntityKind = "statuses"
	KindPriority   EntityKind = "priorities"
	KindTracker    EntityKind = "trackers"
	KindTag        EntityKind = "tags"
	KindRelation   EntityKind = "relations"
	KindAttachment EntityKind = "attachments"
	// KindIssue is read-only here: issue mappings are produced by the issue
	// migration and only consulted as a dependency of relations.
	KindIssue EntityKind = "issues"
)

// AllKinds lists every kind with its own driver, in dependency order.
var AllKinds = []EntityKind{
	KindUser, KindGroup, KindMembership, KindStatus, KindPriority,
	KindTracker, KindTag, KindRelation, KindAttachment,
}

// ParseKind validates a kind name.
func ParseKind(s string) (EntityKind, error) {
	k := EntityKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, nil
		}
	}
	if k == KindIssue {
		return k, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Family returns the status family the kind belongs to.
func (k EntityKind) Family() *Family {
	switch k {
	case KindMembership:
		return AssignmentFamily
	case KindRelation:
		return RelationFamily
	case KindTracker:
		return WorkflowFamily
	case KindAttachment:
		return TransferFamily
	default:
		return CreationFamily
	}
}

// Table returns the mapping table name for the kind.
func (k EntityKind) Table() string {
	return string(k) + "_mappings"
}

// Singular returns a human label ("user", "status", ...).
func (k EntityKind) Singular() string {
	switch k {
	case KindStatus:
		return "status"
	case KindPriority:
		return "priority"
	default:
		return strings.TrimSuffix(string(k), "s")
	}
}

// Mapping is the durable record tracking one source entity's migration.
type Mapping struct {
	ID       int64
	Kind     EntityKind
	SourceID string

	// Engine-owned fields (covered by AutomationHash)
	TargetID     *int64
	Status       Status
	ProposedName string
	Proposed     Attrs
	Notes        string

	// Transfer fields (attachments only, also engine-owned)
	LocalPath   string
	UploadToken string

	AutomationHash string

	// Denormalized, read-only reference columns, refreshed on every sync.
	DisplayName string
	RefTargetID *int64

	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Clone returns a deep copy so callers can compute a candidate state without
// touching the stored record.
func (m *Mapping) Clone() *Mapping {
	c := *m
	if m.TargetID != nil {
		v := *m.TargetID
		c.TargetID = &v
	}
	if m.RefTargetID != nil {
		v := *m.RefTargetID
		c.RefTargetID = &v
	}
	c.Proposed = m.Proposed.Clone()
	return &c
}

// Target returns the target id or 0.
func (m *Mapping) Target() int64 {
	if m.TargetID == nil {
		return 0
	}
	return *m.TargetID
}

// Attrs holds the entity-specific proposed_* attributes. Values are limited to
// strings, int64, bools and string slices so they hash canonically.
type Attrs map[string]any

// Clone copies the map and any slices in it.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}

// Keys returns the attribute names, sorted.
func (a Attrs) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns attribute k as a string ("" when missing).
func (a Attrs) String(k string) string {
	switch v := a[k].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns attribute k as a bool.
func (a Attrs) Bool(k string) bool {
	b, _ := a[k].(bool)
	return b
}

// Int returns attribute k as an int64. JSON-decoded numbers arrive as
// float64 and are converted.
func (a Attrs) Int(k string) int64 {
	switch v := a[k].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Strings returns attribute k as a string slice.
func (a Attrs) Strings(k string) []string {
	switch v := a[k].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
		return out
	}
	return nil
}

// Normalize converts JSON-decoded values to the canonical Go types used by
// the engine (float64 → int64, []any → []string) so that a value read back
// from the store compares equal to a freshly computed one.
func (a Attrs) Normalize() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		switch x := v.(type) {
		case float64:
			out[k] = int64(x)
		case int:
			out[k] = int64(x)
		case []any:
			out[k] = a.Strings(k)
		default:
			out[k] = v
		}
	}
	return out
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }

// SameTarget compares two nullable target ids.
func SameTarget(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
