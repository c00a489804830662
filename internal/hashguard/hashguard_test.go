package hashguard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/types"
)

func sampleRecord() *types.Mapping {
	return &types.Mapping{
		Kind:         types.KindStatus,
		SourceID:     "10001",
		Status:       types.StatusMatchFound,
		TargetID:     types.Int64Ptr(7),
		ProposedName: "Open",
		Proposed:     types.Attrs{types.AttrIsClosed: false, types.AttrPosition: int64(2)},
	}
}

func TestComputeOwnedHashDeterministic(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	h := ComputeOwnedHash(a)
	require.Len(t, h, HashLen)
	assert.Equal(t, h, ComputeOwnedHash(b))
	assert.True(t, Valid(h))
}

func TestComputeOwnedHashIgnoresReferenceColumns(t *testing.T) {
	a := sampleRecord()
	b := sampleRecord()
	b.DisplayName = "changed"
	b.RefTargetID = types.Int64Ptr(99)
	b.ID = 42
	assert.Equal(t, ComputeOwnedHash(a), ComputeOwnedHash(b))
}

func TestComputeOwnedHashCoversOwnedFields(t *testing.T) {
	base := ComputeOwnedHash(sampleRecord())

	mutations := map[string]func(*types.Mapping){
		"status":   func(m *types.Mapping) { m.Status = types.StatusManual },
		"target":   func(m *types.Mapping) { m.TargetID = nil },
		"name":     func(m *types.Mapping) { m.ProposedName = "open" },
		"notes":    func(m *types.Mapping) { m.Notes = "hand fixed" },
		"attrs":    func(m *types.Mapping) { m.Proposed[types.AttrIsClosed] = true },
		"new attr": func(m *types.Mapping) { m.Proposed["extra"] = "x" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			m := sampleRecord()
			mutate(m)
			assert.NotEqual(t, base, ComputeOwnedHash(m))
		})
	}
}

func TestComputeOwnedHashNumericForms(t *testing.T) {
	// Attributes decoded from JSON arrive as float64 and must hash the same
	// as freshly computed int64 values.
	a := sampleRecord()
	b := sampleRecord()
	b.Proposed[types.AttrPosition] = float64(2)
	assert.Equal(t, ComputeOwnedHash(a), ComputeOwnedHash(b))
}

func TestAttachmentFieldsOwnedOnlyForAttachments(t *testing.T) {
	att := &types.Mapping{Kind: types.KindAttachment, SourceID: "1", Status: types.StatusPendingUpload}
	h1 := ComputeOwnedHash(att)
	att.LocalPath = "/tmp/1_a.txt"
	assert.NotEqual(t, h1, ComputeOwnedHash(att))

	st := sampleRecord()
	h2 := ComputeOwnedHash(st)
	st.LocalPath = "/tmp/ignored"
	assert.Equal(t, h2, ComputeOwnedHash(st))
}

func TestIsOverridden(t *testing.T) {
	m := sampleRecord()
	assert.False(t, IsOverridden(m), "absent hash means automation-owned")

	Stamp(m)
	assert.False(t, IsOverridden(m))

	m.Notes = "edited by an operator"
	assert.True(t, IsOverridden(m))

	// Every field out of sync still counts as a single override.
	m.Status = types.StatusIgnored
	m.TargetID = types.Int64Ptr(1)
	m.ProposedName = "Other"
	assert.True(t, IsOverridden(m))
}

func TestIsOverriddenUppercaseHash(t *testing.T) {
	m := sampleRecord()
	m.AutomationHash = strings.ToUpper(ComputeOwnedHash(m))
	assert.False(t, IsOverridden(m))
}

func TestCorruptedHashTreatedAsAbsent(t *testing.T) {
	for _, h := range []string{"", "abc", strings.Repeat("z", HashLen), strings.Repeat("a", HashLen+1)} {
		m := sampleRecord()
		m.AutomationHash = h
		assert.False(t, IsOverridden(m), "hash %q", h)
	}
}

func TestSameOwnedState(t *testing.T) {
	a := sampleRecord()
	b := a.Clone()
	assert.True(t, SameOwnedState(a, b))
	b.Notes = "x"
	assert.False(t, SameOwnedState(a, b))
}
