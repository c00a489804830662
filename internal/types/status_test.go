package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFamilyTransitions(t *testing.T) {
	tests := []struct {
		name    string
		family  *Family
		from    Status
		to      Status
		wantErr bool
	}{
		{"analysis to ready", CreationFamily, StatusPendingAnalysis, StatusReadyForCreation, false},
		{"ready to success", CreationFamily, StatusReadyForCreation, StatusCreationSuccess, false},
		{"failed is requeued", CreationFamily, StatusCreationFailed, StatusPendingAnalysis, false},
		{"staying put", CreationFamily, StatusMatchFound, StatusMatchFound, false},
		{"success is terminal", CreationFamily, StatusCreationSuccess, StatusPendingAnalysis, true},
		{"skipping ready", CreationFamily, StatusPendingAnalysis, StatusCreationSuccess, true},
		{"foreign status", CreationFamily, StatusPendingAnalysis, StatusAwaitingGroup, true},
		{"membership waits for group", AssignmentFamily, StatusPendingAnalysis, StatusAwaitingGroup, false},
		{"membership assigned", AssignmentFamily, StatusReadyForAssignment, StatusAssignmentSuccess, false},
		{"relation waits for issue", RelationFamily, StatusPendingAnalysis, StatusAwaitingIssue, false},
		{"tracker waits for status", WorkflowFamily, StatusPendingAnalysis, StatusAwaitingStatus, false},
		{"waiting tracker becomes ready", WorkflowFamily, StatusAwaitingStatus, StatusReadyForCreation, false},
		{"plain kinds never wait on a status", CreationFamily, StatusPendingAnalysis, StatusAwaitingStatus, true},
		{"download then upload", TransferFamily, StatusPendingDownload, StatusPendingUpload, false},
		{"upload then associate", TransferFamily, StatusPendingUpload, StatusPendingAssociation, false},
		{"failed upload retried", TransferFamily, StatusFailed, StatusPendingUpload, false},
		{"no upload before download", TransferFamily, StatusPendingDownload, StatusPendingAssociation, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.family.Transition(tt.from, tt.to)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Transition(%s, %s) succeeded, want error", tt.from, tt.to)
				}
				if got != tt.from {
					t.Errorf("failed transition returned %s, want %s unchanged", got, tt.from)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition(%s, %s) error: %v", tt.from, tt.to, err)
			}
			if got != tt.to {
				t.Errorf("Transition returned %s, want %s", got, tt.to)
			}
		})
	}
}

func TestKindFamilies(t *testing.T) {
	want := map[EntityKind]*Family{
		KindUser:       CreationFamily,
		KindTag:        CreationFamily,
		KindMembership: AssignmentFamily,
		KindRelation:   RelationFamily,
		KindTracker:    WorkflowFamily,
		KindAttachment: TransferFamily,
	}
	for kind, fam := range want {
		if got := kind.Family(); got != fam {
			t.Errorf("%s family = %s, want %s", kind, got.Name, fam.Name)
		}
	}
}

func TestEligibleStatuses(t *testing.T) {
	if CreationFamily.Eligible(StatusManual) {
		t.Error("manual records must not be re-evaluated")
	}
	if CreationFamily.Eligible(StatusCreationSuccess) {
		t.Error("created records must not be re-evaluated")
	}
	if !AssignmentFamily.Eligible(StatusAwaitingUser) {
		t.Error("awaiting memberships should be re-evaluated")
	}
	if !WorkflowFamily.Eligible(StatusAwaitingStatus) {
		t.Error("trackers awaiting a status should be re-evaluated")
	}
	if len(TransferFamily.EligibleStatuses()) != 0 {
		t.Error("attachments are never resolved by rules")
	}
}

func TestStatusesAreSorted(t *testing.T) {
	got := RelationFamily.Statuses()
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("statuses not sorted: %v", got)
		}
	}
	if !RelationFamily.Has(StatusIgnored) {
		t.Error("every family accepts IGNORED")
	}
}

func TestNeedsAttention(t *testing.T) {
	for _, s := range []Status{StatusManual, StatusCreationFailed, StatusAssignmentFailed, StatusFailed, StatusAwaitingIssue, StatusAwaitingStatus} {
		if !s.NeedsAttention() {
			t.Errorf("%s should need attention", s)
		}
	}
	for _, s := range []Status{StatusPendingAnalysis, StatusMatchFound, StatusCreationSuccess, StatusIgnored} {
		if s.NeedsAttention() {
			t.Errorf("%s should not need attention", s)
		}
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind(" Statuses "); err != nil || k != KindStatus {
		t.Errorf("ParseKind(Statuses) = %q, %v", k, err)
	}
	if k, err := ParseKind("issues"); err != nil || k != KindIssue {
		t.Errorf("ParseKind(issues) = %q, %v", k, err)
	}
	if _, err := ParseKind("sprints"); err == nil {
		t.Error("ParseKind(sprints) should fail")
	}
	if KindPriority.Singular() != "priority" || KindMembership.Singular() != "membership" {
		t.Error("unexpected singular labels")
	}
	if KindTag.Table() != "tags_mappings" {
		t.Errorf("table = %q", KindTag.Table())
	}
}

func TestErrorClassification(t *testing.T) {
	limited := HTTPError(429, "")
	if limited.Kind != ErrTransient {
		t.Errorf("429 kind = %s, want transient", limited.Kind)
	}
	gone := HTTPError(404, "Not found")
	if gone.Kind != ErrPermanent || gone.Error() != "HTTP 404: Not found" {
		t.Errorf("404 = %s %q", gone.Kind, gone.Error())
	}

	wrapped := fmt.Errorf("push status 3: %w", gone)
	if KindOf(wrapped) != ErrPermanent || StatusCodeOf(wrapped) != 404 {
		t.Errorf("classification lost through wrapping: %s %d", KindOf(wrapped), StatusCodeOf(wrapped))
	}
	if KindOf(errors.New("plain")) != ErrUnknown {
		t.Error("plain errors are unknown")
	}

	cause := errors.New("dial tcp: refused")
	e := &Error{Kind: ErrPermanent, Message: "download", Err: cause}
	if !errors.Is(e, cause) || !strings.HasSuffix(e.Error(), "refused") {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := &Mapping{
		Kind: KindUser, SourceID: "u1",
		TargetID: Int64Ptr(5),
		Proposed: Attrs{AttrLogin: "ada", "groups": []string{"a"}},
	}
	c := m.Clone()
	*c.TargetID = 6
	c.Proposed[AttrLogin] = "grace"

	if m.Target() != 5 {
		t.Errorf("original target changed to %d", m.Target())
	}
	if m.Proposed.String(AttrLogin) != "ada" {
		t.Errorf("original attrs changed: %v", m.Proposed)
	}
	if !SameTarget(m.TargetID, Int64Ptr(5)) || SameTarget(m.TargetID, nil) {
		t.Error("SameTarget mismatch")
	}
}
