package types

import (
	"fmt"
	"sort"
)

// Status is a mapping record's migration_status. Each entity family accepts a
// closed subset of these values; see Family.
type Status string

// Migration status constants
const (
	StatusPendingAnalysis    Status = "PENDING_ANALYSIS"
	StatusMatchFound         Status = "MATCH_FOUND"
	StatusReadyForCreation   Status = "READY_FOR_CREATION"
	StatusReadyForAssignment Status = "READY_FOR_ASSIGNMENT"
	StatusManual             Status = "MANUAL_INTERVENTION_REQUIRED"
	StatusAwaitingGroup      Status = "AWAITING_GROUP"
	StatusAwaitingUser       Status = "AWAITING_USER"
	StatusAwaitingIssue      Status = "AWAITING_ISSUE"
	StatusAwaitingStatus     Status = "AWAITING_STATUS"
	StatusCreationSuccess    Status = "CREATION_SUCCESS"
	StatusCreationFailed     Status = "CREATION_FAILED"
	StatusAssignmentSuccess  Status = "ASSIGNMENT_SUCCESS"
	StatusAssignmentFailed   Status = "ASSIGNMENT_FAILED"
	StatusIgnored            Status = "IGNORED"

	// Binary transfer statuses (attachments)
	StatusPendingDownload    Status = "PENDING_DOWNLOAD"
	StatusPendingUpload      Status = "PENDING_UPLOAD"
	StatusPendingAssociation Status = "PENDING_ASSOCIATION"
	StatusFailed             Status = "FAILED"
)

// Family is the closed status set and transition table shared by a group of
// entity kinds. Resolver and push code only ever names statuses through a
// Family so a kind can never be moved into a state it does not define.
type Family struct {
	Name string

	Initial Status
	Ready   Status
	Success Status
	Failed  Status
	// Requeue is where an explicit reset moves failed records.
	Requeue Status

	statuses    map[Status]bool
	eligible    map[Status]bool
	transitions map[Status]map[Status]bool
}

func newFamily(name string, initial, ready, success, failed, requeue Status, extra []Status, eligible []Status) *Family {
	f := &Family{
		Name:        name,
		Initial:     initial,
		Ready:       ready,
		Success:     success,
		Failed:      failed,
		Requeue:     requeue,
		statuses:    make(map[Status]bool),
		eligible:    make(map[Status]bool),
		transitions: make(map[Status]map[Status]bool),
	}
	for _, s := range append([]Status{initial, ready, success, failed, StatusIgnored}, extra...) {
		f.statuses[s] = true
	}
	for _, s := range eligible {
		f.eligible[s] = true
	}
	return f
}

// allow registers from → each of to.
func (f *Family) allow(from Status, to ...Status) {
	m, ok := f.transitions[from]
	if !ok {
		m = make(map[Status]bool)
		f.transitions[from] = m
	}
	for _, t := range to {
		m[t] = true
	}
}

// Has reports whether s belongs to the family.
func (f *Family) Has(s Status) bool {
	return f.statuses[s]
}

// Eligible reports whether a record in status s may be re-evaluated by a
// Transform pass.
func (f *Family) Eligible(s Status) bool {
	return f.eligible[s]
}

// Statuses returns every status in the family, sorted.
func (f *Family) Statuses() []Status {
	out := make([]Status, 0, len(f.statuses))
	for s := range f.statuses {
		out = append(out, s)
	}
	sortStatuses(out)
	return out
}

// EligibleStatuses returns the statuses a Transform pass selects.
func (f *Family) EligibleStatuses() []Status {
	out := make([]Status, 0, len(f.eligible))
	for s := range f.eligible {
		out = append(out, s)
	}
	sortStatuses(out)
	return out
}

// CanTransition reports whether from → to is a legal move. Staying in place
// is always legal.
func (f *Family) CanTransition(from, to Status) bool {
	if from == to {
		return f.Has(to)
	}
	return f.transitions[from][to]
}

// Transition validates from → to and returns to.
func (f *Family) Transition(from, to Status) (Status, error) {
	if !f.Has(to) {
		return from, fmt.Errorf("status %s is not part of the %s family", to, f.Name)
	}
	if !f.CanTransition(from, to) {
		return from, fmt.Errorf("illegal %s transition %s -> %s", f.Name, from, to)
	}
	return to, nil
}

// IsTerminalSuccess reports whether s is the family's success state.
func (f *Family) IsTerminalSuccess(s Status) bool {
	return s == f.Success
}

// Resolved reports whether a record in status s has a known target entity.
func (f *Family) Resolved(s Status) bool {
	return s == StatusMatchFound || s == f.Success
}

// Awaiting reports whether s is one of the "dependency not yet resolved" states.
func (s Status) Awaiting() bool {
	switch s {
	case StatusAwaitingGroup, StatusAwaitingUser, StatusAwaitingIssue, StatusAwaitingStatus:
		return true
	}
	return false
}

// NeedsAttention reports whether s requires a human or a retry.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusManual, StatusCreationFailed, StatusAssignmentFailed, StatusFailed:
		return true
	}
	return s.Awaiting()
}

func sortStatuses(s []Status) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}

// CreationFamily covers name-matched configuration entities.
var CreationFamily = func() *Family {
	resolvable := []Status{StatusMatchFound, StatusReadyForCreation, StatusManual}
	f := newFamily("creation",
		StatusPendingAnalysis, StatusReadyForCreation, StatusCreationSuccess, StatusCreationFailed, StatusPendingAnalysis,
		[]Status{StatusMatchFound, StatusManual},
		[]Status{StatusPendingAnalysis, StatusReadyForCreation, StatusMatchFound, StatusCreationFailed},
	)
	f.allow(StatusPendingAnalysis, resolvable...)
	f.allow(StatusReadyForCreation, append(resolvable, StatusCreationSuccess, StatusCreationFailed)...)
	f.allow(StatusMatchFound, resolvable...)
	f.allow(StatusCreationFailed, append(resolvable, StatusPendingAnalysis)...)
	f.allow(StatusManual, StatusPendingAnalysis)
	f.allow(StatusIgnored, StatusPendingAnalysis)
	return f
}()

// AssignmentFamily covers membership-style relationships that need both
// sides resolved before they can be assigned.
var AssignmentFamily = func() *Family {
	resolvable := []Status{StatusMatchFound, StatusReadyForAssignment, StatusManual, StatusAwaitingGroup, StatusAwaitingUser}
	f := newFamily("assignment",
		StatusPendingAnalysis, StatusReadyForAssignment, StatusAssignmentSuccess, StatusAssignmentFailed, StatusPendingAnalysis,
		[]Status{StatusMatchFound, StatusManual, StatusAwaitingGroup, StatusAwaitingUser},
		[]Status{StatusPendingAnalysis, StatusReadyForAssignment, StatusMatchFound, StatusAssignmentFailed, StatusAwaitingGroup, StatusAwaitingUser},
	)
	f.allow(StatusPendingAnalysis, resolvable...)
	f.allow(StatusReadyForAssignment, append(resolvable, StatusAssignmentSuccess, StatusAssignmentFailed)...)
	f.allow(StatusMatchFound, resolvable...)
	f.allow(StatusAwaitingGroup, resolvable...)
	f.allow(StatusAwaitingUser, resolvable...)
	f.allow(StatusAssignmentFailed, append(resolvable, StatusPendingAnalysis)...)
	f.allow(StatusManual, StatusPendingAnalysis)
	f.allow(StatusIgnored, StatusPendingAnalysis)
	return f
}()

// RelationFamily covers issue links, which depend on both issues having been
// migrated.
var RelationFamily = func() *Family {
	resolvable := []Status{StatusMatchFound, StatusReadyForCreation, StatusManual, StatusAwaitingIssue}
	f := newFamily("relation",
		StatusPendingAnalysis, StatusReadyForCreation, StatusCreationSuccess, StatusCreationFailed, StatusPendingAnalysis,
		[]Status{StatusMatchFound, StatusManual, StatusAwaitingIssue},
		[]Status{StatusPendingAnalysis, StatusReadyForCreation, StatusMatchFound, StatusCreationFailed, StatusAwaitingIssue},
	)
	f.allow(StatusPendingAnalysis, resolvable...)
	f.allow(StatusReadyForCreation, append(resolvable, StatusCreationSuccess, StatusCreationFailed)...)
	f.allow(StatusMatchFound, resolvable...)
	f.allow(StatusAwaitingIssue, resolvable...)
	f.allow(StatusCreationFailed, append(resolvable, StatusPendingAnalysis)...)
	f.allow(StatusManual, StatusPendingAnalysis)
	f.allow(StatusIgnored, StatusPendingAnalysis)
	return f
}()

// WorkflowFamily covers trackers, whose default status must be migrated
// before they can be created.
var WorkflowFamily = func() *Family {
	resolvable := []Status{StatusMatchFound, StatusReadyForCreation, StatusManual, StatusAwaitingStatus}
	f := newFamily("workflow",
		StatusPendingAnalysis, StatusReadyForCreation, StatusCreationSuccess, StatusCreationFailed, StatusPendingAnalysis,
		[]Status{StatusMatchFound, StatusManual, StatusAwaitingStatus},
		[]Status{StatusPendingAnalysis, StatusReadyForCreation, StatusMatchFound, StatusCreationFailed, StatusAwaitingStatus},
	)
	f.allow(StatusPendingAnalysis, resolvable...)
	f.allow(StatusReadyForCreation, append(resolvable, StatusCreationSuccess, StatusCreationFailed)...)
	f.allow(StatusMatchFound, resolvable...)
	f.allow(StatusAwaitingStatus, resolvable...)
	f.allow(StatusCreationFailed, append(resolvable, StatusPendingAnalysis)...)
	f.allow(StatusManual, StatusPendingAnalysis)
	f.allow(StatusIgnored, StatusPendingAnalysis)
	return f
}()

// TransferFamily covers attachment binaries moving through download and
// upload queues.
var TransferFamily = func() *Family {
	f := newFamily("transfer",
		StatusPendingDownload, StatusPendingUpload, StatusPendingAssociation, StatusFailed, StatusPendingDownload,
		nil,
		nil,
	)
	f.allow(StatusPendingDownload, StatusPendingUpload, StatusFailed)
	f.allow(StatusFailed, StatusPendingUpload, StatusFailed, StatusPendingDownload)
	f.allow(StatusPendingUpload, StatusPendingAssociation, StatusFailed)
	f.allow(StatusIgnored, StatusPendingDownload)
	return f
}()
