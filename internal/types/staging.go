package types

import "time"

// SourceEntity is one staged row copied from the source system. Name is the
// defining attribute the resolver keys on (a login for users, a display name
// for everything else); kind-specific fields live in Attrs.
type SourceEntity struct {
	Kind      EntityKind
	SourceID  string
	Name      string
	Attrs     Attrs
	FetchedAt time.Time
}

// TargetEntity is one row of the target-system snapshot.
type TargetEntity struct {
	Kind      EntityKind
	ID        int64
	Name      string
	Attrs     Attrs
	FetchedAt time.Time
}

// Attribute keys used in staging rows and proposed attributes.
const (
	AttrCategory      = "category"       // statuses: source status category key
	AttrIsClosed      = "is_closed"      // statuses, issues
	AttrIsDefault     = "is_default"     // priorities
	AttrPosition      = "position"       // priorities
	AttrDefaultStatus = "default_status" // trackers: target status id
	AttrInitialStatus = "initial_status" // trackers: source status id
	AttrDescription   = "description"
	AttrLogin         = "login"
	AttrMail          = "mail"
	AttrFirstname     = "firstname"
	AttrLastname      = "lastname"
	AttrDisplayName   = "display_name"
	AttrActive        = "active"
	AttrGroupID       = "group_id"   // memberships: source or target group id
	AttrUserID        = "user_id"    // memberships: source or target user id
	AttrUserIDs       = "user_ids"   // target groups: member ids
	AttrLinkType      = "link_type"  // relations: source link type name
	AttrInward        = "inward"     // relations: inward phrase ("is blocked by")
	AttrOutward       = "outward"    // relations: outward phrase ("blocks")
	AttrFromIssue     = "from_issue" // relations: source issue id (outward side)
	AttrToIssue       = "to_issue"   // relations: source issue id (inward side)
	AttrIssueID       = "issue_id"   // target relations / attachments
	AttrIssueToID     = "issue_to_id"
	AttrRelationType  = "relation_type"
	AttrDelay         = "delay"
	AttrFilename      = "filename"
	AttrFilesize      = "filesize"
	AttrContentURL    = "content_url"
	AttrContentType   = "content_type"
	AttrTags          = "tags"
)

// MembershipKey builds the composite source key of a group membership.
func MembershipKey(groupSourceID, userSourceID string) string {
	return groupSourceID + "/" + userSourceID
}

// RelationKey builds the composite source key of an issue link.
func RelationKey(linkID string) string {
	return "link-" + linkID
}
