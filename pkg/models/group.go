package models

import "slices"

// Well known metadata attribute keys.
const (
	AttrGroupName        = "group_name"
	AttrGroupDescription = "description"
)

// Member is one inbox in a group's ordered member set.
type Member struct {
	InboxID         string   `json:"inbox_id"`
	InstallationIDs []string `json:"installation_ids"`
	Role            Role     `json:"role"`
	AddedByInboxID  string   `json:"added_by_inbox_id"`
}

// GroupMetadata is the replicated metadata record of a group.
type GroupMetadata struct {
	ConversationType ConversationType  `json:"conversation_type"`
	CreatorInboxID   string            `json:"creator_inbox_id"`
	Version          uint64            `json:"version"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// GroupName returns the group_name attribute or "".
func (m GroupMetadata) GroupName() string {
	return m.Attributes[AttrGroupName]
}

// GroupState is the locally materialized view of one conversation, as
// persisted by the store. A state with Materialized false is a shell: the
// conversation id is known but its creation commit has not been applied.
type GroupState struct {
	ID             string           `json:"id"`
	Materialized   bool             `json:"materialized"`
	CreatedAtNs    int64            `json:"created_at_ns"`
	IsActive       bool             `json:"is_active"`
	AddedByInboxID string           `json:"added_by_inbox_id"`
	Members        []Member         `json:"members"`
	Metadata       GroupMetadata    `json:"metadata"`
	Policy         PermissionPolicy `json:"policy"`
	Secret         []byte           `json:"secret,omitempty"`
}

// NewShell returns an unmaterialized state for a discovered conversation id.
func NewShell(id string) *GroupState {
	return &GroupState{ID: id}
}

// Clone returns a deep copy so appliers can mutate without touching committed state.
func (s *GroupState) Clone() *GroupState {
	if s == nil {
		return nil
	}
	out := *s
	out.Members = make([]Member, len(s.Members))
	for i, m := range s.Members {
		m.InstallationIDs = slices.Clone(m.InstallationIDs)
		out.Members[i] = m
	}
	if s.Metadata.Attributes != nil {
		out.Metadata.Attributes = make(map[string]string, len(s.Metadata.Attributes))
		for k, v := range s.Metadata.Attributes {
			out.Metadata.Attributes[k] = v
		}
	}
	out.Secret = slices.Clone(s.Secret)
	return &out
}

// Member returns the member with inboxID.
func (s *GroupState) Member(inboxID string) (Member, bool) {
	for _, m := range s.Members {
		if m.InboxID == inboxID {
			return m, true
		}
	}
	return Member{}, false
}

// IsMember reports whether inboxID is in the current member set.
func (s *GroupState) IsMember(inboxID string) bool {
	_, ok := s.Member(inboxID)
	return ok
}

// MemberInboxIDs returns member inbox ids in insertion order.
func (s *GroupState) MemberInboxIDs() []string {
	out := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.InboxID)
	}
	return out
}
