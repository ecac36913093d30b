package models

// CommitKind classifies an entry in a conversation log.
type CommitKind string

const (
	CommitCreate         CommitKind = "create"
	CommitAddMembers     CommitKind = "add_members"
	CommitRemoveMembers  CommitKind = "remove_members"
	CommitUpdateMetadata CommitKind = "update_metadata"
	CommitMessage        CommitKind = "message"
)

// MutatesGroup reports whether applying the commit changes membership or metadata.
func (k CommitKind) MutatesGroup() bool {
	switch k {
	case CommitCreate, CommitAddMembers, CommitRemoveMembers, CommitUpdateMetadata:
		return true
	}
	return false
}

// Commit is what an installation submits to the log service. Recipients and
// Removed are routing hints for the service's membership index; Payload is
// opaque to it.
type Commit struct {
	Kind                 CommitKind `json:"kind"`
	SenderInboxID        string     `json:"sender_inbox_id"`
	SenderInstallationID string     `json:"sender_installation_id"`
	// ExpectedPosition, when non-zero, makes the append conditional on the
	// log head being exactly this position.
	ExpectedPosition uint64   `json:"expected_position,omitempty"`
	Recipients       []string `json:"recipients,omitempty"`
	Removed          []string `json:"removed,omitempty"`
	Payload          []byte   `json:"payload"`
}

// LogEntry is a commit as ordered by the log service.
type LogEntry struct {
	ConversationID string `json:"conversation_id"`
	Position       uint64 `json:"position"`
	SentAtNs       int64  `json:"sent_at_ns"`
	Commit         Commit `json:"commit"`
}

// MemberSpec is a member as carried in create and add commits.
type MemberSpec struct {
	InboxID         string   `json:"inbox_id"`
	InstallationIDs []string `json:"installation_ids"`
	Role            Role     `json:"role"`
}

// CreatePayload is the body of a create commit.
type CreatePayload struct {
	GroupID     string            `json:"group_id"`
	CreatedAtNs int64             `json:"created_at_ns"`
	Members     []MemberSpec      `json:"members"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Policy      PermissionPolicy  `json:"policy"`
	Secret      []byte            `json:"secret"`
}

// MembersPayload is the body of add_members and remove_members commits.
type MembersPayload struct {
	Members []MemberSpec `json:"members"`
}

// MetadataPayload is the body of an update_metadata commit.
type MetadataPayload struct {
	Attributes map[string]string `json:"attributes"`
}
