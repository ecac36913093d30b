package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"groupsync/pkg/codec"
	"groupsync/pkg/errs"
	"groupsync/pkg/identity"
	"groupsync/pkg/models"
)

// Apply failure reasons, used as the metrics label.
const (
	reasonInvalidSender = "invalid_sender"
	reasonNotAuthorized = "not_authorized"
	reasonUndecodable   = "undecodable"
	reasonInvalidCommit = "invalid_commit"
)

// ApplyError records why a log entry was skipped during sync.
type ApplyError struct {
	Position uint64
	Kind     models.CommitKind
	Sender   string
	Reason   string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("entry %d (%s from %s): %s: %v", e.Position, e.Kind, e.Sender, e.Reason, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// errNotRecipient marks messages sent while the local inbox was not a
// member. They are skipped without counting as failures.
var errNotRecipient = errors.New("local inbox not a member at this position")

// applier applies log entries to an in-memory group state. It mutates the
// state only after an entry has fully validated.
type applier struct {
	self   string
	codecs *codec.Registry
}

func (a *applier) fail(e models.LogEntry, reason string, err error) error {
	return &ApplyError{Position: e.Position, Kind: e.Commit.Kind, Sender: e.Commit.SenderInboxID, Reason: reason, Err: err}
}

// apply validates e against st and applies it. It returns the message the
// entry produced, if any.
func (a *applier) apply(st *models.GroupState, e models.LogEntry) (*models.Message, error) {
	if e.Commit.SenderInboxID == "" {
		return nil, a.fail(e, reasonInvalidSender, fmt.Errorf("missing sender: %w", errs.ErrInvalidSender))
	}
	if e.Commit.Kind == models.CommitCreate {
		return a.applyCreate(st, e)
	}
	if !st.Materialized {
		return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("%s before create: %w", e.Commit.Kind, errs.ErrDecode))
	}
	sender, ok := st.Member(e.Commit.SenderInboxID)
	if !ok {
		return nil, a.fail(e, reasonInvalidSender, fmt.Errorf("sender %s is not a member: %w", e.Commit.SenderInboxID, errs.ErrInvalidSender))
	}
	switch e.Commit.Kind {
	case models.CommitMessage:
		return a.applyMessage(st, e)
	case models.CommitAddMembers:
		return a.applyAdd(st, e, sender)
	case models.CommitRemoveMembers:
		return a.applyRemove(st, e, sender)
	case models.CommitUpdateMetadata:
		return a.applyMetadata(st, e, sender)
	}
	return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("unknown commit kind %q: %w", e.Commit.Kind, errs.ErrDecode))
}

func (a *applier) applyCreate(st *models.GroupState, e models.LogEntry) (*models.Message, error) {
	if st.Materialized {
		return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("duplicate create: %w", errs.ErrDecode))
	}
	var p models.CreatePayload
	if err := json.Unmarshal(e.Commit.Payload, &p); err != nil {
		return nil, a.fail(e, reasonUndecodable, fmt.Errorf("create payload: %v: %w", err, errs.ErrDecode))
	}
	if p.GroupID != e.ConversationID {
		return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("create names group %s: %w", p.GroupID, errs.ErrDecode))
	}
	if len(p.Secret) != secretSize {
		return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("group secret has %d bytes: %w", len(p.Secret), errs.ErrDecode))
	}
	creator := e.Commit.SenderInboxID
	if len(p.Members) == 0 || p.Members[0].InboxID != creator || p.Members[0].Role != models.RoleSuperAdmin {
		return nil, a.fail(e, reasonInvalidSender, fmt.Errorf("creator %s must lead the member list as super admin: %w", creator, errs.ErrInvalidSender))
	}
	policy := p.Policy.WithDefaults()
	if !policy.Valid() {
		return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("invalid permission policy: %w", errs.ErrDecode))
	}
	members := make([]models.Member, 0, len(p.Members))
	seen := make(map[string]bool, len(p.Members))
	for _, m := range p.Members {
		if m.InboxID == "" || seen[m.InboxID] {
			return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("empty or duplicate member %q: %w", m.InboxID, errs.ErrDecode))
		}
		seen[m.InboxID] = true
		role := m.Role
		if !role.Valid() {
			role = models.RoleMember
		}
		members = append(members, models.Member{
			InboxID:         m.InboxID,
			InstallationIDs: slices.Clone(m.InstallationIDs),
			Role:            role,
			AddedByInboxID:  creator,
		})
	}

	st.Materialized = true
	st.CreatedAtNs = p.CreatedAtNs
	st.Members = members
	st.Metadata = models.GroupMetadata{
		ConversationType: models.ConversationTypeGroup,
		CreatorInboxID:   creator,
		Version:          1,
		Attributes:       maps.Clone(p.Attributes),
	}
	st.Policy = policy
	st.Secret = slices.Clone(p.Secret)
	st.IsActive = st.IsMember(a.self)
	if st.IsActive {
		st.AddedByInboxID = creator
	}

	added := make([]string, 0, len(members)-1)
	for _, m := range members[1:] {
		added = append(added, m.InboxID)
	}
	return a.systemMessage(e, codec.GroupUpdated{InitiatedByInboxID: creator, AddedInboxes: added})
}

func (a *applier) applyAdd(st *models.GroupState, e models.LogEntry, sender models.Member) (*models.Message, error) {
	if !st.Policy.AddMember.Allows(sender.Role) {
		return nil, a.fail(e, reasonNotAuthorized, fmt.Errorf("%s may not add members: %w", sender.InboxID, errs.ErrNotAuthorized))
	}
	var p models.MembersPayload
	if err := json.Unmarshal(e.Commit.Payload, &p); err != nil {
		return nil, a.fail(e, reasonUndecodable, fmt.Errorf("add payload: %v: %w", err, errs.ErrDecode))
	}
	var added []string
	var newMembers []models.Member
	for _, m := range p.Members {
		if m.InboxID == "" {
			return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("empty member id: %w", errs.ErrDecode))
		}
		if st.IsMember(m.InboxID) || slices.Contains(added, m.InboxID) {
			continue
		}
		added = append(added, m.InboxID)
		newMembers = append(newMembers, models.Member{
			InboxID:         m.InboxID,
			InstallationIDs: slices.Clone(m.InstallationIDs),
			Role:            models.RoleMember,
			AddedByInboxID:  sender.InboxID,
		})
	}
	st.Members = append(st.Members, newMembers...)
	st.Metadata.Version++
	if slices.Contains(added, a.self) {
		st.IsActive = true
		// the first add wins; a later re-add reactivates without rewriting it
		if st.AddedByInboxID == "" {
			st.AddedByInboxID = sender.InboxID
		}
	}
	return a.systemMessage(e, codec.GroupUpdated{InitiatedByInboxID: sender.InboxID, AddedInboxes: added})
}

func (a *applier) applyRemove(st *models.GroupState, e models.LogEntry, sender models.Member) (*models.Message, error) {
	if !st.Policy.RemoveMember.Allows(sender.Role) {
		return nil, a.fail(e, reasonNotAuthorized, fmt.Errorf("%s may not remove members: %w", sender.InboxID, errs.ErrNotAuthorized))
	}
	var p models.MembersPayload
	if err := json.Unmarshal(e.Commit.Payload, &p); err != nil {
		return nil, a.fail(e, reasonUndecodable, fmt.Errorf("remove payload: %v: %w", err, errs.ErrDecode))
	}
	drop := make(map[string]bool, len(p.Members))
	for _, m := range p.Members {
		target, ok := st.Member(m.InboxID)
		if !ok {
			continue
		}
		if target.Role == models.RoleSuperAdmin && sender.Role != models.RoleSuperAdmin {
			return nil, a.fail(e, reasonNotAuthorized, fmt.Errorf("%s may not remove super admin %s: %w", sender.InboxID, target.InboxID, errs.ErrNotAuthorized))
		}
		drop[m.InboxID] = true
	}
	var removed []string
	kept := st.Members[:0:0]
	for _, m := range st.Members {
		if drop[m.InboxID] {
			removed = append(removed, m.InboxID)
			continue
		}
		kept = append(kept, m)
	}
	st.Members = kept
	st.Metadata.Version++
	if drop[a.self] {
		st.IsActive = false
	}
	return a.systemMessage(e, codec.GroupUpdated{InitiatedByInboxID: sender.InboxID, RemovedInboxes: removed})
}

func (a *applier) applyMetadata(st *models.GroupState, e models.LogEntry, sender models.Member) (*models.Message, error) {
	if !st.Policy.UpdateMetadata.Allows(sender.Role) {
		return nil, a.fail(e, reasonNotAuthorized, fmt.Errorf("%s may not update metadata: %w", sender.InboxID, errs.ErrNotAuthorized))
	}
	var p models.MetadataPayload
	if err := json.Unmarshal(e.Commit.Payload, &p); err != nil {
		return nil, a.fail(e, reasonUndecodable, fmt.Errorf("metadata payload: %v: %w", err, errs.ErrDecode))
	}
	keys := slices.Sorted(maps.Keys(p.Attributes))
	for _, k := range keys {
		if k == "" {
			return nil, a.fail(e, reasonInvalidCommit, fmt.Errorf("empty attribute name: %w", errs.ErrDecode))
		}
	}
	if st.Metadata.Attributes == nil {
		st.Metadata.Attributes = make(map[string]string, len(keys))
	}
	changes := make([]codec.MetadataChange, 0, len(keys))
	for _, k := range keys {
		old := st.Metadata.Attributes[k]
		st.Metadata.Attributes[k] = p.Attributes[k]
		changes = append(changes, codec.MetadataChange{Field: k, OldValue: old, NewValue: p.Attributes[k]})
	}
	st.Metadata.Version++
	return a.systemMessage(e, codec.GroupUpdated{InitiatedByInboxID: sender.InboxID, MetadataChanges: changes})
}

func (a *applier) applyMessage(st *models.GroupState, e models.LogEntry) (*models.Message, error) {
	if !st.IsMember(a.self) {
		return nil, errNotRecipient
	}
	content, err := openContent(st.Secret, e.Commit.Payload)
	if err != nil {
		return nil, a.fail(e, reasonUndecodable, err)
	}
	return &models.Message{
		ID:             identity.MessageID(e.ConversationID, e.Position, e.Commit.Payload),
		ConversationID: e.ConversationID,
		SenderInboxID:  e.Commit.SenderInboxID,
		SentAtNs:       e.SentAtNs,
		Position:       e.Position,
		Kind:           models.MessageKindApplication,
		Content:        content,
	}, nil
}

func (a *applier) systemMessage(e models.LogEntry, update codec.GroupUpdated) (*models.Message, error) {
	content, err := a.codecs.Encode(codec.ContentTypeGroupUpdated, update)
	if err != nil {
		return nil, err
	}
	return &models.Message{
		ID:             identity.MessageID(e.ConversationID, e.Position, e.Commit.Payload),
		ConversationID: e.ConversationID,
		SenderInboxID:  e.Commit.SenderInboxID,
		SentAtNs:       e.SentAtNs,
		Position:       e.Position,
		Kind:           models.MessageKindMembershipChange,
		Content:        content,
	}, nil
}
