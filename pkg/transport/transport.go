// Package transport defines the network collaborators the engine consumes:
// identity resolution and the ordered per-conversation log service.
package transport

import (
	"context"

	"groupsync/pkg/models"
)

// IdentityResolver maps account addresses to inboxes.
type IdentityResolver interface {
	// Resolve returns the inbox id linked to address, or an error wrapping errs.ErrNotFound.
	Resolve(ctx context.Context, address string) (string, error)
	InstallationIDs(ctx context.Context, inboxID string) ([]string, error)
}

// LogService is the authoritative, totally ordered log of every conversation.
type LogService interface {
	// AppendCommit orders commit after the current head and returns its
	// position. Conditional commits whose ExpectedPosition is not the head,
	// and creates on a non-empty log, fail with errs.ErrRejected.
	AppendCommit(ctx context.Context, conversationID string, commit models.Commit) (uint64, error)
	// FetchSince returns every entry after cursor in position order, or
	// errs.ErrSyncGap when entries after cursor are no longer available.
	FetchSince(ctx context.Context, conversationID string, cursor uint64) ([]models.LogEntry, error)
	// DiscoverMemberships lists conversations the inbox has been added to.
	DiscoverMemberships(ctx context.Context, inboxID string) ([]string, error)
	// Watch delivers live hints for the inbox until ctx is done, then closes the channel.
	Watch(ctx context.Context, inboxID string) (<-chan Notification, error)
}

// NotificationKind distinguishes welcomes from log appends.
type NotificationKind string

const (
	// NotifyWelcome tells an inbox it was added to a conversation.
	NotifyWelcome NotificationKind = "welcome"
	// NotifyEntry tells a member a conversation log grew.
	NotifyEntry NotificationKind = "entry"
)

// Notification is a live hint. It carries no payload; receivers sync.
type Notification struct {
	Kind           NotificationKind `json:"kind"`
	ConversationID string           `json:"conversation_id"`
	Position       uint64           `json:"position"`
}
