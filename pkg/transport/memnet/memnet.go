// Package memnet is an in-process network implementing both the identity
// resolver and the log service. Tests run several clients against one
// Network; the daemon uses it in single-process mode.
package memnet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"groupsync/pkg/errs"
	"groupsync/pkg/identity"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
	"groupsync/pkg/transport"
)

var (
	_ transport.IdentityResolver = (*Network)(nil)
	_ transport.LogService       = (*Network)(nil)
)

type conversationLog struct {
	entries []models.LogEntry // positions pruned+1 .. head
	pruned  uint64
	members map[string]bool
	lastTs  int64
}

func (l *conversationLog) head() uint64 { return l.pruned + uint64(len(l.entries)) }

// Network is safe for concurrent use.
type Network struct {
	mu            sync.Mutex
	addresses     map[string]string
	installations map[string][]string
	logs          map[string]*conversationLog
	memberships   map[string][]string
	watchers      map[string]map[*watcher]struct{}
	clock         func() int64

	fetches   atomic.Int64
	fetchHook func(conversationID string)
}

// New returns an empty network using the wall clock.
func New() *Network {
	return &Network{
		addresses:     make(map[string]string),
		installations: make(map[string][]string),
		logs:          make(map[string]*conversationLog),
		memberships:   make(map[string][]string),
		watchers:      make(map[string]map[*watcher]struct{}),
		clock:         func() int64 { return time.Now().UnixNano() },
	}
}

// SetClock replaces the timestamp source used for sentAtNs.
func (n *Network) SetClock(clock func() int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock = clock
}

// SetFetchHook installs fn to run inside every FetchSince before it reads the log.
func (n *Network) SetFetchHook(fn func(conversationID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetchHook = fn
}

// Fetches returns how many FetchSince calls the network has served.
func (n *Network) Fetches() int64 { return n.fetches.Load() }

// Register links address to its derived inbox id and returns it.
func (n *Network) Register(address string) string {
	inboxID := identity.InboxID(address, 0)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addresses[identity.NormalizeAddress(address)] = inboxID
	return inboxID
}

// AddInstallation records installationID under inboxID.
func (n *Network) AddInstallation(inboxID, installationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !slices.Contains(n.installations[inboxID], installationID) {
		n.installations[inboxID] = append(n.installations[inboxID], installationID)
	}
}

func (n *Network) Resolve(_ context.Context, address string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	inboxID, ok := n.addresses[identity.NormalizeAddress(address)]
	if !ok {
		return "", fmt.Errorf("resolve %s: %w", address, errs.ErrNotFound)
	}
	return inboxID, nil
}

func (n *Network) InstallationIDs(_ context.Context, inboxID string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.installations[inboxID]), nil
}

func (n *Network) AppendCommit(ctx context.Context, conversationID string, commit models.Commit) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if conversationID == "" || commit.SenderInboxID == "" {
		return 0, fmt.Errorf("append: conversation and sender are required")
	}

	n.mu.Lock()
	l := n.logs[conversationID]
	if commit.Kind == models.CommitCreate {
		if l != nil {
			n.mu.Unlock()
			return 0, fmt.Errorf("create %s: log already exists: %w", conversationID, errs.ErrRejected)
		}
		l = &conversationLog{members: make(map[string]bool)}
		n.logs[conversationID] = l
	} else if l == nil {
		n.mu.Unlock()
		return 0, fmt.Errorf("append %s: no such conversation: %w", conversationID, errs.ErrRejected)
	}
	if commit.ExpectedPosition != 0 && commit.ExpectedPosition != l.head() {
		head := l.head()
		n.mu.Unlock()
		return 0, fmt.Errorf("append %s: expected position %d, head is %d: %w", conversationID, commit.ExpectedPosition, head, errs.ErrRejected)
	}

	ts := n.clock()
	if ts < l.lastTs {
		ts = l.lastTs
	}
	l.lastTs = ts
	pos := l.head() + 1
	entry := models.LogEntry{ConversationID: conversationID, Position: pos, SentAtNs: ts, Commit: cloneCommit(commit)}
	l.entries = append(l.entries, entry)

	var welcomed []string
	switch commit.Kind {
	case models.CommitCreate, models.CommitAddMembers:
		for _, r := range commit.Recipients {
			if !l.members[r] {
				l.members[r] = true
				welcomed = append(welcomed, r)
			}
			if !slices.Contains(n.memberships[r], conversationID) {
				n.memberships[r] = append(n.memberships[r], conversationID)
			}
		}
	case models.CommitRemoveMembers:
		for _, r := range commit.Removed {
			delete(l.members, r)
		}
	}

	for _, inbox := range welcomed {
		n.notifyLocked(inbox, transport.Notification{Kind: transport.NotifyWelcome, ConversationID: conversationID, Position: pos})
	}
	notified := make(map[string]bool, len(l.members))
	for inbox := range l.members {
		if !slices.Contains(welcomed, inbox) {
			notified[inbox] = true
			n.notifyLocked(inbox, transport.Notification{Kind: transport.NotifyEntry, ConversationID: conversationID, Position: pos})
		}
	}
	for _, inbox := range commit.Removed {
		if !notified[inbox] {
			n.notifyLocked(inbox, transport.Notification{Kind: transport.NotifyEntry, ConversationID: conversationID, Position: pos})
		}
	}
	n.mu.Unlock()

	logger.Debug("memnet_commit_appended", "conversation", conversationID, "position", pos, "kind", commit.Kind)
	return pos, nil
}

func (n *Network) FetchSince(ctx context.Context, conversationID string, cursor uint64) ([]models.LogEntry, error) {
	n.fetches.Add(1)
	n.mu.Lock()
	hook := n.fetchHook
	n.mu.Unlock()
	if hook != nil {
		hook(conversationID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	l := n.logs[conversationID]
	if l == nil || cursor >= l.head() {
		return nil, nil
	}
	if cursor < l.pruned {
		return nil, fmt.Errorf("fetch %s since %d: pruned through %d: %w", conversationID, cursor, l.pruned, errs.ErrSyncGap)
	}
	src := l.entries[cursor-l.pruned:]
	out := make([]models.LogEntry, len(src))
	for i, e := range src {
		e.Commit = cloneCommit(e.Commit)
		out[i] = e
	}
	return out, nil
}

func (n *Network) DiscoverMemberships(_ context.Context, inboxID string) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.memberships[inboxID]), nil
}

// Prune drops entries at or below upTo, as a retention pass would.
func (n *Network) Prune(conversationID string, upTo uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l := n.logs[conversationID]
	if l == nil || upTo <= l.pruned {
		return
	}
	if upTo > l.head() {
		upTo = l.head()
	}
	l.entries = slices.Clone(l.entries[upTo-l.pruned:])
	l.pruned = upTo
}

// Head returns the last position of a conversation log.
func (n *Network) Head(conversationID string) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l := n.logs[conversationID]; l != nil {
		return l.head()
	}
	return 0
}

func cloneCommit(c models.Commit) models.Commit {
	c.Recipients = slices.Clone(c.Recipients)
	c.Removed = slices.Clone(c.Removed)
	c.Payload = slices.Clone(c.Payload)
	return c
}
