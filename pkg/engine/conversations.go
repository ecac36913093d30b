package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"groupsync/pkg/broker"
	"groupsync/pkg/errs"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
)

// Conversation is the read and send surface shared by every conversation variant.
type Conversation interface {
	ID() string
	CreatedAtNs() int64
	ConversationType() models.ConversationType
	IsActive() bool
	ListMembers() ([]models.Member, error)
	GroupMetadata() (models.GroupMetadata, error)
	FindMessages(opts models.ListMessagesOptions) ([]models.Message, error)
	Send(ctx context.Context, content models.EncodedContent) (string, error)
	Sync(ctx context.Context) (SyncSummary, error)
}

var _ Conversation = (*Group)(nil)

// Conversations is the client's directory of known conversations.
type Conversations struct {
	c *Client
}

// List returns materialized conversations ordered by creation time, oldest
// first. It reads local state only.
func (cs *Conversations) List() ([]Conversation, error) {
	groups, err := cs.ListGroups()
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, len(groups))
	for i, g := range groups {
		out[i] = g
	}
	return out, nil
}

// ListGroups is List narrowed to groups.
func (cs *Conversations) ListGroups() ([]*Group, error) {
	if err := cs.c.checkOpen(); err != nil {
		return nil, err
	}
	states, err := cs.c.store.ListConversations(context.Background())
	if err != nil {
		return nil, err
	}
	var out []*Group
	for _, st := range states {
		if !st.Materialized {
			continue
		}
		out = append(out, newGroup(cs.c, st))
	}
	slices.SortFunc(out, func(a, b *Group) int {
		return cmp.Or(cmp.Compare(a.createdAtNs, b.createdAtNs), cmp.Compare(a.id, b.id))
	})
	return out, nil
}

// Get returns a materialized conversation by id, or errs.ErrNotFound.
func (cs *Conversations) Get(id string) (*Group, error) {
	if err := cs.c.checkOpen(); err != nil {
		return nil, err
	}
	st, _, err := cs.c.store.LoadConversation(context.Background(), id)
	if err != nil {
		return nil, err
	}
	if !st.Materialized {
		return nil, fmt.Errorf("conversation %s not yet synced: %w", id, errs.ErrNotFound)
	}
	return newGroup(cs.c, st), nil
}

// CreateGroup is shorthand for Client.CreateGroup.
func (cs *Conversations) CreateGroup(ctx context.Context, addresses []string, opts ...GroupOption) (*Group, error) {
	return cs.c.CreateGroup(ctx, addresses, opts...)
}

// Sync discovers conversations the local inbox was added to and syncs every
// known conversation. Conversations discovered by this call are synced first,
// one at a time in discovery order, so they reach the conversation stream in
// that order. The rest are synced in parallel. Per-conversation errors are
// joined and returned once all have finished.
func (cs *Conversations) Sync(ctx context.Context) error {
	c := cs.c
	if err := c.checkOpen(); err != nil {
		return err
	}
	ids, err := c.log.DiscoverMemberships(ctx, c.inboxID)
	if err != nil {
		return fmt.Errorf("discover memberships: %w", err)
	}
	var fresh []string
	for _, id := range ids {
		created, err := c.syncer.ensureShell(ctx, id)
		if err != nil {
			return err
		}
		if created {
			fresh = append(fresh, id)
		}
	}
	logger.Debug("discovery_complete", "inbox", c.inboxID, "discovered", len(ids), "new", len(fresh))

	var mu sync.Mutex
	var failures []error
	record := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}
	for _, id := range fresh {
		if _, err := c.syncer.sync(ctx, id); err != nil {
			record(err)
		}
	}

	states, err := c.store.ListConversations(ctx)
	if err != nil {
		return errors.Join(append(failures, err)...)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SyncParallelism)
	for _, st := range states {
		if slices.Contains(fresh, st.ID) {
			continue
		}
		id := st.ID
		g.Go(func() error {
			if _, err := c.syncer.sync(gctx, id); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failures...)
}

// Stream delivers conversations the local inbox joins or creates from now on.
func (cs *Conversations) Stream(ctx context.Context) (*ConversationStream, error) {
	sub, err := subscribe(ctx, cs.c, cs.c.convBroker)
	if err != nil {
		return nil, err
	}
	return &ConversationStream{stream[*Group]{sub: sub, c: cs.c}}, nil
}

// StreamAllMessages delivers every message persisted from now on, across
// all conversations, in the order they were applied.
func (cs *Conversations) StreamAllMessages(ctx context.Context) (*MessageStream, error) {
	sub, err := subscribe(ctx, cs.c, cs.c.msgBroker)
	if err != nil {
		return nil, err
	}
	return &MessageStream{stream[models.Message]{sub: sub, c: cs.c}}, nil
}

func subscribe[T any](ctx context.Context, c *Client, b *broker.Broker[T]) (*broker.Subscription[T], error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	sub, err := b.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", errs.ErrClosed)
	}
	if err := c.watcher.acquire(ctx); err != nil {
		sub.Stop()
		return nil, err
	}
	return sub, nil
}

type stream[T any] struct {
	sub  *broker.Subscription[T]
	c    *Client
	once sync.Once
}

// Next blocks for the next event. It returns broker.ErrStopped after Stop
// or client shutdown.
func (s *stream[T]) Next(ctx context.Context) (broker.Delivery[T], error) {
	return s.sub.Next(ctx)
}

// All yields events until Stop, client shutdown or ctx is done.
func (s *stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return s.sub.All(ctx)
}

// Stop ends the stream. Idempotent.
func (s *stream[T]) Stop() {
	s.once.Do(func() {
		s.sub.Stop()
		s.c.watcher.release()
	})
}

// ConversationStream yields newly joined conversations.
type ConversationStream struct {
	stream[*Group]
}

// MessageStream yields messages from every conversation.
type MessageStream struct {
	stream[models.Message]
}
