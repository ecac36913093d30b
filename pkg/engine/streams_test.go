package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"groupsync/pkg/broker"
	"groupsync/pkg/testutil"
	"groupsync/pkg/transport/memnet"
)

func TestStreamConversations(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	c3 := newTestClient(t, net)
	ctx := testCtx(t)

	stream, err := c3.Conversations().Stream(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	g1, err := c1.CreateGroup(ctx, []string{c3.Address()})
	require.NoError(t, err)
	g2, err := c2.CreateGroup(ctx, []string{c3.Address()})
	require.NoError(t, err)

	require.Equal(t, g1.ID(), nextGroup(t, stream).ID())
	got := nextGroup(t, stream)
	require.Equal(t, g2.ID(), got.ID())
	require.Equal(t, c2.InboxID(), got.AddedByInboxID())

	list, err := c3.Conversations().List()
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Nothing further is pending.
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	_, err = stream.Next(short)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	stream.Stop()
	require.Equal(t, 0, c3.convBroker.Subscribers())

	c4 := newTestClient(t, net)
	g3, err := c4.CreateGroup(ctx, []string{c3.Address()})
	require.NoError(t, err)
	require.NoError(t, c3.Conversations().Sync(ctx))
	_, err = c3.Conversations().Get(g3.ID())
	require.NoError(t, err)

	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, broker.ErrStopped)
	require.Equal(t, 0, c3.convBroker.Subscribers())
}

func TestStreamIncludesOwnGroups(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	ctx := testCtx(t)

	stream, err := c1.Conversations().Stream(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	g, err := c1.CreateGroup(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, g.ID(), nextGroup(t, stream).ID())
}

func TestStreamAllMessages(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	c3 := newTestClient(t, net)
	ctx := testCtx(t)

	g1, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	g2, err := c1.CreateGroup(ctx, []string{c3.Address()})
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))
	require.NoError(t, c3.Conversations().Sync(ctx))

	stream, err := c1.Conversations().StreamAllMessages(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	bo, err := c2.Conversations().Get(g1.ID())
	require.NoError(t, err)
	_, err = bo.SendText(ctx, "gm!")
	require.NoError(t, err)
	caro, err := c3.Conversations().Get(g2.ID())
	require.NoError(t, err)
	_, err = caro.SendText(ctx, "gm2!")
	require.NoError(t, err)

	m := nextMessage(t, stream)
	require.Equal(t, "gm!", decodeText(t, m))
	require.Equal(t, c2.InboxID(), m.SenderInboxID)
	require.Equal(t, g1.ID(), m.ConversationID)
	m = nextMessage(t, stream)
	require.Equal(t, "gm2!", decodeText(t, m))
	require.Equal(t, c3.InboxID(), m.SenderInboxID)

	// Both messages were persisted before they were published.
	require.Len(t, applicationMessages(t, g1), 1)
	require.Len(t, applicationMessages(t, g2), 1)
}

func TestStreamAllMessagesWithRange(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))

	stream, err := c2.Conversations().StreamAllMessages(ctx)
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := g.SendText(ctx, text)
		require.NoError(t, err)
	}

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var got []string
	for m, err := range stream.All(rctx) {
		require.NoError(t, err)
		got = append(got, decodeText(t, m))
		if len(got) == 3 {
			stream.Stop()
		}
	}
	require.Equal(t, []string{"one", "two", "three"}, got)
}

func TestStreamStop(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	ctx := testCtx(t)

	s1, err := c1.Conversations().Stream(ctx)
	require.NoError(t, err)
	s2, err := c1.Conversations().StreamAllMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, c1.watcher.refs)

	s1.Stop()
	s1.Stop()
	_, err = s1.Next(ctx)
	require.True(t, errors.Is(err, broker.ErrStopped))
	require.Equal(t, 1, c1.watcher.refs)

	s2.Stop()
	require.Equal(t, 0, c1.watcher.refs)

	// A new stream restarts the watcher.
	c2 := newTestClient(t, net)
	s3, err := c1.Conversations().Stream(ctx)
	require.NoError(t, err)
	defer s3.Stop()
	g, err := c2.CreateGroup(ctx, []string{c1.Address()})
	require.NoError(t, err)
	require.Equal(t, g.ID(), nextGroup(t, s3).ID())
}

func TestCloseEndsStreams(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	ctx := testCtx(t)

	stream, err := c1.Conversations().StreamAllMessages(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Next(ctx)
		done <- err
	}()
	require.NoError(t, c1.Close())
	select {
	case err := <-done:
		require.True(t, errors.Is(err, broker.ErrStopped))
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end on close")
	}
	stream.Stop()

	_, err = c1.Conversations().Stream(ctx)
	require.Error(t, err)
}

func TestWatcherSyncsWithoutExplicitCalls(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	stream, err := c2.Conversations().Stream(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	_, err = g.SendText(ctx, "hi")
	require.NoError(t, err)

	testutil.WaitFor(t, testutil.DefaultWait, func() bool {
		g2, err := c2.Conversations().Get(g.ID())
		if err != nil {
			return false
		}
		msgs, err := g2.FindMessages(applicationOnly())
		return err == nil && len(msgs) == 1
	})
}

func TestReaddRepublishesAndKeepsAddedBy(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	c3 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address(), c3.Address()})
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))
	require.NoError(t, g.RemoveMembers(ctx, []string{c2.InboxID()}))
	require.NoError(t, c2.Conversations().Sync(ctx))
	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)
	require.False(t, g2.IsActive())

	stream, err := c2.Conversations().Stream(ctx)
	require.NoError(t, err)
	defer stream.Stop()

	require.NoError(t, c3.Conversations().Sync(ctx))
	g3, err := c3.Conversations().Get(g.ID())
	require.NoError(t, err)
	require.NoError(t, g3.AddMembersByInboxID(ctx, []string{c2.InboxID()}))

	got := nextGroup(t, stream)
	require.Equal(t, g.ID(), got.ID())
	require.True(t, got.IsActive())
	require.Equal(t, c1.InboxID(), got.AddedByInboxID())

	members, err := got.ListMembers()
	require.NoError(t, err)
	var readded bool
	for _, m := range members {
		if m.InboxID == c2.InboxID() {
			readded = true
			require.Equal(t, c3.InboxID(), m.AddedByInboxID)
		}
	}
	require.True(t, readded)
}
