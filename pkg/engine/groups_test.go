package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"groupsync/pkg/codec"
	"groupsync/pkg/errs"
	"groupsync/pkg/models"
	"groupsync/pkg/testutil"
	"groupsync/pkg/transport/memnet"
)

func TestCreateGroup(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)

	msgs, err := g.FindMessages(models.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, models.MessageKindMembershipChange, msgs[0].Kind)
	v, err := codec.NewRegistry().Decode(msgs[0].Content)
	require.NoError(t, err)
	update := v.(codec.GroupUpdated)
	require.Equal(t, c1.InboxID(), update.InitiatedByInboxID)
	require.Equal(t, []string{c2.InboxID()}, update.AddedInboxes)

	require.Equal(t, "", g.GroupName())
	require.Equal(t, c1.InboxID(), g.AddedByInboxID())
	require.True(t, g.IsActive())
	require.Equal(t, models.ConversationTypeGroup, g.ConversationType())

	members, err := g.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, c1.InboxID(), members[0].InboxID)
	require.Equal(t, models.RoleSuperAdmin, members[0].Role)
	require.Contains(t, members[0].InstallationIDs, c1.InstallationID())
	require.Equal(t, models.RoleMember, members[1].Role)

	meta, err := g.GroupMetadata()
	require.NoError(t, err)
	require.Equal(t, models.ConversationTypeGroup, meta.ConversationType)
	require.Equal(t, c1.InboxID(), meta.CreatorInboxID)
	require.Equal(t, uint64(1), meta.Version)

	list, err := c1.Conversations().List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, g.ID(), list[0].ID())
}

func TestCreateGroupOptions(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()},
		WithGroupName("ops"),
		WithDescription("on call"),
		WithPermissions(models.PermissionPolicy{UpdateMetadata: models.AllowAdmin}))
	require.NoError(t, err)
	require.Equal(t, "ops", g.GroupName())
	meta, err := g.GroupMetadata()
	require.NoError(t, err)
	require.Equal(t, "on call", meta.Attributes[models.AttrGroupDescription])

	p, err := g.Permissions()
	require.NoError(t, err)
	require.Equal(t, models.AllowAdmin, p.UpdateMetadata)
	require.Equal(t, models.AllowAnyMember, p.AddMember)

	_, err = c1.CreateGroup(ctx, []string{c2.Address()}, WithPermissions(models.PermissionPolicy{AddMember: "everyone"}))
	require.Error(t, err)
}

func TestCreateGroupUnknownAddress(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	missing := testutil.RandomAddress()
	_, err := c1.CreateGroup(ctx, []string{c2.Address(), missing})
	require.True(t, errors.Is(err, errs.ErrUnknownAddress))
	require.Contains(t, err.Error(), missing)

	list, err := c1.Conversations().List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestCreateGroupDedupsAndDropsSelf(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address(), c2.Address(), c1.Address()})
	require.NoError(t, err)
	members, err := g.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 2)

	solo, err := c1.CreateGroup(ctx, nil)
	require.NoError(t, err)
	members, err = solo.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestListAfterSync(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)

	list, err := c2.Conversations().List()
	require.NoError(t, err)
	require.Len(t, list, 0)

	require.NoError(t, c2.Conversations().Sync(ctx))
	list, err = c2.Conversations().List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, g.ID(), list[0].ID())

	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)
	require.True(t, g2.IsActive())
	require.Equal(t, c1.InboxID(), g2.AddedByInboxID())
	require.Equal(t, g.CreatedAtNs(), g2.CreatedAtNs())
	msgs, err := g2.FindMessages(models.ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// A second sync has nothing to apply.
	require.NoError(t, c2.Conversations().Sync(ctx))
	sum, err := g2.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Applied)
	require.Equal(t, uint64(1), sum.Cursor)
}

func TestListOrdersByCreation(t *testing.T) {
	net := memnet.New()
	var now int64
	c1 := newTestClient(t, net)
	c1.clock = func() int64 { now += 10; return now }
	ctx := testCtx(t)

	var ids []string
	for i := 0; i < 4; i++ {
		g, err := c1.CreateGroup(ctx, nil)
		require.NoError(t, err)
		ids = append(ids, g.ID())
	}
	list, err := c1.Conversations().List()
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i, c := range list {
		require.Equal(t, ids[i], c.ID())
	}
}

func TestSendAndFind(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	id, err := g.SendText(ctx, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := applicationMessages(t, g)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)
	require.Equal(t, "hello", decodeText(t, msgs[0]))
	require.Equal(t, c1.InboxID(), msgs[0].SenderInboxID)

	require.NoError(t, c2.Conversations().Sync(ctx))
	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)
	msgs = applicationMessages(t, g2)
	require.Len(t, msgs, 1)
	require.Equal(t, id, msgs[0].ID)

	limited, err := g2.FindMessages(models.ListMessagesOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, models.MessageKindMembershipChange, limited[0].Kind)
}

func TestAddMembers(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	c3 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))
	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)

	require.NoError(t, g2.AddMembers(ctx, []string{c3.Address()}))
	members, err := g2.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, c2.InboxID(), members[2].AddedByInboxID)

	// Adding an existing member commits nothing.
	head := net.Head(g.ID())
	require.NoError(t, g2.AddMembersByInboxID(ctx, []string{c1.InboxID()}))
	require.Equal(t, head, net.Head(g.ID()))

	require.NoError(t, c3.Conversations().Sync(ctx))
	g3, err := c3.Conversations().Get(g.ID())
	require.NoError(t, err)
	require.True(t, g3.IsActive())
	require.Equal(t, c2.InboxID(), g3.AddedByInboxID())
	meta, err := g3.GroupMetadata()
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.Version)

	_, err = g.Sync(ctx)
	require.NoError(t, err)
	msgs, err := g.FindMessages(models.ListMessagesOptions{Kind: models.MessageKindMembershipChange})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestRemoveMembersDeactivates(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))
	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)

	require.NoError(t, g.RemoveMembers(ctx, []string{c2.InboxID()}))
	members, err := g.ListMembers()
	require.NoError(t, err)
	require.Len(t, members, 1)
	_, err = g.SendText(ctx, "after removal")
	require.NoError(t, err)

	_, err = g2.Sync(ctx)
	require.NoError(t, err)
	require.False(t, g2.IsActive())
	require.Empty(t, applicationMessages(t, g2))

	_, err = g2.SendText(ctx, "still here?")
	require.True(t, errors.Is(err, errs.ErrNotAMember))

	// Removed groups stay listed.
	list, err := c2.Conversations().List()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestPermissionsCheckedLocally(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()},
		WithPermissions(models.PermissionPolicy{UpdateMetadata: models.AllowAdmin}))
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))
	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)

	head := net.Head(g.ID())
	err = g2.UpdateGroupName(ctx, "mine")
	require.True(t, errors.Is(err, errs.ErrNotAuthorized))
	err = g2.RemoveMembers(ctx, []string{c1.InboxID()})
	require.True(t, errors.Is(err, errs.ErrNotAuthorized))
	require.Equal(t, head, net.Head(g.ID()))

	require.NoError(t, g.UpdateGroupName(ctx, "team"))
	require.Equal(t, "team", g.GroupName())
	_, err = g2.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, "team", g2.GroupName())
	meta, err := g2.GroupMetadata()
	require.NoError(t, err)
	require.Equal(t, uint64(2), meta.Version)

	v, err := codec.NewRegistry().Decode(mustLast(t, g2).Content)
	require.NoError(t, err)
	update := v.(codec.GroupUpdated)
	require.Equal(t, []codec.MetadataChange{{Field: models.AttrGroupName, OldValue: "", NewValue: "team"}}, update.MetadataChanges)
}

func mustLast(t *testing.T, g *Group) models.Message {
	t.Helper()
	msgs, err := g.FindMessages(models.ListMessagesOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func TestStaleCommitRejected(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	c2 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, []string{c2.Address()})
	require.NoError(t, err)
	require.NoError(t, c2.Conversations().Sync(ctx))
	g2, err := c2.Conversations().Get(g.ID())
	require.NoError(t, err)
	_, err = g2.SendText(ctx, "moving the log on")
	require.NoError(t, err)

	err = g.UpdateGroupName(ctx, "late")
	require.True(t, errors.Is(err, errs.ErrRejected))
	require.Equal(t, "", g.GroupName())

	_, err = g.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, g.UpdateGroupName(ctx, "late"))
	require.Equal(t, "late", g.GroupName())
}

func TestClosedClient(t *testing.T) {
	net := memnet.New()
	c1 := newTestClient(t, net)
	ctx := testCtx(t)

	g, err := c1.CreateGroup(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c1.Close())
	require.NoError(t, c1.Close())

	_, err = c1.Conversations().List()
	require.True(t, errors.Is(err, errs.ErrClosed))
	_, err = g.SendText(ctx, "x")
	require.True(t, errors.Is(err, errs.ErrClosed))
	_, err = c1.CreateGroup(ctx, nil)
	require.True(t, errors.Is(err, errs.ErrClosed))
	require.True(t, errors.Is(c1.Conversations().Sync(ctx), errs.ErrClosed))
}
