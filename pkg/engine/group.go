package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"groupsync/pkg/codec"
	"groupsync/pkg/errs"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
)

// Group is a handle on a group conversation. Reads go to the local store
// and reflect the last committed sync.
type Group struct {
	c           *Client
	id          string
	createdAtNs int64
	creator     string
}

func newGroup(c *Client, st *models.GroupState) *Group {
	return &Group{c: c, id: st.ID, createdAtNs: st.CreatedAtNs, creator: st.Metadata.CreatorInboxID}
}

func (g *Group) ID() string                                { return g.id }
func (g *Group) CreatedAtNs() int64                        { return g.createdAtNs }
func (g *Group) CreatorInboxID() string                    { return g.creator }
func (g *Group) ConversationType() models.ConversationType { return models.ConversationTypeGroup }

func (g *Group) state() (*models.GroupState, uint64, error) {
	if err := g.c.checkOpen(); err != nil {
		return nil, 0, err
	}
	return g.c.store.LoadConversation(context.Background(), g.id)
}

// IsActive reports whether the local inbox is still a member.
func (g *Group) IsActive() bool {
	st, _, err := g.state()
	return err == nil && st.IsActive
}

func (g *Group) GroupName() string {
	st, _, err := g.state()
	if err != nil {
		return ""
	}
	return st.Metadata.GroupName()
}

// AddedByInboxID names the inbox that added the local inbox.
func (g *Group) AddedByInboxID() string {
	st, _, err := g.state()
	if err != nil {
		return ""
	}
	return st.AddedByInboxID
}

// ListMembers returns members in the order they joined.
func (g *Group) ListMembers() ([]models.Member, error) {
	st, _, err := g.state()
	if err != nil {
		return nil, err
	}
	return st.Members, nil
}

func (g *Group) GroupMetadata() (models.GroupMetadata, error) {
	st, _, err := g.state()
	if err != nil {
		return models.GroupMetadata{}, err
	}
	return st.Metadata, nil
}

func (g *Group) Permissions() (models.PermissionPolicy, error) {
	st, _, err := g.state()
	if err != nil {
		return models.PermissionPolicy{}, err
	}
	return st.Policy, nil
}

// FindMessages returns stored messages in log order.
func (g *Group) FindMessages(opts models.ListMessagesOptions) ([]models.Message, error) {
	if err := g.c.checkOpen(); err != nil {
		return nil, err
	}
	return g.c.store.Messages(context.Background(), g.id, opts)
}

func (g *Group) Sync(ctx context.Context) (SyncSummary, error) {
	return g.c.SyncConversation(ctx, g.id)
}

// Send seals content for the group, appends it and returns the message id
// once the message is stored locally.
func (g *Group) Send(ctx context.Context, content models.EncodedContent) (string, error) {
	st, _, err := g.state()
	if err != nil {
		return "", err
	}
	if !st.IsActive || !st.IsMember(g.c.inboxID) {
		return "", fmt.Errorf("send to %s: %w", g.id, errs.ErrNotAMember)
	}
	if err := g.c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	sealed, err := sealContent(st.Secret, content)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", g.id, err)
	}
	pos, err := g.c.log.AppendCommit(ctx, g.id, models.Commit{
		Kind:                 models.CommitMessage,
		SenderInboxID:        g.c.inboxID,
		SenderInstallationID: g.c.installationID,
		Payload:              sealed,
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", g.id, err)
	}
	sum, err := g.c.syncer.syncTo(ctx, g.id, pos)
	if err != nil {
		return "", err
	}
	msg, err := g.c.store.Message(ctx, g.id, pos)
	if errors.Is(err, errs.ErrNotFound) {
		if ferr := failureAt(sum, pos); ferr != nil {
			return "", ferr
		}
		// Removed between the check and the append.
		return "", fmt.Errorf("send to %s: %w", g.id, errs.ErrNotAMember)
	}
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendText sends a plain text message.
func (g *Group) SendText(ctx context.Context, text string) (string, error) {
	return g.Send(ctx, codec.EncodeText(text))
}

// AddMembers resolves addresses and adds their inboxes.
func (g *Group) AddMembers(ctx context.Context, addresses []string) error {
	ids, err := g.c.resolveAll(ctx, addresses)
	if err != nil {
		return fmt.Errorf("add members to %s: %w", g.id, err)
	}
	return g.AddMembersByInboxID(ctx, ids)
}

// AddMembersByInboxID adds inboxes that are not yet members. Adding only
// existing members is a no-op.
func (g *Group) AddMembersByInboxID(ctx context.Context, inboxIDs []string) error {
	st, _, err := g.state()
	if err != nil {
		return err
	}
	var fresh []string
	for _, id := range inboxIDs {
		if id != "" && !st.IsMember(id) && !slices.Contains(fresh, id) {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	specs, err := g.c.memberSpecs(ctx, fresh)
	if err != nil {
		return fmt.Errorf("add members to %s: %w", g.id, err)
	}
	return g.commit(ctx, models.CommitAddMembers, models.MembersPayload{Members: specs}, func(p models.PermissionPolicy, self models.Member, _ *models.GroupState) error {
		if !p.AddMember.Allows(self.Role) {
			return errs.ErrNotAuthorized
		}
		return nil
	}, fresh, nil)
}

// RemoveMembers removes current members. Only super admins may remove a
// super admin.
func (g *Group) RemoveMembers(ctx context.Context, inboxIDs []string) error {
	st, _, err := g.state()
	if err != nil {
		return err
	}
	var gone []string
	var specs []models.MemberSpec
	for _, id := range inboxIDs {
		if st.IsMember(id) && !slices.Contains(gone, id) {
			gone = append(gone, id)
			specs = append(specs, models.MemberSpec{InboxID: id})
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return g.commit(ctx, models.CommitRemoveMembers, models.MembersPayload{Members: specs}, func(p models.PermissionPolicy, self models.Member, st *models.GroupState) error {
		if !p.RemoveMember.Allows(self.Role) {
			return errs.ErrNotAuthorized
		}
		for _, id := range gone {
			if m, ok := st.Member(id); ok && m.Role == models.RoleSuperAdmin && self.Role != models.RoleSuperAdmin {
				return errs.ErrNotAuthorized
			}
		}
		return nil
	}, nil, gone)
}

func (g *Group) UpdateGroupName(ctx context.Context, name string) error {
	return g.UpdateMetadata(ctx, models.AttrGroupName, name)
}

func (g *Group) UpdateDescription(ctx context.Context, description string) error {
	return g.UpdateMetadata(ctx, models.AttrGroupDescription, description)
}

// UpdateMetadata sets one metadata attribute.
func (g *Group) UpdateMetadata(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("update metadata of %s: empty attribute name", g.id)
	}
	return g.commit(ctx, models.CommitUpdateMetadata, models.MetadataPayload{Attributes: map[string]string{key: value}}, func(p models.PermissionPolicy, self models.Member, _ *models.GroupState) error {
		if !p.UpdateMetadata.Allows(self.Role) {
			return errs.ErrNotAuthorized
		}
		return nil
	}, nil, nil)
}

type permissionCheck func(p models.PermissionPolicy, self models.Member, st *models.GroupState) error

// commit appends a group-changing commit conditioned on the local cursor and
// syncs it. A log that moved on answers errs.ErrRejected; callers sync and
// decide whether to try again.
func (g *Group) commit(ctx context.Context, kind models.CommitKind, body any, check permissionCheck, recipients, removed []string) error {
	st, cursor, err := g.state()
	if err != nil {
		return err
	}
	self, ok := st.Member(g.c.inboxID)
	if !st.IsActive || !ok {
		return fmt.Errorf("%s on %s: %w", kind, g.id, errs.ErrNotAMember)
	}
	if err := check(st.Policy, self, st); err != nil {
		return fmt.Errorf("%s on %s by %s: %w", kind, g.id, self.Role, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", kind, g.id, err)
	}
	if err := g.c.limiter.Wait(ctx); err != nil {
		return err
	}
	pos, err := g.c.log.AppendCommit(ctx, g.id, models.Commit{
		Kind:                 kind,
		SenderInboxID:        g.c.inboxID,
		SenderInstallationID: g.c.installationID,
		ExpectedPosition:     cursor,
		Recipients:           recipients,
		Removed:              removed,
		Payload:              payload,
	})
	if err != nil {
		return fmt.Errorf("%s on %s: %w", kind, g.id, err)
	}
	sum, err := g.c.syncer.syncTo(ctx, g.id, pos)
	if err != nil {
		return err
	}
	if ferr := failureAt(sum, pos); ferr != nil {
		return ferr
	}
	logger.Info("group_commit_applied", "conversation", g.id, "kind", kind, "position", pos)
	return nil
}
