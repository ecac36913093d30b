package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"groupsync/pkg/errs"
	"groupsync/pkg/identity"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
)

const groupNonceSize = 16

type groupOptions struct {
	attributes map[string]string
	policy     models.PermissionPolicy
}

// GroupOption sets an initial property of a new group.
type GroupOption func(*groupOptions)

func WithGroupName(name string) GroupOption {
	return func(o *groupOptions) { o.attributes[models.AttrGroupName] = name }
}

func WithDescription(description string) GroupOption {
	return func(o *groupOptions) { o.attributes[models.AttrGroupDescription] = description }
}

// WithPermissions replaces the default permission policy. Unset entries keep
// their defaults.
func WithPermissions(p models.PermissionPolicy) GroupOption {
	return func(o *groupOptions) { o.policy = p }
}

// CreateGroup creates a group of the local inbox and the inboxes behind
// addresses, and returns it once the creation is applied locally.
func (c *Client) CreateGroup(ctx context.Context, addresses []string, opts ...GroupOption) (*Group, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	o := groupOptions{attributes: make(map[string]string)}
	for _, opt := range opts {
		opt(&o)
	}
	policy := o.policy.WithDefaults()
	if !policy.Valid() {
		return nil, fmt.Errorf("create group: invalid permission policy %+v", o.policy)
	}

	invitees, err := c.resolveAll(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	var inboxes []string
	if c.inboxID != "" {
		inboxes = append(inboxes, c.inboxID)
	}
	for _, id := range invitees {
		if id != c.inboxID && !slices.Contains(inboxes, id) {
			inboxes = append(inboxes, id)
		}
	}
	if len(inboxes) == 0 {
		return nil, fmt.Errorf("create group: %w", errs.ErrEmptyMembership)
	}

	members, err := c.memberSpecs(ctx, inboxes)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	members[0].Role = models.RoleSuperAdmin
	if !slices.Contains(members[0].InstallationIDs, c.installationID) {
		members[0].InstallationIDs = append(members[0].InstallationIDs, c.installationID)
	}

	secret, err := identity.RandomBytes(secretSize)
	if err != nil {
		return nil, err
	}
	nonce, err := identity.RandomBytes(groupNonceSize)
	if err != nil {
		return nil, err
	}
	createdAt := c.clock()
	id := identity.GroupID(c.inboxID, createdAt, nonce)
	payload, err := json.Marshal(models.CreatePayload{
		GroupID:     id,
		CreatedAtNs: createdAt,
		Members:     members,
		Attributes:  o.attributes,
		Policy:      policy,
		Secret:      secret,
	})
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	pos, err := c.log.AppendCommit(ctx, id, models.Commit{
		Kind:                 models.CommitCreate,
		SenderInboxID:        c.inboxID,
		SenderInstallationID: c.installationID,
		Recipients:           inboxes,
		Payload:              payload,
	})
	if err != nil {
		return nil, fmt.Errorf("create group %s: %w", id, err)
	}
	sum, err := c.syncer.syncTo(ctx, id, pos)
	if err != nil {
		return nil, err
	}
	if ferr := failureAt(sum, pos); ferr != nil {
		return nil, ferr
	}
	logger.Info("group_created", "conversation", id, "members", len(inboxes), "position", pos)
	return c.conversations.Get(id)
}

// resolveAll maps addresses to inbox ids, naming the first address that does
// not resolve.
func (c *Client) resolveAll(ctx context.Context, addresses []string) ([]string, error) {
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		id, err := c.resolver.Resolve(ctx, addr)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("address %s: %w", addr, errs.ErrUnknownAddress)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", addr, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (c *Client) memberSpecs(ctx context.Context, inboxes []string) ([]models.MemberSpec, error) {
	out := make([]models.MemberSpec, 0, len(inboxes))
	for _, id := range inboxes {
		installs, err := c.resolver.InstallationIDs(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("installations of %s: %w", id, err)
		}
		out = append(out, models.MemberSpec{InboxID: id, InstallationIDs: installs, Role: models.RoleMember})
	}
	return out, nil
}

// SyncConversation syncs one conversation with the log service.
func (c *Client) SyncConversation(ctx context.Context, id string) (SyncSummary, error) {
	if err := c.checkOpen(); err != nil {
		return SyncSummary{ConversationID: id}, err
	}
	return c.syncer.sync(ctx, id)
}

// failureAt returns the apply failure recorded for position, if any.
func failureAt(sum SyncSummary, position uint64) error {
	for _, f := range sum.Failures {
		var ae *ApplyError
		if errors.As(f, &ae) && ae.Position == position {
			return f
		}
	}
	return nil
}
