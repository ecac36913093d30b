// Package engine is the group conversation engine: group management, sync,
// the conversation directory and live streams, built over a local store and
// the transport collaborators.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"groupsync/pkg/broker"
	"groupsync/pkg/codec"
	"groupsync/pkg/errs"
	"groupsync/pkg/identity"
	"groupsync/pkg/logger"
	"groupsync/pkg/models"
	"groupsync/pkg/store"
	"groupsync/pkg/transport"
)

const defaultSyncParallelism = 8

// Config tunes a Client. Zero values select defaults.
type Config struct {
	SyncParallelism     int
	SendRPS             float64
	SendBurst           int
	StreamQueueSize     int
	StreamInboundBuffer int
	StreamPolicy        broker.Policy
}

// Options are the collaborators of a Client.
type Options struct {
	Address string
	// InstallationID is used when the store has no installation record yet.
	// Empty generates one.
	InstallationID string
	Store          *store.Store
	Log            transport.LogService
	Resolver       transport.IdentityResolver
	Codecs         *codec.Registry
	Config         Config
	// Clock returns nanoseconds since the epoch. Defaults to the wall clock.
	Clock func() int64
}

// Client is one installation of an inbox. It owns the syncer, the stream
// brokers and the watcher; the store is owned by the caller.
type Client struct {
	address        string
	inboxID        string
	installationID string

	store    *store.Store
	log      transport.LogService
	resolver transport.IdentityResolver
	codecs   *codec.Registry
	cfg      Config
	clock    func() int64

	syncer        *syncer
	limiter       *rate.Limiter
	convBroker    *broker.Broker[*Group]
	msgBroker     *broker.Broker[models.Message]
	watcher       *watcher
	conversations *Conversations

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewClient resolves the local inbox and loads or creates the installation record.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Store == nil || opts.Log == nil || opts.Resolver == nil {
		return nil, errors.New("store, log and resolver are required")
	}
	if opts.Address == "" {
		return nil, errors.New("address is required")
	}
	inboxID, err := opts.Resolver.Resolve(ctx, opts.Address)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("client %s: %w", opts.Address, errs.ErrUnknownAddress)
		}
		return nil, fmt.Errorf("client %s: %w", opts.Address, err)
	}

	inst, err := opts.Store.LoadInstallation(ctx)
	switch {
	case errors.Is(err, errs.ErrNotFound) || (err == nil && inst.InboxID != inboxID):
		inst = store.Installation{
			InstallationID: opts.InstallationID,
			InboxID:        inboxID,
			Address:        identity.NormalizeAddress(opts.Address),
			CreatedAtNs:    time.Now().UnixNano(),
		}
		if inst.InstallationID == "" {
			inst.InstallationID = identity.NewInstallationID()
		}
		if err := opts.Store.SaveInstallation(ctx, inst); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	cfg := opts.Config
	if cfg.SyncParallelism <= 0 {
		cfg.SyncParallelism = defaultSyncParallelism
	}
	limit := rate.Inf
	if cfg.SendRPS > 0 {
		limit = rate.Limit(cfg.SendRPS)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixNano() }
	}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = codec.NewRegistry()
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		address:        opts.Address,
		inboxID:        inboxID,
		installationID: inst.InstallationID,
		store:          opts.Store,
		log:            opts.Log,
		resolver:       opts.Resolver,
		codecs:         codecs,
		cfg:            cfg,
		clock:          clock,
		limiter:        rate.NewLimiter(limit, burst),
		ctx:            rootCtx,
		cancel:         cancel,
	}
	brokerOpts := broker.Options{QueueSize: cfg.StreamQueueSize, InboundBuffer: cfg.StreamInboundBuffer, Policy: cfg.StreamPolicy}
	brokerOpts.Name = "conversations"
	c.convBroker = broker.New[*Group](brokerOpts)
	brokerOpts.Name = "messages"
	c.msgBroker = broker.New[models.Message](brokerOpts)
	c.syncer = newSyncer(c)
	c.watcher = newWatcher(c)
	c.conversations = &Conversations{c: c}

	logger.Info("client_started", "inbox", inboxID, "installation", inst.InstallationID)
	return c, nil
}

func (c *Client) InboxID() string        { return c.inboxID }
func (c *Client) InstallationID() string { return c.installationID }
func (c *Client) Address() string        { return c.address }

// Conversations returns the conversation directory.
func (c *Client) Conversations() *Conversations { return c.conversations }

// Close ends every stream and the watcher. Later operations return ErrClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.convBroker.Close()
	c.msgBroker.Close()
	c.watcher.wait()
	logger.Info("client_closed", "inbox", c.inboxID)
	return nil
}

func (c *Client) checkOpen() error {
	if c.closed.Load() {
		return errs.ErrClosed
	}
	return nil
}

func (c *Client) publishConversation(st *models.GroupState) {
	if err := c.convBroker.Publish(newGroup(c, st)); err != nil && !errors.Is(err, broker.ErrClosed) {
		logger.Warn("publish_conversation_failed", "conversation", st.ID, "error", err)
	}
}

func (c *Client) publishMessage(m models.Message) {
	if err := c.msgBroker.Publish(m); err != nil && !errors.Is(err, broker.ErrClosed) {
		logger.Warn("publish_message_failed", "conversation", m.ConversationID, "position", m.Position, "error", err)
	}
}
