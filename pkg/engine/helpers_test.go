package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"groupsync/pkg/codec"
	"groupsync/pkg/identity"
	"groupsync/pkg/models"
	"groupsync/pkg/store"
	"groupsync/pkg/store/encryption"
	"groupsync/pkg/store/kv"
	"groupsync/pkg/testutil"
	"groupsync/pkg/transport"
	"groupsync/pkg/transport/memnet"
)

// failingKV fails every commit while fail is set.
type failingKV struct {
	kv.KV
	fail atomic.Bool
}

func (f *failingKV) Commit(b *kv.Batch) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.KV.Commit(b)
}

type clientSetup struct {
	cipher encryption.Cipher
	wrap   func(kv.KV) kv.KV
	log    transport.LogService
}

type clientOption func(*clientSetup)

func withCipher(c encryption.Cipher) clientOption {
	return func(s *clientSetup) { s.cipher = c }
}

func withKV(wrap func(kv.KV) kv.KV) clientOption {
	return func(s *clientSetup) { s.wrap = wrap }
}

func withLog(l transport.LogService) clientOption {
	return func(s *clientSetup) { s.log = l }
}

// newTestClient registers a random address on net and opens a client for it
// over a pebble store in a temp dir.
func newTestClient(t *testing.T, net *memnet.Network, opts ...clientOption) *Client {
	t.Helper()
	var setup clientSetup
	for _, o := range opts {
		o(&setup)
	}
	addr := testutil.RandomAddress()
	inbox := net.Register(addr)
	inst := identity.NewInstallationID()
	net.AddInstallation(inbox, inst)

	db, err := kv.OpenPebble(t.TempDir(), kv.WithNoSync())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	var logService transport.LogService = net
	if setup.log != nil {
		logService = setup.log
	}
	var engine kv.KV = db
	if setup.wrap != nil {
		engine = setup.wrap(db)
	}

	c, err := NewClient(context.Background(), Options{
		Address:        addr,
		InstallationID: inst,
		Store:          store.New(engine, setup.cipher),
		Log:            logService,
		Resolver:       net,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
	t.Cleanup(cancel)
	return ctx
}

func nextGroup(t *testing.T, s *ConversationStream) *Group {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.Next(ctx)
	require.NoError(t, err)
	return d.Value
}

func nextMessage(t *testing.T, s *MessageStream) models.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := s.Next(ctx)
	require.NoError(t, err)
	return d.Value
}

func decodeText(t *testing.T, m models.Message) string {
	t.Helper()
	v, err := codec.NewRegistry().Decode(m.Content)
	require.NoError(t, err)
	s, ok := v.(string)
	require.True(t, ok, "content is %T", v)
	return s
}

func applicationMessages(t *testing.T, g *Group) []models.Message {
	t.Helper()
	msgs, err := g.FindMessages(models.ListMessagesOptions{Kind: models.MessageKindApplication})
	require.NoError(t, err)
	return msgs
}

func applicationOnly() models.ListMessagesOptions {
	return models.ListMessagesOptions{Kind: models.MessageKindApplication}
}
