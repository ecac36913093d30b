package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"

	"groupsync/pkg/broker"
	"groupsync/pkg/codec"
	"groupsync/pkg/config"
	"groupsync/pkg/engine"
	"groupsync/pkg/errs"
	"groupsync/pkg/logger"
	"groupsync/pkg/sensor"
	"groupsync/pkg/state"
	"groupsync/pkg/store"
	"groupsync/pkg/store/encryption"
	"groupsync/pkg/store/kv"
	"groupsync/pkg/transport/memnet"
	"groupsync/pkg/transport/redislog"
)

// App groups daemon state and components.
type App struct {
	eff     config.EffectiveConfigResult
	paths   state.Paths
	version string

	db     *kv.Pebble
	client *engine.Client
	// network is set in memory mode only.
	network   *memnet.Network
	transport io.Closer

	hwSensor        *sensor.Sensor
	scheduleCancel  context.CancelFunc
	convStream      *engine.ConversationStream
	msgStream       *engine.MessageStream
	srvFast         *fasthttp.Server
	ln              net.Listener
	wg              sync.WaitGroup
	jobMu           sync.Mutex
	jobRunning      bool
	shutdownOnce    sync.Once
	listenAddrMu    sync.Mutex
	listenAddrBound string
}

// New opens the store, connects the transport and signs the client in. It
// starts nothing; Run does.
func New(ctx context.Context, eff config.EffectiveConfigResult, paths state.Paths, version string) (*App, error) {
	if err := config.ValidateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config
	if paths.Store == "" {
		return nil, fmt.Errorf("state paths not initialized")
	}

	var cipher encryption.Cipher
	if cfg.Encryption.Enabled {
		key, err := encryption.LoadKey(cfg.Encryption.MasterKeyHex, cfg.Encryption.MasterKeyFile)
		if err != nil {
			return nil, fmt.Errorf("encryption master key: %w", err)
		}
		aead, err := encryption.NewAEAD(ctx, key)
		if err != nil {
			return nil, err
		}
		cipher = aead
	}

	db, err := kv.OpenPebble(paths.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", paths.Store, err)
	}
	a := &App{eff: eff, paths: paths, version: version, db: db}

	opts := engine.Options{
		Address: cfg.Client.Address,
		Store:   store.New(db, cipher),
		Codecs:  codec.NewRegistry(),
	}
	var addInstallation func(ctx context.Context, inboxID, installationID string) error

	switch cfg.Transport.Mode {
	case "redis":
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Transport.Redis.Address,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		})
		l := redislog.New(rc, redislog.Options{Prefix: cfg.Transport.Redis.Prefix, MaxLen: cfg.Transport.Redis.MaxLen})
		a.transport = l
		if _, err := l.Resolve(ctx, cfg.Client.Address); err != nil {
			if !errors.Is(err, errs.ErrNotFound) {
				a.closeResources()
				return nil, err
			}
			inboxID, err := l.Register(ctx, cfg.Client.Address, cfg.Client.InboxNonce)
			if err != nil {
				a.closeResources()
				return nil, err
			}
			logger.Info("inbox_registered", "address", cfg.Client.Address, "inbox", inboxID, "nonce", cfg.Client.InboxNonce)
		}
		opts.Log, opts.Resolver = l, l
		addInstallation = l.AddInstallation
	default:
		logger.Warn("transport_memory_mode", "note", "conversation logs live in this process only")
		n := memnet.New()
		n.Register(cfg.Client.Address)
		a.network = n
		opts.Log, opts.Resolver = n, n
		addInstallation = func(_ context.Context, inboxID, installationID string) error {
			n.AddInstallation(inboxID, installationID)
			return nil
		}
	}

	policy, err := broker.ParsePolicy(cfg.Stream.Policy)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	opts.Config = engine.Config{
		SyncParallelism:     cfg.Sync.Parallelism,
		SendRPS:             cfg.Sync.SendRPS,
		SendBurst:           cfg.Sync.SendBurst,
		StreamQueueSize:     cfg.Stream.QueueSize,
		StreamInboundBuffer: cfg.Stream.InboundBuffer,
		StreamPolicy:        policy,
	}

	client, err := engine.NewClient(ctx, opts)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.client = client
	if err := addInstallation(ctx, client.InboxID(), client.InstallationID()); err != nil {
		a.closeResources()
		return nil, fmt.Errorf("register installation: %w", err)
	}
	return a, nil
}

// Client is the signed-in engine client.
func (a *App) Client() *engine.Client { return a.client }

// Run starts the sensor, the streams, the sync schedule and the HTTP server,
// and blocks until ctx is done or the server fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.eff.Config
	logger.LogConfigSummary("config_summary", []string{
		fmt.Sprintf("version: %s", a.version),
		fmt.Sprintf("source: %s", a.eff.Source),
		fmt.Sprintf("inbox: %s", a.client.InboxID()),
		fmt.Sprintf("installation: %s", a.client.InstallationID()),
		fmt.Sprintf("transport: %s", cfg.Transport.Mode),
		fmt.Sprintf("encryption: %t", cfg.Encryption.Enabled),
		fmt.Sprintf("sync_schedule: %q", cfg.Sync.Schedule),
		fmt.Sprintf("stream_policy: %s", cfg.Stream.Policy),
		fmt.Sprintf("low_disk_threshold: %s", humanize.IBytes(uint64(cfg.Sensor.LowDiskBytes.Int64()))),
	})

	a.hwSensor = sensor.NewSensor(sensor.MonitorConfig{
		Path:           a.paths.Store,
		PollInterval:   cfg.Sensor.PollInterval.Duration(),
		LowDiskBytes:   uint64(cfg.Sensor.LowDiskBytes.Int64()),
		RecoveryWindow: cfg.Sensor.RecoveryWindow.Duration(),
	})
	a.hwSensor.Start()

	if err := a.client.Conversations().Sync(ctx); err != nil {
		logger.Warn("initial_sync_incomplete", "error", err)
	}

	if err := a.startStreams(ctx); err != nil {
		return err
	}
	if cfg.Sync.Schedule != "" {
		a.scheduleCancel = a.startScheduler(ctx, cfg.Sync.Schedule)
	}

	errCh, err := a.startHTTP(cfg.Metrics.Address)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// startStreams logs every joined conversation and received message until
// the streams stop.
func (a *App) startStreams(ctx context.Context) error {
	convs, err := a.client.Conversations().Stream(ctx)
	if err != nil {
		return fmt.Errorf("stream conversations: %w", err)
	}
	msgs, err := a.client.Conversations().StreamAllMessages(ctx)
	if err != nil {
		convs.Stop()
		return fmt.Errorf("stream messages: %w", err)
	}
	a.convStream, a.msgStream = convs, msgs

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		for {
			d, err := convs.Next(ctx)
			if err != nil {
				return
			}
			if d.Gap > 0 {
				logger.Warn("conversation_stream_gap", "dropped", d.Gap)
			}
			logger.Info("conversation_joined", "conversation", d.Value.ID(), "creator", d.Value.CreatorInboxID())
		}
	}()
	go func() {
		defer a.wg.Done()
		for {
			d, err := msgs.Next(ctx)
			if err != nil {
				return
			}
			if d.Gap > 0 {
				logger.Warn("message_stream_gap", "dropped", d.Gap)
			}
			m := d.Value
			logger.Info("message_received", "conversation", m.ConversationID, "id", m.ID, "sender", m.SenderInboxID, "kind", m.Kind)
		}
	}()
	return nil
}

// Shutdown stops the server, background loops and the client, then closes
// the transport and the store. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.shutdownOnce.Do(func() {
		if a.srvFast != nil {
			if e := a.srvFast.Shutdown(); e != nil {
				err = errors.Join(err, fmt.Errorf("http shutdown: %w", e))
			}
		}
		if a.ln != nil {
			_ = a.ln.Close()
		}
		if a.scheduleCancel != nil {
			a.scheduleCancel()
		}
		if a.convStream != nil {
			a.convStream.Stop()
		}
		if a.msgStream != nil {
			a.msgStream.Stop()
		}

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, fmt.Errorf("waiting for background loops: %w", ctx.Err()))
		}

		if a.hwSensor != nil {
			a.hwSensor.Stop()
		}
		err = errors.Join(err, a.closeResources())
		if err == nil {
			logger.Info("shutdown_complete")
		}
	})
	return err
}

func (a *App) closeResources() error {
	var err error
	if a.client != nil {
		err = errors.Join(err, a.client.Close())
	}
	if a.transport != nil {
		err = errors.Join(err, a.transport.Close())
	}
	if a.db != nil {
		err = errors.Join(err, a.db.Close())
	}
	return err
}
