package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"groupsync/pkg/logger"
	"groupsync/pkg/transport"
)

// watcher consumes live notifications for the local inbox while at least
// one stream is open. Notifications are handled one at a time in arrival
// order.
type watcher struct {
	c *Client

	mu     sync.Mutex
	refs   int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWatcher(c *Client) *watcher {
	return &watcher{c: c}
}

// acquire starts the watch on the first reference. The subscription to the
// log service is in place when acquire returns.
func (w *watcher) acquire(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs > 0 {
		w.refs++
		return nil
	}
	if err := w.c.checkOpen(); err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(w.c.ctx)
	notes, err := w.c.log.Watch(wctx, w.c.inboxID)
	if err != nil {
		cancel()
		return fmt.Errorf("watch %s: %w", w.c.inboxID, err)
	}
	if ctx.Err() != nil {
		cancel()
		return ctx.Err()
	}
	w.refs = 1
	w.cancel = cancel
	w.wg.Add(1)
	go w.run(wctx, notes)
	logger.Debug("watcher_started", "inbox", w.c.inboxID)
	return nil
}

// release stops the watch when the last reference goes away.
func (w *watcher) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refs == 0 {
		return
	}
	w.refs--
	if w.refs == 0 {
		w.cancel()
		w.cancel = nil
		logger.Debug("watcher_stopped", "inbox", w.c.inboxID)
	}
}

// wait blocks until every watch goroutine has exited. Callers cancel the
// client context first.
func (w *watcher) wait() {
	w.wg.Wait()
}

func (w *watcher) run(ctx context.Context, notes <-chan transport.Notification) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			w.handle(ctx, n)
		}
	}
}

func (w *watcher) handle(ctx context.Context, n transport.Notification) {
	if n.Kind == transport.NotifyWelcome {
		if _, err := w.c.syncer.ensureShell(ctx, n.ConversationID); err != nil {
			logger.Warn("watch_welcome_failed", "conversation", n.ConversationID, "error", err)
			return
		}
	}
	sum, err := w.c.syncer.syncTo(ctx, n.ConversationID, n.Position)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Warn("watch_sync_failed", "conversation", n.ConversationID, "kind", n.Kind, "position", n.Position, "error", err)
		return
	}
	logger.Debug("watch_synced", "conversation", n.ConversationID, "kind", n.Kind, "cursor", sum.Cursor)
}
