package memnet

import (
	"context"

	"groupsync/pkg/transport"
)

// watcher queues notifications without bounding them so appenders never block
// on a slow reader.
type watcher struct {
	queue  []transport.Notification
	signal chan struct{}
}

func (n *Network) Watch(ctx context.Context, inboxID string) (<-chan transport.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &watcher{signal: make(chan struct{}, 1)}
	n.mu.Lock()
	if n.watchers[inboxID] == nil {
		n.watchers[inboxID] = make(map[*watcher]struct{})
	}
	n.watchers[inboxID][w] = struct{}{}
	n.mu.Unlock()

	out := make(chan transport.Notification)
	go func() {
		defer close(out)
		defer func() {
			n.mu.Lock()
			delete(n.watchers[inboxID], w)
			if len(n.watchers[inboxID]) == 0 {
				delete(n.watchers, inboxID)
			}
			n.mu.Unlock()
		}()
		for {
			n.mu.Lock()
			pending := w.queue
			w.queue = nil
			n.mu.Unlock()
			for _, note := range pending {
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-w.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// notifyLocked queues note for every watcher of inboxID. Caller holds n.mu.
func (n *Network) notifyLocked(inboxID string, note transport.Notification) {
	for w := range n.watchers[inboxID] {
		w.queue = append(w.queue, note)
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}
