package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"groupsync/pkg/errs"
	"groupsync/pkg/logger"
	"groupsync/pkg/metrics"
	"groupsync/pkg/models"
)

// SyncSummary describes one conversation sync.
type SyncSummary struct {
	ConversationID string
	// Fetched counts entries returned by the log service.
	Fetched int
	Applied int
	// Skipped counts redelivered entries and entries that failed validation.
	Skipped  int
	Failures []error
	// Cursor is the last applied position after the sync.
	Cursor uint64
}

// syncer reconciles local conversation state with the log service. At most
// one sync per conversation is in flight; concurrent callers share its
// result. Every local mutation of a conversation holds its mutex.
type syncer struct {
	c      *Client
	flight singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSyncer(c *Client) *syncer {
	return &syncer{c: c, locks: make(map[string]*sync.Mutex)}
}

func (s *syncer) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// ensureShell records a discovered conversation under its lock, so it never
// races with an in-flight apply.
func (s *syncer) ensureShell(ctx context.Context, id string) (bool, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.c.store.EnsureShell(ctx, id)
}

// sync runs or joins the in-flight sync of id. The first caller's ctx
// governs the shared attempt; a caller whose own ctx is still live runs
// again when the shared attempt was cancelled under someone else's ctx.
func (s *syncer) sync(ctx context.Context, id string) (SyncSummary, error) {
	for {
		v, err, shared := s.flight.Do(id, func() (any, error) {
			return s.syncOnce(ctx, id)
		})
		sum, _ := v.(SyncSummary)
		if shared {
			logger.Debug("sync_shared", "conversation", id)
		}
		if err != nil && ctx.Err() == nil && isCancellation(err) {
			if cerr := s.c.checkOpen(); cerr != nil {
				return sum, fmt.Errorf("sync %s: %w", id, cerr)
			}
			logger.Debug("sync_rejoin", "conversation", id, "error", err)
			continue
		}
		return sum, err
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// syncTo syncs until the cursor reaches position. A joined sync may have
// fetched before position was appended, so it retries a bounded number of
// times. Failures from every attempt are returned in the summary.
func (s *syncer) syncTo(ctx context.Context, id string, position uint64) (SyncSummary, error) {
	var all []error
	for attempt := 0; attempt < 3; attempt++ {
		sum, err := s.sync(ctx, id)
		all = append(all, sum.Failures...)
		if err != nil {
			sum.Failures = all
			return sum, err
		}
		if sum.Cursor >= position {
			sum.Failures = all
			return sum, nil
		}
	}
	cur, err := s.c.store.Cursor(ctx, id)
	if err != nil {
		return SyncSummary{ConversationID: id, Failures: all}, err
	}
	return SyncSummary{ConversationID: id, Cursor: cur, Failures: all}, fmt.Errorf("sync %s: cursor %d did not reach %d", id, cur, position)
}

func syncResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrSyncGap):
		return "gap"
	case errors.Is(err, errs.ErrStorageFailure):
		return "storage_failure"
	case isCancellation(err):
		return "canceled"
	}
	return "error"
}

func (s *syncer) syncOnce(ctx context.Context, id string) (sum SyncSummary, err error) {
	start := time.Now()
	defer func() {
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
		metrics.SyncTotal.WithLabelValues(syncResult(err)).Inc()
		if err != nil {
			logger.Warn("sync_failed", "conversation", id, "cursor", sum.Cursor, "error", err)
		}
	}()

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	st, cursor, err := s.c.store.LoadConversation(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		st, cursor, err = models.NewShell(id), 0, nil
	}
	if err != nil {
		return SyncSummary{ConversationID: id}, fmt.Errorf("sync %s: %w", id, err)
	}
	sum = SyncSummary{ConversationID: id, Cursor: cursor}

	entries, err := s.c.log.FetchSince(ctx, id, cursor)
	if err != nil {
		return sum, fmt.Errorf("sync %s: %w", id, err)
	}
	sum.Fetched = len(entries)

	expect := cursor + 1
	pending := make([]models.LogEntry, 0, len(entries))
	for _, e := range entries {
		// at-least-once delivery: anything below expect is already applied or pending
		if e.Position < expect {
			sum.Skipped++
			continue
		}
		if e.Position != expect {
			return sum, fmt.Errorf("sync %s: expected position %d, got %d: %w", id, expect, e.Position, errs.ErrSyncGap)
		}
		expect++
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		return sum, nil
	}

	ap := applier{self: s.c.inboxID, codecs: s.c.codecs}
	next := st.Clone()
	var msgs []models.Message
	newCursor := cursor
	for _, e := range pending {
		newCursor = e.Position
		cand := next.Clone()
		msg, aerr := ap.apply(cand, e)
		if errors.Is(aerr, errNotRecipient) {
			sum.Skipped++
			continue
		}
		if aerr != nil {
			sum.Skipped++
			sum.Failures = append(sum.Failures, aerr)
			reason := reasonInvalidCommit
			var ae *ApplyError
			if errors.As(aerr, &ae) {
				reason = ae.Reason
			}
			metrics.ValidationFailures.WithLabelValues(reason).Inc()
			logger.Warn("sync_entry_skipped", "conversation", id, "position", e.Position, "kind", e.Commit.Kind, "sender", e.Commit.SenderInboxID, "reason", reason, "error", aerr)
			continue
		}
		next = cand
		sum.Applied++
		metrics.EntriesApplied.WithLabelValues(string(e.Commit.Kind)).Inc()
		if msg != nil {
			msgs = append(msgs, *msg)
		}
	}

	if err := s.c.store.ApplyBatch(ctx, next, msgs, newCursor); err != nil {
		return sum, fmt.Errorf("sync %s: %w", id, err)
	}
	sum.Cursor = newCursor
	logger.Debug("sync_batch_applied", "conversation", id, "applied", sum.Applied, "skipped", sum.Skipped, "cursor", newCursor)

	// joining and rejoining after removal both count as a new conversation
	wasActive := st.Materialized && st.IsActive
	if !wasActive && next.Materialized && next.IsActive {
		s.c.publishConversation(next)
	}
	for _, m := range msgs {
		s.c.publishMessage(m)
	}
	return sum, nil
}
