package app

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"groupsync/pkg/logger"
)

// startScheduler runs a discovery sync on every tick of expr until the
// returned cancel is called or ctx is done.
func (a *App) startScheduler(ctx context.Context, expr string) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.scheduleLoop(ctx, expr)
	}()
	logger.Info("sync_scheduler_started", "cron", expr)
	return cancel
}

func (a *App) scheduleLoop(ctx context.Context, expr string) {
	for {
		now := time.Now()
		next, err := gronx.NextTickAfter(expr, now, false)
		if err != nil {
			logger.Error("sync_nexttick_failed", "cron", expr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			a.runSyncJob(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			a.runSyncJob(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// runSyncJob syncs every known and discovered conversation. A tick that
// fires while the previous job still runs is skipped.
func (a *App) runSyncJob(ctx context.Context) bool {
	a.jobMu.Lock()
	if a.jobRunning {
		a.jobMu.Unlock()
		logger.Warn("sync_job_skipped", "reason", "previous job still running")
		return false
	}
	a.jobRunning = true
	a.jobMu.Unlock()
	defer func() {
		a.jobMu.Lock()
		a.jobRunning = false
		a.jobMu.Unlock()
	}()

	start := time.Now()
	if err := a.client.Conversations().Sync(ctx); err != nil {
		logger.Warn("sync_job_incomplete", "error", err, "elapsed", time.Since(start))
		return true
	}
	logger.Info("sync_job_completed", "elapsed", time.Since(start))
	return true
}
