// Package crons runs the periodic maintenance that keeps the sync service
// healthy across replicas: enqueueing due incremental syncs, reaping silent
// workers, and renewing expiring push watches. Every task is guarded by a
// database lock whose id encodes the time bucket, so any number of replicas
// can run the scheduler and exactly one does the work per tick.
package crons

import (
	"context"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/repo"
	"github.com/inboxlane/mailsync/syncer"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Lock TTLs are generous multiples of each task's runtime so a crashed
// holder's bucket frees itself well before the next tick of the same bucket.
const (
	syncLockTTL    = 5 * time.Minute
	reaperLockTTL  = time.Minute
	renewalLockTTL = time.Hour
)

// SchedulerManager owns the cron entries and their distributed locks.
type SchedulerManager struct {
	store   *db.PostgresDb
	watches *syncer.WatchManager
	cron    *cron.Cron
	now     func() time.Time
}

func NewSchedulerManager(store *db.PostgresDb, watches *syncer.WatchManager) *SchedulerManager {
	return &SchedulerManager{
		store:   store,
		watches: watches,
		now:     time.Now,
	}
}

// createCronContext creates a context with a trace id for one cron firing.
func createCronContext(operation string) context.Context {
	traceID := uuid.New().String()
	ctx := logger.WithTraceID(context.Background(), traceID)
	logger.Debug(ctx, "cron task started", logger.String("operation", operation))
	return ctx
}

// Start registers the periodic tasks and launches the cron loop.
func (m *SchedulerManager) Start() {
	m.cron = cron.New()

	m.cron.AddFunc("@every 5m", func() {
		ctx := createCronContext("schedule_incremental_syncs")
		if err := m.ScheduleIncrementalSyncs(ctx); err != nil {
			logger.Error(ctx, "error scheduling incremental syncs", logger.ErrorField(err))
		}
	})

	m.cron.AddFunc("@every 1m", func() {
		ctx := createCronContext("reap_inactive_workers")
		if err := m.ReapInactiveWorkers(ctx); err != nil {
			logger.Error(ctx, "error reaping inactive workers", logger.ErrorField(err))
		}
	})

	m.cron.AddFunc("@daily", func() {
		ctx := createCronContext("renew_watches")
		if err := m.RenewWatches(ctx); err != nil {
			logger.Error(ctx, "error renewing watches", logger.ErrorField(err))
		}
	})

	m.cron.Start()
	logger.Info(context.Background(), "scheduler started")
}

// Stop halts the cron loop, waiting for a running task to finish.
func (m *SchedulerManager) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
	logger.Info(context.Background(), "scheduler stopped")
}

// withLock runs fn only when this instance wins the bucket's lock row.
// Losing the insert means another replica is doing the work; skip silently.
func (m *SchedulerManager) withLock(ctx context.Context, lockID string, ttl time.Duration, fn func() error) error {
	acquired, err := m.store.SyncLockRepo.Acquire(lockID, ttl)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug(ctx, "lock held elsewhere, skipping",
			logger.String("lock_id", lockID),
		)
		return nil
	}
	defer func() {
		if releaseErr := m.store.SyncLockRepo.Release(lockID); releaseErr != nil {
			logger.Error(ctx, "error releasing lock",
				logger.String("lock_id", lockID),
				logger.ErrorField(releaseErr),
			)
		}
	}()
	return fn()
}

// bucketLockID builds a lock id from the task prefix and the tick's time
// bucket, so replicas firing in the same bucket contend for one row.
func (m *SchedulerManager) bucketLockID(prefix string, bucket time.Duration) string {
	return fmt.Sprintf("%s-%s", prefix, m.now().UTC().Truncate(bucket).Format("2006-01-02T15:04"))
}

// ScheduleIncrementalSyncs enqueues an incremental job for every sync-enabled
// connection that is due and not already being synced. Scheduled jobs carry a
// lower priority than user-initiated ones so interactive syncs go first.
func (m *SchedulerManager) ScheduleIncrementalSyncs(ctx context.Context) (err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	lockID := m.bucketLockID("sync-lock", 5*time.Minute)
	return m.withLock(ctx, lockID, syncLockTTL, func() error {
		conns, err := m.store.ConnectionRepo.ListSyncEnabled()
		if err != nil {
			return err
		}

		now := m.now()
		enqueued := 0
		for _, conn := range conns {
			if !conn.SyncDue(now) {
				continue
			}
			if conn.NeedsReconnect() {
				continue
			}

			job := &repo.SyncJob{
				UserID:       conn.UserID,
				ConnectionID: conn.ID,
				Provider:     conn.Provider,
				SyncType:     repo.SyncTypeIncremental,
				Priority:     repo.PriorityScheduled,
			}
			if err := m.store.SyncJobRepo.Enqueue(job); err != nil {
				if _, ok := apperrors.ConflictingJobID(err); ok {
					continue
				}
				logger.Error(ctx, "error enqueueing scheduled sync",
					logger.String("connection_id", conn.ID),
					logger.ErrorField(err),
				)
				continue
			}
			enqueued++
		}

		if enqueued > 0 {
			logger.Info(ctx, "scheduled incremental syncs",
				logger.Int("enqueued", enqueued),
				logger.Int("candidates", len(conns)),
			)
		}
		return nil
	})
}

// ReapInactiveWorkers retires workers that stopped heartbeating and returns
// their claimed jobs to the queue so live workers can reclaim them.
func (m *SchedulerManager) ReapInactiveWorkers(ctx context.Context) (err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	lockID := m.bucketLockID("worker-reaper-lock", time.Minute)
	return m.withLock(ctx, lockID, reaperLockTTL, func() error {
		reaped, err := m.store.WorkerRepo.ReapStale(repo.WorkerInactivityTimeout)
		if err != nil {
			return err
		}
		if len(reaped) == 0 {
			return nil
		}

		released, err := m.store.SyncJobRepo.ReleaseForWorkers(reaped)
		if err != nil {
			return err
		}

		logger.Warn(ctx, "reaped inactive workers",
			logger.Int("workers", len(reaped)),
			logger.Int64("jobs_released", released),
		)
		return nil
	})
}

// RenewWatches reinstalls push watches that lapse within the next day.
func (m *SchedulerManager) RenewWatches(ctx context.Context) (err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	lockID := m.bucketLockID("watch-renewal-lock", 24*time.Hour)
	return m.withLock(ctx, lockID, renewalLockTTL, func() error {
		renewed, err := m.watches.RenewExpiring(ctx)
		if err != nil {
			return err
		}
		if renewed > 0 {
			logger.Info(ctx, "renewed expiring watches", logger.Int("renewed", renewed))
		}
		return nil
	})
}
