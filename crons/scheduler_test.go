package crons

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *db.PostgresDb {
	t.Helper()

	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createSchedulerConnection(t *testing.T, store *db.PostgresDb, email string, mutate func(*repo.EmailConnection)) *repo.EmailConnection {
	t.Helper()

	lastSynced := time.Now().Add(-time.Hour)
	conn := &repo.EmailConnection{
		UserID:       uuid.NewString(),
		Provider:     repo.ProviderGmail,
		Email:        email,
		AccessToken:  "access",
		RefreshToken: "refresh",
		SyncEnabled:  true,
		LastSyncedAt: &lastSynced,
	}
	if mutate != nil {
		mutate(conn)
	}
	require.NoError(t, store.DB.Create(conn).Error)
	return conn
}

func Test_Scheduler_ScheduleIncrementalSyncs(t *testing.T) {
	store := newTestStore(t)
	m := NewSchedulerManager(store, nil)
	ctx := context.Background()

	due := createSchedulerConnection(t, store, "due@example.com", nil)
	recent := time.Now().Add(-time.Minute)
	createSchedulerConnection(t, store, "fresh@example.com", func(c *repo.EmailConnection) {
		c.LastSyncedAt = &recent
	})
	createSchedulerConnection(t, store, "revoked@example.com", func(c *repo.EmailConnection) {
		c.SyncStatus = repo.SyncStatusRequiresReauth
	})
	createSchedulerConnection(t, store, "busy@example.com", func(c *repo.EmailConnection) {
		c.SyncInProgress = true
	})
	createSchedulerConnection(t, store, "disabled@example.com", func(c *repo.EmailConnection) {
		c.SyncEnabled = false
	})

	require.NoError(t, m.ScheduleIncrementalSyncs(ctx))

	job, err := store.SyncJobRepo.ActiveJobForConnection(due.ID)
	require.NoError(t, err)
	require.NotNil(t, job, "only the due connection gets a job")
	assert.Equal(t, repo.SyncTypeIncremental, job.SyncType)
	assert.Equal(t, repo.PriorityScheduled, job.Priority)

	var count int64
	require.NoError(t, store.DB.Model(&repo.SyncJob{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// A second tick finds the job still active and skips the conflict.
	require.NoError(t, m.ScheduleIncrementalSyncs(ctx))
	require.NoError(t, store.DB.Model(&repo.SyncJob{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func Test_Scheduler_LockStopsOtherReplicas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 26, 10, 7, 30, 0, time.UTC)
	first := NewSchedulerManager(store, nil)
	first.now = func() time.Time { return fixed }
	second := NewSchedulerManager(store, nil)
	second.now = func() time.Time { return fixed }

	lockID := first.bucketLockID("sync-lock", 5*time.Minute)
	assert.Equal(t, "sync-lock-2026-08-26T10:05", lockID)

	acquired, err := store.SyncLockRepo.Acquire(lockID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// The bucket is held elsewhere; this replica's run is a silent no-op.
	createSchedulerConnection(t, store, "due@example.com", nil)
	require.NoError(t, second.ScheduleIncrementalSyncs(ctx))

	var count int64
	require.NoError(t, store.DB.Model(&repo.SyncJob{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func Test_Scheduler_ReapInactiveWorkers(t *testing.T) {
	store := newTestStore(t)
	m := NewSchedulerManager(store, nil)
	ctx := context.Background()

	require.NoError(t, store.WorkerRepo.Register(&repo.WorkerRecord{
		WorkerID: "worker-dead", Hostname: "a",
	}))
	require.NoError(t, store.WorkerRepo.Register(&repo.WorkerRecord{
		WorkerID: "worker-live", Hostname: "b",
	}))

	conn := createSchedulerConnection(t, store, "due@example.com", nil)
	job := &repo.SyncJob{
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		SyncType:     repo.SyncTypeFull,
	}
	require.NoError(t, store.SyncJobRepo.Enqueue(job))
	claimed, err := store.SyncJobRepo.ClaimNext("worker-dead")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = store.DB.Model(&repo.WorkerRecord{}).Where("worker_id = ?", "worker-dead").
		UpdateColumn("last_heartbeat", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	require.NoError(t, m.ReapInactiveWorkers(ctx))

	dead, err := store.WorkerRepo.Get("worker-dead")
	require.NoError(t, err)
	assert.Equal(t, repo.WorkerStatusInactive, dead.Status)

	// The dead worker's claim went back to the queue.
	released, err := store.SyncJobRepo.GetByID(job.ID)
	require.NoError(t, err)
	assert.False(t, released.Claimed())

	depth, err := store.SyncJobRepo.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
