package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/inboxlane/mailsync/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, env *syncTestEnv) *Worker {
	t.Helper()

	w := NewWorker(
		env.store.WorkerRepo,
		env.store.SyncJobRepo,
		env.store.ConnectionRepo,
		env.engine,
		WorkerConfig{},
	)
	require.NoError(t, env.store.WorkerRepo.Register(&repo.WorkerRecord{
		WorkerID: w.ID(),
		Hostname: "test",
	}))
	return w
}

func waitForJobStatus(t *testing.T, env *syncTestEnv, jobID, status string) *repo.SyncJob {
	t.Helper()

	var job *repo.SyncJob
	require.Eventually(t, func() bool {
		job = env.reloadJob(t, jobID)
		return job.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func Test_Worker_RunsFullJob(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	w := newTestWorker(t, env)
	w.PollOnce(ctx)

	done := waitForJobStatus(t, env, job.ID, repo.JobStatusCompleted)
	require.NotNil(t, done.WorkerID)
	assert.Equal(t, w.ID(), *done.WorkerID)
	assert.Equal(t, 1, done.MessagesSynced)

	require.Eventually(t, func() bool {
		record, err := env.store.WorkerRepo.Get(w.ID())
		return err == nil && record.JobsProcessedCount == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_Worker_EscalatesExpiredCursorToFull(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "") // no cursor stored
	job := env.enqueueJob(t, conn, repo.SyncTypeIncremental)

	w := newTestWorker(t, env)
	w.PollOnce(ctx)

	done := waitForJobStatus(t, env, job.ID, repo.JobStatusCompleted)
	assert.Contains(t, done.StatusMessage, "full sync scheduled")

	// A full job replaced the incremental one.
	require.Eventually(t, func() bool {
		active, err := env.store.SyncJobRepo.ActiveJobForConnection(conn.ID)
		return err == nil && active != nil && active.SyncType == repo.SyncTypeFull
	}, 5*time.Second, 10*time.Millisecond)
}

func Test_Worker_CancelledJobIsNotFailed(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	cancelled, err := env.store.SyncJobRepo.Cancel(conn.UserID, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	w := newTestWorker(t, env)
	w.PollOnce(ctx)

	// The worker claims nothing: cancel is terminal, the queue is empty.
	time.Sleep(50 * time.Millisecond)
	done := env.reloadJob(t, job.ID)
	assert.Equal(t, repo.JobStatusCancelled, done.Status)
	assert.Equal(t, 0, done.RetryCount)
}

func Test_Worker_PrefersReclaimedJobs(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	userID := "11111111-1111-1111-1111-111111111111"
	connA := env.createConnection(t, "")
	connB := &repo.EmailConnection{
		UserID:       userID,
		Provider:     repo.ProviderGmail,
		Email:        "second@example.com",
		AccessToken:  "initial-access",
		RefreshToken: "initial-refresh",
	}
	require.NoError(t, env.store.DB.Create(connB).Error)

	abandoned := env.enqueueJob(t, connA, repo.SyncTypeFull)
	fresh := env.enqueueJob(t, connB, repo.SyncTypeFull)

	claimed, err := env.store.SyncJobRepo.ClaimNext("worker-dead")
	require.NoError(t, err)
	require.Equal(t, abandoned.ID, claimed.ID)

	err = env.store.DB.Model(&repo.SyncJob{}).Where("id = ?", abandoned.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	w := newTestWorker(t, env)
	next, err := w.nextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, abandoned.ID, next.ID, "abandoned work goes before the fresh queue")
	_ = fresh
}

func Test_Worker_FinishesJobFromDeadWorker(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	// A peer claimed the job, latched the connection, then died.
	claimed, err := env.store.SyncJobRepo.ClaimNext("worker-dead")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	acquired, err := env.store.ConnectionRepo.AcquireSyncLatch(conn.ID)
	require.NoError(t, err)
	require.True(t, acquired)
	err = env.store.DB.Model(&repo.SyncJob{}).Where("id = ?", job.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	// The surviving worker reclaims the job and must be able to re-latch.
	w := newTestWorker(t, env)
	w.PollOnce(ctx)

	done := waitForJobStatus(t, env, job.ID, repo.JobStatusCompleted)
	require.NotNil(t, done.WorkerID)
	assert.Equal(t, w.ID(), *done.WorkerID)
	assert.Equal(t, 1, done.MessagesSynced)

	after := env.reloadConnection(t, conn.ID)
	assert.False(t, after.SyncInProgress)
	assert.Equal(t, repo.SyncStatusIdle, after.SyncStatus)
}

func Test_Worker_StopReleasesClaims(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	w := NewWorker(
		env.store.WorkerRepo,
		env.store.SyncJobRepo,
		env.store.ConnectionRepo,
		env.engine,
		WorkerConfig{PollInterval: time.Hour, HeartbeatInterval: time.Hour},
	)
	require.NoError(t, w.Start(ctx))

	// Claim without executing, as if the worker died mid-hand-off.
	claimed, err := env.store.SyncJobRepo.ClaimNext(w.ID())
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	w.Stop(ctx)

	released := env.reloadJob(t, job.ID)
	assert.False(t, released.Claimed(), "shutdown returns claims to the queue")
	assert.Equal(t, repo.JobStatusInProgress, released.Status)

	record, err := env.store.WorkerRepo.Get(w.ID())
	require.NoError(t, err)
	assert.Equal(t, repo.WorkerStatusStopped, record.Status)
}
