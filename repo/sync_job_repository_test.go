package repo

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueueTestJob(t *testing.T, jobs *SyncJobRepository, userID, connectionID string, priority int) *SyncJob {
	t.Helper()

	job := &SyncJob{
		UserID:       userID,
		ConnectionID: connectionID,
		Provider:     ProviderGmail,
		SyncType:     SyncTypeFull,
		Priority:     priority,
	}
	require.NoError(t, jobs.Enqueue(job))
	return job
}

func Test_SyncJobRepository_EnqueueConflict(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	first := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)

	second := &SyncJob{
		UserID:       userID,
		ConnectionID: conn.ID,
		SyncType:     SyncTypeIncremental,
		Priority:     PriorityScheduled,
	}
	err := jobs.Enqueue(second)
	require.Error(t, err)

	existingID, conflict := apperrors.ConflictingJobID(err)
	assert.True(t, conflict)
	assert.Equal(t, first.ID, existingID)

	// Once the active job finishes, a new one may be enqueued.
	require.NoError(t, jobs.Complete(first.ID, "done", ""))
	third := &SyncJob{
		UserID:       userID,
		ConnectionID: conn.ID,
		SyncType:     SyncTypeFull,
	}
	require.NoError(t, jobs.Enqueue(third))
}

func Test_SyncJobRepository_ClaimNextPrefersPriority(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	connA := createTestConnection(t, db, userID)
	connB := createTestConnection(t, db, userID)

	scheduled := enqueueTestJob(t, jobs, userID, connA.ID, PriorityScheduled)
	userJob := enqueueTestJob(t, jobs, userID, connB.ID, PriorityUserInitiated)

	claimed, err := jobs.ClaimNext("worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, userJob.ID, claimed.ID)
	assert.True(t, claimed.Claimed())
	assert.NotNil(t, claimed.StartedAt)

	claimed, err = jobs.ClaimNext("worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, scheduled.ID, claimed.ID)

	claimed, err = jobs.ClaimNext("worker-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func Test_SyncJobRepository_ClaimNextSkipsClaimedJobs(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)

	claimed, err := jobs.ClaimNext("worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	other, err := jobs.ClaimNext("worker-b")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func Test_SyncJobRepository_ReclaimAbandoned(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	connections := NewConnectionRepository(db)
	userID := uuid.NewString()
	connA := createTestConnection(t, db, userID)
	connB := createTestConnection(t, db, userID)

	stale := enqueueTestJob(t, jobs, userID, connA.ID, PriorityUserInitiated)
	fresh := enqueueTestJob(t, jobs, userID, connB.ID, PriorityUserInitiated)

	claimed, err := jobs.ClaimNext("worker-dead")
	require.NoError(t, err)
	require.Equal(t, stale.ID, claimed.ID)
	claimed, err = jobs.ClaimNext("worker-alive")
	require.NoError(t, err)
	require.Equal(t, fresh.ID, claimed.ID)

	// Both runs got as far as latching their connection before one owner died.
	for _, connID := range []string{connA.ID, connB.ID} {
		acquired, err := connections.AcquireSyncLatch(connID)
		require.NoError(t, err)
		require.True(t, acquired)
	}

	// The dead worker's job stopped receiving progress updates long ago.
	err = db.Model(&SyncJob{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	reclaimed, err := jobs.ReclaimAbandoned("worker-new", JobLockTimeout, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, stale.ID, reclaimed[0].ID)
	require.NotNil(t, reclaimed[0].WorkerID)
	assert.Equal(t, "worker-new", *reclaimed[0].WorkerID)
	assert.Contains(t, reclaimed[0].StatusMessage, "worker-dead")

	// The fresh job keeps its owner.
	current, err := jobs.GetByID(fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, current.WorkerID)
	assert.Equal(t, "worker-alive", *current.WorkerID)

	// The dead owner's connection latch is freed so the new owner can run;
	// the live worker's latch is left alone.
	reclaimedConn, err := connections.GetByID(connA.ID)
	require.NoError(t, err)
	assert.False(t, reclaimedConn.SyncInProgress)
	liveConn, err := connections.GetByID(connB.ID)
	require.NoError(t, err)
	assert.True(t, liveConn.SyncInProgress)
}

func Test_SyncJobRepository_ReleaseForWorkersFreesLatch(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	connections := NewConnectionRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	job := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)
	claimed, err := jobs.ClaimNext("worker-reaped")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	acquired, err := connections.AcquireSyncLatch(conn.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	released, err := jobs.ReleaseForWorkers([]string{"worker-reaped"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	current, err := jobs.GetByID(job.ID)
	require.NoError(t, err)
	assert.False(t, current.Claimed())

	stored, err := connections.GetByID(conn.ID)
	require.NoError(t, err)
	assert.False(t, stored.SyncInProgress, "a reaped worker's latch must not outlive it")
}

func Test_SyncJobRepository_Cancel(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	job := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)

	cancelled, err := jobs.Cancel("someone-else", job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	cancelled, err = jobs.Cancel(userID, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	isCancelled, err := jobs.IsCancelled(job.ID)
	require.NoError(t, err)
	assert.True(t, isCancelled)

	// Terminal jobs cannot be cancelled twice.
	cancelled, err = jobs.Cancel(userID, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func Test_SyncJobRepository_ReleaseAll(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	job := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)
	_, err := jobs.ClaimNext("worker-1")
	require.NoError(t, err)

	depth, err := jobs.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	released, err := jobs.ReleaseAll("worker-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	current, err := jobs.GetByID(job.ID)
	require.NoError(t, err)
	assert.False(t, current.Claimed())

	depth, err = jobs.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func Test_SyncJobRepository_FailIncrementsRetryCount(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	job := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)
	require.NoError(t, jobs.Fail(job.ID, "provider unreachable"))

	current, err := jobs.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, current.Status)
	assert.Equal(t, 1, current.RetryCount)
	assert.Equal(t, "provider unreachable", current.StatusMessage)
	assert.NotNil(t, current.CompletedAt)
}

func Test_SyncJobRepository_ReportProgress(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	job := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)

	progress := 150
	foldersDone := 2
	total := 4
	folder := "Inbox"
	require.NoError(t, jobs.ReportProgress(job.ID, JobProgress{
		Progress:         &progress,
		FoldersCompleted: &foldersDone,
		TotalFolders:     &total,
		CurrentFolder:    &folder,
	}))

	current, err := jobs.GetByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, current.Progress, "progress is clamped to 100")
	assert.Equal(t, 2, current.FoldersCompleted)
	assert.Equal(t, 4, current.TotalFolders)
	assert.Equal(t, "Inbox", current.CurrentFolder)
	assert.Equal(t, 0, current.MessagesSynced, "untouched fields keep their value")
}

func Test_SyncJobRepository_GetForUserScoping(t *testing.T) {
	db := newTestDB(t)
	jobs := NewSyncJobRepository(db)
	userID := uuid.NewString()
	conn := createTestConnection(t, db, userID)

	job := enqueueTestJob(t, jobs, userID, conn.ID, PriorityUserInitiated)

	got, err := jobs.GetForUser(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = jobs.GetForUser(uuid.NewString(), job.ID)
	assert.ErrorIs(t, err, apperrors.ErrJobNotFound)
}
