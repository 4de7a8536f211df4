package syncer

import (
	"context"
	"errors"
	"testing"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_RunFull_HappyPath(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.profile.HistoryID = "1000"
	env.mailbox.folders = []ProviderFolderInfo{
		{Name: "Inbox", FolderType: repo.FolderTypeInbox, ProviderFolderID: "INBOX"},
		{Name: "Receipts", FolderType: repo.FolderTypeCustom, ProviderFolderID: "Label_7"},
	}
	env.mailbox.addMessage("INBOX", "m-1", "first")
	env.mailbox.addMessage("INBOX", "m-2", "second")
	env.mailbox.addMessage("INBOX", "m-3", "third")
	env.mailbox.addMessage("SENT", "m-4", "sent one")
	env.mailbox.addMessage("Label_7", "m-5", "receipt")

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	require.NoError(t, env.engine.RunFull(ctx, job))

	done := env.reloadJob(t, job.ID)
	assert.Equal(t, repo.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 5, done.MessagesSynced)
	assert.Equal(t, "1000", done.LatestHistoryID)
	assert.Equal(t, done.TotalFolders, done.FoldersCompleted)

	after := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusIdle, after.SyncStatus)
	assert.False(t, after.SyncInProgress)
	assert.Equal(t, "1000", after.LatestHistoryID)
	require.NotNil(t, after.LastSyncedAt)

	count, err := env.store.MessageRepo.CountByConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// Defaults plus the discovered custom label.
	folders, err := env.store.FolderRepo.ListByConnection(conn.ID)
	require.NoError(t, err)
	assert.Len(t, folders, len(repo.DefaultFolderSeeds)+1)
}

func Test_RunFull_IsIdempotent(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	env.mailbox.addMessage("INBOX", "m-2", "second")

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)
	require.NoError(t, env.engine.RunFull(ctx, job))

	second := env.enqueueJob(t, conn, repo.SyncTypeFull)
	require.NoError(t, env.engine.RunFull(ctx, second))

	count, err := env.store.MessageRepo.CountByConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "re-running a full sync must not duplicate rows")
}

func Test_RunFull_TokenRevoked(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.setRefreshErr(errors.New("oauth2: \"invalid_grant\" \"Token has been expired or revoked.\""))

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	err := env.engine.RunFull(ctx, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProviderTokenRevoked)

	after := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusRequiresReauth, after.SyncStatus)
	assert.True(t, after.NeedsReconnect())
	assert.False(t, after.SyncInProgress)
	// Tokens stay so a reconnect can retry without re-entry.
	assert.Equal(t, "initial-refresh", after.RefreshToken)
}

func Test_RunFull_TransientRefreshFailure(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.setRefreshErr(errors.New("Post \"https://oauth2.googleapis.com/token\": connection refused"))

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	err := env.engine.RunFull(ctx, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenRefreshTransient)
	assert.NotErrorIs(t, err, apperrors.ErrProviderTokenRevoked)

	after := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusError, after.SyncStatus)
	assert.False(t, after.SyncInProgress)
}

func Test_RunFull_LatchConflict(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	acquired, err := env.store.ConnectionRepo.AcquireSyncLatch(conn.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	err = env.engine.RunFull(ctx, job)
	require.Error(t, err)
	conflictID, conflict := apperrors.ConflictingJobID(err)
	assert.True(t, conflict)
	assert.Equal(t, job.ID, conflictID, "the conflict names the active job")
}

func Test_RunFull_Cancelled(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	cancelled, err := env.store.SyncJobRepo.Cancel(conn.UserID, job.ID)
	require.NoError(t, err)
	require.True(t, cancelled)

	err = env.engine.RunFull(ctx, job)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))

	after := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusIdle, after.SyncStatus)
	assert.False(t, after.SyncInProgress)
	assert.Nil(t, after.LastSyncedAt, "a cancelled run must not move last_synced_at")

	count, err := env.store.MessageRepo.CountByConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func Test_RunFull_FolderFailureIsBestEffort(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	env.mailbox.addMessage("INBOX", "m-2", "second")
	env.mailbox.listErrs["SENT"] = errors.New("googleapi: Error 500: backend failure")

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	require.NoError(t, env.engine.RunFull(ctx, job), "one bad folder must not fail the job")

	done := env.reloadJob(t, job.ID)
	assert.Equal(t, repo.JobStatusCompleted, done.Status)
	assert.Contains(t, done.StatusMessage, "folder failures")
	assert.Equal(t, 2, done.MessagesSynced)
}

func Test_RunFull_RetriesRateLimits(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	env.mailbox.rateLimitHits = 2

	conn := env.createConnection(t, "")
	job := env.enqueueJob(t, conn, repo.SyncTypeFull)

	require.NoError(t, env.engine.RunFull(ctx, job))
	assert.Equal(t, repo.JobStatusCompleted, env.reloadJob(t, job.ID).Status)
	assert.GreaterOrEqual(t, env.sleepCount(), 2, "each 429 must be followed by a back-off")
}

func Test_SyncFolderOnDemand(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.addMessage("INBOX", "m-1", "first")
	env.mailbox.addMessage("INBOX", "m-2", "second")

	conn := env.createConnection(t, "")

	// Without folder rows the folder cannot be resolved yet.
	_, err := env.engine.SyncFolderOnDemand(ctx, conn, repo.FolderTypeInbox, false)
	assert.ErrorIs(t, err, apperrors.ErrFolderNotFound)

	_, err = env.store.FolderRepo.SeedDefaults(conn.UserID, conn.ID)
	require.NoError(t, err)

	synced, err := env.engine.SyncFolderOnDemand(ctx, conn, repo.FolderTypeInbox, false)
	require.NoError(t, err)
	assert.Equal(t, 2, synced)

	after := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusIdle, after.SyncStatus)
	assert.False(t, after.SyncInProgress)

	// fullSync pre-clears and repopulates rather than duplicating.
	env.mailbox.addMessage("INBOX", "m-3", "third")
	synced, err = env.engine.SyncFolderOnDemand(ctx, conn, repo.FolderTypeInbox, true)
	require.NoError(t, err)
	assert.Equal(t, 3, synced)

	count, err := env.store.MessageRepo.CountByConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
