package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatchManager(env *syncTestEnv, topic string) *WatchManager {
	factory := func(ctx context.Context, provider, accessToken string) (ProviderClient, error) {
		return env.mailbox, nil
	}
	wm := NewWatchManager(env.store.ConnectionRepo, env.engine, env.tokens, factory, topic)
	wm.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return wm
}

func Test_WatchManager_Install(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.watchInfo = WatchInfo{HistoryID: "500"}
	conn := env.createConnection(t, "")

	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")
	require.NoError(t, wm.Install(ctx, conn))

	// Gmail reports no resource id; the mailbox address stands in.
	assert.Equal(t, conn.Email, conn.WatchResourceID)
	assert.Equal(t, "500", conn.WatchHistoryID)
	require.NotNil(t, conn.WatchExpiration)

	stored := env.reloadConnection(t, conn.ID)
	assert.Equal(t, conn.Email, stored.WatchResourceID)
	assert.Equal(t, "500", stored.WatchHistoryID)
}

func Test_WatchManager_InstallWithoutTopic(t *testing.T) {
	env := newSyncTestEnv(t)
	conn := env.createConnection(t, "")

	wm := newTestWatchManager(env, "")
	err := wm.Install(context.Background(), conn)
	require.Error(t, err)
}

func Test_WatchManager_Stop(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.watchInfo = WatchInfo{HistoryID: "500"}
	conn := env.createConnection(t, "")

	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")
	require.NoError(t, wm.Install(ctx, conn))
	require.NoError(t, wm.Stop(ctx, conn))

	assert.True(t, env.mailbox.watchStopped)
	stored := env.reloadConnection(t, conn.ID)
	assert.Empty(t, stored.WatchResourceID)
}

func Test_WatchManager_RenewExpiring(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.mailbox.watchInfo = WatchInfo{HistoryID: "500"}
	conn := env.createConnection(t, "")

	soon := time.Now().Add(time.Hour)
	require.NoError(t, env.store.ConnectionRepo.UpdateWatch(conn.ID, conn.Email, "400", &soon))

	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")
	renewed, err := wm.RenewExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)

	stored := env.reloadConnection(t, conn.ID)
	require.NotNil(t, stored.WatchExpiration)
	assert.True(t, stored.WatchExpiration.After(soon), "renewal pushes the expiration out")
}

func Test_WatchManager_NotificationTriggersIncremental(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "100")
	expiration := time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, env.store.ConnectionRepo.UpdateWatch(conn.ID, conn.Email, "100", &expiration))

	env.mailbox.addMessage("INBOX", "m-10", "pushed")
	env.mailbox.historyPages = []HistoryPage{
		{AddedIDs: []string{"m-10"}, LatestHistoryID: "150"},
	}

	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")
	result, err := wm.OnNotification(ctx, "exists", conn.Email, "150")
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewMessages)

	stored := env.reloadConnection(t, conn.ID)
	assert.Equal(t, "150", stored.WatchHistoryID, "push cursor advances")
	assert.Equal(t, "150", stored.LatestHistoryID)

	// A replayed notification finds no further changes.
	env.mailbox.historyPages = nil
	result, err = wm.OnNotification(ctx, "exists", conn.Email, "150")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total())
}

func Test_WatchManager_NotificationIgnoresOtherStates(t *testing.T) {
	env := newSyncTestEnv(t)
	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")

	result, err := wm.OnNotification(context.Background(), "sync", "whoever", "")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total())
	assert.Equal(t, 0, env.mailbox.historyCalls)
}

func Test_WatchManager_UnknownResource(t *testing.T) {
	env := newSyncTestEnv(t)
	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")

	_, err := wm.OnNotification(context.Background(), "exists", "nobody@example.com", "150")
	require.Error(t, err)
	assert.True(t, IsUnknownResource(err))
}

func Test_WatchManager_NotificationSkippedWhileSyncing(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "100")
	expiration := time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, env.store.ConnectionRepo.UpdateWatch(conn.ID, conn.Email, "100", &expiration))

	acquired, err := env.store.ConnectionRepo.AcquireSyncLatch(conn.ID)
	require.NoError(t, err)
	require.True(t, acquired)

	wm := newTestWatchManager(env, "projects/test/topics/gmail-push")
	result, err := wm.OnNotification(ctx, "exists", conn.Email, "150")
	require.NoError(t, err, "a held latch is a clean no-op for the webhook")
	assert.Equal(t, 0, result.Total())
}
