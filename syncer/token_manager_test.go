package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TokenManager_EnsureFreshSkipsValidToken(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "")
	expiresAt := time.Now().Add(time.Hour)
	conn.TokenExpiresAt = &expiresAt

	token, err := env.tokens.EnsureFresh(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "initial-access", token)
	assert.Equal(t, 0, env.refreshCalls)
}

func Test_TokenManager_EnsureFreshRefreshesNearExpiry(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "")
	// Inside the skew window counts as expired already.
	expiresAt := time.Now().Add(time.Minute)
	conn.TokenExpiresAt = &expiresAt

	token, err := env.tokens.EnsureFresh(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, 1, env.refreshCalls)
}

func Test_TokenManager_ForceRefreshPersistsBeforeReturning(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	conn := env.createConnection(t, "")

	token, err := env.tokens.ForceRefresh(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)

	// The in-memory connection follows the refresh.
	assert.Equal(t, "access-1", conn.AccessToken)
	require.NotNil(t, conn.TokenExpiresAt)

	// And the store already holds the rotated token.
	stored := env.reloadConnection(t, conn.ID)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "initial-refresh", stored.RefreshToken,
		"an unrotated refresh token keeps its stored value")
}

func Test_TokenManager_RevokedGrant(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.setRefreshErr(errors.New("oauth2: \"invalid_grant\" \"Token has been revoked.\""))
	conn := env.createConnection(t, "")

	_, err := env.tokens.ForceRefresh(ctx, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProviderTokenRevoked)

	stored := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusRequiresReauth, stored.SyncStatus)
	assert.Equal(t, "initial-refresh", stored.RefreshToken, "tokens survive revocation")
}

func Test_TokenManager_TransientRefreshFailure(t *testing.T) {
	env := newSyncTestEnv(t)
	ctx := context.Background()

	env.setRefreshErr(errors.New("read tcp: i/o timeout"))
	conn := env.createConnection(t, "")

	_, err := env.tokens.ForceRefresh(ctx, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTokenRefreshTransient)

	// Transient failures do not flip the connection to requires_reauth.
	stored := env.reloadConnection(t, conn.ID)
	assert.Equal(t, repo.SyncStatusIdle, stored.SyncStatus)
}
