package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/pkg/utils"
	"github.com/inboxlane/mailsync/repo"
)

// tokenExpirySkew is subtracted from the stored expiry so a token that is
// about to lapse mid-call counts as expired already.
const tokenExpirySkew = 5 * time.Minute

// TokenManager keeps connection access tokens usable. It persists refreshed
// credentials before handing them out, so a crash after a refresh never
// strands a rotated token.
type TokenManager struct {
	connections *repo.ConnectionRepository
	refresh     TokenRefresher
}

func NewTokenManager(connections *repo.ConnectionRepository, refresh TokenRefresher) *TokenManager {
	return &TokenManager{connections: connections, refresh: refresh}
}

// EnsureFresh returns a usable access token for the connection, refreshing
// only when the stored one is expired or nearly so. The connection is
// mutated in place with the refreshed credentials.
func (tm *TokenManager) EnsureFresh(ctx context.Context, conn *repo.EmailConnection) (token string, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	if conn.TokenExpiresAt != nil && conn.TokenExpiresAt.After(time.Now().Add(tokenExpirySkew)) {
		return conn.AccessToken, nil
	}
	return tm.ForceRefresh(ctx, conn)
}

// ForceRefresh exchanges the refresh token unconditionally. Sync start paths
// use it so a silently revoked grant is caught before any work is done.
func (tm *TokenManager) ForceRefresh(ctx context.Context, conn *repo.EmailConnection) (token string, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	update, refreshErr := tm.refresh(ctx, conn.Provider, conn.RefreshToken)
	if refreshErr != nil {
		return "", tm.classifyRefreshFailure(ctx, conn, refreshErr)
	}

	expiresAt := update.ExpiresAt
	if err := tm.connections.UpdateTokens(conn.ID, update.AccessToken, update.RefreshToken, &expiresAt); err != nil {
		return "", fmt.Errorf("error persisting refreshed tokens: %v", err)
	}

	conn.AccessToken = update.AccessToken
	if update.RefreshToken != "" {
		conn.RefreshToken = update.RefreshToken
	}
	conn.TokenExpiresAt = &expiresAt

	logger.Debug(ctx, "access token refreshed",
		logger.String("connection_id", conn.ID),
		logger.String("access_token", utils.MaskString(update.AccessToken)),
	)
	return update.AccessToken, nil
}

// classifyRefreshFailure separates the grant being gone for good from a
// transient token-endpoint failure. Revocation flips the connection to
// requires_reauth but keeps the tokens, so a reconnect can reuse them.
func (tm *TokenManager) classifyRefreshFailure(ctx context.Context, conn *repo.EmailConnection, refreshErr error) error {
	if apperrors.IsTokenRevokedMessage(refreshErr.Error()) {
		logger.Warn(ctx, "refresh token revoked, connection needs reauth",
			logger.String("connection_id", conn.ID),
			logger.String("email", conn.Email),
		)
		if markErr := tm.connections.MarkRequiresReauth(conn.ID, refreshErr.Error()); markErr != nil {
			logger.Error(ctx, "error marking connection requires-reauth", logger.ErrorField(markErr))
		}
		conn.SyncStatus = repo.SyncStatusRequiresReauth
		return fmt.Errorf("%w: %v", apperrors.ErrProviderTokenRevoked, refreshErr)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrTokenRefreshTransient, refreshErr)
}
