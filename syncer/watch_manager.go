package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/repo"
)

// WatchRenewalWindow is how close to expiry a watch may get before the
// scheduler renews it. Gmail watches live about seven days.
const WatchRenewalWindow = 24 * time.Hour

// resourceStateExists is the only notification state that carries new mail;
// everything else ("sync", "not_exists") acknowledges without work.
const resourceStateExists = "exists"

// WatchManager owns the provider push-subscription lifecycle and turns
// incoming notifications into incremental syncs.
type WatchManager struct {
	connections *repo.ConnectionRepository
	engine      *Engine
	tokens      *TokenManager
	clients     ClientFactory
	topic       string
	sleep       sleeper
}

func NewWatchManager(
	connections *repo.ConnectionRepository,
	engine *Engine,
	tokens *TokenManager,
	clients ClientFactory,
	topic string,
) *WatchManager {
	return &WatchManager{
		connections: connections,
		engine:      engine,
		tokens:      tokens,
		clients:     clients,
		topic:       topic,
		sleep:       realSleep,
	}
}

// Install points the provider's push notifications for this mailbox at the
// configured topic and stores the watch state. Renewal is the same call;
// providers replace the previous watch.
func (wm *WatchManager) Install(ctx context.Context, conn *repo.EmailConnection) (err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	if wm.topic == "" {
		return fmt.Errorf("no push topic configured")
	}

	token, err := wm.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return err
	}
	client, err := wm.clients(ctx, conn.Provider, token)
	if err != nil {
		return err
	}
	if !client.SupportsWatch() {
		return apperrors.ErrUnsupportedProvider
	}

	var info *WatchInfo
	err = withBackoff(ctx, wm.sleep, "watch.install", func() error {
		var callErr error
		info, callErr = client.InstallWatch(ctx, wm.topic)
		return callErr
	})
	if err != nil {
		return err
	}

	// Gmail identifies notifications by mailbox address rather than a
	// subscription resource id, so the address doubles as the resource key.
	resourceID := info.ResourceID
	if resourceID == "" {
		resourceID = conn.Email
	}

	expiration := info.Expiration
	if err := wm.connections.UpdateWatch(conn.ID, resourceID, info.HistoryID, &expiration); err != nil {
		return err
	}

	conn.WatchResourceID = resourceID
	conn.WatchHistoryID = info.HistoryID
	conn.WatchExpiration = &expiration

	logger.Info(ctx, "watch installed",
		logger.String("connection_id", conn.ID),
		logger.String("resource_id", resourceID),
		logger.String("history_id", info.HistoryID),
		logger.String("expiration", expiration.Format(time.RFC3339)),
	)
	return nil
}

// Stop tears down the provider watch and clears the stored state. Missing
// watches are not an error; this runs on connection detach best-effort.
func (wm *WatchManager) Stop(ctx context.Context, conn *repo.EmailConnection) error {
	if conn.WatchResourceID == "" {
		return nil
	}
	token, err := wm.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return err
	}
	client, err := wm.clients(ctx, conn.Provider, token)
	if err != nil {
		return err
	}
	if !client.SupportsWatch() {
		return nil
	}
	if err := client.StopWatch(ctx); err != nil {
		return err
	}
	return wm.connections.UpdateWatch(conn.ID, "", "", nil)
}

// RenewExpiring reinstalls every watch lapsing within the renewal window.
// Failures are logged per connection; one bad grant must not block the rest.
func (wm *WatchManager) RenewExpiring(ctx context.Context) (renewed int, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	expiring, err := wm.connections.ListExpiringWatches(time.Now().Add(WatchRenewalWindow))
	if err != nil {
		return 0, err
	}

	for i := range expiring {
		conn := expiring[i]
		if installErr := wm.Install(ctx, &conn); installErr != nil {
			logger.Warn(ctx, "watch renewal failed",
				logger.String("connection_id", conn.ID),
				logger.String("email", conn.Email),
				logger.ErrorField(installErr),
			)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// OnNotification handles one provider push. Only resource-state "exists"
// triggers work; unknown resource ids surface ErrConnectionNotFound so the
// webhook can answer 404 and the provider stops retrying.
func (wm *WatchManager) OnNotification(ctx context.Context, resourceState, resourceID, historyID string) (result *IncrementalResult, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	if resourceState != resourceStateExists {
		logger.Debug(ctx, "ignoring notification state",
			logger.String("resource_state", resourceState),
		)
		return &IncrementalResult{}, nil
	}

	conn, err := wm.connections.GetByWatchResourceID(resourceID)
	if err != nil {
		return nil, err
	}
	return wm.ProcessHistoryUpdate(ctx, conn, historyID)
}

// ProcessHistoryUpdate runs an incremental sync from the connection's stored
// watch cursor. The history id carried by the notification is advisory only:
// syncing from the stored cursor instead makes at-least-once delivery safe,
// because a replayed notification finds no new changes.
func (wm *WatchManager) ProcessHistoryUpdate(ctx context.Context, conn *repo.EmailConnection, receivedHistoryID string) (*IncrementalResult, error) {
	startCursor := conn.WatchHistoryID
	if startCursor == "" {
		startCursor = conn.LatestHistoryID
	}
	if startCursor == "" {
		return nil, fmt.Errorf("%w: no watch cursor stored", apperrors.ErrRequiresFullSync)
	}

	result, err := wm.engine.RunIncrementalForConnection(ctx, conn, startCursor)
	if err != nil {
		if _, ok := apperrors.ConflictingJobID(err); ok {
			// A sync already holds the connection; the running pass will
			// pick these changes up. Treated as a clean no-op.
			logger.Debug(ctx, "notification skipped, sync in progress",
				logger.String("connection_id", conn.ID),
			)
			return &IncrementalResult{}, nil
		}
		return nil, err
	}

	if result.HistoryID != "" {
		if err := wm.connections.UpdateWatchHistoryID(conn.ID, result.HistoryID); err != nil {
			return result, err
		}
	}

	logger.Info(ctx, "push notification processed",
		logger.String("connection_id", conn.ID),
		logger.String("received_history_id", receivedHistoryID),
		logger.Int("changes", result.Total()),
	)
	return result, nil
}

// IsUnknownResource reports whether a notification error means no connection
// matches the resource id.
func IsUnknownResource(err error) bool {
	return errors.Is(err, apperrors.ErrConnectionNotFound)
}
