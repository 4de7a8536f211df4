package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/gorm"
	"github.com/inboxlane/mailsync/pkg/logger"
	gormdb "gorm.io/gorm"
)

// Provider names accepted on connection attach.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// Connection sync statuses.
const (
	SyncStatusIdle           = "idle"
	SyncStatusSyncing        = "syncing"
	SyncStatusError          = "error"
	SyncStatusRequiresReauth = "requires_reauth"
)

const (
	DefaultSyncFrequencyMinutes = 15
	DefaultSyncBatchSize        = 100
)

// EmailConnection links one user to one provider mailbox.
type EmailConnection struct {
	gorm.UUIDModel

	UserID   string `gorm:"type:uuid;not null;uniqueIndex:uniq_connection_user_email" json:"user_id"`
	Provider string `gorm:"size:32;not null" json:"provider"`
	Email    string `gorm:"size:255;not null;uniqueIndex:uniq_connection_user_email" json:"email"`

	// Tokens never serialize into API responses.
	AccessToken    string     `gorm:"type:text" json:"-"`
	RefreshToken   string     `gorm:"type:text" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at"`

	// LatestHistoryID is the cursor the next incremental sync resumes from.
	LatestHistoryID string     `gorm:"size:64" json:"latest_history_id"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`

	SyncFrequencyMinutes int        `gorm:"default:15" json:"sync_frequency_minutes"`
	SyncBatchSize        int        `gorm:"default:100" json:"sync_batch_size"`
	SyncEnabled          bool       `gorm:"default:false" json:"sync_enabled"`
	SyncStatus           string     `gorm:"size:32;default:idle" json:"sync_status"`
	SyncError            string     `gorm:"type:text" json:"sync_error,omitempty"`
	LastSyncErrorAt      *time.Time `json:"last_sync_error_at,omitempty"`

	// SyncInProgress is set while a worker runs a job on this connection
	// and cleared on every exit path.
	SyncInProgress bool   `gorm:"default:false" json:"sync_in_progress"`
	LastSyncType   string `gorm:"size:16" json:"last_sync_type,omitempty"`

	WatchResourceID string     `gorm:"size:255;index" json:"watch_resource_id,omitempty"`
	WatchHistoryID  string     `gorm:"size:64" json:"watch_history_id,omitempty"`
	WatchExpiration *time.Time `json:"watch_expiration,omitempty"`
}

func (EmailConnection) TableName() string { return "email_connections" }

// NeedsReconnect reports whether the user has to re-authorize the mailbox.
func (c *EmailConnection) NeedsReconnect() bool {
	return c.SyncStatus == SyncStatusRequiresReauth
}

// SyncDue reports whether the periodic scheduler should enqueue an
// incremental sync for this connection.
func (c *EmailConnection) SyncDue(now time.Time) bool {
	if !c.SyncEnabled || c.SyncInProgress {
		return false
	}
	if c.LastSyncedAt == nil {
		return true
	}
	freq := c.SyncFrequencyMinutes
	if freq <= 0 {
		freq = DefaultSyncFrequencyMinutes
	}
	return c.LastSyncedAt.Before(now.Add(-time.Duration(freq) * time.Minute))
}

// ConnectionRepository handles all database operations for email connections.
type ConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// Upsert creates the connection or, when (user_id, email) already exists,
// refreshes its provider and token columns. Returns the stored row.
func (r *ConnectionRepository) Upsert(conn *EmailConnection) (*EmailConnection, error) {
	var out *EmailConnection
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing EmailConnection
		err := tx.Where("user_id = ? AND email = ?", conn.UserID, conn.Email).First(&existing).Error
		if errors.Is(err, gormdb.ErrRecordNotFound) {
			if createErr := tx.Create(conn).Error; createErr != nil {
				return fmt.Errorf("error creating connection: %v", createErr)
			}
			out = conn
			return nil
		}
		if err != nil {
			return fmt.Errorf("error looking up connection: %v", err)
		}

		updates := map[string]interface{}{
			"provider":         conn.Provider,
			"access_token":     conn.AccessToken,
			"refresh_token":    conn.RefreshToken,
			"token_expires_at": conn.TokenExpiresAt,
			"sync_status":      SyncStatusIdle,
			"sync_error":       "",
			"updated_at":       time.Now(),
		}
		if err := tx.Model(&EmailConnection{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("error updating connection: %v", err)
		}

		var refreshed EmailConnection
		if err := tx.Where("id = ?", existing.ID).First(&refreshed).Error; err != nil {
			return fmt.Errorf("error re-reading connection: %v", err)
		}
		out = &refreshed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetForUser returns the connection only when owned by userID.
func (r *ConnectionRepository) GetForUser(userID, id string) (*EmailConnection, error) {
	var conn EmailConnection
	err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&conn).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting connection: %v", err)
	}
	return &conn, nil
}

// GetByID is the privileged lookup used by workers and the scheduler.
func (r *ConnectionRepository) GetByID(id string) (*EmailConnection, error) {
	var conn EmailConnection
	err := r.db.Where("id = ?", id).First(&conn).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting connection: %v", err)
	}
	return &conn, nil
}

// GetByWatchResourceID locates the connection a push notification targets.
func (r *ConnectionRepository) GetByWatchResourceID(resourceID string) (*EmailConnection, error) {
	var conn EmailConnection
	err := r.db.Where("watch_resource_id = ?", resourceID).First(&conn).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, apperrors.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting connection by watch resource: %v", err)
	}
	return &conn, nil
}

func (r *ConnectionRepository) ListForUser(userID string) ([]EmailConnection, error) {
	var conns []EmailConnection
	if err := r.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("error listing connections: %v", err)
	}
	return conns, nil
}

// ListSyncEnabled returns candidates for the periodic incremental pass. Due
// filtering happens in Go via SyncDue so the query stays portable.
func (r *ConnectionRepository) ListSyncEnabled() ([]EmailConnection, error) {
	var conns []EmailConnection
	if err := r.db.Where("sync_enabled = ?", true).Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("error listing sync-enabled connections: %v", err)
	}
	return conns, nil
}

// ListExpiringWatches returns gmail connections whose watch lapses before
// the deadline and therefore must be renewed.
func (r *ConnectionRepository) ListExpiringWatches(before time.Time) ([]EmailConnection, error) {
	var conns []EmailConnection
	err := r.db.
		Where("provider = ? AND watch_resource_id <> '' AND watch_expiration IS NOT NULL AND watch_expiration < ?",
			ProviderGmail, before).
		Find(&conns).Error
	if err != nil {
		return nil, fmt.Errorf("error listing expiring watches: %v", err)
	}
	return conns, nil
}

// UpdateTokens persists refreshed credentials before they are used.
func (r *ConnectionRepository) UpdateTokens(id, accessToken, refreshToken string, expiresAt *time.Time) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"updated_at":   time.Now(),
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	if expiresAt != nil {
		updates["token_expires_at"] = expiresAt
	}
	if err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("error updating tokens: %v", err)
	}
	return nil
}

// AcquireSyncLatch takes the per-connection sync latch with a conditional
// update; rows affected decides the winner. The latch serializes a worker
// job against the synchronous incremental paths (API, webhook) that run
// without a job row.
func (r *ConnectionRepository) AcquireSyncLatch(id string) (bool, error) {
	result := r.db.Model(&EmailConnection{}).
		Where("id = ? AND sync_in_progress = ?", id, false).
		Updates(map[string]interface{}{
			"sync_in_progress": true,
			"updated_at":       time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("error acquiring sync latch: %v", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseSyncLatch frees the latch without touching sync bookkeeping, used
// on exit paths that must not move last_synced_at (requires-full-sync,
// cancellation).
func (r *ConnectionRepository) ReleaseSyncLatch(id string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_in_progress": false,
		"updated_at":       time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error releasing sync latch: %v", err)
	}
	return nil
}

// MarkSyncing flags the connection while a job runs on it.
func (r *ConnectionRepository) MarkSyncing(id, syncType string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_status":      SyncStatusSyncing,
		"last_sync_type":   syncType,
		"sync_in_progress": true,
		"updated_at":       time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error marking connection syncing: %v", err)
	}
	return nil
}

// MarkIdle records a successful sync: cursor, last-synced stamp, cleared
// error, released latch.
func (r *ConnectionRepository) MarkIdle(id, historyID string, syncedAt time.Time) error {
	updates := map[string]interface{}{
		"sync_status":      SyncStatusIdle,
		"sync_error":       "",
		"last_synced_at":   syncedAt,
		"sync_in_progress": false,
		"updated_at":       time.Now(),
	}
	if historyID != "" {
		updates["latest_history_id"] = historyID
	}
	if err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("error marking connection idle: %v", err)
	}
	return nil
}

// ResetSyncStatus returns the connection to idle without touching the sync
// bookkeeping, used when an incremental run bails out needing a full sync:
// last_synced_at and the cursor must stay as they were.
func (r *ConnectionRepository) ResetSyncStatus(id string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_status":      SyncStatusIdle,
		"sync_in_progress": false,
		"updated_at":       time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error resetting sync status: %v", err)
	}
	return nil
}

// MarkError records a retryable failure and releases the latch.
func (r *ConnectionRepository) MarkError(id, reason string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_status":        SyncStatusError,
		"sync_error":         reason,
		"last_sync_error_at": time.Now(),
		"sync_in_progress":   false,
		"updated_at":         time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error marking connection errored: %v", err)
	}
	return nil
}

// MarkRequiresReauth flags a revoked grant. Tokens stay in place so a
// reconnect can succeed without re-entry.
func (r *ConnectionRepository) MarkRequiresReauth(id, reason string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_status":        SyncStatusRequiresReauth,
		"sync_error":         reason,
		"last_sync_error_at": time.Now(),
		"sync_in_progress":   false,
		"updated_at":         time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error marking connection requires-reauth: %v", err)
	}
	return nil
}

// UpdateWatch stores the provider push subscription state.
func (r *ConnectionRepository) UpdateWatch(id, resourceID, historyID string, expiration *time.Time) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"watch_resource_id": resourceID,
		"watch_history_id":  historyID,
		"watch_expiration":  expiration,
		"updated_at":        time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error updating watch state: %v", err)
	}
	return nil
}

// UpdateWatchHistoryID advances only the push cursor.
func (r *ConnectionRepository) UpdateWatchHistoryID(id, historyID string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"watch_history_id": historyID,
		"updated_at":       time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error updating watch history id: %v", err)
	}
	return nil
}

// UpdateSyncSettings applies user-editable sync knobs.
func (r *ConnectionRepository) UpdateSyncSettings(userID, id string, freqMinutes, batchSize int, enabled bool) error {
	db := r.db.Model(&EmailConnection{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{
			"sync_frequency_minutes": freqMinutes,
			"sync_batch_size":        batchSize,
			"sync_enabled":           enabled,
			"updated_at":             time.Now(),
		})
	if db.Error != nil {
		return fmt.Errorf("error updating sync settings: %v", db.Error)
	}
	if db.RowsAffected == 0 {
		return apperrors.ErrConnectionNotFound
	}
	return nil
}

// EnableSync turns the periodic scheduler on for a connection, used once the
// initial full sync lands.
func (r *ConnectionRepository) EnableSync(id string) error {
	err := r.db.Model(&EmailConnection{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_enabled": true,
		"updated_at":   time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("error enabling sync: %v", err)
	}
	return nil
}

// Delete removes the connection and everything cached under it.
func (r *ConnectionRepository) Delete(userID, id string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var conn EmailConnection
		err := tx.Where("id = ? AND user_id = ?", id, userID).First(&conn).Error
		if errors.Is(err, gormdb.ErrRecordNotFound) {
			return apperrors.ErrConnectionNotFound
		}
		if err != nil {
			return fmt.Errorf("error getting connection: %v", err)
		}

		if err := tx.Where("connection_id = ?", id).Delete(&CachedEmail{}).Error; err != nil {
			return fmt.Errorf("error deleting cached emails: %v", err)
		}
		if err := tx.Where("connection_id = ?", id).Delete(&EmailFolder{}).Error; err != nil {
			return fmt.Errorf("error deleting folders: %v", err)
		}
		if err := tx.Where("connection_id = ?", id).Delete(&SyncJob{}).Error; err != nil {
			return fmt.Errorf("error deleting sync jobs: %v", err)
		}
		if err := tx.Where("id = ?", id).Delete(&EmailConnection{}).Error; err != nil {
			return fmt.Errorf("error deleting connection: %v", err)
		}

		logger.Info(context.Background(), "connection deleted",
			logger.String("connection_id", id),
			logger.String("user_id", userID),
		)
		return nil
	})
}
