package repo

import (
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/gorm"
)

// SyncLock is a database-backed mutex row. Lock ids encode the scheduler
// task and its time bucket, so every instance that fires in the same minute
// competes for the same row and exactly one wins.
type SyncLock struct {
	ID         string    `gorm:"primaryKey;size:128" json:"id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
}

func (SyncLock) TableName() string { return "sync_locks" }

type SyncLockRepository struct {
	db *gorm.DB
}

func NewSyncLockRepository(db *gorm.DB) *SyncLockRepository {
	return &SyncLockRepository{db: db}
}

// Acquire tries to take the named lock for ttl. It returns false when
// another instance holds an unexpired lock under the same id. Expired rows
// are swept first so a crashed holder cannot wedge the bucket forever.
func (r *SyncLockRepository) Acquire(id string, ttl time.Duration) (bool, error) {
	now := time.Now()

	err := r.db.Where("id = ? AND expires_at < ?", id, now).Delete(&SyncLock{}).Error
	if err != nil {
		return false, fmt.Errorf("error sweeping expired lock: %v", err)
	}

	lock := SyncLock{
		ID:         id,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := r.db.Create(&lock).Error; err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("error acquiring lock: %v", err)
	}
	return true, nil
}

// Release drops the lock row. Safe to call when the row is already gone.
func (r *SyncLockRepository) Release(id string) error {
	if err := r.db.Where("id = ?", id).Delete(&SyncLock{}).Error; err != nil {
		return fmt.Errorf("error releasing lock: %v", err)
	}
	return nil
}

// PurgeExpired removes stale lock rows left behind by crashed holders.
func (r *SyncLockRepository) PurgeExpired() (int64, error) {
	result := r.db.Where("expires_at < ?", time.Now()).Delete(&SyncLock{})
	if result.Error != nil {
		return 0, fmt.Errorf("error purging expired locks: %v", result.Error)
	}
	return result.RowsAffected, nil
}
