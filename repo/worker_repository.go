package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/gorm"
	gormdb "gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Worker states. Reaping flips stale workers to inactive; a worker that
// shuts down cleanly records stopped itself.
const (
	WorkerStatusActive     = "active"
	WorkerStatusProcessing = "processing"
	WorkerStatusInactive   = "inactive"
	WorkerStatusError      = "error"
	WorkerStatusStopped    = "stopped"

	// WorkerInactivityTimeout is how long a worker may miss heartbeats
	// before the reaper marks it inactive and frees its jobs.
	WorkerInactivityTimeout = 5 * time.Minute
)

// WorkerRecord is one sync worker's registration row. The worker id is
// hostname plus a random suffix, so restarts register as new workers.
type WorkerRecord struct {
	WorkerID string `gorm:"primaryKey;size:128" json:"worker_id"`
	Hostname string `gorm:"size:255" json:"hostname"`
	Status   string `gorm:"size:32;index" json:"status"`

	LastHeartbeat time.Time `gorm:"index" json:"last_heartbeat"`
	CurrentJobID  *string   `gorm:"type:uuid" json:"current_job_id,omitempty"`

	JobsProcessedCount int   `gorm:"default:0" json:"jobs_processed_count"`
	CurrentMemoryUsage int64 `gorm:"default:0" json:"current_memory_usage"`

	StartedAt time.Time `json:"started_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WorkerRecord) TableName() string { return "sync_workers" }

// WorkerRepository handles all database operations for worker registrations.
type WorkerRepository struct {
	db *gorm.DB
}

func NewWorkerRepository(db *gorm.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// Register inserts the worker row, replacing a previous registration under
// the same id if one survived a crash.
func (r *WorkerRepository) Register(record *WorkerRecord) error {
	now := time.Now()
	if record.Status == "" {
		record.Status = WorkerStatusActive
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	if record.LastHeartbeat.IsZero() {
		record.LastHeartbeat = now
	}

	err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "worker_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"hostname", "status", "last_heartbeat", "started_at",
			"current_job_id", "jobs_processed_count", "current_memory_usage", "updated_at",
		}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("error registering worker: %v", err)
	}
	return nil
}

// Heartbeat refreshes liveness and the worker's memory reading.
func (r *WorkerRepository) Heartbeat(workerID, status string, memoryUsage int64) error {
	err := r.db.Model(&WorkerRecord{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"status":               status,
			"last_heartbeat":       time.Now(),
			"current_memory_usage": memoryUsage,
			"updated_at":           time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("error recording heartbeat: %v", err)
	}
	return nil
}

func (r *WorkerRepository) SetStatus(workerID, status string) error {
	err := r.db.Model(&WorkerRecord{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("error updating worker status: %v", err)
	}
	return nil
}

// SetCurrentJob records which job the worker holds; nil clears it.
func (r *WorkerRepository) SetCurrentJob(workerID string, jobID *string) error {
	err := r.db.Model(&WorkerRecord{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"current_job_id": jobID,
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("error updating worker job: %v", err)
	}
	return nil
}

func (r *WorkerRepository) IncrementProcessed(workerID string) error {
	err := r.db.Model(&WorkerRecord{}).Where("worker_id = ?", workerID).
		Updates(map[string]interface{}{
			"jobs_processed_count": gormdb.Expr("jobs_processed_count + 1"),
			"updated_at":           time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("error counting processed job: %v", err)
	}
	return nil
}

// ReapStale marks workers without a recent heartbeat inactive and returns
// their ids so the caller can free the jobs they were holding.
func (r *WorkerRepository) ReapStale(timeout time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-timeout)

	var stale []WorkerRecord
	err := r.db.Select("worker_id").
		Where("last_heartbeat < ? AND status NOT IN ?", cutoff,
			[]string{WorkerStatusInactive, WorkerStatusStopped}).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("error listing stale workers: %v", err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(stale))
	for _, w := range stale {
		ids = append(ids, w.WorkerID)
	}

	err = r.db.Model(&WorkerRecord{}).
		Where("worker_id IN ? AND last_heartbeat < ?", ids, cutoff).
		Updates(map[string]interface{}{
			"status":         WorkerStatusInactive,
			"current_job_id": nil,
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("error reaping stale workers: %v", err)
	}
	return ids, nil
}

func (r *WorkerRepository) Get(workerID string) (*WorkerRecord, error) {
	var record WorkerRecord
	err := r.db.Where("worker_id = ?", workerID).First(&record).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, gormdb.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting worker: %v", err)
	}
	return &record, nil
}

// List returns all registrations, most recent heartbeat first.
func (r *WorkerRepository) List() ([]WorkerRecord, error) {
	var records []WorkerRecord
	if err := r.db.Order("last_heartbeat DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("error listing workers: %v", err)
	}
	return records, nil
}
