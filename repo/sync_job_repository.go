package repo

import (
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/gorm"
	gormdb "gorm.io/gorm"
)

// Job lifecycle states. A job is queued while status is in_progress and
// worker_id is null; claiming sets worker_id without changing status.
const (
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

const (
	// PriorityUserInitiated outranks scheduler work so interactive
	// requests never starve behind background catch-up.
	PriorityUserInitiated = 5
	PriorityScheduled     = 2

	DefaultMaxRetries = 3

	// JobLockTimeout is how long a claimed job may go without a progress
	// update before another worker may take it over.
	JobLockTimeout = 10 * time.Minute

	// claimScanLimit bounds how many queue candidates a single claim
	// attempt walks before giving up on a crowded poll.
	claimScanLimit = 5
)

// SyncJob is one unit of sync work for a connection.
type SyncJob struct {
	gorm.UUIDModel

	UserID       string `gorm:"type:uuid;not null;index" json:"user_id"`
	ConnectionID string `gorm:"type:uuid;not null;index;uniqueIndex:uniq_sync_job_active,where:status = 'in_progress'" json:"connection_id"`
	Provider     string `gorm:"size:32" json:"provider"`
	SyncType     string `gorm:"size:16;not null" json:"sync_type"`

	Status   string `gorm:"size:32;not null;index" json:"status"`
	Priority int    `gorm:"not null;default:5" json:"priority"`

	// WorkerID is null while the job sits unclaimed in the queue.
	WorkerID *string `gorm:"size:128;index" json:"worker_id,omitempty"`

	Progress         int    `gorm:"default:0" json:"progress"`
	FoldersCompleted int    `gorm:"default:0" json:"folders_completed"`
	TotalFolders     int    `gorm:"default:0" json:"total_folders"`
	MessagesSynced   int    `gorm:"default:0" json:"messages_synced"`
	CurrentFolder    string `gorm:"size:255" json:"current_folder,omitempty"`
	StatusMessage    string `gorm:"type:text" json:"status_message,omitempty"`

	// LatestHistoryID is the cursor the job ended on, recorded so the
	// connection can be advanced and the row tells the whole story.
	LatestHistoryID string `gorm:"size:64" json:"latest_history_id,omitempty"`

	RetryCount int `gorm:"default:0" json:"retry_count"`
	MaxRetries int `gorm:"default:3" json:"max_retries"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (SyncJob) TableName() string { return "sync_jobs" }

// Claimed reports whether a worker currently owns the job.
func (j *SyncJob) Claimed() bool { return j.WorkerID != nil && *j.WorkerID != "" }

// Terminal reports whether the job has reached a final state.
func (j *SyncJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// SyncJobRepository handles all database operations for the job queue.
type SyncJobRepository struct {
	db *gorm.DB
}

func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// Enqueue creates a queued job for the connection. When an in-progress job
// already exists the partial unique index rejects the insert and the
// existing job is surfaced through ConflictingJobError, so racing enqueuers
// cannot both win.
func (r *SyncJobRepository) Enqueue(job *SyncJob) error {
	if job.Status == "" {
		job.Status = JobStatusInProgress
	}
	if job.Priority == 0 {
		job.Priority = PriorityUserInitiated
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = DefaultMaxRetries
	}

	if err := r.db.Create(job).Error; err != nil {
		if !isUniqueViolation(err) {
			return fmt.Errorf("error enqueueing sync job: %v", err)
		}
		existing, lookupErr := r.ActiveJobForConnection(job.ConnectionID)
		if lookupErr != nil {
			return fmt.Errorf("error resolving conflicting sync job: %v", lookupErr)
		}
		if existing == nil {
			// Conflicting job finished between insert and lookup; one retry.
			if err := r.db.Create(job).Error; err != nil {
				return fmt.Errorf("error enqueueing sync job: %v", err)
			}
			return nil
		}
		return &apperrors.ConflictingJobError{ExistingJobID: existing.ID}
	}
	return nil
}

// ClaimNext hands the worker the best queued job, or nil when the queue is
// empty. Ownership is taken with a conditional update keyed on worker_id
// still being null, so two workers can never claim the same job.
func (r *SyncJobRepository) ClaimNext(workerID string) (*SyncJob, error) {
	var candidates []SyncJob
	err := r.db.
		Where("status = ? AND worker_id IS NULL", JobStatusInProgress).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(claimScanLimit).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("error listing queued jobs: %v", err)
	}

	now := time.Now()
	for _, candidate := range candidates {
		result := r.db.Model(&SyncJob{}).
			Where("id = ? AND worker_id IS NULL AND status = ?", candidate.ID, JobStatusInProgress).
			Updates(map[string]interface{}{
				"worker_id":  workerID,
				"started_at": gormdb.Expr("COALESCE(started_at, ?)", now),
				"updated_at": now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("error claiming job %s: %v", candidate.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			return r.GetByID(candidate.ID)
		}
		// Another worker won this row; try the next candidate.
	}
	return nil, nil
}

// ReclaimAbandoned takes over jobs whose owner stopped reporting progress.
// The guard repeats the staleness condition so a worker that resumes
// updating at the last moment keeps its job.
func (r *SyncJobRepository) ReclaimAbandoned(workerID string, lockTimeout time.Duration, limit int) ([]SyncJob, error) {
	cutoff := time.Now().Add(-lockTimeout)

	var stale []SyncJob
	err := r.db.
		Where("status = ? AND worker_id IS NOT NULL AND worker_id <> ? AND updated_at < ?",
			JobStatusInProgress, workerID, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&stale).Error
	if err != nil {
		return nil, fmt.Errorf("error listing abandoned jobs: %v", err)
	}

	var reclaimed []SyncJob
	for _, job := range stale {
		previousOwner := ""
		if job.WorkerID != nil {
			previousOwner = *job.WorkerID
		}
		result := r.db.Model(&SyncJob{}).
			Where("id = ? AND worker_id = ? AND status = ? AND updated_at < ?",
				job.ID, previousOwner, JobStatusInProgress, cutoff).
			Updates(map[string]interface{}{
				"worker_id":      workerID,
				"status_message": fmt.Sprintf("reclaimed from worker %s after lock timeout", previousOwner),
				"updated_at":     time.Now(),
			})
		if result.Error != nil {
			return reclaimed, fmt.Errorf("error reclaiming job %s: %v", job.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			// The dead owner never released the connection latch it held;
			// free it so the new owner's run can take it.
			if err := r.releaseLatches([]string{job.ConnectionID}); err != nil {
				return reclaimed, err
			}
			fresh, err := r.GetByID(job.ID)
			if err != nil {
				return reclaimed, err
			}
			reclaimed = append(reclaimed, *fresh)
		}
	}
	return reclaimed, nil
}

// releaseLatches frees the per-connection sync latch for connections whose
// syncing worker died. Only set latches are touched.
func (r *SyncJobRepository) releaseLatches(connectionIDs []string) error {
	if len(connectionIDs) == 0 {
		return nil
	}
	err := r.db.Model(&EmailConnection{}).
		Where("id IN ? AND sync_in_progress = ?", connectionIDs, true).
		Updates(map[string]interface{}{
			"sync_in_progress": false,
			"updated_at":       time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("error releasing connection latches: %v", err)
	}
	return nil
}

// JobProgress carries the fields a progress report may touch. Nil members
// leave the stored value alone.
type JobProgress struct {
	Progress         *int
	FoldersCompleted *int
	TotalFolders     *int
	MessagesSynced   *int
	CurrentFolder    *string
	StatusMessage    *string
}

// ReportProgress records progress and refreshes updated_at, which doubles
// as the job-level heartbeat that keeps reclaim at bay.
func (r *SyncJobRepository) ReportProgress(jobID string, report JobProgress) error {
	updates := map[string]interface{}{
		"updated_at": time.Now(),
	}
	if report.Progress != nil {
		p := *report.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		updates["progress"] = p
	}
	if report.FoldersCompleted != nil {
		updates["folders_completed"] = *report.FoldersCompleted
	}
	if report.TotalFolders != nil {
		updates["total_folders"] = *report.TotalFolders
	}
	if report.MessagesSynced != nil {
		updates["messages_synced"] = *report.MessagesSynced
	}
	if report.CurrentFolder != nil {
		updates["current_folder"] = *report.CurrentFolder
	}
	if report.StatusMessage != nil {
		updates["status_message"] = *report.StatusMessage
	}
	if err := r.db.Model(&SyncJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("error reporting job progress: %v", err)
	}
	return nil
}

// Touch refreshes updated_at without changing progress.
func (r *SyncJobRepository) Touch(jobID string) error {
	err := r.db.Model(&SyncJob{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{"updated_at": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("error touching job: %v", err)
	}
	return nil
}

// Complete marks the job finished. historyID records the cursor the sync
// ended on; empty leaves the column alone (incremental no-op, outlook).
func (r *SyncJobRepository) Complete(jobID, message, historyID string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":       JobStatusCompleted,
		"progress":     100,
		"completed_at": now,
		"updated_at":   now,
	}
	if message != "" {
		updates["status_message"] = message
	}
	if historyID != "" {
		updates["latest_history_id"] = historyID
	}
	if err := r.db.Model(&SyncJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("error completing job: %v", err)
	}
	return nil
}

func (r *SyncJobRepository) Fail(jobID, message string) error {
	now := time.Now()
	err := r.db.Model(&SyncJob{}).Where("id = ?", jobID).Updates(map[string]interface{}{
		"status":         JobStatusFailed,
		"status_message": message,
		"retry_count":    gormdb.Expr("retry_count + 1"),
		"completed_at":   now,
		"updated_at":     now,
	}).Error
	if err != nil {
		return fmt.Errorf("error failing job: %v", err)
	}
	return nil
}

// Cancel marks a user's active job cancelled. The owning worker observes the
// status at its next checkpoint and stops; rows are never deleted.
func (r *SyncJobRepository) Cancel(userID, jobID string) (bool, error) {
	now := time.Now()
	result := r.db.Model(&SyncJob{}).
		Where("id = ? AND user_id = ? AND status = ?", jobID, userID, JobStatusInProgress).
		Updates(map[string]interface{}{
			"status":         JobStatusCancelled,
			"status_message": "cancelled by user",
			"completed_at":   now,
			"updated_at":     now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("error cancelling job: %v", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// IsCancelled is polled by workers at cancellation checkpoints.
func (r *SyncJobRepository) IsCancelled(jobID string) (bool, error) {
	var job SyncJob
	err := r.db.Select("status").Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return false, apperrors.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("error checking job status: %v", err)
	}
	return job.Status == JobStatusCancelled, nil
}

// ReleaseAll returns the worker's active claims to the queue, used on
// graceful shutdown so another worker can pick the jobs up immediately.
func (r *SyncJobRepository) ReleaseAll(workerID string) (int64, error) {
	result := r.db.Model(&SyncJob{}).
		Where("worker_id = ? AND status = ?", workerID, JobStatusInProgress).
		Updates(map[string]interface{}{
			"worker_id":      nil,
			"status_message": "released on worker shutdown",
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("error releasing worker jobs: %v", result.Error)
	}
	return result.RowsAffected, nil
}

// ReleaseForWorkers returns claims held by reaped workers to the queue and
// frees the connection latches those workers were syncing under.
func (r *SyncJobRepository) ReleaseForWorkers(workerIDs []string) (int64, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}

	var held []SyncJob
	err := r.db.
		Where("worker_id IN ? AND status = ?", workerIDs, JobStatusInProgress).
		Find(&held).Error
	if err != nil {
		return 0, fmt.Errorf("error listing jobs for inactive workers: %v", err)
	}
	if len(held) == 0 {
		return 0, nil
	}

	result := r.db.Model(&SyncJob{}).
		Where("worker_id IN ? AND status = ?", workerIDs, JobStatusInProgress).
		Updates(map[string]interface{}{
			"worker_id":      nil,
			"status_message": "released after worker became inactive",
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("error releasing jobs for inactive workers: %v", result.Error)
	}

	connectionIDs := make([]string, 0, len(held))
	for _, job := range held {
		connectionIDs = append(connectionIDs, job.ConnectionID)
	}
	if err := r.releaseLatches(connectionIDs); err != nil {
		return result.RowsAffected, err
	}
	return result.RowsAffected, nil
}

func (r *SyncJobRepository) GetByID(jobID string) (*SyncJob, error) {
	var job SyncJob
	err := r.db.Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, apperrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting job: %v", err)
	}
	return &job, nil
}

// GetForUser is the user-scoped lookup backing the status endpoint.
func (r *SyncJobRepository) GetForUser(userID, jobID string) (*SyncJob, error) {
	var job SyncJob
	err := r.db.Where("id = ? AND user_id = ?", jobID, userID).First(&job).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, apperrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting job: %v", err)
	}
	return &job, nil
}

// ListRecent returns the user's newest jobs, optionally filtered to one
// connection.
func (r *SyncJobRepository) ListRecent(userID, connectionID string, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := r.db.Where("user_id = ?", userID)
	if connectionID != "" {
		query = query.Where("connection_id = ?", connectionID)
	}
	var jobs []SyncJob
	if err := query.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("error listing jobs: %v", err)
	}
	return jobs, nil
}

// ActiveJobForConnection returns the connection's in-progress job, or nil.
func (r *SyncJobRepository) ActiveJobForConnection(connectionID string) (*SyncJob, error) {
	var job SyncJob
	err := r.db.Where("connection_id = ? AND status = ?", connectionID, JobStatusInProgress).
		First(&job).Error
	if errors.Is(err, gormdb.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting active job: %v", err)
	}
	return &job, nil
}

// QueueDepth counts jobs waiting for a worker.
func (r *SyncJobRepository) QueueDepth() (int64, error) {
	var count int64
	err := r.db.Model(&SyncJob{}).
		Where("status = ? AND worker_id IS NULL", JobStatusInProgress).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("error counting queued jobs: %v", err)
	}
	return count, nil
}

func (r *SyncJobRepository) CountByStatus(status string) (int64, error) {
	var count int64
	if err := r.db.Model(&SyncJob{}).Where("status = ?", status).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("error counting jobs: %v", err)
	}
	return count, nil
}
