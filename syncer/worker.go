package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/pkg/utils"
	"github.com/inboxlane/mailsync/repo"
	"golang.org/x/sync/semaphore"
)

// WorkerConfig tunes one worker's loop. Zero values take the defaults.
type WorkerConfig struct {
	MaxConcurrentJobs int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// RetryDelay is the pause after MaxConsecutiveFailures sync failures
	// in a row, giving a flapping dependency room to recover.
	RetryDelay             time.Duration
	MaxConsecutiveFailures int

	// ReclaimLimit bounds how many abandoned jobs one poll takes over.
	ReclaimLimit int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxConcurrentJobs:      1,
		PollInterval:           5 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		RetryDelay:             60 * time.Second,
		MaxConsecutiveFailures: 3,
		ReclaimLimit:           3,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	defaults := DefaultWorkerConfig()
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = defaults.MaxConcurrentJobs
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = defaults.MaxConsecutiveFailures
	}
	if c.ReclaimLimit <= 0 {
		c.ReclaimLimit = defaults.ReclaimLimit
	}
	return c
}

// Worker claims sync jobs from the queue and drives them through the
// engine. All coordination with other workers happens through the store:
// conditional claims, heartbeats, and lock-timeout reclamation.
type Worker struct {
	id     string
	host   string
	config WorkerConfig

	workers     *repo.WorkerRepository
	jobs        *repo.SyncJobRepository
	connections *repo.ConnectionRepository
	engine      *Engine

	slots *semaphore.Weighted

	mu                  sync.Mutex
	consecutiveFailures int
	activeJobs          int

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker builds a worker whose id is hostname plus a random suffix, so a
// restarted process registers as a new worker and the reaper retires the
// old row.
func NewWorker(
	workers *repo.WorkerRepository,
	jobs *repo.SyncJobRepository,
	connections *repo.ConnectionRepository,
	engine *Engine,
	config WorkerConfig,
) *Worker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mailsync"
	}
	config = config.withDefaults()
	return &Worker{
		id:          fmt.Sprintf("%s-%s", host, utils.RandStringRunes(8)),
		host:        host,
		config:      config,
		workers:     workers,
		jobs:        jobs,
		connections: connections,
		engine:      engine,
		slots:       semaphore.NewWeighted(int64(config.MaxConcurrentJobs)),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// ID returns the registered worker id.
func (w *Worker) ID() string { return w.id }

// Start registers the worker and launches the poll and heartbeat loops.
func (w *Worker) Start(ctx context.Context) error {
	record := &repo.WorkerRecord{
		WorkerID: w.id,
		Hostname: w.host,
		Status:   repo.WorkerStatusActive,
	}
	if err := w.workers.Register(record); err != nil {
		return err
	}

	logger.Info(ctx, "worker started",
		logger.String("worker_id", w.id),
		logger.Int("max_concurrent_jobs", w.config.MaxConcurrentJobs),
	)

	go w.run(ctx)
	return nil
}

// Stop halts polling, returns unfinished claims to the queue, and records
// the shutdown. Blocks until in-flight jobs reach their next checkpoint.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh

	// Drain: wait for every slot so running jobs finish their current step.
	if err := w.slots.Acquire(ctx, int64(w.config.MaxConcurrentJobs)); err == nil {
		w.slots.Release(int64(w.config.MaxConcurrentJobs))
	}

	released, err := w.jobs.ReleaseAll(w.id)
	if err != nil {
		logger.Error(ctx, "error releasing jobs on shutdown", logger.ErrorField(err))
	}
	if err := w.workers.SetStatus(w.id, repo.WorkerStatusStopped); err != nil {
		logger.Error(ctx, "error recording worker stop", logger.ErrorField(err))
	}

	logger.Info(ctx, "worker stopped",
		logger.String("worker_id", w.id),
		logger.Int64("jobs_released", released),
	)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	poll := time.NewTicker(w.config.PollInterval)
	heartbeat := time.NewTicker(w.config.HeartbeatInterval)
	defer poll.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			w.sendHeartbeat(ctx)
		case <-poll.C:
			w.pollOnce(ctx)
		}
	}
}

// PollOnce runs one claim cycle synchronously; the loop calls it on each
// tick and tests call it directly.
func (w *Worker) PollOnce(ctx context.Context) {
	w.pollOnce(ctx)
}

func (w *Worker) pollOnce(ctx context.Context) {
	if !w.slots.TryAcquire(1) {
		return
	}

	job, err := w.nextJob(ctx)
	if err != nil {
		w.slots.Release(1)
		logger.Error(ctx, "error polling job queue", logger.ErrorField(err))
		return
	}
	if job == nil {
		w.slots.Release(1)
		return
	}

	go func() {
		defer w.slots.Release(1)
		w.execute(ctx, job)
	}()
}

// nextJob reclaims abandoned work before touching the fresh queue, so a
// crashed peer's job is not starved behind new arrivals.
func (w *Worker) nextJob(ctx context.Context) (*repo.SyncJob, error) {
	reclaimed, err := w.jobs.ReclaimAbandoned(w.id, repo.JobLockTimeout, w.config.ReclaimLimit)
	if err != nil {
		logger.Error(ctx, "error reclaiming abandoned jobs", logger.ErrorField(err))
	}
	if len(reclaimed) > 0 {
		logger.Info(ctx, "reclaimed abandoned job",
			logger.String("worker_id", w.id),
			logger.String("job_id", reclaimed[0].ID),
		)
		return &reclaimed[0], nil
	}
	return w.jobs.ClaimNext(w.id)
}

// execute drives one job through the engine and records the outcome.
// Panics inside a sync are recovered and treated as job failures.
func (w *Worker) execute(ctx context.Context, job *repo.SyncJob) {
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	w.setProcessing(job.ID, true)
	defer w.setProcessing(job.ID, false)

	logger.Info(ctx, "executing sync job",
		logger.String("worker_id", w.id),
		logger.String("job_id", job.ID),
		logger.String("connection_id", job.ConnectionID),
		logger.String("sync_type", job.SyncType),
	)

	err = w.runJob(ctx, job)
	switch {
	case err == nil:
		w.recordSuccess(ctx)
	case IsCancelled(err):
		// Cancel already wrote the terminal status; nothing to record.
		logger.Info(ctx, "job cancelled mid-sync",
			logger.String("job_id", job.ID),
		)
	default:
		w.recordFailure(ctx, job, err)
	}
}

func (w *Worker) runJob(ctx context.Context, job *repo.SyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during sync: %v", r)
		}
	}()

	switch job.SyncType {
	case repo.SyncTypeFull:
		return w.engine.RunFull(ctx, job)
	case repo.SyncTypeIncremental:
		_, err := w.engine.RunIncremental(ctx, job)
		if errors.Is(err, apperrors.ErrRequiresFullSync) {
			// The cursor is gone; swap this job for a full rebuild.
			return w.escalateToFull(ctx, job)
		}
		return err
	default:
		return fmt.Errorf("unknown sync type %q", job.SyncType)
	}
}

// escalateToFull completes the incremental job as superseded and enqueues a
// full sync in its place.
func (w *Worker) escalateToFull(ctx context.Context, job *repo.SyncJob) error {
	if err := w.jobs.Complete(job.ID, "history cursor expired, full sync scheduled", ""); err != nil {
		return err
	}
	full := &repo.SyncJob{
		UserID:       job.UserID,
		ConnectionID: job.ConnectionID,
		Provider:     job.Provider,
		SyncType:     repo.SyncTypeFull,
		Priority:     job.Priority,
	}
	if err := w.jobs.Enqueue(full); err != nil {
		if _, ok := apperrors.ConflictingJobID(err); ok {
			return nil
		}
		return err
	}
	logger.Info(ctx, "incremental escalated to full sync",
		logger.String("connection_id", job.ConnectionID),
		logger.String("job_id", full.ID),
	)
	return nil
}

func (w *Worker) recordSuccess(ctx context.Context) {
	w.mu.Lock()
	w.consecutiveFailures = 0
	w.mu.Unlock()

	if err := w.workers.IncrementProcessed(w.id); err != nil {
		logger.Warn(ctx, "error counting processed job", logger.ErrorField(err))
	}
}

func (w *Worker) recordFailure(ctx context.Context, job *repo.SyncJob, jobErr error) {
	reason := jobErr.Error()
	if errors.Is(jobErr, apperrors.ErrProviderTokenRevoked) {
		// Connection is already requires_reauth; the job records why.
		reason = fmt.Sprintf("token revoked: %v", jobErr)
	}
	if err := w.jobs.Fail(job.ID, reason); err != nil {
		logger.Error(ctx, "error failing job", logger.ErrorField(err))
	}

	logger.Error(ctx, "sync job failed",
		logger.String("worker_id", w.id),
		logger.String("job_id", job.ID),
		logger.ErrorField(jobErr),
	)

	w.mu.Lock()
	w.consecutiveFailures++
	tripped := w.consecutiveFailures >= w.config.MaxConsecutiveFailures
	if tripped {
		w.consecutiveFailures = 0
	}
	w.mu.Unlock()

	if tripped {
		w.backOff(ctx)
	}
}

// backOff pauses the worker after repeated failures, mirroring the pause in
// the worker record so operators can see why the queue stalled.
func (w *Worker) backOff(ctx context.Context) {
	logger.Warn(ctx, "worker entering error back-off",
		logger.String("worker_id", w.id),
		logger.Duration("retry_delay", w.config.RetryDelay),
	)
	if err := w.workers.SetStatus(w.id, repo.WorkerStatusError); err != nil {
		logger.Error(ctx, "error recording worker error state", logger.ErrorField(err))
	}

	timer := time.NewTimer(w.config.RetryDelay)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-timer.C:
	}

	if err := w.workers.SetStatus(w.id, repo.WorkerStatusActive); err != nil {
		logger.Error(ctx, "error restoring worker status", logger.ErrorField(err))
	}
}

func (w *Worker) setProcessing(jobID string, processing bool) {
	w.mu.Lock()
	if processing {
		w.activeJobs++
	} else {
		w.activeJobs--
	}
	w.mu.Unlock()

	if processing {
		_ = w.workers.SetStatus(w.id, repo.WorkerStatusProcessing)
		_ = w.workers.SetCurrentJob(w.id, &jobID)
	} else {
		_ = w.workers.SetStatus(w.id, repo.WorkerStatusActive)
		_ = w.workers.SetCurrentJob(w.id, nil)
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) {
	w.mu.Lock()
	busy := w.activeJobs > 0
	w.mu.Unlock()

	status := repo.WorkerStatusActive
	if busy {
		status = repo.WorkerStatusProcessing
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	if err := w.workers.Heartbeat(w.id, status, int64(m.Alloc)); err != nil {
		logger.Warn(ctx, "error sending heartbeat",
			logger.String("worker_id", w.id),
			logger.ErrorField(err),
		)
	}
}
