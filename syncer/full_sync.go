package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/pkg/worker"
	"github.com/inboxlane/mailsync/repo"
)

// providerMaxPageSize is the largest page any provider accepts; connection
// batch sizes above it are clamped.
const providerMaxPageSize = 500

// fullRunState accumulates counters that span folders within one job.
type fullRunState struct {
	messagesSynced int
	folderErrors   []string
}

// RunFull rebuilds the cache for every folder of the job's connection:
// prepare, refresh token, discover folders, then per folder clear and
// re-page, finalizing with the history cursor the next incremental resumes
// from. A failed folder is annotated and skipped; the job still completes.
func (e *Engine) RunFull(ctx context.Context, job *repo.SyncJob) (err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	conn, err := e.connections.GetByID(job.ConnectionID)
	if err != nil {
		return err
	}
	if err := e.acquireLatch(conn); err != nil {
		return err
	}
	if err := e.connections.MarkSyncing(conn.ID, repo.SyncTypeFull); err != nil {
		return err
	}

	err = e.runFull(ctx, conn, job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperrors.ErrProviderTokenRevoked):
		// Token manager already flagged requires_reauth and freed the latch.
		return err
	case IsCancelled(err):
		if releaseErr := e.connections.ReleaseSyncLatch(conn.ID); releaseErr != nil {
			logger.Error(ctx, "error releasing latch after cancel", logger.ErrorField(releaseErr))
		}
		if resetErr := e.connections.ResetSyncStatus(conn.ID); resetErr != nil {
			logger.Error(ctx, "error resetting status after cancel", logger.ErrorField(resetErr))
		}
		return err
	default:
		if markErr := e.connections.MarkError(conn.ID, err.Error()); markErr != nil {
			logger.Error(ctx, "error recording sync failure", logger.ErrorField(markErr))
		}
		return err
	}
}

func (e *Engine) runFull(ctx context.Context, conn *repo.EmailConnection, job *repo.SyncJob) error {
	s, err := e.openSession(ctx, conn)
	if err != nil {
		return err
	}

	profile, err := e.fetchProfile(ctx, s)
	if err != nil {
		return err
	}
	// The incremental cursor is snapshotted before any listing begins, so
	// mail arriving mid-sync replays through the first incremental pass
	// instead of falling into a gap.
	cursor := profile.HistoryID

	folders, err := e.ensureFolders(ctx, s)
	if err != nil {
		return err
	}
	total := len(folders)
	e.report(ctx, job, repo.JobProgress{
		TotalFolders:  &total,
		StatusMessage: strPtr(fmt.Sprintf("discovered %d folders", total)),
	})

	state := &fullRunState{}
	for i, folder := range folders {
		cancelled, err := e.jobCancelled(job)
		if err != nil {
			return err
		}
		if cancelled {
			return errSyncCancelled
		}

		e.report(ctx, job, repo.JobProgress{CurrentFolder: &folder.Name})
		if err := e.syncFolder(ctx, s, job, &folder, state, true); err != nil {
			if IsCancelled(err) || errors.Is(err, apperrors.ErrProviderTokenRevoked) {
				return err
			}
			// Best effort per folder: record and move on so one bad
			// folder does not block the rest of the mailbox.
			note := fmt.Sprintf("folder %s failed: %v", folder.Name, err)
			state.folderErrors = append(state.folderErrors, note)
			logger.Warn(ctx, "folder sync failed, continuing",
				logger.String("connection_id", conn.ID),
				logger.String("folder", folder.Name),
				logger.ErrorField(err),
			)
		}

		done := i + 1
		progress := int(math.Round(100 * float64(done) / float64(total)))
		e.report(ctx, job, repo.JobProgress{
			FoldersCompleted: &done,
			Progress:         &progress,
			MessagesSynced:   &state.messagesSynced,
		})
	}

	message := fmt.Sprintf("synced %d messages across %d folders", state.messagesSynced, total)
	if len(state.folderErrors) > 0 {
		message = fmt.Sprintf("%s (%d folder failures: %s)",
			message, len(state.folderErrors), state.folderErrors[0])
	}
	if job != nil {
		if err := e.jobs.Complete(job.ID, message, cursor); err != nil {
			return err
		}
	}
	if err := e.connections.MarkIdle(conn.ID, cursor, time.Now()); err != nil {
		return err
	}

	logger.Info(ctx, "full sync completed",
		logger.String("connection_id", conn.ID),
		logger.Int("messages_synced", state.messagesSynced),
		logger.Int("folders", total),
		logger.String("history_id", cursor),
	)
	return nil
}

func (e *Engine) fetchProfile(ctx context.Context, s *session) (*ProviderProfile, error) {
	var profile *ProviderProfile
	err := withBackoff(ctx, e.sleep, "profile.get", func() error {
		var callErr error
		profile, callErr = s.client.Profile(ctx)
		return callErr
	})
	return profile, err
}

// syncFolder pages one folder's messages into the cache. preClear drops the
// folder's cached rows first, which also makes crash reclamation safe: a
// reclaimed job redoes the current folder from scratch.
func (e *Engine) syncFolder(ctx context.Context, s *session, job *repo.SyncJob, folder *repo.EmailFolder, state *fullRunState, preClear bool) error {
	if preClear {
		if _, err := e.messages.DeleteByFolder(s.conn.ID, folder.ID); err != nil {
			return err
		}
	}

	pageSize := s.conn.SyncBatchSize
	if pageSize <= 0 || pageSize > providerMaxPageSize {
		pageSize = providerMaxPageSize
	}

	pageToken := ""
	for {
		if err := e.refreshIfNeeded(ctx, s); err != nil {
			return err
		}

		var page *MessagePage
		err := withBackoff(ctx, e.sleep, "messages.list", func() error {
			var callErr error
			page, callErr = s.client.ListMessagePage(ctx, folder.ProviderFolderID, pageToken, pageSize)
			return callErr
		})
		if err != nil {
			return err
		}

		if len(page.IDs) > 0 {
			cached, skipped := e.fetchPage(ctx, s, folder.ID, page.IDs)
			if err := e.upsertInSubBatches(ctx, cached); err != nil {
				return err
			}
			state.messagesSynced += len(cached)
			if skipped > 0 {
				logger.Warn(ctx, "some messages failed to fetch",
					logger.String("folder", folder.Name),
					logger.Int("skipped", skipped),
				)
			}
			e.report(ctx, job, repo.JobProgress{
				MessagesSynced: &state.messagesSynced,
				StatusMessage:  strPtr(fmt.Sprintf("syncing %s: %d messages", folder.Name, state.messagesSynced)),
			})
		}

		cancelled, err := e.jobCancelled(job)
		if err != nil {
			return err
		}
		if cancelled {
			return errSyncCancelled
		}

		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
		if err := e.pause(ctx, e.config.PagePause); err != nil {
			return err
		}
	}
}

// fetchPage pulls full messages for one page of ids on a bounded pool.
// Individual fetch failures are counted and skipped; the page survives.
func (e *Engine) fetchPage(ctx context.Context, s *session, folderID string, ids []string) ([]repo.CachedEmail, int) {
	pool := worker.NewWorkerPool(e.config.FetchConcurrency)

	var mu sync.Mutex
	var cached []repo.CachedEmail
	skipped := 0

	for _, id := range ids {
		messageID := id
		_ = pool.Submit(func() error {
			var msg *ProviderMessage
			err := withBackoff(ctx, e.sleep, "messages.get", func() error {
				var callErr error
				msg, callErr = s.client.FetchMessage(ctx, messageID)
				return callErr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped++
				logger.Debug(ctx, "message fetch failed",
					logger.String("provider_email_id", messageID),
					logger.ErrorField(err),
				)
				return err
			}
			cached = append(cached, toCachedEmail(s.conn, folderID, msg))
			return nil
		})
	}
	pool.Wait()

	return cached, skipped
}

// upsertInSubBatches writes the page in UpsertBatchSize slices with a short
// pause between them so bulk syncs do not monopolize the store.
func (e *Engine) upsertInSubBatches(ctx context.Context, cached []repo.CachedEmail) error {
	size := e.config.UpsertBatchSize
	for start := 0; start < len(cached); start += size {
		end := start + size
		if end > len(cached) {
			end = len(cached)
		}
		if err := e.messages.UpsertBatch(cached[start:end]); err != nil {
			return err
		}
		if end < len(cached) {
			if err := e.pause(ctx, e.config.SubBatchPause); err != nil {
				return err
			}
		}
	}
	return nil
}

// SyncFolderOnDemand refreshes a single folder, optionally clearing its
// cached rows first. The folder is resolved to its row by type so the
// pre-clear deletes by folder uuid.
func (e *Engine) SyncFolderOnDemand(ctx context.Context, conn *repo.EmailConnection, folderType string, fullSync bool) (synced int, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	folder, err := e.folders.GetByType(conn.ID, folderType)
	if err != nil {
		return 0, err
	}
	if err := e.acquireLatch(conn); err != nil {
		return 0, err
	}
	if err := e.connections.MarkSyncing(conn.ID, repo.SyncTypeFull); err != nil {
		return 0, err
	}

	s, err := e.openSession(ctx, conn)
	if err != nil {
		if !errors.Is(err, apperrors.ErrProviderTokenRevoked) {
			if markErr := e.connections.MarkError(conn.ID, err.Error()); markErr != nil {
				logger.Error(ctx, "error recording sync failure", logger.ErrorField(markErr))
			}
		}
		return 0, err
	}

	state := &fullRunState{}
	if err := e.syncFolder(ctx, s, nil, folder, state, fullSync); err != nil {
		if markErr := e.connections.MarkError(conn.ID, err.Error()); markErr != nil {
			logger.Error(ctx, "error recording sync failure", logger.ErrorField(markErr))
		}
		return state.messagesSynced, err
	}

	if err := e.connections.MarkIdle(conn.ID, "", time.Now()); err != nil {
		return state.messagesSynced, err
	}
	return state.messagesSynced, nil
}

func strPtr(s string) *string { return &s }
