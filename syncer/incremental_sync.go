package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/pkg/utils"
	"github.com/inboxlane/mailsync/repo"
	"golang.org/x/sync/errgroup"
)

// IncrementalResult reports what one incremental pass changed.
type IncrementalResult struct {
	NewMessages     int    `json:"newMessages"`
	UpdatedMessages int    `json:"updatedMessages"`
	DeletedMessages int    `json:"deletedMessages"`
	FailedMessages  int    `json:"failedMessages,omitempty"`
	HistoryID       string `json:"historyId,omitempty"`
}

// Total is the number of applied changes.
func (r *IncrementalResult) Total() int {
	return r.NewMessages + r.UpdatedMessages + r.DeletedMessages
}

// historyDelta is the partitioned change set for one history range. The
// three sets are disjoint; precedence is add > delete > update so a message
// is handled exactly once.
type historyDelta struct {
	toAdd    []string
	toDelete []string
	toUpdate []string
	cursor   string
}

// RunIncremental executes the job's incremental sync against its
// connection. Callers receiving ErrRequiresFullSync should enqueue a full
// job instead; the connection's cursor and last_synced_at are untouched on
// that path.
func (e *Engine) RunIncremental(ctx context.Context, job *repo.SyncJob) (result *IncrementalResult, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)

	conn, err := e.connections.GetByID(job.ConnectionID)
	if err != nil {
		return nil, err
	}
	return e.runIncrementalGuarded(ctx, conn, job, "")
}

// RunIncrementalForConnection is the jobless variant behind the synchronous
// API path and the push-notification handler. startCursor overrides the
// connection's stored cursor when non-empty.
func (e *Engine) RunIncrementalForConnection(ctx context.Context, conn *repo.EmailConnection, startCursor string) (result *IncrementalResult, err error) {
	defer monitor.Mon.Task()(&ctx)(&err)
	return e.runIncrementalGuarded(ctx, conn, nil, startCursor)
}

// runIncrementalGuarded wraps the core with latch handling and connection
// status transitions for every exit path.
func (e *Engine) runIncrementalGuarded(ctx context.Context, conn *repo.EmailConnection, job *repo.SyncJob, startCursor string) (*IncrementalResult, error) {
	if err := e.acquireLatch(conn); err != nil {
		return nil, err
	}
	if err := e.connections.MarkSyncing(conn.ID, repo.SyncTypeIncremental); err != nil {
		return nil, err
	}

	result, err := e.runIncremental(ctx, conn, job, startCursor)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, apperrors.ErrRequiresFullSync):
		// Not a failure: the caller falls back to a full sync. Cursor and
		// last_synced_at stay exactly as they were.
		if resetErr := e.connections.ResetSyncStatus(conn.ID); resetErr != nil {
			logger.Error(ctx, "error resetting status after cursor fallback", logger.ErrorField(resetErr))
		}
		return nil, err
	case errors.Is(err, apperrors.ErrProviderTokenRevoked):
		return nil, err
	case IsCancelled(err):
		if releaseErr := e.connections.ReleaseSyncLatch(conn.ID); releaseErr != nil {
			logger.Error(ctx, "error releasing latch after cancel", logger.ErrorField(releaseErr))
		}
		if resetErr := e.connections.ResetSyncStatus(conn.ID); resetErr != nil {
			logger.Error(ctx, "error resetting status after cancel", logger.ErrorField(resetErr))
		}
		return nil, err
	default:
		if markErr := e.connections.MarkError(conn.ID, err.Error()); markErr != nil {
			logger.Error(ctx, "error recording sync failure", logger.ErrorField(markErr))
		}
		return nil, err
	}
}

func (e *Engine) runIncremental(ctx context.Context, conn *repo.EmailConnection, job *repo.SyncJob, startCursor string) (*IncrementalResult, error) {
	cursor := startCursor
	if cursor == "" {
		cursor = conn.LatestHistoryID
	}
	if cursor == "" {
		return nil, fmt.Errorf("%w: connection has no history cursor", apperrors.ErrRequiresFullSync)
	}

	s, err := e.openSession(ctx, conn)
	if err != nil {
		return nil, err
	}
	if !s.client.SupportsHistory() {
		return nil, fmt.Errorf("%w: provider %s has no change log", apperrors.ErrRequiresFullSync, conn.Provider)
	}

	delta, err := e.collectHistory(ctx, s, cursor)
	if err != nil {
		return nil, err
	}

	folders, err := e.folders.SeedDefaults(conn.UserID, conn.ID)
	if err != nil {
		return nil, err
	}

	result := &IncrementalResult{HistoryID: delta.cursor}

	added, failedAdds, err := e.applyFetches(ctx, s, job, folders, delta.toAdd)
	if err != nil {
		return nil, err
	}
	result.NewMessages = added
	result.FailedMessages += failedAdds

	deleted, err := e.messages.DeleteByProviderIDs(conn.ID, delta.toDelete)
	if err != nil {
		return nil, err
	}
	result.DeletedMessages = int(deleted)

	updated, failedUpdates, err := e.applyFetches(ctx, s, job, folders, delta.toUpdate)
	if err != nil {
		return nil, err
	}
	result.UpdatedMessages = updated
	result.FailedMessages += failedUpdates

	if job != nil {
		message := fmt.Sprintf("incremental: %d new, %d updated, %d deleted",
			result.NewMessages, result.UpdatedMessages, result.DeletedMessages)
		if err := e.jobs.Complete(job.ID, message, delta.cursor); err != nil {
			return nil, err
		}
	}
	if err := e.connections.MarkIdle(conn.ID, delta.cursor, time.Now()); err != nil {
		return nil, err
	}

	logger.Info(ctx, "incremental sync completed",
		logger.String("connection_id", conn.ID),
		logger.Int("new", result.NewMessages),
		logger.Int("updated", result.UpdatedMessages),
		logger.Int("deleted", result.DeletedMessages),
		logger.String("history_id", delta.cursor),
	)
	return result, nil
}

// collectHistory pages the provider's change log from cursor to the end and
// partitions the touched message ids into disjoint add, delete, and update
// sets.
func (e *Engine) collectHistory(ctx context.Context, s *session, cursor string) (*historyDelta, error) {
	var added, deleted, updated []string
	latest := cursor

	pageToken := ""
	for {
		var page *HistoryPage
		err := withBackoff(ctx, e.sleep, "history.list", func() error {
			var callErr error
			page, callErr = s.client.ListHistory(ctx, cursor, pageToken)
			return callErr
		})
		if err != nil {
			return nil, err
		}

		added = append(added, page.AddedIDs...)
		deleted = append(deleted, page.DeletedIDs...)
		updated = append(updated, page.UpdatedIDs...)
		if page.LatestHistoryID != "" {
			latest = page.LatestHistoryID
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	toAdd := utils.Dedupe(added)
	addSet := utils.ToSet(toAdd)
	toDelete := utils.Subtract(utils.Dedupe(deleted), addSet)
	excluded := utils.ToSet(append(append([]string{}, toAdd...), toDelete...))
	toUpdate := utils.Subtract(utils.Dedupe(updated), excluded)

	return &historyDelta{
		toAdd:    toAdd,
		toDelete: toDelete,
		toUpdate: toUpdate,
		cursor:   latest,
	}, nil
}

// applyFetches fetches the given message ids in bounded batches and upserts
// them one by one, so a single poisoned message is counted, not fatal.
// Cancellation is observed between batches.
func (e *Engine) applyFetches(ctx context.Context, s *session, job *repo.SyncJob, folders []repo.EmailFolder, ids []string) (applied, failed int, err error) {
	for _, batch := range utils.Chunk(ids, e.config.FetchBatchSize) {
		cancelled, err := e.jobCancelled(job)
		if err != nil {
			return applied, failed, err
		}
		if cancelled {
			return applied, failed, errSyncCancelled
		}

		messages := make([]*ProviderMessage, len(batch))
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(e.config.FetchConcurrency)
		for i, id := range batch {
			i, messageID := i, id
			group.Go(func() error {
				var msg *ProviderMessage
				fetchErr := withBackoff(groupCtx, e.sleep, "messages.get", func() error {
					var callErr error
					msg, callErr = s.client.FetchMessage(groupCtx, messageID)
					return callErr
				})
				if fetchErr != nil {
					logger.Debug(groupCtx, "message fetch failed",
						logger.String("provider_email_id", messageID),
						logger.ErrorField(fetchErr),
					)
					return nil
				}
				messages[i] = msg
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return applied, failed, err
		}

		for _, msg := range messages {
			if msg == nil {
				failed++
				continue
			}
			folderID, err := e.resolveFolderID(folders, s, msg)
			if err != nil {
				return applied, failed, err
			}
			cached := toCachedEmail(s.conn, folderID, msg)
			if err := e.messages.Upsert(&cached); err != nil {
				failed++
				logger.Warn(ctx, "error caching message",
					logger.String("provider_email_id", msg.ProviderID),
					logger.ErrorField(err),
				)
				continue
			}
			applied++
		}

		if err := e.pause(ctx, e.config.FetchBatchPause); err != nil {
			return applied, failed, err
		}
	}
	return applied, failed, nil
}
