package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/repo"
	"github.com/labstack/echo/v4"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type fullSyncRequest struct {
	ConnectionID string `json:"connectionId"`
	Priority     int    `json:"priority"`
}

// HandleFullSync enqueues a full sync job. A connection that already has a
// job in flight gets that job's id back instead of an error.
func (h *Handler) HandleFullSync(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req fullSyncRequest
	if err = c.Bind(&req); err != nil || req.ConnectionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "connectionId is required",
		})
	}

	conn, err := h.store.ConnectionRepo.GetForUser(userID, req.ConnectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "Connection not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to get connection",
		})
	}

	priority := req.Priority
	if priority <= 0 {
		priority = repo.PriorityUserInitiated
	}

	job := &repo.SyncJob{
		UserID:       userID,
		ConnectionID: conn.ID,
		Provider:     conn.Provider,
		SyncType:     repo.SyncTypeFull,
		Priority:     priority,
	}
	if err = h.store.SyncJobRepo.Enqueue(job); err != nil {
		if existingID, conflict := apperrors.ConflictingJobID(err); conflict {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"syncId":         existingID,
				"alreadyRunning": true,
			})
		}
		logger.Error(ctx, "error enqueueing full sync", logger.ErrorField(err))
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to enqueue sync",
		})
	}

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"syncId": job.ID,
	})
}

type incrementalSyncRequest struct {
	ConnectionID string `json:"connectionId"`
}

// HandleIncrementalSync runs an incremental sync synchronously and returns
// the change counts, or signals that only a full sync can proceed.
func (h *Handler) HandleIncrementalSync(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req incrementalSyncRequest
	if err = c.Bind(&req); err != nil || req.ConnectionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "connectionId is required",
		})
	}

	conn, err := h.store.ConnectionRepo.GetForUser(userID, req.ConnectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "Connection not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to get connection",
		})
	}

	result, err := h.engine.RunIncrementalForConnection(ctx, conn, "")
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrRequiresFullSync):
			return c.JSON(http.StatusOK, map[string]interface{}{
				"success":          false,
				"requiresFullSync": true,
			})
		case errors.Is(err, apperrors.ErrProviderTokenRevoked):
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"message":        "Provider token revoked; reconnect the mailbox",
				"needsReconnect": true,
			})
		default:
			if _, conflict := apperrors.ConflictingJobID(err); conflict {
				return c.JSON(http.StatusConflict, map[string]interface{}{
					"message": "A sync is already running for this connection",
				})
			}
			logger.Error(ctx, "incremental sync failed", logger.ErrorField(err))
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"message": "Incremental sync failed",
				"error":   err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":         true,
		"newMessages":     result.NewMessages,
		"updatedMessages": result.UpdatedMessages,
		"deletedMessages": result.DeletedMessages,
		"historyId":       result.HistoryID,
	})
}

type onDemandSyncRequest struct {
	ConnectionID string `json:"connectionId"`
	FolderType   string `json:"folderType"`
	FullSync     bool   `json:"fullSync"`
}

// HandleOnDemandSync refreshes a single folder synchronously, pre-clearing
// its cached rows when fullSync is set.
func (h *Handler) HandleOnDemandSync(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req onDemandSyncRequest
	if err = c.Bind(&req); err != nil || req.ConnectionID == "" || req.FolderType == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "connectionId and folderType are required",
		})
	}

	conn, err := h.store.ConnectionRepo.GetForUser(userID, req.ConnectionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "Connection not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to get connection",
		})
	}

	synced, err := h.engine.SyncFolderOnDemand(ctx, conn, req.FolderType, req.FullSync)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrFolderNotFound):
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "Folder not found; run a full sync first",
			})
		case errors.Is(err, apperrors.ErrProviderTokenRevoked):
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"message":        "Provider token revoked; reconnect the mailbox",
				"needsReconnect": true,
			})
		default:
			if _, conflict := apperrors.ConflictingJobID(err); conflict {
				return c.JSON(http.StatusConflict, map[string]interface{}{
					"message": "A sync is already running for this connection",
				})
			}
			logger.Error(ctx, "on-demand sync failed", logger.ErrorField(err))
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"message": "On-demand sync failed",
				"error":   err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":        true,
		"messagesSynced": synced,
		"folderType":     req.FolderType,
	})
}

// HandleSyncStatus returns the full job row, user-scoped.
func (h *Handler) HandleSyncStatus(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	job, err := h.store.SyncJobRepo.GetForUser(userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, apperrors.ErrJobNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "Sync job not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to get sync job",
		})
	}
	return c.JSON(http.StatusOK, job)
}

// HandleCancelSync cancels the user's in-progress job; the owning worker
// observes it at its next checkpoint.
func (h *Handler) HandleCancelSync(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	cancelled, err := h.store.SyncJobRepo.Cancel(userID, c.Param("id"))
	if err != nil {
		logger.Error(ctx, "error cancelling job", logger.ErrorField(err))
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to cancel sync",
		})
	}
	if !cancelled {
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"message": "No cancellable sync job found",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Sync cancelled",
	})
}

// HandleSyncHistory lists the user's recent jobs, newest first.
func (h *Handler) HandleSyncHistory(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	jobs, err := h.store.SyncJobRepo.ListRecent(userID, c.QueryParam("connectionId"), limit)
	if err != nil {
		logger.Error(ctx, "error listing sync history", logger.ErrorField(err))
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to list sync history",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"jobs": jobs,
	})
}
