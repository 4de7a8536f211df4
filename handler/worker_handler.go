package handler

import (
	"net/http"

	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/repo"
	"github.com/labstack/echo/v4"
)

// HandleListWorkers exposes the worker registry for operational visibility.
func (h *Handler) HandleListWorkers(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	workers, err := h.store.WorkerRepo.List()
	if err != nil {
		logger.Error(ctx, "error listing workers", logger.ErrorField(err))
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to list workers",
		})
	}

	queueDepth, err := h.store.SyncJobRepo.QueueDepth()
	if err != nil {
		logger.Warn(ctx, "error counting queued jobs", logger.ErrorField(err))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workers":    workers,
		"queueDepth": queueDepth,
	})
}

// HandleHealth reports liveness: the store must answer a ping.
func (h *Handler) HandleHealth(c echo.Context) error {
	if err := h.store.HealthCheck(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	inProgress, err := h.store.SyncJobRepo.CountByStatus(repo.JobStatusInProgress)
	if err != nil {
		inProgress = -1
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"jobsInProgress": inProgress,
	})
}
