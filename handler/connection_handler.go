package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/inboxlane/mailsync/pkg/apperrors"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/repo"
	"github.com/labstack/echo/v4"
)

type createConnectionRequest struct {
	Provider     string `json:"provider"`
	Email        string `json:"email"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

// HandleCreateConnection attaches a provider mailbox: the token is proven
// against the provider's "who am I", the connection row is upserted with
// sync disabled, an initial full sync is enqueued, and for Gmail a push
// watch is installed best-effort.
func (h *Handler) HandleCreateConnection(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req createConnectionRequest
	if err = c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}
	if req.Provider == "" || req.AccessToken == "" || req.RefreshToken == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "provider, accessToken, and refreshToken are required",
		})
	}
	if req.Provider != repo.ProviderGmail && req.Provider != repo.ProviderOutlook {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "unsupported provider",
		})
	}

	client, err := h.clients(ctx, req.Provider, req.AccessToken)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "Failed to build provider client",
			"error":   err.Error(),
		})
	}
	profile, err := client.Profile(ctx)
	if err != nil {
		logger.Warn(ctx, "token validation failed", logger.ErrorField(err))
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"message": "Provider rejected the access token",
		})
	}

	email := req.Email
	if email == "" {
		email = profile.Email
	}

	conn := &repo.EmailConnection{
		UserID:       userID,
		Provider:     req.Provider,
		Email:        email,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		SyncEnabled:  false,
	}
	if req.ExpiresAt != "" {
		if expiresAt, parseErr := time.Parse(time.RFC3339, req.ExpiresAt); parseErr == nil {
			conn.TokenExpiresAt = &expiresAt
		}
	}

	stored, err := h.store.ConnectionRepo.Upsert(conn)
	if err != nil {
		logger.Error(ctx, "error upserting connection", logger.ErrorField(err))
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to store connection",
		})
	}

	job := &repo.SyncJob{
		UserID:       userID,
		ConnectionID: stored.ID,
		Provider:     stored.Provider,
		SyncType:     repo.SyncTypeFull,
		Priority:     repo.PriorityUserInitiated,
	}
	syncID := ""
	if err = h.store.SyncJobRepo.Enqueue(job); err != nil {
		if existingID, conflict := apperrors.ConflictingJobID(err); conflict {
			syncID = existingID
		} else {
			logger.Error(ctx, "error enqueueing initial sync", logger.ErrorField(err))
		}
	} else {
		syncID = job.ID
	}

	watchInstalled := false
	if stored.Provider == repo.ProviderGmail {
		if watchErr := h.watches.Install(ctx, stored); watchErr != nil {
			logger.Warn(ctx, "watch install failed on attach",
				logger.String("connection_id", stored.ID),
				logger.ErrorField(watchErr),
			)
		} else {
			watchInstalled = true
		}
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":             stored.ID,
		"email":          stored.Email,
		"provider":       stored.Provider,
		"syncId":         syncID,
		"watchInstalled": watchInstalled,
	})
}

// HandleListConnections returns the user's connections.
func (h *Handler) HandleListConnections(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	conns, err := h.store.ConnectionRepo.ListForUser(userID)
	if err != nil {
		logger.Error(ctx, "error listing connections", logger.ErrorField(err))
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to list connections",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": conns,
	})
}

// HandleConnectionStatus reports the connection's sync health.
func (h *Handler) HandleConnectionStatus(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	conn, err := h.store.ConnectionRepo.GetForUser(userID, c.Param("id"))
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

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":             conn.ID,
		"email":          conn.Email,
		"provider":       conn.Provider,
		"status":         conn.SyncStatus,
		"needsReconnect": conn.NeedsReconnect(),
		"lastSyncedAt":   conn.LastSyncedAt,
		"error":          conn.SyncError,
	})
}

type syncSettingsRequest struct {
	SyncFrequencyMinutes int  `json:"syncFrequencyMinutes"`
	SyncBatchSize        int  `json:"syncBatchSize"`
	SyncEnabled          bool `json:"syncEnabled"`
}

// HandleUpdateSyncSettings applies the user-editable sync knobs.
func (h *Handler) HandleUpdateSyncSettings(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req syncSettingsRequest
	if err = c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "Invalid request body",
		})
	}
	if req.SyncFrequencyMinutes <= 0 {
		req.SyncFrequencyMinutes = repo.DefaultSyncFrequencyMinutes
	}
	if req.SyncBatchSize <= 0 {
		req.SyncBatchSize = repo.DefaultSyncBatchSize
	}

	err = h.store.ConnectionRepo.UpdateSyncSettings(userID, c.Param("id"),
		req.SyncFrequencyMinutes, req.SyncBatchSize, req.SyncEnabled)
	if err != nil {
		if errors.Is(err, apperrors.ErrConnectionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "Connection not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to update sync settings",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Sync settings updated",
	})
}

// HandleDeleteConnection detaches the mailbox: the push watch is stopped
// best-effort, then the connection and everything cached under it go away.
func (h *Handler) HandleDeleteConnection(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	userID, ok := requireUser(c)
	if !ok {
		return nil
	}

	conn, err := h.store.ConnectionRepo.GetForUser(userID, c.Param("id"))
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

	if conn.WatchResourceID != "" {
		if stopErr := h.watches.Stop(ctx, conn); stopErr != nil {
			logger.Warn(ctx, "watch stop failed on detach",
				logger.String("connection_id", conn.ID),
				logger.ErrorField(stopErr),
			)
		}
	}

	if err = h.store.ConnectionRepo.Delete(userID, conn.ID); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"message": "Failed to delete connection",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": "Connection deleted",
	})
}
