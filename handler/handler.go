// Package handler implements the HTTP surface: connection management, sync
// triggers, job inspection, the Gmail push webhook, and operational
// endpoints. Handlers validate and translate; the sync semantics live in
// the syncer package.
package handler

import (
	"net/http"

	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/middleware"
	"github.com/inboxlane/mailsync/syncer"
	"github.com/labstack/echo/v4"
)

// Handler carries the dependencies the HTTP surface needs beyond the store.
type Handler struct {
	store   *db.PostgresDb
	engine  *syncer.Engine
	watches *syncer.WatchManager
	clients syncer.ClientFactory
}

func New(store *db.PostgresDb, engine *syncer.Engine, watches *syncer.WatchManager, clients syncer.ClientFactory) *Handler {
	return &Handler{
		store:   store,
		engine:  engine,
		watches: watches,
		clients: clients,
	}
}

// requireUser extracts the authenticated user id or writes the 401 itself.
func requireUser(c echo.Context) (string, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		_ = c.JSON(http.StatusUnauthorized, map[string]interface{}{
			"message": "Authentication required",
		})
		return "", false
	}
	return userID, true
}
