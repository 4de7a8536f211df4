package router

import (
	"context"
	"net/http"

	"github.com/inboxlane/mailsync/db"
	"github.com/inboxlane/mailsync/handler"
	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"

	middleware "github.com/inboxlane/mailsync/middleware"
	"github.com/labstack/echo/v4"
)

// NewServer builds the Echo instance with the full route table. Split from
// StartServer so tests can drive the router without binding a port.
func NewServer(store *db.PostgresDb, h *handler.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Initialize all middleware
	middleware.InitializeAllMiddleware(e, store)

	// Prometheus metrics endpoint
	e.GET("/metrics", echo.WrapHandler(monitor.CreateMetricsHandler()))

	// Unauthenticated operational endpoints
	e.GET("/health", h.HandleHealth)

	// Provider push notifications arrive without our JWT; the webhook
	// resolves the connection from the resource id instead.
	e.POST("/webhooks/gmail", h.HandleGmailWebhook)

	connections := e.Group("/email-connections")
	connections.Use(middleware.JWTMiddleware)

	connections.POST("", h.HandleCreateConnection)
	connections.GET("", h.HandleListConnections)
	connections.GET("/:id/status", h.HandleConnectionStatus)
	connections.PUT("/:id/sync-settings", h.HandleUpdateSyncSettings)
	connections.DELETE("/:id", h.HandleDeleteConnection)

	sync := e.Group("/sync")
	sync.Use(middleware.JWTMiddleware)

	sync.POST("/full", h.HandleFullSync)
	sync.POST("/incremental", h.HandleIncrementalSync)
	sync.POST("/on-demand", h.HandleOnDemandSync)
	sync.GET("/status/:id", h.HandleSyncStatus)
	sync.POST("/cancel/:id", h.HandleCancelSync)
	sync.GET("/history", h.HandleSyncHistory)

	workers := e.Group("/workers")
	workers.Use(middleware.JWTMiddleware)
	workers.GET("", h.HandleListWorkers)

	return e
}

// StartServer runs the HTTP server until the listener fails or Shutdown is
// called on the returned instance.
func StartServer(e *echo.Echo, address string) {
	err := e.Start(address)
	if err != nil && err != http.ErrServerClosed {
		logger.Info(context.Background(), "Error starting server", logger.ErrorField(err))
	}
}
