package handler

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/inboxlane/mailsync/pkg/logger"
	"github.com/inboxlane/mailsync/pkg/monitor"
	"github.com/inboxlane/mailsync/syncer"
	"github.com/labstack/echo/v4"
)

// gmailNotification is the direct webhook body shape.
type gmailNotification struct {
	HistoryID    json.Number `json:"historyId"`
	EmailAddress string      `json:"emailAddress"`
}

// pubSubEnvelope is the Google Pub/Sub push wrapper; Data is base64 of a
// gmailNotification.
type pubSubEnvelope struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// HandleGmailWebhook receives Gmail push notifications. The endpoint is
// unauthenticated; production deployments put a shared Pub/Sub signature in
// front of it. Unknown resources get 404 so the provider stops retrying.
// Everything else acknowledges 200, since the periodic incremental pass
// covers anything a dropped notification missed.
func (h *Handler) HandleGmailWebhook(c echo.Context) error {
	ctx := c.Request().Context()
	var err error
	defer monitor.Mon.Task()(&ctx)(&err)

	resourceState := c.Request().Header.Get("resource-state")
	resourceID := c.Request().Header.Get("resource-id")

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": "unreadable body",
		})
	}

	historyID, emailAddress := parseNotificationBody(body)
	if resourceID == "" {
		resourceID = emailAddress
	}
	if resourceState == "" && (historyID != "" || emailAddress != "") {
		// Pub/Sub push envelopes carry no resource-state header; a decoded
		// notification implies new mail exists.
		resourceState = "exists"
	}

	logger.Debug(ctx, "gmail notification received",
		logger.String("resource_state", resourceState),
		logger.String("resource_id", resourceID),
		logger.String("history_id", historyID),
	)

	result, err := h.watches.OnNotification(ctx, resourceState, resourceID, historyID)
	if err != nil {
		if syncer.IsUnknownResource(err) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"message": "no connection for resource",
			})
		}
		logger.Error(ctx, "error processing gmail notification", logger.ErrorField(err))
		return c.JSON(http.StatusOK, map[string]interface{}{
			"message": "notification acknowledged with errors",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"newMessages":     result.NewMessages,
		"updatedMessages": result.UpdatedMessages,
		"deletedMessages": result.DeletedMessages,
	})
}

// parseNotificationBody accepts either the raw notification JSON or a
// Pub/Sub push envelope wrapping it.
func parseNotificationBody(body []byte) (historyID, emailAddress string) {
	if len(body) == 0 {
		return "", ""
	}

	var envelope pubSubEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message.Data != "" {
		if decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data); err == nil {
			body = decoded
		}
	}

	var notification gmailNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return "", ""
	}
	return notification.HistoryID.String(), notification.EmailAddress
}
