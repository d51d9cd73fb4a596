package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

type NotificationEngine interface {
	Stats() notification.Stats
	QueueLength() int
	History(ctx context.Context, limit int64) ([]notification.Message, error)
	Enqueue(ctx context.Context, msg notification.Message)
	ProviderHealth() map[notification.Channel]bool
}

type NotificationsHandler struct {
	engine     NotificationEngine
	maxRetries int
}

func NewNotificationsHandler(engine NotificationEngine, maxRetries int) *NotificationsHandler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &NotificationsHandler{engine: engine, maxRetries: maxRetries}
}

func (h *NotificationsHandler) Stats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"stats":       h.engine.Stats(),
		"queueLength": h.engine.QueueLength(),
	})
}

func (h *NotificationsHandler) History(ctx *gin.Context) {
	limit := int64(intQuery(ctx, "limit", 100))

	items, err := h.engine.History(ctx.Request.Context(), limit)
	if err != nil {
		RespondInternal(ctx, "history read failed")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *NotificationsHandler) ProviderHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"providers": h.engine.ProviderHealth()})
}

type testSendRequest struct {
	Channel    string   `json:"channel" binding:"required,oneof=email webhook sms slack"`
	Recipients []string `json:"recipients"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
}

// TestSend bypasses rules and cooldowns to exercise one channel end to end.
func (h *NotificationsHandler) TestSend(ctx *gin.Context) {
	var req testSendRequest
	if !BindJSON(ctx, &req) {
		return
	}

	msg := notification.NewMessage(
		notification.Channel(req.Channel),
		notification.SeverityInfo,
		req.Recipients,
		h.maxRetries,
	)

	msg.Title = req.Title
	if msg.Title == "" {
		msg.Title = "Test notification"
	}
	msg.Content = req.Content
	if msg.Content == "" {
		msg.Content = "This is a test notification from aiot-scheduler."
	}
	msg.Metadata = map[string]string{"test": "true"}

	h.engine.Enqueue(ctx.Request.Context(), msg)

	ctx.JSON(http.StatusAccepted, gin.H{
		"success":        true,
		"notificationId": msg.ID,
	})
}
