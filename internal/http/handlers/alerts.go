package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
)

type AlertSource interface {
	Active() []alert.Alert
	Resolve(id string) error
}

type AlertsHandler struct {
	alerts AlertSource
}

func NewAlertsHandler(alerts AlertSource) *AlertsHandler {
	return &AlertsHandler{alerts: alerts}
}

func (h *AlertsHandler) List(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"alerts": h.alerts.Active()})
}

func (h *AlertsHandler) Resolve(ctx *gin.Context) {
	id := ctx.Param("id")
	if id == "" {
		RespondBadRequest(ctx, "alert id required", nil)
		return
	}

	if err := h.alerts.Resolve(id); err != nil {
		RespondNotFound(ctx, "alert not found")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"success": true})
}
