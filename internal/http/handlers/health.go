package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zanewnch/aiot-scheduler/internal/monitoring"
)

type HealthSource interface {
	Health() monitoring.OverallHealth
}

type HealthHandler struct {
	health HealthSource
}

func NewHealthHandler(health HealthSource) *HealthHandler {
	return &HealthHandler{health: health}
}

// Health maps the aggregate dependency status onto 200/206/503.
func (h *HealthHandler) Health(ctx *gin.Context) {
	overall := h.health.Health()

	status := http.StatusOK
	switch overall.Status {
	case "degraded":
		status = http.StatusPartialContent
	case "unhealthy":
		status = http.StatusServiceUnavailable
	}

	ctx.JSON(status, overall)
}

// Healthz is the bare liveness probe.
func (h *HealthHandler) Healthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}
