package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zanewnch/aiot-scheduler/internal/cache"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
	"github.com/zanewnch/aiot-scheduler/internal/monitoring"
)

// MetricsHandler serves the latest KV snapshots; a short in-process cache
// keeps dashboard polling off the KV store.
type MetricsHandler struct {
	kvc   *kv.Client
	cache *cache.Cache
}

func NewMetricsHandler(kvc *kv.Client, c *cache.Cache) *MetricsHandler {
	return &MetricsHandler{kvc: kvc, cache: c}
}

func (h *MetricsHandler) System(ctx *gin.Context) {
	if v, ok := h.cache.Get(kv.KeySystemMetrics); ok {
		ctx.JSON(http.StatusOK, v)
		return
	}

	var m monitoring.SystemMetrics
	err := h.kvc.GetJSON(ctx.Request.Context(), kv.KeySystemMetrics, &m)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			RespondNotFound(ctx, "no snapshot yet")
			return
		}
		RespondInternal(ctx, "metrics read failed")
		return
	}

	h.cache.Set(kv.KeySystemMetrics, m)
	ctx.JSON(http.StatusOK, m)
}

func (h *MetricsHandler) Tasks(ctx *gin.Context) {
	if v, ok := h.cache.Get(kv.KeyTaskMetrics); ok {
		ctx.JSON(http.StatusOK, v)
		return
	}

	var m monitoring.TaskMetrics
	err := h.kvc.GetJSON(ctx.Request.Context(), kv.KeyTaskMetrics, &m)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			RespondNotFound(ctx, "no snapshot yet")
			return
		}
		RespondInternal(ctx, "metrics read failed")
		return
	}

	h.cache.Set(kv.KeyTaskMetrics, m)
	ctx.JSON(http.StatusOK, m)
}
