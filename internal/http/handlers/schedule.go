package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zanewnch/aiot-scheduler/internal/actorctx"
	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/scheduler"
)

type ArchiveTrigger interface {
	Trigger(ctx context.Context, jobType *task.JobType, trigger string) error
}

type CleanupTrigger interface {
	Trigger(ctx context.Context, tableName string, daysThreshold int) error
}

type CoordinatorStatus interface {
	Status() scheduler.Status
}

type FailedRequeuer interface {
	RequeueFailed(ctx context.Context, limit int) (int, error)
}

type ScheduleHandler struct {
	archive     ArchiveTrigger
	cleanup     CleanupTrigger
	coordinator CoordinatorStatus
	requeuer    FailedRequeuer
}

func NewScheduleHandler(archive ArchiveTrigger, cleanup CleanupTrigger, coordinator CoordinatorStatus, requeuer FailedRequeuer) *ScheduleHandler {
	return &ScheduleHandler{
		archive:     archive,
		cleanup:     cleanup,
		coordinator: coordinator,
		requeuer:    requeuer,
	}
}

func (h *ScheduleHandler) Status(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.coordinator.Status())
}

type triggerRequest struct {
	JobType *string `json:"jobType" binding:"omitempty,oneof=positions commands status"`
}

// Trigger kicks the archive producer outside its cron schedule.
func (h *ScheduleHandler) Trigger(ctx *gin.Context) {
	var req triggerRequest
	if ctx.Request.ContentLength > 0 {
		if !BindJSON(ctx, &req) {
			return
		}
	}

	var jt *task.JobType
	if req.JobType != nil {
		t := task.JobType(*req.JobType)
		jt = &t
	}

	runCtx := actorctx.WithActor(ctx.Request.Context(), "manual:"+requestIDFrom(ctx))

	if err := h.archive.Trigger(runCtx, jt, "manual"); err != nil {
		if errors.Is(err, task.ErrInvalidJobType) {
			RespondBadRequest(ctx, "unknown job type", nil)
			return
		}
		if errors.Is(err, task.ErrDuplicateBatchID) {
			RespondConflict(ctx, "duplicate_batch", "a task for this batch already exists")
			return
		}
		RespondInternal(ctx, "trigger failed")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"success": true})
}

type cleanupTriggerRequest struct {
	TableName     string `json:"tableName" binding:"omitempty,oneof=drone_positions drone_commands drone_real_time_status"`
	DaysThreshold int    `json:"daysThreshold" binding:"omitempty,min=1,max=365"`
}

func (h *ScheduleHandler) TriggerCleanup(ctx *gin.Context) {
	var req cleanupTriggerRequest
	if ctx.Request.ContentLength > 0 {
		if !BindJSON(ctx, &req) {
			return
		}
	}

	if req.DaysThreshold == 0 {
		req.DaysThreshold = 7
	}

	if err := h.cleanup.Trigger(ctx.Request.Context(), req.TableName, req.DaysThreshold); err != nil {
		RespondInternal(ctx, "cleanup trigger failed")
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"success": true})
}

// RetryFailed requeues failed tasks immediately, skipping the cooldown.
func (h *ScheduleHandler) RetryFailed(ctx *gin.Context) {
	limit := intQuery(ctx, "limit", 50)

	n, err := h.requeuer.RequeueFailed(ctx.Request.Context(), limit)
	if err != nil {
		RespondInternal(ctx, "requeue failed")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"success": true, "requeued": n})
}
