package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/utils"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type TasksStore interface {
	FindByID(ctx context.Context, id int64) (task.Task, error)
	FindByFilter(ctx context.Context, f task.Filter, limit, offset int) ([]task.Task, int64, error)
	ListCursor(ctx context.Context, f task.Filter, limit int, afterCreatedAt time.Time, afterID int64) ([]task.Task, *string, bool, error)
	Delete(ctx context.Context, id int64) error
	Statistics(ctx context.Context, from, to *time.Time) (task.Statistics, error)
}

type TasksHandler struct {
	store TasksStore
}

func NewTasksHandler(store TasksStore) *TasksHandler {
	return &TasksHandler{store: store}
}

func intQuery(ctx *gin.Context, name string, fallback int) int {
	v := ctx.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func taskFilterFrom(ctx *gin.Context) (task.Filter, bool) {
	var f task.Filter

	if v := ctx.Query("jobType"); v != "" {
		jt := task.JobType(v)
		if !jt.IsValid() {
			RespondBadRequest(ctx, "unknown job type", nil)
			return f, false
		}
		f.JobType = &jt
	}
	if v := ctx.Query("status"); v != "" {
		st := task.Status(v)
		if !st.IsValid() {
			RespondBadRequest(ctx, "unknown status", nil)
			return f, false
		}
		f.Status = &st
	}
	if v := ctx.Query("batchId"); v != "" {
		f.BatchID = &v
	}
	if v := ctx.Query("createdBy"); v != "" {
		f.CreatedBy = &v
	}
	if v := ctx.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondBadRequest(ctx, "from must be RFC3339", nil)
			return f, false
		}
		f.From = &t
	}
	if v := ctx.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondBadRequest(ctx, "to must be RFC3339", nil)
			return f, false
		}
		f.To = &t
	}

	return f, true
}

// List supports both cursor paging (preferred) and offset paging.
func (h *TasksHandler) List(ctx *gin.Context) {
	f, ok := taskFilterFrom(ctx)
	if !ok {
		return
	}

	limit := intQuery(ctx, "limit", defaultPageSize)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if cursor := ctx.Query("cursor"); cursor != "" {
		c, err := utils.DecodeTaskCursor(cursor)
		if err != nil {
			RespondBadRequest(ctx, "invalid cursor", nil)
			return
		}

		items, next, hasMore, err := h.store.ListCursor(ctx.Request.Context(), f, limit, c.CreatedAt, c.ID)
		if err != nil {
			RespondInternal(ctx, "list failed")
			return
		}

		ctx.JSON(http.StatusOK, gin.H{
			"items":      items,
			"nextCursor": next,
			"hasMore":    hasMore,
		})
		return
	}

	offset := intQuery(ctx, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := h.store.FindByFilter(ctx.Request.Context(), f, limit, offset)
	if err != nil {
		RespondInternal(ctx, "list failed")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": total,
	})
}

func (h *TasksHandler) Get(ctx *gin.Context) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		RespondBadRequest(ctx, "id must be an integer", nil)
		return
	}

	t, err := h.store.FindByID(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "task not found")
			return
		}
		RespondInternal(ctx, "lookup failed")
		return
	}

	ctx.JSON(http.StatusOK, t)
}

func (h *TasksHandler) Delete(ctx *gin.Context) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		RespondBadRequest(ctx, "id must be an integer", nil)
		return
	}

	err = h.store.Delete(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			RespondNotFound(ctx, "task not found")
			return
		}
		if errors.Is(err, task.ErrTaskRunning) {
			RespondConflict(ctx, "task_running", "running tasks cannot be deleted")
			return
		}
		RespondInternal(ctx, "delete failed")
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *TasksHandler) Statistics(ctx *gin.Context) {
	var from, to *time.Time

	if v := ctx.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondBadRequest(ctx, "from must be RFC3339", nil)
			return
		}
		from = &t
	}
	if v := ctx.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondBadRequest(ctx, "to must be RFC3339", nil)
			return
		}
		to = &t
	}

	stats, err := h.store.Statistics(ctx.Request.Context(), from, to)
	if err != nil {
		RespondInternal(ctx, "statistics failed")
		return
	}

	ctx.JSON(http.StatusOK, stats)
}
