package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/http/handlers"
	"github.com/zanewnch/aiot-scheduler/internal/scheduler"
)

type fakeArchiveTrigger struct {
	triggerFn func(ctx context.Context, jobType *task.JobType, trigger string) error
	gotType   *task.JobType
}

func (f *fakeArchiveTrigger) Trigger(ctx context.Context, jobType *task.JobType, trigger string) error {
	f.gotType = jobType
	if f.triggerFn != nil {
		return f.triggerFn(ctx, jobType, trigger)
	}
	return nil
}

type fakeCleanupTrigger struct {
	gotTable string
	gotDays  int
}

func (f *fakeCleanupTrigger) Trigger(ctx context.Context, tableName string, daysThreshold int) error {
	f.gotTable = tableName
	f.gotDays = daysThreshold
	return nil
}

type fakeCoordinator struct {
	status scheduler.Status
}

func (f *fakeCoordinator) Status() scheduler.Status { return f.status }

type fakeRequeuer struct {
	gotLimit int
	n        int
}

func (f *fakeRequeuer) RequeueFailed(ctx context.Context, limit int) (int, error) {
	f.gotLimit = limit
	return f.n, nil
}

func newScheduleHandler(archive *fakeArchiveTrigger) (*handlers.ScheduleHandler, *fakeCleanupTrigger, *fakeRequeuer) {
	cleanup := &fakeCleanupTrigger{}
	requeuer := &fakeRequeuer{n: 2}
	h := handlers.NewScheduleHandler(archive, cleanup, &fakeCoordinator{
		status: scheduler.Status{Overall: scheduler.HealthHealthy},
	}, requeuer)
	return h, cleanup, requeuer
}

func TestScheduleTrigger_AllTypes(t *testing.T) {
	archive := &fakeArchiveTrigger{}
	h, _, _ := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/schedule/trigger", h.Trigger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule/trigger", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if archive.gotType != nil {
		t.Fatalf("empty body must trigger all types, got %v", *archive.gotType)
	}
}

func TestScheduleTrigger_SingleType(t *testing.T) {
	archive := &fakeArchiveTrigger{}
	h, _, _ := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/schedule/trigger", h.Trigger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule/trigger",
		strings.NewReader(`{"jobType":"positions"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if archive.gotType == nil || *archive.gotType != task.JobPositions {
		t.Fatalf("jobType = %v, want positions", archive.gotType)
	}
}

func TestScheduleTrigger_BadJobType(t *testing.T) {
	archive := &fakeArchiveTrigger{}
	h, _, _ := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/schedule/trigger", h.Trigger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule/trigger",
		strings.NewReader(`{"jobType":"telemetry"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestScheduleTrigger_DuplicateBatchConflict(t *testing.T) {
	archive := &fakeArchiveTrigger{
		triggerFn: func(ctx context.Context, jobType *task.JobType, trigger string) error {
			return task.ErrDuplicateBatchID
		},
	}
	h, _, _ := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/schedule/trigger", h.Trigger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule/trigger", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestScheduleCleanupTrigger_Defaults(t *testing.T) {
	archive := &fakeArchiveTrigger{}
	h, cleanup, _ := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/schedule/cleanup/trigger", h.TriggerCleanup)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule/cleanup/trigger", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if cleanup.gotDays != 7 {
		t.Fatalf("daysThreshold = %d, want default 7", cleanup.gotDays)
	}
	if cleanup.gotTable != "" {
		t.Fatalf("tableName = %q, want all tables", cleanup.gotTable)
	}
}

func TestScheduleCleanupTrigger_UnknownTable(t *testing.T) {
	archive := &fakeArchiveTrigger{}
	h, _, _ := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/schedule/cleanup/trigger", h.TriggerCleanup)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedule/cleanup/trigger",
		strings.NewReader(`{"tableName":"users"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRetryFailed_PassesLimit(t *testing.T) {
	archive := &fakeArchiveTrigger{}
	h, _, requeuer := newScheduleHandler(archive)
	r := setupRouter(http.MethodPost, "/archive-tasks/retry-failed", h.RetryFailed)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/archive-tasks/retry-failed?limit=5", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if requeuer.gotLimit != 5 {
		t.Fatalf("limit = %d, want 5", requeuer.gotLimit)
	}
	if !strings.Contains(w.Body.String(), `"requeued":2`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}
