package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/messages"
	"github.com/zanewnch/aiot-scheduler/internal/repo/memory"
)

func seedTask(t *testing.T, repo *memory.TasksRepo, jt task.JobType, batch string) task.Task {
	t.Helper()

	rec, err := repo.Create(context.Background(), task.CreateRequest{
		JobType:        jt,
		SourceTable:    jt.SourceTable(),
		ArchiveTable:   jt.ArchiveTable(),
		DateRangeStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateRangeEnd:   time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC),
		BatchID:        batch,
		TotalRecords:   100,
		CreatedBy:      "scheduler",
	})
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	return rec
}

func advanceTo(t *testing.T, repo *memory.TasksRepo, id int64, statuses ...task.Status) task.Task {
	t.Helper()

	var rec task.Task
	var err error
	for _, s := range statuses {
		st := s
		rec, err = repo.Update(context.Background(), id, task.Update{Status: &st})
		if err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	return rec
}

func newTestMonitor(repo MonitorStore, pub Publisher) *Monitor {
	return NewMonitor(MonitorConfig{
		// zero-hour timeout makes any running task eligible immediately
		TaskTimeout: time.Nanosecond,
		MaxRetries:  3,
		BatchSize:   1000,
	}, repo, pub, nil, nil)
}

func TestTimeoutSweep_FailsRunningTasks(t *testing.T) {
	repo := memory.NewTasksRepo()
	pub := newFakePublisher()
	m := newTestMonitor(repo, pub)

	rec := seedTask(t, repo, task.JobPositions, "DRONE_POSITIONS_20240101_1")
	advanceTo(t, repo, rec.ID, task.StatusRunning)

	if err := m.TimeoutSweep(context.Background()); err != nil {
		t.Fatalf("TimeoutSweep error: %v", err)
	}

	got, err := repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != task.TimeoutErrorMessage {
		t.Fatalf("errorMessage = %v, want %q", got.ErrorMessage, task.TimeoutErrorMessage)
	}
	if got.CompletedAt == nil {
		t.Fatalf("terminal transition must set completedAt")
	}
}

func TestTimeoutSweep_NoEligibleTasksNoPublishes(t *testing.T) {
	repo := memory.NewTasksRepo()
	pub := newFakePublisher()
	m := newTestMonitor(repo, pub)

	seedTask(t, repo, task.JobPositions, "DRONE_POSITIONS_20240101_2")

	if err := m.TimeoutSweep(context.Background()); err != nil {
		t.Fatalf("TimeoutSweep error: %v", err)
	}
	if n := len(pub.all()); n != 0 {
		t.Fatalf("sweep with nothing to do published %d messages", n)
	}
}

func TestRequeueFailed_ResetsAndRepublishes(t *testing.T) {
	repo := memory.NewTasksRepo()
	pub := newFakePublisher()
	m := newTestMonitor(repo, pub)

	rec := seedTask(t, repo, task.JobCommands, "DRONE_COMMANDS_20240101_3")
	advanceTo(t, repo, rec.ID, task.StatusRunning, task.StatusFailed)

	n, err := m.RequeueFailed(context.Background(), 10)
	if err != nil {
		t.Fatalf("RequeueFailed error: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	got, err := repo.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.StartedAt != nil || got.CompletedAt != nil || got.ErrorMessage != nil {
		t.Fatalf("reset must clear timestamps and error: %+v", got)
	}
	if got.ArchivedRecords != 0 {
		t.Fatalf("reset must zero archivedRecords, got %d", got.ArchivedRecords)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retryCount = %d, want 1", got.RetryCount)
	}

	pubs := pub.all()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 republish, got %d", len(pubs))
	}
	if pubs[0].routingKey != messages.QueueArchiveCommands {
		t.Fatalf("routing key = %s, want %s", pubs[0].routingKey, messages.QueueArchiveCommands)
	}

	msg, err := messages.DecodeTask(pubs[0].body)
	if err != nil {
		t.Fatalf("decode republished body: %v", err)
	}
	if msg.RetryCount != 1 {
		t.Fatalf("message retryCount = %d, want 1", msg.RetryCount)
	}
	if !msg.Metadata.IsRetry {
		t.Fatalf("metadata.isRetry must be true on republish")
	}
	if msg.BatchID != rec.BatchID {
		t.Fatalf("batch id must be preserved, got %s", msg.BatchID)
	}
}

func TestRequeueFailed_KeepsOriginalFailureReason(t *testing.T) {
	repo := memory.NewTasksRepo()
	pub := newFakePublisher()
	m := newTestMonitor(repo, pub)

	rec := seedTask(t, repo, task.JobStatus, "DRONE_STATUS_20240101_4")
	advanceTo(t, repo, rec.ID, task.StatusRunning)

	failed := task.StatusFailed
	reason := "worker crashed mid-batch"
	if _, err := repo.Update(context.Background(), rec.ID, task.Update{
		Status:       &failed,
		ErrorMessage: &reason,
	}); err != nil {
		t.Fatalf("fail task: %v", err)
	}

	if _, err := m.RequeueFailed(context.Background(), 10); err != nil {
		t.Fatalf("RequeueFailed error: %v", err)
	}

	pubs := pub.all()
	if len(pubs) != 1 {
		t.Fatalf("expected 1 republish, got %d", len(pubs))
	}

	msg, _ := messages.DecodeTask(pubs[0].body)
	if msg.Metadata.OriginalFailureReason != reason {
		t.Fatalf("originalFailureReason = %q, want %q", msg.Metadata.OriginalFailureReason, reason)
	}
}

func TestRequeueFailed_RespectsMaxRetries(t *testing.T) {
	repo := memory.NewTasksRepo()
	pub := newFakePublisher()
	m := newTestMonitor(repo, pub)

	rec := seedTask(t, repo, task.JobCommands, "DRONE_COMMANDS_20240101_5")

	// burn through every retry
	for i := 0; i < 3; i++ {
		advanceTo(t, repo, rec.ID, task.StatusRunning, task.StatusFailed)
		if _, err := m.RequeueFailed(context.Background(), 10); err != nil {
			t.Fatalf("RequeueFailed round %d: %v", i, err)
		}
	}

	// fourth failure is out of retries
	advanceTo(t, repo, rec.ID, task.StatusRunning, task.StatusFailed)
	n, err := m.RequeueFailed(context.Background(), 10)
	if err != nil {
		t.Fatalf("RequeueFailed error: %v", err)
	}
	if n != 0 {
		t.Fatalf("exhausted task requeued %d times, want 0", n)
	}

	if len(pub.all()) != 3 {
		t.Fatalf("expected exactly 3 republishes, got %d", len(pub.all()))
	}
}

func TestRequeueFailed_OneBadTaskDoesNotHaltSweep(t *testing.T) {
	repo := memory.NewTasksRepo()
	pub := newFakePublisher()
	m := newTestMonitor(repo, pub)

	a := seedTask(t, repo, task.JobPositions, "DRONE_POSITIONS_20240101_6")
	b := seedTask(t, repo, task.JobCommands, "DRONE_COMMANDS_20240101_7")
	advanceTo(t, repo, a.ID, task.StatusRunning, task.StatusFailed)
	advanceTo(t, repo, b.ID, task.StatusRunning, task.StatusFailed)

	// nack everything: both requeues fail at publish, neither panics the loop
	pub.nack = true

	n, err := m.RequeueFailed(context.Background(), 10)
	if err != nil {
		t.Fatalf("sweep must not fail outright: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued = %d with publisher nacking, want 0", n)
	}
}
