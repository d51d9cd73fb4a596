package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/utils"
)

// TasksRepo is the in-memory mirror of the postgres store, used by handler
// and scheduler tests. Semantics track the SQL implementation.
type TasksRepo struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]task.Task
}

func NewTasksRepo() *TasksRepo {
	return &TasksRepo{
		nextID: 1,
		tasks:  make(map[int64]task.Task),
	}
}

func (r *TasksRepo) Create(ctx context.Context, req task.CreateRequest) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.BatchID == req.BatchID {
			return task.Task{}, task.ErrDuplicateBatchID
		}
	}

	now := time.Now().UTC()
	t := task.Task{
		ID:             r.nextID,
		JobType:        req.JobType,
		SourceTable:    req.SourceTable,
		ArchiveTable:   req.ArchiveTable,
		DateRangeStart: req.DateRangeStart,
		DateRangeEnd:   req.DateRangeEnd,
		BatchID:        req.BatchID,
		Status:         task.StatusPending,
		TotalRecords:   req.TotalRecords,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.nextID++
	r.tasks[t.ID] = t
	return t, nil
}

func (r *TasksRepo) FindByID(ctx context.Context, id int64) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}
	return t, nil
}

func (r *TasksRepo) FindByBatchID(ctx context.Context, batchID string) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tasks {
		if t.BatchID == batchID {
			return t, nil
		}
	}
	return task.Task{}, task.ErrTaskNotFound
}

func matches(t task.Task, f task.Filter) bool {
	if f.JobType != nil && t.JobType != *f.JobType {
		return false
	}
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.BatchID != nil && t.BatchID != *f.BatchID {
		return false
	}
	if f.CreatedBy != nil && t.CreatedBy != *f.CreatedBy {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && t.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (r *TasksRepo) sortedLocked(f task.Filter) []task.Task {
	var out []task.Task
	for _, t := range r.tasks {
		if matches(t, f) {
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (r *TasksRepo) FindByFilter(ctx context.Context, f task.Filter, limit, offset int) ([]task.Task, int64, error) {
	if limit <= 0 {
		return []task.Task{}, 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.sortedLocked(f)
	total := int64(len(all))

	if offset >= len(all) {
		return []task.Task{}, total, nil
	}

	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *TasksRepo) ListCursor(ctx context.Context, f task.Filter, limit int, afterCreatedAt time.Time, afterID int64) ([]task.Task, *string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := r.sortedLocked(f)

	var page []task.Task
	for _, t := range all {
		if t.CreatedAt.After(afterCreatedAt) ||
			(t.CreatedAt.Equal(afterCreatedAt) && t.ID >= afterID) {
			continue
		}
		page = append(page, t)
		if len(page) > limit {
			break
		}
	}

	var nextCursor *string
	hasMore := false
	if len(page) > limit {
		hasMore = true
		page = page[:limit]
		last := page[len(page)-1]
		cur, err := utils.EncodeTaskCursor(last.CreatedAt, last.ID)
		if err != nil {
			return nil, nil, false, err
		}
		nextCursor = &cur
	}

	return page, nextCursor, hasMore, nil
}

func (r *TasksRepo) FindPending(ctx context.Context, limit int) ([]task.Task, error) {
	if limit <= 0 {
		return []task.Task{}, nil
	}

	st := task.StatusPending
	items, _, err := r.FindByFilter(ctx, task.Filter{Status: &st}, limit, 0)
	return items, err
}

func (r *TasksRepo) FindRunning(ctx context.Context) ([]task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := task.StatusRunning
	return r.sortedLocked(task.Filter{Status: &st}), nil
}

func (r *TasksRepo) FindTimedOut(ctx context.Context, hours int) ([]task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	var out []task.Task
	for _, t := range r.tasks {
		if t.Status == task.StatusRunning && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *TasksRepo) FindRetryable(ctx context.Context, maxRetries int, cooldown time.Duration) ([]task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-cooldown)

	var out []task.Task
	for _, t := range r.tasks {
		if t.Status != task.StatusFailed || t.RetryCount >= maxRetries {
			continue
		}
		if cooldown > 0 && (t.CompletedAt == nil || t.CompletedAt.After(cutoff)) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *TasksRepo) Update(ctx context.Context, id int64, upd task.Update) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return task.Task{}, task.ErrTaskNotFound
	}

	if upd.Status != nil {
		if !task.CanTransition(t.Status, *upd.Status) {
			return task.Task{}, fmt.Errorf("%w: %s -> %s", task.ErrIllegalTransition, t.Status, *upd.Status)
		}
		t.Status = *upd.Status

		now := time.Now().UTC()
		switch {
		case t.Status == task.StatusRunning:
			t.StartedAt = &now
		case t.Status.IsTerminal():
			t.CompletedAt = &now
		}
	}
	if upd.TotalRecords != nil {
		t.TotalRecords = *upd.TotalRecords
	}
	if upd.ArchivedRecords != nil {
		t.ArchivedRecords = *upd.ArchivedRecords
	}
	if upd.ErrorMessage != nil {
		t.ErrorMessage = upd.ErrorMessage
	}
	t.UpdatedAt = time.Now().UTC()

	r.tasks[id] = t
	return t, nil
}

func (r *TasksRepo) BatchUpdateStatus(ctx context.Context, ids []int64, from, to task.Status, errMsg *string) (int64, error) {
	if !task.CanTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", task.ErrIllegalTransition, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, id := range ids {
		t, ok := r.tasks[id]
		if !ok || t.Status != from {
			continue
		}

		t.Status = to
		if to == task.StatusRunning {
			t.StartedAt = &now
		} else if to.IsTerminal() {
			t.CompletedAt = &now
		}
		if errMsg != nil {
			t.ErrorMessage = errMsg
		}
		t.UpdatedAt = now
		r.tasks[id] = t
		n++
	}
	return n, nil
}

func (r *TasksRepo) ResetForRetry(ctx context.Context, id int64) (task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Status != task.StatusFailed {
		return task.Task{}, task.ErrTaskNotFound
	}

	t.Status = task.StatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorMessage = nil
	t.ArchivedRecords = 0
	t.RetryCount++
	t.UpdatedAt = time.Now().UTC()

	r.tasks[id] = t
	return t, nil
}

func (r *TasksRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return task.ErrTaskNotFound
	}
	if t.Status == task.StatusRunning {
		return task.ErrTaskRunning
	}

	delete(r.tasks, id)
	return nil
}

func (r *TasksRepo) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -days)

	var n int64
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && t.CreatedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n, nil
}

func (r *TasksRepo) Statistics(ctx context.Context, from, to *time.Time) (task.Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s task.Statistics
	var execTotal float64
	var execCount int64

	for _, t := range r.tasks {
		if from != nil && t.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && t.CreatedAt.After(*to) {
			continue
		}

		s.Total++
		switch t.Status {
		case task.StatusPending:
			s.Pending++
		case task.StatusRunning:
			s.Running++
		case task.StatusCompleted:
			s.Completed++
			s.TotalRecordsProcessed += t.ArchivedRecords
			if t.StartedAt != nil && t.CompletedAt != nil {
				execTotal += t.CompletedAt.Sub(*t.StartedAt).Seconds()
				execCount++
			}
		case task.StatusFailed:
			s.Failed++
		}
	}

	if execCount > 0 {
		s.AverageExecutionSecs = execTotal / float64(execCount)
	}
	return s, nil
}
