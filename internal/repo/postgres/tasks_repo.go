package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
	"github.com/zanewnch/aiot-scheduler/internal/utils"
)

const taskColumns = `id, job_type, source_table, archive_table,
	       date_range_start, date_range_end, batch_id, status,
	       total_records, archived_records, retry_count,
	       started_at, completed_at, error_message,
	       created_by, created_at, updated_at`

type TasksRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewTasksRepo(pool *pgxpool.Pool, prom *observability.Prom) *TasksRepo {
	return &TasksRepo{pool: pool, prom: prom}
}

func (r *TasksRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	var status string

	err := row.Scan(
		&t.ID, &t.JobType, &t.SourceTable, &t.ArchiveTable,
		&t.DateRangeStart, &t.DateRangeEnd, &t.BatchID, &status,
		&t.TotalRecords, &t.ArchivedRecords, &t.RetryCount,
		&t.StartedAt, &t.CompletedAt, &t.ErrorMessage,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return task.Task{}, err
	}

	t.Status = task.Status(status)
	return t, nil
}

// Create inserts a new pending task. A batch id collision maps to
// ErrDuplicateBatchID with no side effects on the existing record.
func (r *TasksRepo) Create(ctx context.Context, req task.CreateRequest) (task.Task, error) {
	op := "tasks.create"

	var t task.Task
	var err error

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `INSERT INTO archive_tasks(
			job_type, source_table, archive_table,
			date_range_start, date_range_end, batch_id, status,
			total_records, archived_records, retry_count,
			created_by, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,'pending',$7,0,0,$8,NOW(),NOW()
		)
		RETURNING `+taskColumns, req.JobType, req.SourceTable, req.ArchiveTable,
			req.DateRangeStart, req.DateRangeEnd, req.BatchID,
			req.TotalRecords, req.CreatedBy)

		t, err = scanTask(row)
		return err
	})

	if err != nil {
		if IsUniqueViolation(err) {
			return task.Task{}, task.ErrDuplicateBatchID
		}
		return task.Task{}, err
	}

	return t, nil
}

func (r *TasksRepo) FindByID(ctx context.Context, id int64) (task.Task, error) {
	op := "tasks.find_by_id"

	var t task.Task
	var err error

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM archive_tasks WHERE id = $1`, id)
		t, err = scanTask(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return t, nil
}

func (r *TasksRepo) FindByBatchID(ctx context.Context, batchID string) (task.Task, error) {
	op := "tasks.find_by_batch_id"

	var t task.Task
	var err error

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM archive_tasks WHERE batch_id = $1`, batchID)
		t, err = scanTask(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return t, nil
}

func filterConds(f task.Filter, argsPos int) ([]string, []any, int) {
	var conds []string
	var args []any

	if f.JobType != nil {
		conds = append(conds, fmt.Sprintf("job_type = $%d", argsPos))
		args = append(args, *f.JobType)
		argsPos++
	}
	if f.Status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", argsPos))
		args = append(args, *f.Status)
		argsPos++
	}
	if f.BatchID != nil {
		conds = append(conds, fmt.Sprintf("batch_id = $%d", argsPos))
		args = append(args, *f.BatchID)
		argsPos++
	}
	if f.CreatedBy != nil {
		conds = append(conds, fmt.Sprintf("created_by = $%d", argsPos))
		args = append(args, *f.CreatedBy)
		argsPos++
	}
	if f.From != nil {
		conds = append(conds, fmt.Sprintf("created_at >= $%d", argsPos))
		args = append(args, *f.From)
		argsPos++
	}
	if f.To != nil {
		conds = append(conds, fmt.Sprintf("created_at <= $%d", argsPos))
		args = append(args, *f.To)
		argsPos++
	}

	return conds, args, argsPos
}

// FindByFilter returns one page plus the unpaged total. Default order is
// created_at DESC.
func (r *TasksRepo) FindByFilter(ctx context.Context, f task.Filter, limit, offset int) ([]task.Task, int64, error) {
	op := "tasks.find_by_filter"

	if limit <= 0 {
		return []task.Task{}, 0, nil
	}

	conds, args, argsPos := filterConds(f, 1)

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	err := r.observe(op+".count", func() error {
		return r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM archive_tasks`+where, args...).Scan(&total)
	})
	if err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + taskColumns + ` FROM archive_tasks` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argsPos, argsPos+1)
	args = append(args, limit, offset)

	var rows pgx.Rows
	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]task.Task, 0, limit)
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}

	return out, total, nil
}

// ListCursor is the keyset variant used by the control plane. DESC over
// (created_at, id).
func (r *TasksRepo) ListCursor(ctx context.Context, f task.Filter, limit int, afterCreatedAt time.Time, afterID int64) ([]task.Task, *string, bool, error) {
	op := "tasks.list_cursor"

	conds, args, argsPos := filterConds(f, 1)

	conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argsPos, argsPos+1))
	args = append(args, afterCreatedAt, afterID)
	argsPos += 2

	q := `SELECT ` + taskColumns + ` FROM archive_tasks WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", argsPos)
	args = append(args, limit+1)

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]task.Task, 0, limit)
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, nil, false, scanErr
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	var nextCursor *string
	hasMore := false

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]

		cur, encErr := utils.EncodeTaskCursor(last.CreatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}

func (r *TasksRepo) findByStatus(ctx context.Context, op string, status task.Status, limit int) ([]task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM archive_tasks WHERE status = $1 ORDER BY created_at ASC`
	args := []any{status}

	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TasksRepo) FindPending(ctx context.Context, limit int) ([]task.Task, error) {
	if limit <= 0 {
		return []task.Task{}, nil
	}
	return r.findByStatus(ctx, "tasks.find_pending", task.StatusPending, limit)
}

func (r *TasksRepo) FindRunning(ctx context.Context) ([]task.Task, error) {
	return r.findByStatus(ctx, "tasks.find_running", task.StatusRunning, 0)
}

// FindTimedOut returns running tasks whose started_at is older than the
// given number of hours.
func (r *TasksRepo) FindTimedOut(ctx context.Context, hours int) ([]task.Task, error) {
	op := "tasks.find_timed_out"

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+taskColumns+`
			FROM archive_tasks
			WHERE status = 'running'
			  AND started_at IS NOT NULL
			  AND started_at < NOW() - ($1 * INTERVAL '1 hour')
			ORDER BY started_at ASC
		`, hours)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindRetryable returns failed tasks with retries left whose failure is at
// least cooldown old. Pass cooldown 0 to skip the age filter.
func (r *TasksRepo) FindRetryable(ctx context.Context, maxRetries int, cooldown time.Duration) ([]task.Task, error) {
	op := "tasks.find_retryable"

	secs := int64(cooldown.Seconds())

	var rows pgx.Rows
	err := r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, `
			SELECT `+taskColumns+`
			FROM archive_tasks
			WHERE status = 'failed'
			  AND retry_count < $1
			  AND ($2 = 0 OR (completed_at IS NOT NULL AND completed_at < NOW() - ($2 * INTERVAL '1 second')))
			ORDER BY completed_at ASC
		`, maxRetries, secs)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update applies a partial mutation. A status change is validated against the
// legal transition set and stamps started_at/completed_at as implied.
func (r *TasksRepo) Update(ctx context.Context, id int64, upd task.Update) (task.Task, error) {
	op := "tasks.update"

	if upd.Status != nil {
		curr, err := r.FindByID(ctx, id)
		if err != nil {
			return task.Task{}, err
		}

		if !task.CanTransition(curr.Status, *upd.Status) {
			return task.Task{}, fmt.Errorf("%w: %s -> %s", task.ErrIllegalTransition, curr.Status, *upd.Status)
		}
	}

	sets := []string{"updated_at = NOW()"}
	var args []any
	argsPos := 1

	if upd.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argsPos))
		args = append(args, *upd.Status)
		argsPos++

		switch {
		case *upd.Status == task.StatusRunning:
			sets = append(sets, "started_at = NOW()")
		case upd.Status.IsTerminal():
			sets = append(sets, "completed_at = NOW()")
		}
	}
	if upd.TotalRecords != nil {
		sets = append(sets, fmt.Sprintf("total_records = $%d", argsPos))
		args = append(args, *upd.TotalRecords)
		argsPos++
	}
	if upd.ArchivedRecords != nil {
		sets = append(sets, fmt.Sprintf("archived_records = $%d", argsPos))
		args = append(args, *upd.ArchivedRecords)
		argsPos++
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, fmt.Sprintf("error_message = $%d", argsPos))
		args = append(args, *upd.ErrorMessage)
		argsPos++
	}

	q := fmt.Sprintf(`UPDATE archive_tasks SET %s WHERE id = $%d RETURNING `+taskColumns,
		strings.Join(sets, ", "), argsPos)
	args = append(args, id)

	var t task.Task
	var err error

	err = r.observe(op, func() error {
		t, err = scanTask(r.pool.QueryRow(ctx, q, args...))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return t, nil
}

// BatchUpdateStatus moves many tasks at once; used by the timeout sweep.
// The from -> to transition is checked once up front; the WHERE clause then
// skips rows that already left the expected source status.
func (r *TasksRepo) BatchUpdateStatus(ctx context.Context, ids []int64, from, to task.Status, errMsg *string) (int64, error) {
	op := "tasks.batch_update_status"

	if len(ids) == 0 {
		return 0, nil
	}
	if !task.CanTransition(from, to) {
		return 0, fmt.Errorf("%w: %s -> %s", task.ErrIllegalTransition, from, to)
	}

	sets := "status = $1, updated_at = NOW()"
	if to == task.StatusRunning {
		sets += ", started_at = NOW()"
	} else if to.IsTerminal() {
		sets += ", completed_at = NOW()"
	}
	if errMsg != nil {
		sets += ", error_message = $4"
	}

	q := `UPDATE archive_tasks SET ` + sets + ` WHERE id = ANY($2) AND status = $3`
	args := []any{to, ids, from}
	if errMsg != nil {
		args = append(args, *errMsg)
	}

	var tag pgconn.CommandTag
	var err error

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, q, args...)
		return err
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ResetForRetry flips a failed task back to pending for republication:
// timestamps and error cleared, archived counter zeroed, retry_count
// incremented. Returns the updated record.
func (r *TasksRepo) ResetForRetry(ctx context.Context, id int64) (task.Task, error) {
	op := "tasks.reset_for_retry"

	var t task.Task
	var err error

	err = r.observe(op, func() error {
		t, err = scanTask(r.pool.QueryRow(ctx, `
			UPDATE archive_tasks
			SET status = 'pending',
			    started_at = NULL,
			    completed_at = NULL,
			    error_message = NULL,
			    archived_records = 0,
			    retry_count = retry_count + 1,
			    updated_at = NOW()
			WHERE id = $1 AND status = 'failed'
			RETURNING `+taskColumns, id))
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Task{}, task.ErrTaskNotFound
		}
		return task.Task{}, err
	}
	return t, nil
}

// Delete refuses to remove a running task.
func (r *TasksRepo) Delete(ctx context.Context, id int64) error {
	op := "tasks.delete"

	var tag pgconn.CommandTag
	var err error

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx,
			`DELETE FROM archive_tasks WHERE id = $1 AND status <> 'running'`, id)
		return err
	})
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		// either absent or running; disambiguate for the caller
		_, ferr := r.FindByID(ctx, id)
		if errors.Is(ferr, task.ErrTaskNotFound) {
			return task.ErrTaskNotFound
		}
		if ferr != nil {
			return ferr
		}
		return task.ErrTaskRunning
	}
	return nil
}

// CleanupOlderThan physically deletes terminal records older than the cutoff.
func (r *TasksRepo) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	op := "tasks.cleanup_older_than"

	var tag pgconn.CommandTag
	var err error

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
			DELETE FROM archive_tasks
			WHERE status IN ('completed', 'failed')
			  AND created_at < NOW() - ($1 * INTERVAL '1 day')
		`, days)
		return err
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Statistics aggregates counts plus the average execution time of completed
// tasks carrying both timestamps.
func (r *TasksRepo) Statistics(ctx context.Context, from, to *time.Time) (task.Statistics, error) {
	op := "tasks.statistics"

	var conds []string
	var args []any
	argsPos := 1

	if from != nil {
		conds = append(conds, fmt.Sprintf("created_at >= $%d", argsPos))
		args = append(args, *from)
		argsPos++
	}
	if to != nil {
		conds = append(conds, fmt.Sprintf("created_at <= $%d", argsPos))
		args = append(args, *to)
		argsPos++
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var s task.Statistics
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT COUNT(*),
			       COUNT(*) FILTER (WHERE status = 'pending'),
			       COUNT(*) FILTER (WHERE status = 'running'),
			       COUNT(*) FILTER (WHERE status = 'completed'),
			       COUNT(*) FILTER (WHERE status = 'failed'),
			       COALESCE(SUM(archived_records) FILTER (WHERE status = 'completed'), 0),
			       COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at))
			                FILTER (WHERE status = 'completed'
			                        AND started_at IS NOT NULL
			                        AND completed_at IS NOT NULL), 0)
			FROM archive_tasks`+where, args...).Scan(
			&s.Total, &s.Pending, &s.Running, &s.Completed, &s.Failed,
			&s.TotalRecordsProcessed, &s.AverageExecutionSecs,
		)
	})
	if err != nil {
		return task.Statistics{}, err
	}
	return s, nil
}
