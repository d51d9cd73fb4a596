package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/broker"
	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/messages"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

// MonitorStore is the task-store slice the monitor sweeps against.
type MonitorStore interface {
	FindTimedOut(ctx context.Context, hours int) ([]task.Task, error)
	FindRetryable(ctx context.Context, maxRetries int, cooldown time.Duration) ([]task.Task, error)
	BatchUpdateStatus(ctx context.Context, ids []int64, from, to task.Status, errMsg *string) (int64, error)
	ResetForRetry(ctx context.Context, id int64) (task.Task, error)
}

type MonitorConfig struct {
	TimeoutSweepEvery time.Duration
	RetrySweepEvery   time.Duration
	TaskTimeout       time.Duration
	RetryCooldown     time.Duration
	MaxRetries        int
	BatchSize         int
}

// Monitor runs two independent sweeps: one fails running tasks that exceeded
// the execution timeout, one resets and republishes retry-eligible failures.
type Monitor struct {
	cfg     MonitorConfig
	store   MonitorStore
	pub     Publisher
	metrics *observability.SchedMetrics
	prom    *observability.Prom

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewMonitor(cfg MonitorConfig, store MonitorStore, pub Publisher, metrics *observability.SchedMetrics, prom *observability.Prom) *Monitor {
	if cfg.TimeoutSweepEvery <= 0 {
		cfg.TimeoutSweepEvery = 30 * time.Minute
	}
	if cfg.RetrySweepEvery <= 0 {
		cfg.RetrySweepEvery = 15 * time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 4 * time.Hour
	}
	if cfg.RetryCooldown <= 0 {
		cfg.RetryCooldown = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}

	return &Monitor{
		cfg:     cfg,
		store:   store,
		pub:     pub,
		metrics: metrics,
		prom:    prom,
	}
}

func (m *Monitor) Name() string { return "task_monitor" }

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.run(loopCtx)

	slog.Default().InfoContext(ctx, "task_monitor.start",
		"timeout_sweep_every", m.cfg.TimeoutSweepEvery.String(),
		"retry_sweep_every", m.cfg.RetrySweepEvery.String(),
		"task_timeout", m.cfg.TaskTimeout.String(),
	)
	return nil
}

func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	timeoutTicker := time.NewTicker(m.cfg.TimeoutSweepEvery)
	retryTicker := time.NewTicker(m.cfg.RetrySweepEvery)
	defer timeoutTicker.Stop()
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timeoutTicker.C:
			sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if err := m.TimeoutSweep(sctx); err != nil {
				slog.Default().Error("task_monitor.timeout_sweep_failed", "err", err)
			}
			cancel()

		case <-retryTicker.C:
			sctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if _, err := m.RetrySweep(sctx); err != nil {
				slog.Default().Error("task_monitor.retry_sweep_failed", "err", err)
			}
			cancel()
		}
	}
}

// TimeoutSweep fails every running task whose startedAt is older than the
// execution timeout.
func (m *Monitor) TimeoutSweep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "task_monitor.timeout_sweep")
	defer span.End()

	hours := int(m.cfg.TaskTimeout.Hours())
	timedOut, err := m.store.FindTimedOut(ctx, hours)
	if err != nil {
		return fmt.Errorf("find timed out: %w", err)
	}

	if len(timedOut) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(timedOut))
	for _, t := range timedOut {
		ids = append(ids, t.ID)
	}

	errMsg := task.TimeoutErrorMessage
	n, err := m.store.BatchUpdateStatus(ctx, ids, task.StatusRunning, task.StatusFailed, &errMsg)
	if err != nil {
		return fmt.Errorf("fail timed out tasks: %w", err)
	}

	if m.metrics != nil {
		for i := int64(0); i < n; i++ {
			m.metrics.IncTimedOut()
		}
	}
	if m.prom != nil {
		m.prom.SweepActions.WithLabelValues("timeout", "failed").Add(float64(n))
	}

	slog.Default().WarnContext(ctx, "task_monitor.tasks_timed_out",
		"count", n,
		"timeout_hours", hours,
	)
	return nil
}

// RetrySweep resets retry-eligible failed tasks and republishes them with an
// incremented retry count. A single task's failure never halts the sweep.
func (m *Monitor) RetrySweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "task_monitor.retry_sweep")
	defer span.End()

	return m.requeue(ctx, m.cfg.RetryCooldown, 0)
}

// RequeueFailed is the manual variant: no cooldown, bounded by limit.
func (m *Monitor) RequeueFailed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return m.requeue(ctx, 0, limit)
}

func (m *Monitor) requeue(ctx context.Context, cooldown time.Duration, limit int) (int, error) {
	retryable, err := m.store.FindRetryable(ctx, m.cfg.MaxRetries, cooldown)
	if err != nil {
		return 0, fmt.Errorf("find retryable: %w", err)
	}

	if limit > 0 && len(retryable) > limit {
		retryable = retryable[:limit]
	}

	requeued := 0
	for _, t := range retryable {
		if err := m.requeueOne(ctx, t); err != nil {
			slog.Default().ErrorContext(ctx, "task_monitor.requeue_failed",
				"task_id", t.ID,
				"batch_id", t.BatchID,
				"err", err,
			)
			if m.prom != nil {
				m.prom.SweepActions.WithLabelValues("retry", "error").Inc()
			}
			continue
		}
		requeued++
	}

	if requeued > 0 {
		slog.Default().InfoContext(ctx, "task_monitor.tasks_requeued", "count", requeued)
	}
	return requeued, nil
}

func (m *Monitor) requeueOne(ctx context.Context, t task.Task) error {
	prevFailure := ""
	if t.ErrorMessage != nil {
		prevFailure = *t.ErrorMessage
	}

	reset, err := m.store.ResetForRetry(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	jt := reset.JobType
	msg := messages.TaskMessage{
		TaskID:         reset.ID,
		TaskType:       string(jt),
		BatchID:        reset.BatchID,
		SourceTable:    reset.SourceTable,
		ArchiveTable:   reset.ArchiveTable,
		DateRangeStart: reset.DateRangeStart,
		DateRangeEnd:   reset.DateRangeEnd,
		BatchSize:      m.cfg.BatchSize,
		Priority:       jt.Priority(),
		RetryCount:     reset.RetryCount,
		MaxRetries:     m.cfg.MaxRetries,
		Metadata: messages.TaskMetadata{
			EstimatedRecords:      reset.TotalRecords,
			SourceTable:           reset.SourceTable,
			ArchiveTable:          reset.ArchiveTable,
			IsRetry:               true,
			OriginalFailureReason: prevFailure,
		},
	}

	body, err := messages.EncodeTask(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	ok, err := m.pub.Publish(ctx, messages.ExchangeMain, messages.ArchiveRoutingKey(jt), body, broker.PublishOptions{
		Priority:   jt.Priority(),
		Persistent: true,
		MessageID:  fmt.Sprintf("%d", reset.ID),
		Type:       string(jt),
		RetryCount: reset.RetryCount,
		MaxRetries: m.cfg.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if !ok {
		return fmt.Errorf("publish nacked for task %d", reset.ID)
	}

	if m.metrics != nil {
		m.metrics.IncRetried()
	}
	if m.prom != nil {
		m.prom.SweepActions.WithLabelValues("retry", "requeued").Inc()
		m.prom.TasksPublished.WithLabelValues(string(jt), "retry").Inc()
	}

	slog.Default().InfoContext(ctx, "task_monitor.task_requeued",
		"task_id", reset.ID,
		"batch_id", reset.BatchID,
		"retry_count", reset.RetryCount,
		"previous_failure", prevFailure,
	)
	return nil
}
