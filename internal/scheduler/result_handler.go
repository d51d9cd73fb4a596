package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zanewnch/aiot-scheduler/internal/broker"
	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/messages"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

// ResultStore is the task-store slice the result handler transitions
// records through.
type ResultStore interface {
	FindByID(ctx context.Context, id int64) (task.Task, error)
	Update(ctx context.Context, id int64, upd task.Update) (task.Task, error)
}

type ResultConsumer interface {
	Consume(ctx context.Context, queueName string, handler broker.Handler, opts broker.ConsumeOptions) error
	Connected() bool
}

// ResultHandler consumes worker callbacks and reconciles task records.
// Messages are acked only after the store update lands; store errors requeue.
type ResultHandler struct {
	store    ResultStore
	consumer ResultConsumer
	metrics  *observability.SchedMetrics
	prom     *observability.Prom
	prefetch int

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

func NewResultHandler(store ResultStore, consumer ResultConsumer, prefetch int, metrics *observability.SchedMetrics, prom *observability.Prom) *ResultHandler {
	if prefetch <= 0 {
		prefetch = 10
	}

	return &ResultHandler{
		store:    store,
		consumer: consumer,
		metrics:  metrics,
		prom:     prom,
		prefetch: prefetch,
	}
}

func (h *ResultHandler) Name() string { return "result_handler" }

func (h *ResultHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return nil
	}

	consumeCtx, cancel := context.WithCancel(context.Background())

	if err := h.subscribeLocked(consumeCtx); err != nil {
		cancel()
		return err
	}

	h.cancel = cancel
	h.running = true

	slog.Default().InfoContext(ctx, "result_handler.start",
		"queues", messages.ResultQueues(),
	)
	return nil
}

// Resubscribe re-attaches the result consumers after a broker reconnect;
// the old consumers died with the old connection.
func (h *ResultHandler) Resubscribe(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}

	if h.cancel != nil {
		h.cancel()
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := h.subscribeLocked(consumeCtx); err != nil {
		cancel()
		return err
	}
	h.cancel = cancel

	slog.Default().InfoContext(ctx, "result_handler.resubscribed")
	return nil
}

func (h *ResultHandler) subscribeLocked(ctx context.Context) error {
	for _, q := range messages.ResultQueues() {
		if err := h.consumer.Consume(ctx, q, h.handle, broker.ConsumeOptions{Prefetch: h.prefetch}); err != nil {
			return fmt.Errorf("subscribe %s: %w", q, err)
		}
	}
	return nil
}

func (h *ResultHandler) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func (h *ResultHandler) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running && h.consumer.Connected()
}

func (h *ResultHandler) handle(ctx context.Context, body []byte, ack func() error, nack func(requeue bool) error) error {
	ctx, span := tracer.Start(ctx, "result_handler.handle")
	defer span.End()

	msg, err := messages.DecodeResult(body)
	if err != nil {
		// broken format is a protocol fault; dead-letter, don't loop
		slog.Default().ErrorContext(ctx, "result_handler.bad_message", "err", err)
		return nack(false)
	}

	rec, err := h.store.FindByID(ctx, msg.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			// historical fault: the record is gone, redelivery cannot help
			slog.Default().WarnContext(ctx, "result_handler.orphan_result",
				"task_id", msg.TaskID,
				"status", msg.Status,
			)
			if h.prom != nil {
				h.prom.ResultsProcessed.WithLabelValues(string(msg.Status), "orphan").Inc()
			}
			return ack()
		}
		return nack(true)
	}

	applied, err := h.apply(ctx, rec, msg)
	if err != nil {
		slog.Default().ErrorContext(ctx, "result_handler.store_update_failed",
			"task_id", msg.TaskID,
			"err", err,
		)
		return nack(true)
	}

	outcome := "applied"
	if !applied {
		outcome = "ignored"
	}
	if h.prom != nil {
		h.prom.ResultsProcessed.WithLabelValues(string(msg.Status), outcome).Inc()
	}

	return ack()
}

// apply reconciles one result against the current record. Late results for
// already-terminal tasks are dropped, with one exception: a completed result
// may override an earlier failure (the timeout sweep racing a slow worker).
func (h *ResultHandler) apply(ctx context.Context, rec task.Task, msg messages.ResultMessage) (bool, error) {
	if rec.Status.IsTerminal() {
		if rec.Status == task.StatusFailed && msg.Status == messages.ResultCompleted {
			return true, h.lateSuccess(ctx, rec, msg)
		}

		slog.Default().InfoContext(ctx, "result_handler.late_result_ignored",
			"task_id", rec.ID,
			"record_status", rec.Status,
			"result_status", msg.Status,
		)
		return false, nil
	}

	// a worker that reports a terminal state was necessarily running; a
	// record still pending just never saw a start signal
	if rec.Status == task.StatusPending {
		running := task.StatusRunning
		var err error
		rec, err = h.store.Update(ctx, rec.ID, task.Update{Status: &running})
		if err != nil {
			return false, fmt.Errorf("mark running: %w", err)
		}
	}

	switch msg.Status {
	case messages.ResultCompleted:
		return true, h.complete(ctx, rec, msg, "")

	case messages.ResultPartial:
		// partial counts as completed with whatever got through; the
		// shortfall is visible in archived vs total
		reason := msg.ErrorMessage
		if reason == "" {
			reason = "partial result"
		}
		return true, h.complete(ctx, rec, msg, reason)

	case messages.ResultFailed:
		failed := task.StatusFailed
		errMsg := msg.ErrorMessage
		if errMsg == "" {
			errMsg = "worker reported failure"
		}

		_, err := h.store.Update(ctx, rec.ID, task.Update{
			Status:       &failed,
			ErrorMessage: &errMsg,
		})
		if err != nil {
			return false, err
		}

		if h.metrics != nil {
			h.metrics.IncFailed()
		}

		slog.Default().WarnContext(ctx, "result_handler.task_failed",
			"task_id", rec.ID,
			"batch_id", rec.BatchID,
			"error", errMsg,
		)
		return true, nil

	default:
		return false, fmt.Errorf("%w: %s", messages.ErrInvalidStatus, msg.Status)
	}
}

func (h *ResultHandler) complete(ctx context.Context, rec task.Task, msg messages.ResultMessage, partialReason string) error {
	completed := task.StatusCompleted

	upd := task.Update{
		Status:          &completed,
		ArchivedRecords: &msg.ProcessedRecords,
	}

	// keep archived <= total even when the estimate undershot
	if msg.ProcessedRecords > rec.TotalRecords {
		upd.TotalRecords = &msg.ProcessedRecords
	}

	if _, err := h.store.Update(ctx, rec.ID, upd); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.IncCompleted()
	}

	if partialReason != "" {
		slog.Default().WarnContext(ctx, "result_handler.task_partial",
			"task_id", rec.ID,
			"batch_id", rec.BatchID,
			"archived_records", msg.ProcessedRecords,
			"reason", partialReason,
		)
		return nil
	}

	slog.Default().InfoContext(ctx, "result_handler.task_completed",
		"task_id", rec.ID,
		"batch_id", rec.BatchID,
		"archived_records", msg.ProcessedRecords,
		"execution_ms", msg.ExecutionTimeMs,
	)
	return nil
}

// lateSuccess accepts a completed result that arrived after the timeout
// sweep already failed the record: failed -> pending -> running -> completed
// keeps every hop legal.
func (h *ResultHandler) lateSuccess(ctx context.Context, rec task.Task, msg messages.ResultMessage) error {
	pending := task.StatusPending
	running := task.StatusRunning

	rec2, err := h.store.Update(ctx, rec.ID, task.Update{Status: &pending})
	if err != nil {
		return fmt.Errorf("late success reset: %w", err)
	}
	rec2, err = h.store.Update(ctx, rec2.ID, task.Update{Status: &running})
	if err != nil {
		return fmt.Errorf("late success rerun: %w", err)
	}

	slog.Default().InfoContext(ctx, "result_handler.late_success_accepted",
		"task_id", rec.ID,
		"batch_id", rec.BatchID,
	)
	return h.complete(ctx, rec2, msg, "")
}
