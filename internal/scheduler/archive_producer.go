package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zanewnch/aiot-scheduler/internal/actorctx"
	"github.com/zanewnch/aiot-scheduler/internal/broker"
	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/messages"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

var tracer = otel.Tracer("aiot-scheduler")

// TaskCreator is the slice of the task store the producers need.
type TaskCreator interface {
	Create(ctx context.Context, req task.CreateRequest) (task.Task, error)
}

type RowCounter interface {
	CountUnarchived(ctx context.Context, table string, start, end time.Time) (int64, error)
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts broker.PublishOptions) (bool, error)
	Connected() bool
}

type ArchiveProducerConfig struct {
	CronSpec      string
	Location      *time.Location
	RetentionDays int
	BatchSize     int
	MaxRetries    int
}

// ArchiveProducer fires on a cron schedule and emits one task record plus
// one broker message per job type. Overlapping ticks are skipped, not queued.
type ArchiveProducer struct {
	cfg       ArchiveProducerConfig
	tasks     TaskCreator
	telemetry RowCounter
	pub       Publisher
	metrics   *observability.SchedMetrics
	prom      *observability.Prom

	cron   *cron.Cron
	inTick atomic.Bool

	mu       sync.RWMutex
	running  bool
	lastTick time.Time
	lastErr  error
}

func NewArchiveProducer(cfg ArchiveProducerConfig, tasks TaskCreator, telemetry RowCounter, pub Publisher, metrics *observability.SchedMetrics, prom *observability.Prom) (*ArchiveProducer, error) {
	if cfg.CronSpec == "" {
		cfg.CronSpec = "0 2 * * *"
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation("Asia/Taipei")
		if err != nil {
			return nil, fmt.Errorf("load cron timezone: %w", err)
		}
		cfg.Location = loc
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	p := &ArchiveProducer{
		cfg:       cfg,
		tasks:     tasks,
		telemetry: telemetry,
		pub:       pub,
		metrics:   metrics,
		prom:      prom,
	}

	c := cron.New(cron.WithLocation(cfg.Location))
	if _, err := c.AddFunc(cfg.CronSpec, func() {
		p.tick()
	}); err != nil {
		return nil, fmt.Errorf("invalid archive cron %q: %w", cfg.CronSpec, err)
	}
	p.cron = c

	return p, nil
}

func (p *ArchiveProducer) Name() string { return "archive_producer" }

func (p *ArchiveProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cron.Start()
	p.running = true

	slog.Default().InfoContext(ctx, "archive_producer.start",
		"cron", p.cfg.CronSpec,
		"tz", p.cfg.Location.String(),
		"retention_days", p.cfg.RetentionDays,
	)
	return nil
}

func (p *ArchiveProducer) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	// Stop returns a context that is done once in-flight jobs finish
	stopped := p.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ArchiveProducer) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.pub.Connected()
}

func (p *ArchiveProducer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := p.Trigger(ctx, nil, "cron"); err != nil {
		slog.Default().Error("archive_producer.tick_failed", "err", err)
	}
}

// Trigger runs one production pass. jobType nil means all three types; the
// per-type work runs in parallel. A pass that lands while another is still
// running is skipped with a warning.
func (p *ArchiveProducer) Trigger(ctx context.Context, jobType *task.JobType, trigger string) error {
	if jobType != nil && !jobType.IsValid() {
		return task.ErrInvalidJobType
	}

	if !p.inTick.CompareAndSwap(false, true) {
		slog.Default().WarnContext(ctx, "archive_producer.tick_skipped",
			"reason", "previous tick still running",
			"trigger", trigger,
		)
		if p.metrics != nil {
			p.metrics.IncSkipped()
		}
		return nil
	}
	defer p.inTick.Store(false)

	start := time.Now()

	ctx, span := tracer.Start(ctx, "archive_producer.tick")
	defer span.End()
	span.SetAttributes(attribute.String("trigger", trigger))

	types := task.AllJobTypes()
	if jobType != nil {
		types = []task.JobType{*jobType}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(types))

	for i, t := range types {
		wg.Add(1)
		go func(i int, t task.JobType) {
			defer wg.Done()
			errs[i] = p.produceOne(ctx, t, trigger)
		}(i, t)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.mu.Lock()
	p.lastTick = time.Now()
	p.lastErr = firstErr
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ObserveTick(time.Since(start))
	}

	return firstErr
}

func (p *ArchiveProducer) produceOne(ctx context.Context, t task.JobType, trigger string) error {
	now := time.Now().In(p.cfg.Location)

	// archive the whole day that fell out of the retention window
	day := now.AddDate(0, 0, -p.cfg.RetentionDays)
	startDate := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, p.cfg.Location)
	endDate := startDate.Add(24*time.Hour - time.Millisecond)

	estimated, err := p.telemetry.CountUnarchived(ctx, t.SourceTable(), startDate, endDate)
	if err != nil {
		// estimation failure is not fatal; treat as zero rows
		slog.Default().WarnContext(ctx, "archive_producer.estimate_failed",
			"job_type", t,
			"err", err,
		)
		estimated = 0
	}

	if estimated == 0 {
		slog.Default().InfoContext(ctx, "archive_producer.no_rows",
			"job_type", t,
			"range_start", startDate,
			"range_end", endDate,
		)
		return nil
	}

	createdBy := "scheduler"
	if actor, ok := actorctx.ActorFrom(ctx); ok {
		createdBy = actor
	}

	batchID := task.NewBatchID(t, startDate, time.Now())

	rec, err := p.tasks.Create(ctx, task.CreateRequest{
		JobType:        t,
		SourceTable:    t.SourceTable(),
		ArchiveTable:   t.ArchiveTable(),
		DateRangeStart: startDate,
		DateRangeEnd:   endDate,
		BatchID:        batchID,
		TotalRecords:   estimated,
		CreatedBy:      createdBy,
	})
	if err != nil {
		// no record, no message: publishing without a record would orphan
		// the worker's result
		return fmt.Errorf("create task %s: %w", batchID, err)
	}

	msg := messages.TaskMessage{
		TaskID:         rec.ID,
		TaskType:       string(t),
		BatchID:        rec.BatchID,
		SourceTable:    rec.SourceTable,
		ArchiveTable:   rec.ArchiveTable,
		DateRangeStart: rec.DateRangeStart,
		DateRangeEnd:   rec.DateRangeEnd,
		BatchSize:      p.cfg.BatchSize,
		Priority:       t.Priority(),
		RetryCount:     0,
		MaxRetries:     p.cfg.MaxRetries,
		Metadata: messages.TaskMetadata{
			EstimatedRecords: estimated,
			SourceTable:      rec.SourceTable,
			ArchiveTable:     rec.ArchiveTable,
		},
	}

	body, err := messages.EncodeTask(msg)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", batchID, err)
	}

	ok, err := p.pub.Publish(ctx, messages.ExchangeMain, messages.ArchiveRoutingKey(t), body, broker.PublishOptions{
		Priority:   t.Priority(),
		Persistent: true,
		MessageID:  fmt.Sprintf("%d", rec.ID),
		Type:       string(t),
		RetryCount: 0,
		MaxRetries: p.cfg.MaxRetries,
	})
	if err != nil {
		// the pending record stays behind for the retry path / operator
		return fmt.Errorf("publish task %s: %w", batchID, err)
	}
	if !ok {
		slog.Default().WarnContext(ctx, "archive_producer.publish_backpressure",
			"batch_id", batchID,
		)
		return nil
	}

	if p.metrics != nil {
		p.metrics.IncPublished()
	}
	if p.prom != nil {
		p.prom.TasksPublished.WithLabelValues(string(t), trigger).Inc()
	}

	slog.Default().InfoContext(ctx, "archive_producer.task_published",
		"task_id", rec.ID,
		"job_type", t,
		"batch_id", batchID,
		"estimated_records", estimated,
		"priority", t.Priority(),
	)
	return nil
}
