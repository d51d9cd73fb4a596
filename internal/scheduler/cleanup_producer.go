package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zanewnch/aiot-scheduler/internal/broker"
	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/messages"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

// TaskJanitor trims old terminal task records alongside the telemetry
// cleanup run.
type TaskJanitor interface {
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

type CleanupProducerConfig struct {
	CronSpec      string
	Location      *time.Location
	DaysThreshold int
	BatchSize     int
	// terminal task records older than this many days are purged each tick
	TaskRecordRetentionDays int
}

// CleanupProducer emits one broker-only cleanup envelope per source table.
// Cleanup work carries no task-store record.
type CleanupProducer struct {
	cfg     CleanupProducerConfig
	pub     Publisher
	janitor TaskJanitor
	prom    *observability.Prom

	cron   *cron.Cron
	inTick atomic.Bool

	mu      sync.RWMutex
	running bool
}

func NewCleanupProducer(cfg CleanupProducerConfig, pub Publisher, janitor TaskJanitor, prom *observability.Prom) (*CleanupProducer, error) {
	if cfg.CronSpec == "" {
		cfg.CronSpec = "0 4 * * *"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DaysThreshold <= 0 {
		cfg.DaysThreshold = 7
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.TaskRecordRetentionDays <= 0 {
		cfg.TaskRecordRetentionDays = 30
	}

	p := &CleanupProducer{
		cfg:     cfg,
		pub:     pub,
		janitor: janitor,
		prom:    prom,
	}

	c := cron.New(cron.WithLocation(cfg.Location))
	if _, err := c.AddFunc(cfg.CronSpec, func() {
		p.tick()
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup cron %q: %w", cfg.CronSpec, err)
	}
	p.cron = c

	return p, nil
}

func (p *CleanupProducer) Name() string { return "cleanup_producer" }

func (p *CleanupProducer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cron.Start()
	p.running = true

	slog.Default().InfoContext(ctx, "cleanup_producer.start",
		"cron", p.cfg.CronSpec,
		"days_threshold", p.cfg.DaysThreshold,
	)
	return nil
}

func (p *CleanupProducer) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	stopped := p.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *CleanupProducer) Healthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running && p.pub.Connected()
}

func (p *CleanupProducer) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if !p.inTick.CompareAndSwap(false, true) {
		slog.Default().Warn("cleanup_producer.tick_skipped",
			"reason", "previous tick still running",
		)
		return
	}
	defer p.inTick.Store(false)

	for _, t := range task.AllJobTypes() {
		if err := p.publishCleanup(ctx, t.SourceTable(), p.cfg.DaysThreshold, messages.PriorityLow); err != nil {
			slog.Default().ErrorContext(ctx, "cleanup_producer.publish_failed",
				"table", t.SourceTable(),
				"err", err,
			)
		}
	}

	// housekeeping on our own table rides along with the telemetry cleanup
	if p.janitor != nil {
		n, err := p.janitor.CleanupOlderThan(ctx, p.cfg.TaskRecordRetentionDays)
		if err != nil {
			slog.Default().ErrorContext(ctx, "cleanup_producer.task_records_cleanup_failed", "err", err)
		} else if n > 0 {
			slog.Default().InfoContext(ctx, "cleanup_producer.task_records_purged", "count", n)
		}
	}
}

// Trigger is the manual entry point. tableName empty means all tables.
// Manual runs publish at medium priority so they jump ahead of the nightly
// batch.
func (p *CleanupProducer) Trigger(ctx context.Context, tableName string, daysThreshold int) error {
	if daysThreshold <= 0 {
		daysThreshold = p.cfg.DaysThreshold
	}

	if tableName != "" {
		return p.publishCleanup(ctx, tableName, daysThreshold, messages.PriorityMedium)
	}

	for _, t := range task.AllJobTypes() {
		if err := p.publishCleanup(ctx, t.SourceTable(), daysThreshold, messages.PriorityMedium); err != nil {
			return err
		}
	}
	return nil
}

func (p *CleanupProducer) publishCleanup(ctx context.Context, table string, daysThreshold int, priority uint8) error {
	taskID := fmt.Sprintf("cleanup_%s_%d_%04d", table, time.Now().UnixMilli(), rand.Intn(10000))

	msg := messages.CleanupMessage{
		TaskID:        taskID,
		CleanupType:   messages.CleanupPhysicalDelete,
		TableName:     table,
		DateThreshold: time.Now().UTC().AddDate(0, 0, -daysThreshold),
		BatchSize:     p.cfg.BatchSize,
		Priority:      priority,
		RetryCount:    0,
		MaxRetries:    2,
	}

	body, err := messages.EncodeCleanup(msg)
	if err != nil {
		return fmt.Errorf("encode cleanup %s: %w", table, err)
	}

	ok, err := p.pub.Publish(ctx, messages.ExchangeMain, messages.QueueCleanupExpired, body, broker.PublishOptions{
		Priority:   priority,
		Persistent: true,
		MessageID:  taskID,
		Type:       messages.CleanupPhysicalDelete,
		RetryCount: 0,
		MaxRetries: 2,
	})
	if err != nil {
		return fmt.Errorf("publish cleanup %s: %w", table, err)
	}
	if !ok {
		slog.Default().WarnContext(ctx, "cleanup_producer.publish_backpressure",
			"table", table,
		)
		return nil
	}

	slog.Default().InfoContext(ctx, "cleanup_producer.published",
		"task_id", taskID,
		"table", table,
		"days_threshold", daysThreshold,
	)
	return nil
}
