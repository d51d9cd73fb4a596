package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
	"github.com/zanewnch/aiot-scheduler/internal/messages"
)

type SystemMetrics struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	MemoryUsed    uint64    `json:"memoryUsed"`
	MemoryTotal   uint64    `json:"memoryTotal"`
	HeapUsed      uint64    `json:"heapUsed"`
	HeapTotal     uint64    `json:"heapTotal"`
	DiskPercent   float64   `json:"diskPercent"`
	DiskUsed      uint64    `json:"diskUsed"`
	DiskTotal     uint64    `json:"diskTotal"`
	UptimeMs      int64     `json:"uptimeMs"`
	Timestamp     time.Time `json:"timestamp"`
}

type TaskMetrics struct {
	Stats       task.Statistics `json:"stats"`
	FailureRate float64         `json:"failureRate"`
	QueueDepths map[string]int  `json:"queueDepths"`
	Timestamp   time.Time       `json:"timestamp"`
}

type StatsSource interface {
	Statistics(ctx context.Context, from, to *time.Time) (task.Statistics, error)
}

type QueueInspector interface {
	QueueDepth(ctx context.Context, queue string) (int, error)
	Connected() bool
}

type CollectorConfig struct {
	MetricsEvery time.Duration
	HealthEvery  time.Duration
	SnapshotTTL  time.Duration
	HistoryCap   int64
	DiskPath     string
	Thresholds   Thresholds
}

// Collector samples system and task metrics, stores snapshots in the KV
// cache and feeds the threshold engine. Loss of the KV store degrades
// observability only.
type Collector struct {
	cfg    CollectorConfig
	kvc    *kv.Client
	stats  StatsSource
	queues QueueInspector
	alerts *AlertCenter
	probes []Probe

	startedAt time.Time

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	health  OverallHealth
}

func NewCollector(cfg CollectorConfig, kvc *kv.Client, stats StatsSource, queues QueueInspector, alerts *AlertCenter, probes []Probe) *Collector {
	if cfg.MetricsEvery <= 0 {
		cfg.MetricsEvery = 60 * time.Second
	}
	if cfg.HealthEvery <= 0 {
		cfg.HealthEvery = 30 * time.Second
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 5 * time.Minute
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 288
	}
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}

	return &Collector{
		cfg:       cfg,
		kvc:       kvc,
		stats:     stats,
		queues:    queues,
		alerts:    alerts,
		probes:    probes,
		startedAt: time.Now(),
	}
}

func (c *Collector) Name() string { return "monitoring_collector" }

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.run(loopCtx)

	slog.Default().InfoContext(ctx, "monitoring.start",
		"metrics_every", c.cfg.MetricsEvery.String(),
		"health_every", c.cfg.HealthEvery.String(),
	)
	return nil
}

func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Collector) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)

	metricsTicker := time.NewTicker(c.cfg.MetricsEvery)
	healthTicker := time.NewTicker(c.cfg.HealthEvery)
	defer metricsTicker.Stop()
	defer healthTicker.Stop()

	// prime once so /health and /metrics/system answer immediately
	c.sampleHealth(ctx)
	c.sampleMetrics(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-metricsTicker.C:
			c.sampleMetrics(ctx)
		case <-healthTicker.C:
			c.sampleHealth(ctx)
		}
	}
}

func (c *Collector) sampleMetrics(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sys := c.sampleSystem()

	if err := c.kvc.SetJSON(sctx, kv.KeySystemMetrics, sys, c.cfg.SnapshotTTL); err != nil {
		slog.Default().WarnContext(sctx, "monitoring.system_snapshot_store_failed", "err", err)
	}

	if c.alerts != nil {
		th := c.cfg.Thresholds
		c.alerts.evaluate(sctx, "cpu", sys.CPUPercent, th.CPUWarn, th.CPUCrit, "%")
		c.alerts.evaluate(sctx, "memory", sys.MemoryPercent, th.MemWarn, th.MemCrit, "%")
		c.alerts.evaluate(sctx, "disk", sys.DiskPercent, th.DiskWarn, th.DiskCrit, "%")
	}

	tm, err := c.sampleTasks(sctx)
	if err != nil {
		slog.Default().WarnContext(sctx, "monitoring.task_sample_failed", "err", err)
		return
	}

	if err := c.kvc.SetJSON(sctx, kv.KeyTaskMetrics, tm, c.cfg.SnapshotTTL); err != nil {
		slog.Default().WarnContext(sctx, "monitoring.task_snapshot_store_failed", "err", err)
	}
	if err := c.kvc.PushCapped(sctx, kv.KeyTaskMetricsHistory, tm, c.cfg.HistoryCap); err != nil {
		slog.Default().WarnContext(sctx, "monitoring.task_history_store_failed", "err", err)
	}

	if c.alerts != nil {
		th := c.cfg.Thresholds
		c.alerts.evaluate(sctx, "task_failure", tm.FailureRate, th.TaskFailureWarn, th.TaskFailureCrit, "%")

		maxDepth := 0
		for _, d := range tm.QueueDepths {
			if d > maxDepth {
				maxDepth = d
			}
		}
		c.alerts.evaluate(sctx, "queue_size", float64(maxDepth), th.QueueWarn, th.QueueCrit, "")
	}
}

func (c *Collector) sampleSystem() SystemMetrics {
	m := SystemMetrics{
		UptimeMs:  time.Since(c.startedAt).Milliseconds(),
		Timestamp: time.Now().UTC(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryUsed = vm.Used
		m.MemoryTotal = vm.Total
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapUsed = ms.HeapAlloc
	m.HeapTotal = ms.HeapSys

	if du, err := disk.Usage(c.cfg.DiskPath); err == nil {
		m.DiskPercent = du.UsedPercent
		m.DiskUsed = du.Used
		m.DiskTotal = du.Total
	}

	return m
}

func (c *Collector) sampleTasks(ctx context.Context) (TaskMetrics, error) {
	stats, err := c.stats.Statistics(ctx, nil, nil)
	if err != nil {
		return TaskMetrics{}, err
	}

	tm := TaskMetrics{
		Stats:       stats,
		QueueDepths: map[string]int{},
		Timestamp:   time.Now().UTC(),
	}

	if stats.Total > 0 {
		tm.FailureRate = float64(stats.Failed) / float64(stats.Total) * 100
	}

	if c.queues != nil && c.queues.Connected() {
		for _, q := range []string{
			messages.QueueArchivePositions,
			messages.QueueArchiveCommands,
			messages.QueueArchiveStatus,
			messages.QueueCleanupExpired,
		} {
			depth, derr := c.queues.QueueDepth(ctx, q)
			if derr != nil {
				continue
			}
			tm.QueueDepths[q] = depth
		}
	}

	return tm, nil
}
