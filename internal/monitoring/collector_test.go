package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
)

type fakeStats struct {
	stats task.Statistics
	err   error
}

func (f *fakeStats) Statistics(ctx context.Context, from, to *time.Time) (task.Statistics, error) {
	return f.stats, f.err
}

type fakeQueues struct {
	depths    map[string]int
	connected bool
}

func (f *fakeQueues) QueueDepth(ctx context.Context, queue string) (int, error) {
	d, ok := f.depths[queue]
	if !ok {
		return 0, errors.New("unknown queue")
	}
	return d, nil
}

func (f *fakeQueues) Connected() bool { return f.connected }

func testCollector(t *testing.T, stats StatsSource, queues QueueInspector) (*Collector, *kv.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	kvc := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	c := NewCollector(CollectorConfig{
		Thresholds: DefaultThresholds(),
	}, kvc, stats, queues, NewAlertCenter(nil, nil), nil)

	return c, kvc
}

func TestSampleMetrics_StoresSnapshots(t *testing.T) {
	stats := &fakeStats{stats: task.Statistics{Total: 10, Completed: 8, Failed: 2}}
	queues := &fakeQueues{depths: map[string]int{"archive.positions": 12}, connected: true}

	c, kvc := testCollector(t, stats, queues)

	c.sampleMetrics(context.Background())

	var sys SystemMetrics
	if err := kvc.GetJSON(context.Background(), kv.KeySystemMetrics, &sys); err != nil {
		t.Fatalf("system snapshot missing: %v", err)
	}
	if sys.Timestamp.IsZero() {
		t.Fatalf("snapshot timestamp not set")
	}
	if sys.HeapTotal == 0 {
		t.Fatalf("heap total should be sampled")
	}

	var tm TaskMetrics
	if err := kvc.GetJSON(context.Background(), kv.KeyTaskMetrics, &tm); err != nil {
		t.Fatalf("task snapshot missing: %v", err)
	}
	if tm.FailureRate != 20 {
		t.Fatalf("failure rate = %.1f, want 20", tm.FailureRate)
	}
	if tm.QueueDepths["archive.positions"] != 12 {
		t.Fatalf("queue depths = %v", tm.QueueDepths)
	}
}

func TestSampleMetrics_TaskFailureAlert(t *testing.T) {
	stats := &fakeStats{stats: task.Statistics{Total: 10, Failed: 3}}

	c, _ := testCollector(t, stats, &fakeQueues{})

	c.sampleMetrics(context.Background())

	var found bool
	for _, a := range c.alerts.Active() {
		if a.Type == "task_failure" {
			found = true
			if a.Value != 30 {
				t.Fatalf("alert value = %.1f, want 30", a.Value)
			}
		}
	}
	if !found {
		t.Fatalf("30%% failure rate must raise a task_failure alert; active: %+v", c.alerts.Active())
	}
}

func TestSampleHealth_Aggregation(t *testing.T) {
	stats := &fakeStats{}
	c, _ := testCollector(t, stats, &fakeQueues{})

	c.probes = []Probe{
		{Name: "ok", Check: func(ctx context.Context) error { return nil }},
		{Name: "down", Check: func(ctx context.Context) error { return errors.New("refused") }},
	}

	c.sampleHealth(context.Background())

	h := c.Health()
	if h.Status != "unhealthy" {
		t.Fatalf("overall = %s, want unhealthy", h.Status)
	}
	if h.Dependencies["ok"].Status != "healthy" {
		t.Fatalf("ok dependency = %+v", h.Dependencies["ok"])
	}
	if h.Dependencies["down"].Status != "unhealthy" || h.Dependencies["down"].Message == "" {
		t.Fatalf("down dependency = %+v", h.Dependencies["down"])
	}
}

func TestSampleHealth_AllHealthy(t *testing.T) {
	c, _ := testCollector(t, &fakeStats{}, &fakeQueues{})

	c.probes = []Probe{
		{Name: "db", Check: func(ctx context.Context) error { return nil }},
		{Name: "kv", Check: func(ctx context.Context) error { return nil }},
	}

	c.sampleHealth(context.Background())

	if got := c.Health().Status; got != "healthy" {
		t.Fatalf("overall = %s, want healthy", got)
	}
}
