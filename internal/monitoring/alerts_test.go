package monitoring

import (
	"context"
	"sync"
	"testing"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingNotifier) SendAlertNotification(ctx context.Context, a alert.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestAlertCenter_RaiseWarningAndCritical(t *testing.T) {
	n := &recordingNotifier{}
	c := NewAlertCenter(n, nil)
	ctx := context.Background()

	c.evaluate(ctx, alert.TypeCPU, 50, 70, 90, "%")
	if len(c.Active()) != 0 {
		t.Fatalf("below warn must raise nothing")
	}

	c.evaluate(ctx, alert.TypeCPU, 75, 70, 90, "%")
	active := c.Active()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if active[0].Severity != alert.SeverityWarning {
		t.Fatalf("severity = %s, want warning", active[0].Severity)
	}
	if active[0].Value != 75 || active[0].Threshold != 70 {
		t.Fatalf("alert payload = %+v", active[0])
	}

	c.evaluate(ctx, alert.TypeCPU, 95, 70, 90, "%")
	if len(c.Active()) != 2 {
		t.Fatalf("critical should raise alongside warning, active = %d", len(c.Active()))
	}

	if n.count() != 2 {
		t.Fatalf("notifier calls = %d, want 2", n.count())
	}
}

func TestAlertCenter_DuplicateSuppressed(t *testing.T) {
	n := &recordingNotifier{}
	c := NewAlertCenter(n, nil)
	ctx := context.Background()

	c.evaluate(ctx, alert.TypeMemory, 85, 80, 95, "%")
	c.evaluate(ctx, alert.TypeMemory, 86, 80, 95, "%")
	c.evaluate(ctx, alert.TypeMemory, 87, 80, 95, "%")

	if len(c.Active()) != 1 {
		t.Fatalf("same live alert re-raised: active = %d", len(c.Active()))
	}
	if n.count() != 1 {
		t.Fatalf("notifier calls = %d, want 1", n.count())
	}
}

func TestAlertCenter_AutoClearOnRecovery(t *testing.T) {
	c := NewAlertCenter(nil, nil)
	ctx := context.Background()

	c.evaluate(ctx, alert.TypeDisk, 90, 85, 95, "%")
	if len(c.Active()) != 1 {
		t.Fatalf("expected one active alert")
	}

	c.evaluate(ctx, alert.TypeDisk, 40, 85, 95, "%")
	if len(c.Active()) != 0 {
		t.Fatalf("recovery must clear the alert, active = %d", len(c.Active()))
	}
}

func TestAlertCenter_ManualResolveIsMonotonic(t *testing.T) {
	c := NewAlertCenter(nil, nil)
	ctx := context.Background()

	c.evaluate(ctx, alert.TypeQueueSize, 2000, 1000, 5000, "")

	active := c.Active()
	if len(active) != 1 {
		t.Fatalf("expected one active alert")
	}
	id := active[0].ID

	if err := c.Resolve(id); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(c.Active()) != 0 {
		t.Fatalf("resolved alert still active")
	}

	// resolving twice is a no-op, never a flip back
	if err := c.Resolve(id); err != nil {
		t.Fatalf("second Resolve must be a no-op: %v", err)
	}

	if err := c.Resolve("missing"); err == nil {
		t.Fatalf("unknown id must error")
	}
}

func TestAlertCenter_ResolvedAlertCanReraise(t *testing.T) {
	c := NewAlertCenter(nil, nil)
	ctx := context.Background()

	c.evaluate(ctx, alert.TypeCPU, 75, 70, 90, "%")
	c.evaluate(ctx, alert.TypeCPU, 50, 70, 90, "%") // clears
	c.evaluate(ctx, alert.TypeCPU, 80, 70, 90, "%") // new incident

	if len(c.Active()) != 1 {
		t.Fatalf("new incident after recovery must raise a fresh alert")
	}
}
