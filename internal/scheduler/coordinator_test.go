package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeComponent struct {
	name     string
	startErr error
	stopErr  error
	healthy  bool

	mu      sync.Mutex
	started bool
	stopped bool
	log     *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	*f.log = append(*f.log, "start:"+f.name)
	return nil
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = true
	*f.log = append(*f.log, "stop:"+f.name)
	return f.stopErr
}

func (f *fakeComponent) Healthy() bool { return f.healthy }

func newFakes(log *[]string) (*fakeComponent, *fakeComponent, *fakeComponent, *fakeComponent) {
	mk := func(name string) *fakeComponent {
		return &fakeComponent{name: name, healthy: true, log: log}
	}
	return mk("result_handler"), mk("archive_producer"), mk("cleanup_producer"), mk("task_monitor")
}

func TestCoordinator_StartStopOrder(t *testing.T) {
	var log []string
	rh, ap, cp, mon := newFakes(&log)

	reconnected := make(chan struct{})
	c := NewCoordinator(rh, ap, cp, mon, reconnected, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	want := []string{
		"start:result_handler",
		"start:archive_producer",
		"start:cleanup_producer",
		"start:task_monitor",
		"stop:task_monitor",
		"stop:cleanup_producer",
		"stop:archive_producer",
		"stop:result_handler",
	}

	if len(log) != len(want) {
		t.Fatalf("lifecycle log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("lifecycle[%d] = %s, want %s (full: %v)", i, log[i], want[i], log)
		}
	}
}

func TestCoordinator_StartFailureRollsBack(t *testing.T) {
	var log []string
	rh, ap, cp, mon := newFakes(&log)

	cp.startErr = errors.New("cron parse failed")

	c := NewCoordinator(rh, ap, cp, mon, make(chan struct{}), nil)

	err := c.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start error")
	}

	if mon.started {
		t.Fatalf("monitor must not start after an earlier failure")
	}
	if !rh.stopped || !ap.stopped {
		t.Fatalf("already-started components must be stopped on rollback")
	}
}

func TestCoordinator_StopErrorDoesNotBlockOthers(t *testing.T) {
	var log []string
	rh, ap, cp, mon := newFakes(&log)

	mon.stopErr = errors.New("stuck goroutine")

	c := NewCoordinator(rh, ap, cp, mon, make(chan struct{}), nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop must swallow child errors, got: %v", err)
	}

	for _, f := range []*fakeComponent{rh, ap, cp} {
		if !f.stopped {
			t.Fatalf("%s not stopped after sibling failure", f.name)
		}
	}
}

func TestCoordinator_StatusAggregation(t *testing.T) {
	tests := []struct {
		name    string
		healthy []bool
		want    Health
	}{
		{"all healthy", []bool{true, true, true, true}, HealthHealthy},
		{"three of four", []bool{true, true, true, false}, HealthDegraded},
		{"half", []bool{true, true, false, false}, HealthDegraded},
		{"one of four", []bool{true, false, false, false}, HealthUnhealthy},
		{"none", []bool{false, false, false, false}, HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log []string
			rh, ap, cp, mon := newFakes(&log)
			comps := []*fakeComponent{rh, ap, cp, mon}
			for i, h := range tt.healthy {
				comps[i].healthy = h
			}

			c := NewCoordinator(rh, ap, cp, mon, make(chan struct{}), nil)

			if got := c.Status().Overall; got != tt.want {
				t.Fatalf("overall = %s, want %s", got, tt.want)
			}
		})
	}
}
