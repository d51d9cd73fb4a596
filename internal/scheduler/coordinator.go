package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

// Component is one lifecycle-managed child of the coordinator.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy() bool
}

type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

type Status struct {
	Overall    Health            `json:"overall"`
	Components []ComponentStatus `json:"components"`
}

// Reconnectable components need to be poked after a broker reconnect.
type Reconnectable interface {
	Resubscribe(ctx context.Context) error
}

// Coordinator owns start/stop order of the scheduler children. Start order:
// result handler first (so fast tasks can complete), then producers, monitor
// last. Stop order is the reverse.
type Coordinator struct {
	components  []Component
	reconnected <-chan struct{}
	metrics     *observability.SchedMetrics

	mu      sync.RWMutex
	started []Component
	cancel  context.CancelFunc
}

func NewCoordinator(resultHandler Component, archive Component, cleanup Component, monitor Component, reconnected <-chan struct{}, metrics *observability.SchedMetrics) *Coordinator {
	return &Coordinator{
		components:  []Component{resultHandler, archive, cleanup, monitor},
		reconnected: reconnected,
		metrics:     metrics,
	}
}

// Start brings children up in dependency order. A start failure triggers a
// best-effort stop of whatever already started, then propagates.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, comp := range c.components {
		if err := comp.Start(ctx); err != nil {
			slog.Default().ErrorContext(ctx, "coordinator.start_failed",
				"component", comp.Name(),
				"err", err,
			)
			c.stopStartedLocked(ctx)
			return fmt.Errorf("start %s: %w", comp.Name(), err)
		}
		c.started = append(c.started, comp)

		slog.Default().InfoContext(ctx, "coordinator.component_started",
			"component", comp.Name(),
		)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watchReconnects(watchCtx)
	go c.logMetricsLoop(watchCtx, 30*time.Second)

	return nil
}

// Stop tears children down in reverse order. One child failing to stop never
// blocks the rest.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	c.stopStartedLocked(ctx)
	return nil
}

func (c *Coordinator) stopStartedLocked(ctx context.Context) {
	for i := len(c.started) - 1; i >= 0; i-- {
		comp := c.started[i]
		if err := comp.Stop(ctx); err != nil {
			slog.Default().ErrorContext(ctx, "coordinator.stop_failed",
				"component", comp.Name(),
				"err", err,
			)
			continue
		}
		slog.Default().InfoContext(ctx, "coordinator.component_stopped",
			"component", comp.Name(),
		)
	}
	c.started = nil
}

// watchReconnects re-subscribes broker consumers after each reconnect cycle.
func (c *Coordinator) watchReconnects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconnected:
			c.mu.RLock()
			comps := make([]Component, len(c.started))
			copy(comps, c.started)
			c.mu.RUnlock()

			for _, comp := range comps {
				r, ok := comp.(Reconnectable)
				if !ok {
					continue
				}
				if err := r.Resubscribe(ctx); err != nil {
					slog.Default().Error("coordinator.resubscribe_failed",
						"component", comp.Name(),
						"err", err,
					)
				}
			}
		}
	}
}

func (c *Coordinator) logMetricsLoop(ctx context.Context, every time.Duration) {
	if c.metrics == nil {
		return
	}

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			s := c.metrics.Snapshot()
			slog.Default().Info("scheduler.metrics",
				"published", s.Published,
				"completed", s.Completed,
				"failed", s.Failed,
				"retried", s.Retried,
				"timed_out", s.TimedOut,
				"skipped_ticks", s.SkippedTick,
				"tick_avg", s.AverageTick.String(),
				"tick_max", s.MaxTick.String(),
			)
		}
	}
}

// Status aggregates child health: all healthy -> healthy, at least half ->
// degraded, otherwise unhealthy.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Status{Components: make([]ComponentStatus, 0, len(c.components))}

	healthy := 0
	for _, comp := range c.components {
		ok := comp.Healthy()
		if ok {
			healthy++
		}
		out.Components = append(out.Components, ComponentStatus{
			Name:    comp.Name(),
			Healthy: ok,
		})
	}

	switch {
	case healthy == len(c.components):
		out.Overall = HealthHealthy
	case healthy*2 >= len(c.components):
		out.Overall = HealthDegraded
	default:
		out.Overall = HealthUnhealthy
	}
	return out
}
