package observability

import (
	"sync/atomic"
	"time"
)

// SchedMetrics is the in-process counter set the scheduler logs periodically.
// Prometheus carries the scrapeable view; this one is for the log line.
type SchedMetrics struct {
	published  atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	retried    atomic.Uint64
	timedOut   atomic.Uint64
	skippedTck atomic.Uint64

	// tick duration stats (nanoseconds)
	tickCount atomic.Uint64
	tickTotal atomic.Int64
	tickMax   atomic.Int64
}

func NewSchedMetrics() *SchedMetrics {
	return &SchedMetrics{}
}

func (m *SchedMetrics) IncPublished() { m.published.Add(1) }
func (m *SchedMetrics) IncCompleted() { m.completed.Add(1) }
func (m *SchedMetrics) IncFailed()    { m.failed.Add(1) }
func (m *SchedMetrics) IncRetried()   { m.retried.Add(1) }
func (m *SchedMetrics) IncTimedOut()  { m.timedOut.Add(1) }
func (m *SchedMetrics) IncSkipped()   { m.skippedTck.Add(1) }

func (m *SchedMetrics) ObserveTick(d time.Duration) {
	ns := d.Nanoseconds()
	m.tickCount.Add(1)
	m.tickTotal.Add(ns)

	for {
		curr := m.tickMax.Load()

		if ns <= curr {
			return
		}

		if m.tickMax.CompareAndSwap(curr, ns) {
			return
		}
	}
}

type SchedMetricsSnapshot struct {
	Published   uint64
	Completed   uint64
	Failed      uint64
	Retried     uint64
	TimedOut    uint64
	SkippedTick uint64
	TickCount   uint64
	AverageTick time.Duration
	MaxTick     time.Duration
}

func (m *SchedMetrics) Snapshot() SchedMetricsSnapshot {
	count := m.tickCount.Load()
	total := m.tickTotal.Load()
	max := m.tickMax.Load()

	var avg time.Duration

	if count > 0 {
		avg = time.Duration(total / int64(count))
	}

	return SchedMetricsSnapshot{
		Published:   m.published.Load(),
		Completed:   m.completed.Load(),
		Failed:      m.failed.Load(),
		Retried:     m.retried.Load(),
		TimedOut:    m.timedOut.Load(),
		SkippedTick: m.skippedTck.Load(),
		TickCount:   count,
		AverageTick: avg,
		MaxTick:     time.Duration(max),
	}
}
