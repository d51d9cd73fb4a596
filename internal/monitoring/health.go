package monitoring

import (
	"context"
	"time"
)

type DependencyStatus struct {
	Status         string    `json:"status"` // healthy | degraded | unhealthy
	Message        string    `json:"message,omitempty"`
	LastCheck      time.Time `json:"lastCheck"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
}

type OverallHealth struct {
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    time.Time                   `json:"checkedAt"`
}

// Probe is one cheap dependency check (DB ping, broker connected, KV ping).
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
	// Slow marks the probe degraded instead of unhealthy past this latency.
	Slow time.Duration
}

func (c *Collector) sampleHealth(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out := OverallHealth{
		Dependencies: make(map[string]DependencyStatus, len(c.probes)),
		CheckedAt:    time.Now().UTC(),
	}

	worst := "healthy"
	for _, p := range c.probes {
		start := time.Now()
		err := p.Check(sctx)
		elapsed := time.Since(start)

		ds := DependencyStatus{
			Status:         "healthy",
			LastCheck:      time.Now().UTC(),
			ResponseTimeMs: elapsed.Milliseconds(),
		}

		switch {
		case err != nil:
			ds.Status = "unhealthy"
			ds.Message = err.Error()
		case p.Slow > 0 && elapsed > p.Slow:
			ds.Status = "degraded"
			ds.Message = "slow response"
		}

		out.Dependencies[p.Name] = ds

		if ds.Status == "unhealthy" {
			worst = "unhealthy"
		} else if ds.Status == "degraded" && worst == "healthy" {
			worst = "degraded"
		}
	}
	out.Status = worst

	c.mu.Lock()
	c.health = out
	c.mu.Unlock()
}

// Health returns the latest aggregate; zero value before the first sweep.
func (c *Collector) Health() OverallHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}
