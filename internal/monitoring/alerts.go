package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

// Thresholds are the warn/critical bounds the collector evaluates every
// sample against.
type Thresholds struct {
	CPUWarn  float64
	CPUCrit  float64
	MemWarn  float64
	MemCrit  float64
	DiskWarn float64
	DiskCrit float64

	TaskFailureWarn float64 // percent of failed tasks
	TaskFailureCrit float64

	QueueWarn float64 // messages
	QueueCrit float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarn: 70, CPUCrit: 90,
		MemWarn: 80, MemCrit: 95,
		DiskWarn: 85, DiskCrit: 95,
		TaskFailureWarn: 10, TaskFailureCrit: 25,
		QueueWarn: 1000, QueueCrit: 5000,
	}
}

// AlertNotifier is the downstream the center pushes raised alerts into.
type AlertNotifier interface {
	SendAlertNotification(ctx context.Context, a alert.Alert) error
}

// AlertCenter holds active alerts in memory. One live alert per
// (type, severity); resolved only flips false -> true.
type AlertCenter struct {
	mu       sync.RWMutex
	alerts   map[string]alert.Alert // id -> alert
	notifier AlertNotifier
	prom     *observability.Prom
}

func NewAlertCenter(notifier AlertNotifier, prom *observability.Prom) *AlertCenter {
	return &AlertCenter{
		alerts:   make(map[string]alert.Alert),
		notifier: notifier,
		prom:     prom,
	}
}

// Raise creates a new unresolved alert unless one with the same type and
// severity is already live.
func (c *AlertCenter) Raise(ctx context.Context, typ alert.Type, sev alert.Severity, value, threshold float64, message string) {
	c.mu.Lock()

	for _, a := range c.alerts {
		if a.Type == typ && a.Severity == sev && !a.Resolved {
			c.mu.Unlock()
			return
		}
	}

	a := alert.Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Message:   message,
		Value:     value,
		Threshold: threshold,
		Timestamp: time.Now().UTC(),
		Resolved:  false,
	}
	c.alerts[a.ID] = a
	active := c.activeCountLocked()
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.AlertsActive.Set(float64(active))
	}

	slog.Default().WarnContext(ctx, "monitoring.alert_raised",
		"alert_id", a.ID,
		"type", typ,
		"severity", sev,
		"value", value,
		"threshold", threshold,
	)

	if c.notifier != nil {
		if err := c.notifier.SendAlertNotification(ctx, a); err != nil {
			slog.Default().ErrorContext(ctx, "monitoring.alert_notify_failed",
				"alert_id", a.ID,
				"err", err,
			)
		}
	}
}

// ClearType resolves all live alerts of a type whose metric recovered.
func (c *AlertCenter) ClearType(ctx context.Context, typ alert.Type) {
	c.mu.Lock()
	var cleared []string
	for id, a := range c.alerts {
		if a.Type == typ && !a.Resolved {
			a.Resolved = true
			c.alerts[id] = a
			cleared = append(cleared, id)
		}
	}
	active := c.activeCountLocked()
	c.mu.Unlock()

	if len(cleared) == 0 {
		return
	}
	if c.prom != nil {
		c.prom.AlertsActive.Set(float64(active))
	}

	for _, id := range cleared {
		slog.Default().InfoContext(ctx, "monitoring.alert_auto_resolved",
			"alert_id", id,
			"type", typ,
		)
	}
}

func (c *AlertCenter) Resolve(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}
	if a.Resolved {
		return nil
	}

	a.Resolved = true
	c.alerts[id] = a

	if c.prom != nil {
		c.prom.AlertsActive.Set(float64(c.activeCountLocked()))
	}
	return nil
}

func (c *AlertCenter) activeCountLocked() int {
	n := 0
	for _, a := range c.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

// Active returns unresolved alerts, newest first.
func (c *AlertCenter) Active() []alert.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]alert.Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		if !a.Resolved {
			out = append(out, a)
		}
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Timestamp.After(out[i].Timestamp) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// evaluate applies one warn/crit pair: critical wins over warning; dropping
// under the warn bound clears the type.
func (c *AlertCenter) evaluate(ctx context.Context, typ alert.Type, value, warn, crit float64, unit string) {
	switch {
	case value >= crit:
		c.Raise(ctx, typ, alert.SeverityCritical, value, crit,
			fmt.Sprintf("%s at %.1f%s exceeds critical threshold %.1f%s", typ, value, unit, crit, unit))
	case value >= warn:
		c.Raise(ctx, typ, alert.SeverityWarning, value, warn,
			fmt.Sprintf("%s at %.1f%s exceeds warning threshold %.1f%s", typ, value, unit, warn, unit))
	default:
		c.ClearType(ctx, typ)
	}
}
