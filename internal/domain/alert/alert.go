package alert

import (
	"time"
)

type Type string

const (
	TypeCPU         Type = "cpu"
	TypeMemory      Type = "memory"
	TypeDisk        Type = "disk"
	TypeTaskFailure Type = "task_failure"
	TypeQueueSize   Type = "queue_size"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is raised by the monitoring collector when a metric crosses a
// threshold. Resolved flips false->true once and never back.
type Alert struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}
