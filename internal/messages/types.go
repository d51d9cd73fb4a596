package messages

import (
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/task"
)

// Queue and routing-key names are compatibility-critical; the external
// archive workers bind to these exact values.
const (
	ExchangeMain    = "aiot.archive"
	ExchangeDelayed = "aiot.archive.delayed"
	ExchangeDLX     = "aiot.archive.dlx"

	QueueArchivePositions = "archive.positions"
	QueueArchiveCommands  = "archive.commands"
	QueueArchiveStatus    = "archive.status"
	QueueCleanupExpired   = "cleanup.expired"
	QueueResultSuccess    = "result.success"
	QueueResultFailed     = "result.failed"
	QueueResultPartial    = "result.partial"
)

const (
	PriorityLow    uint8 = 2
	PriorityMedium uint8 = 5
	PriorityHigh   uint8 = 8
)

// ArchiveRoutingKey maps a job type to its archive queue binding.
func ArchiveRoutingKey(t task.JobType) string {
	switch t {
	case task.JobPositions:
		return QueueArchivePositions
	case task.JobCommands:
		return QueueArchiveCommands
	case task.JobStatus:
		return QueueArchiveStatus
	default:
		return ""
	}
}

func ResultQueues() []string {
	return []string{QueueResultSuccess, QueueResultFailed, QueueResultPartial}
}

// TaskMetadata is the free-form bag carried alongside a task message.
type TaskMetadata struct {
	EstimatedRecords      int64  `json:"estimatedRecords,omitempty"`
	SourceTable           string `json:"sourceTable,omitempty"`
	ArchiveTable          string `json:"archiveTable,omitempty"`
	IsRetry               bool   `json:"isRetry,omitempty"`
	OriginalFailureReason string `json:"originalFailureReason,omitempty"`
}

// TaskMessage mirrors the persistent task record for transport; the worker
// never reads the store directly.
type TaskMessage struct {
	TaskID         int64        `json:"taskId"`
	TaskType       string       `json:"taskType"`
	BatchID        string       `json:"batchId"`
	SourceTable    string       `json:"sourceTable"`
	ArchiveTable   string       `json:"archiveTable"`
	DateRangeStart time.Time    `json:"dateRangeStart"`
	DateRangeEnd   time.Time    `json:"dateRangeEnd"`
	BatchSize      int          `json:"batchSize"`
	Priority       uint8        `json:"priority"`
	RetryCount     int          `json:"retryCount"`
	MaxRetries     int          `json:"maxRetries"`
	Metadata       TaskMetadata `json:"metadata"`
}

// CleanupMessage is broker-only; cleanup work has no task-store record.
type CleanupMessage struct {
	TaskID        string    `json:"taskId"`
	CleanupType   string    `json:"cleanupType"`
	TableName     string    `json:"tableName"`
	DateThreshold time.Time `json:"dateThreshold"`
	BatchSize     int       `json:"batchSize"`
	Priority      uint8     `json:"priority"`
	RetryCount    int       `json:"retryCount"`
	MaxRetries    int       `json:"maxRetries"`
}

const CleanupPhysicalDelete = "physical_delete"

type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultPartial   ResultStatus = "partial"
)

func (s ResultStatus) IsValid() bool {
	switch s {
	case ResultCompleted, ResultFailed, ResultPartial:
		return true
	default:
		return false
	}
}

// ResultMessage is the worker's callback for one finished task.
type ResultMessage struct {
	TaskID           int64        `json:"taskId"`
	Status           ResultStatus `json:"status"`
	ProcessedRecords int64        `json:"processedRecords,omitempty"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	ExecutionTimeMs  int64        `json:"executionTimeMs"`
	CompletedAt      time.Time    `json:"completedAt"`
}
