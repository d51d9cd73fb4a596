package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal status move.
// pending->running, running->completed|failed, failed->pending (retry reset).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

type JobType string

const (
	JobPositions JobType = "positions"
	JobCommands  JobType = "commands"
	JobStatus    JobType = "status"
)

func AllJobTypes() []JobType {
	return []JobType{JobPositions, JobCommands, JobStatus}
}

func (t JobType) IsValid() bool {
	switch t {
	case JobPositions, JobCommands, JobStatus:
		return true
	default:
		return false
	}
}

func (t JobType) SourceTable() string {
	switch t {
	case JobPositions:
		return "drone_positions"
	case JobCommands:
		return "drone_commands"
	case JobStatus:
		return "drone_real_time_status"
	default:
		return ""
	}
}

func (t JobType) ArchiveTable() string {
	return t.SourceTable() + "_archive"
}

// Priority biases broker delivery; positions carry the freshest data.
func (t JobType) Priority() uint8 {
	switch t {
	case JobPositions:
		return 10
	case JobCommands:
		return 8
	case JobStatus:
		return 6
	default:
		return 0
	}
}

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateBatchID  = errors.New("duplicate batch id")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTaskRunning       = errors.New("task is running")
	ErrInvalidJobType    = errors.New("invalid job type")
)

const TimeoutErrorMessage = "Task execution timeout"

type Task struct {
	ID              int64      `json:"id"`
	JobType         JobType    `json:"jobType"`
	SourceTable     string     `json:"sourceTable"`
	ArchiveTable    string     `json:"archiveTable"`
	DateRangeStart  time.Time  `json:"dateRangeStart"`
	DateRangeEnd    time.Time  `json:"dateRangeEnd"`
	BatchID         string     `json:"batchId"`
	Status          Status     `json:"status"`
	TotalRecords    int64      `json:"totalRecords"`
	ArchivedRecords int64      `json:"archivedRecords"`
	RetryCount      int        `json:"retryCount"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ErrorMessage    *string    `json:"errorMessage,omitempty"`
	CreatedBy       string     `json:"createdBy"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type CreateRequest struct {
	JobType        JobType
	SourceTable    string
	ArchiveTable   string
	DateRangeStart time.Time
	DateRangeEnd   time.Time
	BatchID        string
	TotalRecords   int64
	CreatedBy      string
}

// NewBatchID builds the unique batch token DRONE_<TYPE>_<YYYYMMDD>_<epoch_ms>.
// The day is the archived day, not the day the producer fired.
func NewBatchID(t JobType, day time.Time, now time.Time) string {
	return fmt.Sprintf("DRONE_%s_%s_%d",
		strings.ToUpper(string(t)),
		day.Format("20060102"),
		now.UnixMilli(),
	)
}

type Filter struct {
	JobType   *JobType
	Status    *Status
	BatchID   *string
	CreatedBy *string
	From      *time.Time
	To        *time.Time
}

type Statistics struct {
	Total                 int64   `json:"total"`
	Pending               int64   `json:"pending"`
	Running               int64   `json:"running"`
	Completed             int64   `json:"completed"`
	Failed                int64   `json:"failed"`
	TotalRecordsProcessed int64   `json:"totalRecordsProcessed"`
	AverageExecutionSecs  float64 `json:"averageExecutionSeconds"`
}

// Update is a partial mutation applied by the store. Nil fields are untouched.
type Update struct {
	Status          *Status
	TotalRecords    *int64
	ArchivedRecords *int64
	ErrorMessage    *string
}
