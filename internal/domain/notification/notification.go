package notification

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
	ChannelSlack   Channel = "slack"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelSMS, ChannelSlack:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is one outbound notification. Lives in the in-memory queue and in
// the KV store (24h TTL); sent/exhausted messages move to the capped history.
type Message struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Severity   Severity          `json:"severity"`
	Channel    Channel           `json:"channel"`
	Recipients []string          `json:"recipients"`
	Status     Status            `json:"status"`
	RetryCount int               `json:"retryCount"`
	MaxRetries int               `json:"maxRetries"`
	AlertID    string            `json:"alertId,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

func NewMessage(channel Channel, severity Severity, recipients []string, maxRetries int) Message {
	now := time.Now().UTC()

	return Message{
		ID:         uuid.NewString(),
		Severity:   severity,
		Channel:    channel,
		Recipients: recipients,
		Status:     StatusPending,
		RetryCount: 0,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TimeWindow bounds rule matching to local wall-clock hours, inclusive.
type TimeWindow struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`
}

type Conditions struct {
	AlertTypes []string    `json:"alertTypes"`
	Severities []Severity  `json:"severities"`
	TimeWindow *TimeWindow `json:"timeWindow,omitempty"`
}

type Target struct {
	Channel    Channel       `json:"channel"`
	Recipients []string      `json:"recipients"`
	TemplateID string        `json:"templateId"`
	Delay      time.Duration `json:"delay,omitempty"`
}

// Rule maps matching alerts to notification targets. Within a
// (ruleId, alertType) pair a cooldown key suppresses duplicates.
type Rule struct {
	ID             string     `json:"id"`
	Enabled        bool       `json:"enabled"`
	Conditions     Conditions `json:"conditions"`
	Notifications  []Target   `json:"notifications"`
	CooldownPeriod int        `json:"cooldownPeriod"` // seconds
}

type Template struct {
	ID       string   `json:"id"`
	Channel  Channel  `json:"channel"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
}

type Stats struct {
	Total  int64 `json:"total"`
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// SendResult is what a channel provider reports back for one send.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	SentAt    time.Time `json:"sentAt"`
	Error     string    `json:"error,omitempty"`
	Response  string    `json:"response,omitempty"`
}
