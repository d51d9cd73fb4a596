package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

// TemplateStore resolves templates by id, falling back to the default
// (channel, severity) template.
type TemplateStore struct {
	mu   sync.RWMutex
	byID map[string]notification.Template
}

func NewTemplateStore(templates []notification.Template) *TemplateStore {
	s := &TemplateStore{byID: make(map[string]notification.Template)}

	for _, t := range DefaultTemplates() {
		s.byID[t.ID] = t
	}
	for _, t := range templates {
		s.byID[t.ID] = t
	}
	return s
}

func defaultTemplateID(ch notification.Channel, sev notification.Severity) string {
	return fmt.Sprintf("default_%s_%s", ch, sev)
}

func (s *TemplateStore) Resolve(id string, ch notification.Channel, sev notification.Severity) (notification.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != "" {
		if t, ok := s.byID[id]; ok {
			return t, true
		}
	}

	t, ok := s.byID[defaultTemplateID(ch, sev)]
	return t, ok
}

func (s *TemplateStore) Put(t notification.Template) {
	s.mu.Lock()
	s.byID[t.ID] = t
	s.mu.Unlock()
}

// Render substitutes the alert placeholders into title and content.
func Render(t notification.Template, a alert.Alert) (title, content string) {
	r := strings.NewReplacer(
		"{{alertId}}", a.ID,
		"{{alertType}}", string(a.Type),
		"{{severity}}", string(a.Severity),
		"{{message}}", a.Message,
		"{{value}}", fmt.Sprintf("%.2f", a.Value),
		"{{threshold}}", fmt.Sprintf("%.2f", a.Threshold),
		"{{timestamp}}", a.Timestamp.Format(time.RFC3339),
	)

	return r.Replace(t.Title), r.Replace(t.Content)
}

// DefaultTemplates covers every (channel, severity) pair the engine can hit
// without explicit configuration.
func DefaultTemplates() []notification.Template {
	channels := []notification.Channel{
		notification.ChannelEmail,
		notification.ChannelWebhook,
		notification.ChannelSlack,
		notification.ChannelSMS,
	}
	severities := []notification.Severity{
		notification.SeverityInfo,
		notification.SeverityWarning,
		notification.SeverityError,
		notification.SeverityCritical,
	}

	var out []notification.Template
	for _, ch := range channels {
		for _, sev := range severities {
			out = append(out, notification.Template{
				ID:       defaultTemplateID(ch, sev),
				Channel:  ch,
				Severity: sev,
				Title:    "[{{severity}}] {{alertType}} alert",
				Content: "Alert {{alertId}} fired at {{timestamp}}.\n" +
					"{{message}}\n" +
					"Current value {{value}}, threshold {{threshold}}.",
			})
		}
	}
	return out
}

// MapSeverity translates an alert severity into a notification severity.
func MapSeverity(s alert.Severity) notification.Severity {
	switch s {
	case alert.SeverityCritical:
		return notification.SeverityCritical
	case alert.SeverityWarning:
		return notification.SeverityWarning
	default:
		return notification.SeverityInfo
	}
}
