package notify

import (
	"testing"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

func baseRule() notification.Rule {
	return notification.Rule{
		ID:      "r1",
		Enabled: true,
		Notifications: []notification.Target{
			{Channel: notification.ChannelWebhook},
		},
		CooldownPeriod: 60,
	}
}

func at(hour, min int) time.Time {
	return time.Date(2024, 6, 1, hour, min, 0, 0, time.UTC)
}

func TestMatchRule(t *testing.T) {
	a := alert.Alert{Type: alert.TypeCPU, Severity: alert.SeverityWarning}

	tests := []struct {
		name  string
		setup func(*notification.Rule)
		alert alert.Alert
		now   time.Time
		want  bool
	}{
		{
			name:  "empty conditions match everything",
			setup: func(r *notification.Rule) {},
			alert: a,
			now:   at(12, 0),
			want:  true,
		},
		{
			name:  "disabled rule never matches",
			setup: func(r *notification.Rule) { r.Enabled = false },
			alert: a,
			now:   at(12, 0),
			want:  false,
		},
		{
			name: "alert type listed",
			setup: func(r *notification.Rule) {
				r.Conditions.AlertTypes = []string{"cpu", "memory"}
			},
			alert: a,
			now:   at(12, 0),
			want:  true,
		},
		{
			name: "alert type not listed",
			setup: func(r *notification.Rule) {
				r.Conditions.AlertTypes = []string{"disk"}
			},
			alert: a,
			now:   at(12, 0),
			want:  false,
		},
		{
			name: "severity mapped and listed",
			setup: func(r *notification.Rule) {
				r.Conditions.Severities = []notification.Severity{notification.SeverityWarning}
			},
			alert: a,
			now:   at(12, 0),
			want:  true,
		},
		{
			name: "severity not listed",
			setup: func(r *notification.Rule) {
				r.Conditions.Severities = []notification.Severity{notification.SeverityCritical}
			},
			alert: a,
			now:   at(12, 0),
			want:  false,
		},
		{
			name: "inside time window",
			setup: func(r *notification.Rule) {
				r.Conditions.TimeWindow = &notification.TimeWindow{Start: "09:00", End: "18:00"}
			},
			alert: a,
			now:   at(12, 30),
			want:  true,
		},
		{
			name: "window bounds are inclusive",
			setup: func(r *notification.Rule) {
				r.Conditions.TimeWindow = &notification.TimeWindow{Start: "09:00", End: "18:00"}
			},
			alert: a,
			now:   at(18, 0),
			want:  true,
		},
		{
			name: "outside time window",
			setup: func(r *notification.Rule) {
				r.Conditions.TimeWindow = &notification.TimeWindow{Start: "09:00", End: "18:00"}
			},
			alert: a,
			now:   at(23, 0),
			want:  false,
		},
		{
			name: "overnight window wraps midnight",
			setup: func(r *notification.Rule) {
				r.Conditions.TimeWindow = &notification.TimeWindow{Start: "22:00", End: "06:00"}
			},
			alert: a,
			now:   at(2, 0),
			want:  true,
		},
		{
			name: "overnight window excludes daytime",
			setup: func(r *notification.Rule) {
				r.Conditions.TimeWindow = &notification.TimeWindow{Start: "22:00", End: "06:00"}
			},
			alert: a,
			now:   at(12, 0),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRule()
			tt.setup(&r)

			if got := MatchRule(r, tt.alert, tt.now); got != tt.want {
				t.Fatalf("MatchRule = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRender(t *testing.T) {
	tmpl := notification.Template{
		Title:   "[{{severity}}] {{alertType}}",
		Content: "value {{value}} over {{threshold}}: {{message}}",
	}

	a := alert.Alert{
		ID:        "a1",
		Type:      alert.TypeMemory,
		Severity:  alert.SeverityCritical,
		Message:   "memory pressure",
		Value:     96.5,
		Threshold: 95,
		Timestamp: time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC),
	}

	title, content := Render(tmpl, a)

	if title != "[critical] memory" {
		t.Fatalf("title = %q", title)
	}
	if content != "value 96.50 over 95.00: memory pressure" {
		t.Fatalf("content = %q", content)
	}
}

func TestTemplateStore_FallbackByChannelSeverity(t *testing.T) {
	s := NewTemplateStore(nil)

	// unknown id falls back to the channel/severity default
	tmpl, ok := s.Resolve("nope", notification.ChannelEmail, notification.SeverityWarning)
	if !ok {
		t.Fatalf("expected fallback template")
	}
	if tmpl.Channel != notification.ChannelEmail || tmpl.Severity != notification.SeverityWarning {
		t.Fatalf("fallback mismatch: %+v", tmpl)
	}
}

func TestMapSeverity(t *testing.T) {
	if MapSeverity(alert.SeverityCritical) != notification.SeverityCritical {
		t.Fatalf("critical should map to critical")
	}
	if MapSeverity(alert.SeverityWarning) != notification.SeverityWarning {
		t.Fatalf("warning should map to warning")
	}
}
