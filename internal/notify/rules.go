package notify

import (
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

// MatchRule reports whether a rule applies to an alert at the given local
// time. Empty condition lists match everything; the time window is
// inclusive on both bounds.
func MatchRule(r notification.Rule, a alert.Alert, now time.Time) bool {
	if !r.Enabled {
		return false
	}

	if len(r.Conditions.AlertTypes) > 0 {
		found := false
		for _, t := range r.Conditions.AlertTypes {
			if t == string(a.Type) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(r.Conditions.Severities) > 0 {
		mapped := MapSeverity(a.Severity)
		found := false
		for _, s := range r.Conditions.Severities {
			if s == mapped {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if w := r.Conditions.TimeWindow; w != nil {
		if !inWindow(now, w.Start, w.End) {
			return false
		}
	}

	return true
}

// inWindow compares HH:MM strings against the local wall clock. A window
// whose end precedes its start wraps past midnight.
func inWindow(now time.Time, start, end string) bool {
	s, err := parseClock(start)
	if err != nil {
		return true
	}
	e, err := parseClock(end)
	if err != nil {
		return true
	}

	n := now.Hour()*60 + now.Minute()

	if s <= e {
		return n >= s && n <= e
	}
	return n >= s || n <= e
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// DefaultRules notifies everything at warning and above; critical alerts
// fan out to every configured channel.
func DefaultRules(emailRecipients []string) []notification.Rule {
	return []notification.Rule{
		{
			ID:      "critical_all_channels",
			Enabled: true,
			Conditions: notification.Conditions{
				Severities: []notification.Severity{notification.SeverityCritical},
			},
			Notifications: []notification.Target{
				{Channel: notification.ChannelEmail, Recipients: emailRecipients},
				{Channel: notification.ChannelWebhook},
				{Channel: notification.ChannelSlack},
			},
			CooldownPeriod: 300,
		},
		{
			ID:      "warning_webhook",
			Enabled: true,
			Conditions: notification.Conditions{
				Severities: []notification.Severity{notification.SeverityWarning},
			},
			Notifications: []notification.Target{
				{Channel: notification.ChannelWebhook},
			},
			CooldownPeriod: 600,
		},
	}
}
