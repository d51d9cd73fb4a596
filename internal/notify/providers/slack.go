package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

type SlackConfig struct {
	Token string
	// DefaultChannel receives messages whose recipients list is empty.
	DefaultChannel string
}

type SlackProvider struct {
	cfg SlackConfig
	api *slack.Client
}

func NewSlackProvider(cfg SlackConfig) *SlackProvider {
	return &SlackProvider{cfg: cfg}
}

func (p *SlackProvider) Channel() notification.Channel {
	return notification.ChannelSlack
}

func (p *SlackProvider) ValidateConfig() error {
	if p.cfg.Token == "" {
		return fmt.Errorf("%w: slack token required", ErrInvalidConfig)
	}
	if p.cfg.DefaultChannel == "" {
		return fmt.Errorf("%w: slack default channel required", ErrInvalidConfig)
	}
	return nil
}

func (p *SlackProvider) Initialize(ctx context.Context) error {
	p.api = slack.New(p.cfg.Token)

	if _, err := p.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	return nil
}

func (p *SlackProvider) Cleanup(ctx context.Context) error {
	return nil
}

func (p *SlackProvider) Send(ctx context.Context, msg notification.Message, a *alert.Alert) (notification.SendResult, error) {
	if p.api == nil {
		return notification.SendResult{}, fmt.Errorf("slack provider not initialized")
	}

	targets := msg.Recipients
	if len(targets) == 0 {
		targets = []string{p.cfg.DefaultChannel}
	}

	attachment := slack.Attachment{
		Color: slackColor(msg.Severity),
		Title: msg.Title,
		Text:  msg.Content,
		Footer: fmt.Sprintf("aiot-scheduler · severity %s · notification %s",
			msg.Severity, msg.ID),
		Ts: slackTs(time.Now()),
	}
	if a != nil {
		attachment.Fields = []slack.AttachmentField{
			{Title: "Alert", Value: string(a.Type), Short: true},
			{Title: "Value", Value: fmt.Sprintf("%.1f (threshold %.1f)", a.Value, a.Threshold), Short: true},
		}
	}

	var lastTs string
	for _, ch := range targets {
		_, ts, err := p.api.PostMessageContext(ctx, ch,
			slack.MsgOptionAttachments(attachment),
		)
		if err != nil {
			return notification.SendResult{
				Success: false,
				SentAt:  time.Now().UTC(),
				Error:   err.Error(),
			}, fmt.Errorf("slack post to %s: %w", ch, err)
		}
		lastTs = ts
	}

	return notification.SendResult{
		Success:   true,
		MessageID: lastTs,
		SentAt:    time.Now().UTC(),
	}, nil
}

func slackColor(s notification.Severity) string {
	switch s {
	case notification.SeverityCritical, notification.SeverityError:
		return "danger"
	case notification.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

func slackTs(t time.Time) json.Number {
	return json.Number(fmt.Sprintf("%d", t.Unix()))
}
