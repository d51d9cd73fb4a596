package providers

import (
	"context"
	"fmt"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// PingOnInit dials the server during Initialize to fail fast on bad
	// credentials.
	PingOnInit bool
}

// EmailProvider delivers over SMTP with both plain-text and HTML bodies.
type EmailProvider struct {
	cfg    EmailConfig
	client *mail.Client
}

func NewEmailProvider(cfg EmailConfig) *EmailProvider {
	return &EmailProvider{cfg: cfg}
}

func (p *EmailProvider) Channel() notification.Channel {
	return notification.ChannelEmail
}

func (p *EmailProvider) ValidateConfig() error {
	if p.cfg.Host == "" {
		return fmt.Errorf("%w: smtp host required", ErrInvalidConfig)
	}
	if p.cfg.Port <= 0 || p.cfg.Port > 65535 {
		return fmt.Errorf("%w: smtp port %d out of range", ErrInvalidConfig, p.cfg.Port)
	}
	if p.cfg.From == "" {
		return fmt.Errorf("%w: from address required", ErrInvalidConfig)
	}
	if p.cfg.Username == "" || p.cfg.Password == "" {
		return fmt.Errorf("%w: smtp credentials required", ErrInvalidConfig)
	}
	return nil
}

func (p *EmailProvider) Initialize(ctx context.Context) error {
	client, err := mail.NewClient(p.cfg.Host,
		mail.WithPort(p.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(p.cfg.Username),
		mail.WithPassword(p.cfg.Password),
		mail.WithTimeout(10*time.Second),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	p.client = client

	if p.cfg.PingOnInit {
		if err := client.DialWithContext(ctx); err != nil {
			return fmt.Errorf("smtp dial: %w", err)
		}
		_ = client.Close()
	}
	return nil
}

func (p *EmailProvider) Cleanup(ctx context.Context) error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *EmailProvider) Send(ctx context.Context, msg notification.Message, a *alert.Alert) (notification.SendResult, error) {
	if p.client == nil {
		return notification.SendResult{}, fmt.Errorf("email provider not initialized")
	}

	m := mail.NewMsg()
	if err := m.From(p.cfg.From); err != nil {
		return notification.SendResult{}, fmt.Errorf("from address: %w", err)
	}
	if err := m.To(msg.Recipients...); err != nil {
		return notification.SendResult{}, fmt.Errorf("recipients: %w", err)
	}

	m.Subject(msg.Title)
	m.SetBodyString(mail.TypeTextPlain, msg.Content)
	m.AddAlternativeString(mail.TypeTextHTML, htmlBody(msg))

	switch msg.Severity {
	case notification.SeverityCritical, notification.SeverityError:
		m.SetImportance(mail.ImportanceHigh)
	case notification.SeverityWarning:
		m.SetImportance(mail.ImportanceNormal)
	default:
		m.SetImportance(mail.ImportanceLow)
	}

	m.SetGenHeader("X-Notification-Id", msg.ID)
	if msg.AlertID != "" {
		m.SetGenHeader("X-Alert-Id", msg.AlertID)
	}
	m.SetGenHeader("X-Severity", string(msg.Severity))
	m.SetGenHeader("X-Channel", string(msg.Channel))
	m.SetMessageID()

	if err := p.client.DialAndSendWithContext(ctx, m); err != nil {
		return notification.SendResult{
			Success: false,
			SentAt:  time.Now().UTC(),
			Error:   err.Error(),
		}, err
	}

	return notification.SendResult{
		Success:   true,
		MessageID: m.GetMessageID(),
		SentAt:    time.Now().UTC(),
	}, nil
}

func severityColor(s notification.Severity) string {
	switch s {
	case notification.SeverityCritical:
		return "#c0392b"
	case notification.SeverityError:
		return "#e74c3c"
	case notification.SeverityWarning:
		return "#f39c12"
	default:
		return "#2980b9"
	}
}

func htmlBody(msg notification.Message) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; margin: 0; padding: 16px;">
  <div style="border-left: 4px solid %s; padding: 12px 16px; background: #f8f9fa;">
    <h2 style="margin: 0 0 8px; color: %s;">%s</h2>
    <p style="margin: 0; white-space: pre-line;">%s</p>
  </div>
  <p style="color: #7f8c8d; font-size: 12px; margin-top: 16px;">
    severity: %s &middot; notification: %s
  </p>
</body>
</html>`,
		severityColor(msg.Severity), severityColor(msg.Severity),
		msg.Title, msg.Content, msg.Severity, msg.ID)
}
