package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

type WebhookConfig struct {
	URL           string
	Method        string // POST or PUT
	Headers       map[string]string
	Timeout       time.Duration
	SkipTLSVerify bool
	RetryAttempts int
	RetryDelay    time.Duration
	Environment   string
}

// WebhookProvider POSTs a JSON envelope to a configured endpoint with a
// linear-backoff retry loop. 2xx is success, everything else retries.
type WebhookProvider struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhookProvider(cfg WebhookConfig) *WebhookProvider {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}

	return &WebhookProvider{cfg: cfg}
}

func (p *WebhookProvider) Channel() notification.Channel {
	return notification.ChannelWebhook
}

func (p *WebhookProvider) ValidateConfig() error {
	if p.cfg.URL == "" {
		return fmt.Errorf("%w: webhook url required", ErrInvalidConfig)
	}

	u, err := url.Parse(p.cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: webhook url %s", ErrInvalidConfig, MaskURL(p.cfg.URL))
	}

	if p.cfg.Method != http.MethodPost && p.cfg.Method != http.MethodPut {
		return fmt.Errorf("%w: method %s not allowed", ErrInvalidConfig, p.cfg.Method)
	}
	return nil
}

func (p *WebhookProvider) Initialize(ctx context.Context) error {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: p.cfg.SkipTLSVerify},
	}

	p.client = &http.Client{
		Timeout:   p.cfg.Timeout,
		Transport: transport,
	}
	return nil
}

func (p *WebhookProvider) Cleanup(ctx context.Context) error {
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	return nil
}

type webhookEnvelope struct {
	Notification notification.Message `json:"notification"`
	Alert        *alert.Alert         `json:"alert,omitempty"`
	System       webhookSystem        `json:"system"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
	Webhook      webhookInfo          `json:"webhook"`
}

type webhookSystem struct {
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
	Hostname    string    `json:"hostname"`
}

type webhookInfo struct {
	Version string `json:"version"`
	Format  string `json:"format"`
	Charset string `json:"charset"`
}

func (p *WebhookProvider) Send(ctx context.Context, msg notification.Message, a *alert.Alert) (notification.SendResult, error) {
	if p.client == nil {
		return notification.SendResult{}, fmt.Errorf("webhook provider not initialized")
	}

	hostname, _ := os.Hostname()

	body, err := json.Marshal(webhookEnvelope{
		Notification: msg,
		Alert:        a,
		System: webhookSystem{
			Service:     "aiot-scheduler",
			Environment: p.cfg.Environment,
			Timestamp:   time.Now().UTC(),
			Hostname:    hostname,
		},
		Metadata: msg.Metadata,
		Webhook: webhookInfo{
			Version: "1.0",
			Format:  "json",
			Charset: "utf-8",
		},
	})
	if err != nil {
		return notification.SendResult{}, fmt.Errorf("marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			// linear backoff: delay, 2*delay, 3*delay ...
			wait := time.Duration(attempt-1) * p.cfg.RetryDelay
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return notification.SendResult{}, ctx.Err()
			}
		}

		result, err := p.post(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		slog.Default().WarnContext(ctx, "webhook.send_attempt_failed",
			"url", MaskURL(p.cfg.URL),
			"attempt", attempt,
			"max_attempts", p.cfg.RetryAttempts,
			"err", err,
		)
	}

	return notification.SendResult{
		Success: false,
		SentAt:  time.Now().UTC(),
		Error:   lastErr.Error(),
	}, lastErr
}

func (p *WebhookProvider) post(ctx context.Context, body []byte) (notification.SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return notification.SendResult{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "aiot-scheduler-webhook/1.0")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return notification.SendResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return notification.SendResult{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return notification.SendResult{
		Success:  true,
		SentAt:   time.Now().UTC(),
		Response: string(respBody),
	}, nil
}

// MaskURL strips credentials and the query string for logging.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	// url.User would percent-escape the mask, so credentials are dropped and
	// the literal mask is spliced back in after the scheme separator
	hadUser := u.User != nil
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "***"
	}

	s := u.String()
	if hadUser {
		s = strings.Replace(s, "//", "//***@", 1)
	}
	return s
}

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"x-auth-token":  true,
	"cookie":        true,
}

// RedactHeaders replaces sensitive header values before they hit a log line.
func RedactHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = "***"
			continue
		}
		out[k] = v
	}
	return out
}
