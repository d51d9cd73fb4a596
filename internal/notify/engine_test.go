package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
	"github.com/zanewnch/aiot-scheduler/internal/notify/providers"
)

type fakeProvider struct {
	channel notification.Channel
	fail    bool

	mu    sync.Mutex
	sends []notification.Message
}

func (f *fakeProvider) Channel() notification.Channel        { return f.channel }
func (f *fakeProvider) Initialize(ctx context.Context) error { return nil }
func (f *fakeProvider) ValidateConfig() error                { return nil }
func (f *fakeProvider) Cleanup(ctx context.Context) error    { return nil }

func (f *fakeProvider) Send(ctx context.Context, msg notification.Message, a *alert.Alert) (notification.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, msg)
	f.mu.Unlock()

	if f.fail {
		return notification.SendResult{}, errors.New("provider down")
	}
	return notification.SendResult{Success: true, MessageID: "prov-1", SentAt: time.Now().UTC()}, nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func testKV(t *testing.T) *kv.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewFromClient(rdb)
}

func cpuWarningRule(cooldownSecs int) notification.Rule {
	return notification.Rule{
		ID:      "cpu_warn",
		Enabled: true,
		Conditions: notification.Conditions{
			AlertTypes: []string{"cpu"},
			Severities: []notification.Severity{notification.SeverityWarning},
		},
		Notifications: []notification.Target{
			{Channel: notification.ChannelWebhook},
		},
		CooldownPeriod: cooldownSecs,
	}
}

func cpuAlert() alert.Alert {
	return alert.Alert{
		ID:        "alert-1",
		Type:      alert.TypeCPU,
		Severity:  alert.SeverityWarning,
		Message:   "cpu at 75%",
		Value:     75,
		Threshold: 70,
		Timestamp: time.Now().UTC(),
	}
}

func newTestEngine(t *testing.T, kvc *kv.Client, provider providers.Provider, rules []notification.Rule, maxRetries int) *Engine {
	t.Helper()

	registry := providers.NewRegistry()
	if provider != nil {
		registry.Register(provider)
	}

	return NewEngine(Config{MaxRetries: maxRetries},
		rules, NewTemplateStore(nil), registry, kvc, nil)
}

func TestEngine_EnqueueAndSend(t *testing.T) {
	kvc := testKV(t)
	provider := &fakeProvider{channel: notification.ChannelWebhook}
	e := newTestEngine(t, kvc, provider, []notification.Rule{cpuWarningRule(300)}, 3)

	if err := e.SendAlertNotification(context.Background(), cpuAlert()); err != nil {
		t.Fatalf("SendAlertNotification error: %v", err)
	}

	if n := e.QueueLength(); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	e.processQueue(context.Background())

	if got := provider.sendCount(); got != 1 {
		t.Fatalf("provider sends = %d, want 1", got)
	}
	if n := e.QueueLength(); n != 0 {
		t.Fatalf("queue length after drain = %d, want 0", n)
	}

	stats := e.Stats()
	if stats.Total != 1 || stats.Sent != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want total=1 sent=1", stats)
	}

	history, err := e.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Status != notification.StatusSent {
		t.Fatalf("history status = %s, want sent", history[0].Status)
	}
}

func TestEngine_CooldownSuppressesSecondAlert(t *testing.T) {
	kvc := testKV(t)
	provider := &fakeProvider{channel: notification.ChannelWebhook}
	e := newTestEngine(t, kvc, provider, []notification.Rule{cpuWarningRule(300)}, 3)

	if err := e.SendAlertNotification(context.Background(), cpuAlert()); err != nil {
		t.Fatalf("first alert: %v", err)
	}

	second := cpuAlert()
	second.ID = "alert-2"
	if err := e.SendAlertNotification(context.Background(), second); err != nil {
		t.Fatalf("second alert: %v", err)
	}

	if n := e.QueueLength(); n != 1 {
		t.Fatalf("cooldown failed: queue length = %d, want 1", n)
	}
}

func TestEngine_RenderedContentCarriesAlertFields(t *testing.T) {
	kvc := testKV(t)
	provider := &fakeProvider{channel: notification.ChannelWebhook}
	e := newTestEngine(t, kvc, provider, []notification.Rule{cpuWarningRule(300)}, 3)

	_ = e.SendAlertNotification(context.Background(), cpuAlert())
	e.processQueue(context.Background())

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(provider.sends))
	}

	sent := provider.sends[0]
	if sent.Title != "[warning] cpu alert" {
		t.Fatalf("rendered title = %q", sent.Title)
	}
	if sent.AlertID != "alert-1" {
		t.Fatalf("alertId = %q, want alert-1", sent.AlertID)
	}
}

func TestEngine_RetriesThenGivesUp(t *testing.T) {
	kvc := testKV(t)
	provider := &fakeProvider{channel: notification.ChannelWebhook, fail: true}
	e := newTestEngine(t, kvc, provider, []notification.Rule{cpuWarningRule(300)}, 3)

	_ = e.SendAlertNotification(context.Background(), cpuAlert())

	// three drains burn the three attempts; the fourth finds nothing
	for i := 0; i < 4; i++ {
		e.processQueue(context.Background())
	}

	if got := provider.sendCount(); got != 3 {
		t.Fatalf("provider attempts = %d, want exactly 3", got)
	}

	stats := e.Stats()
	if stats.Total != 1 || stats.Failed != 1 || stats.Sent != 0 {
		t.Fatalf("stats = %+v, want total=1 failed=1", stats)
	}

	history, err := e.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(history) != 1 || history[0].Status != notification.StatusFailed {
		t.Fatalf("history = %+v, want one failed entry", history)
	}
	if n := e.QueueLength(); n != 0 {
		t.Fatalf("exhausted message still queued (len %d)", n)
	}
}

func TestEngine_NoProviderFinalizesFailed(t *testing.T) {
	kvc := testKV(t)
	e := newTestEngine(t, kvc, nil, []notification.Rule{cpuWarningRule(300)}, 3)

	_ = e.SendAlertNotification(context.Background(), cpuAlert())
	e.processQueue(context.Background())

	stats := e.Stats()
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want failed=1", stats)
	}
	if n := e.QueueLength(); n != 0 {
		t.Fatalf("unroutable message still queued (len %d)", n)
	}
}

func TestEngine_DisabledRuleNeverMatches(t *testing.T) {
	kvc := testKV(t)
	provider := &fakeProvider{channel: notification.ChannelWebhook}

	rule := cpuWarningRule(300)
	rule.Enabled = false
	e := newTestEngine(t, kvc, provider, []notification.Rule{rule}, 3)

	_ = e.SendAlertNotification(context.Background(), cpuAlert())

	if n := e.QueueLength(); n != 0 {
		t.Fatalf("disabled rule enqueued %d messages", n)
	}
}

func TestEngine_TestSendBypassesRules(t *testing.T) {
	kvc := testKV(t)
	provider := &fakeProvider{channel: notification.ChannelWebhook}
	e := newTestEngine(t, kvc, provider, nil, 3)

	msg := notification.NewMessage(notification.ChannelWebhook, notification.SeverityInfo, nil, 3)
	msg.Title = "Test"
	msg.Content = "test body"

	e.Enqueue(context.Background(), msg)
	e.processQueue(context.Background())

	if got := provider.sendCount(); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
}
