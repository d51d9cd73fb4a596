package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
	"github.com/zanewnch/aiot-scheduler/internal/kv"
	"github.com/zanewnch/aiot-scheduler/internal/notify/providers"
	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

type Config struct {
	MaxRetries   int
	ProcessEvery time.Duration
	QueueTTL     time.Duration
	HistoryCap   int64
}

// Engine turns alerts into outbound notifications: rule match, cooldown,
// template render, queue, per-channel delivery with retries. One drain runs
// at a time; items inside a drain go out sequentially.
type Engine struct {
	cfg       Config
	rules     []notification.Rule
	templates *TemplateStore
	registry  *providers.Registry
	kvc       *kv.Client
	prom      *observability.Prom

	mu     sync.Mutex
	queue  []notification.Message
	alerts map[string]alert.Alert // alertId -> alert, for provider payloads
	stats  notification.Stats

	isProcessing atomic.Bool
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
}

func NewEngine(cfg Config, rules []notification.Rule, templates *TemplateStore, registry *providers.Registry, kvc *kv.Client, prom *observability.Prom) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ProcessEvery <= 0 {
		cfg.ProcessEvery = 5 * time.Second
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = 24 * time.Hour
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 1000
	}

	return &Engine{
		cfg:       cfg,
		rules:     rules,
		templates: templates,
		registry:  registry,
		kvc:       kvc,
		prom:      prom,
		alerts:    make(map[string]alert.Alert),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	failures := e.registry.InitializeAll(ctx)
	for ch, err := range failures {
		slog.Default().WarnContext(ctx, "notify.provider_disabled",
			"channel", ch,
			"err", err,
		)
	}

	e.restoreQueue(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.run(loopCtx)

	slog.Default().InfoContext(ctx, "notify.engine_start",
		"rules", len(e.rules),
		"process_every", e.cfg.ProcessEvery.String(),
	)
	return nil
}

// restoreQueue reloads whatever the previous process persisted on shutdown.
func (e *Engine) restoreQueue(ctx context.Context) {
	var persisted []notification.Message
	err := e.kvc.GetJSON(ctx, kv.KeyNotificationQueue, &persisted)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Default().WarnContext(ctx, "notify.queue_restore_failed", "err", err)
		}
		return
	}

	if len(persisted) == 0 {
		return
	}

	e.mu.Lock()
	e.queue = append(e.queue, persisted...)
	e.mu.Unlock()

	_ = e.kvc.Delete(ctx, kv.KeyNotificationQueue)

	slog.Default().InfoContext(ctx, "notify.queue_restored", "count", len(persisted))
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	t := time.NewTicker(e.cfg.ProcessEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.processQueue(ctx)
		}
	}
}

// Shutdown stops the tick, waits out an in-flight drain, persists the queue
// and cleans up providers.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// wait for a drain that was already past the ticker
	for e.isProcessing.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	e.mu.Lock()
	pending := make([]notification.Message, len(e.queue))
	copy(pending, e.queue)
	e.mu.Unlock()

	if len(pending) > 0 {
		if err := e.kvc.SetJSON(ctx, kv.KeyNotificationQueue, pending, e.cfg.QueueTTL); err != nil {
			slog.Default().ErrorContext(ctx, "notify.queue_persist_failed", "err", err)
		} else {
			slog.Default().InfoContext(ctx, "notify.queue_persisted", "count", len(pending))
		}
	}

	e.registry.CleanupAll(ctx)
	return nil
}

// SendAlertNotification is the entry point the monitoring collector calls
// for every raised alert.
func (e *Engine) SendAlertNotification(ctx context.Context, a alert.Alert) error {
	now := time.Now()

	for _, rule := range e.rules {
		if !MatchRule(rule, a, now) {
			continue
		}

		cooldownKey := kv.CooldownKey(rule.ID, string(a.Type))
		active, err := e.kvc.CooldownActive(ctx, cooldownKey)
		if err != nil {
			// a dead cache must not silence alerts; proceed without cooldown
			slog.Default().WarnContext(ctx, "notify.cooldown_check_failed",
				"rule_id", rule.ID,
				"err", err,
			)
		}
		if active {
			slog.Default().InfoContext(ctx, "notify.cooldown_suppressed",
				"rule_id", rule.ID,
				"alert_type", a.Type,
			)
			continue
		}

		enqueued := 0
		for _, target := range rule.Notifications {
			if e.enqueue(ctx, rule, target, a) {
				enqueued++
			}
		}

		if enqueued > 0 && rule.CooldownPeriod > 0 {
			ttl := time.Duration(rule.CooldownPeriod) * time.Second
			if _, err := e.kvc.SetCooldown(ctx, cooldownKey, ttl); err != nil {
				slog.Default().WarnContext(ctx, "notify.cooldown_set_failed",
					"rule_id", rule.ID,
					"err", err,
				)
			}
		}
	}
	return nil
}

func (e *Engine) enqueue(ctx context.Context, rule notification.Rule, target notification.Target, a alert.Alert) bool {
	sev := MapSeverity(a.Severity)

	tmpl, ok := e.templates.Resolve(target.TemplateID, target.Channel, sev)
	if !ok {
		slog.Default().WarnContext(ctx, "notify.no_template",
			"rule_id", rule.ID,
			"channel", target.Channel,
			"severity", sev,
		)
		return false
	}

	msg := notification.NewMessage(target.Channel, sev, target.Recipients, e.cfg.MaxRetries)
	msg.Title, msg.Content = Render(tmpl, a)
	msg.AlertID = a.ID
	msg.Metadata = map[string]string{
		"ruleId":    rule.ID,
		"alertType": string(a.Type),
	}

	if err := e.kvc.SetJSON(ctx, kv.NotificationKey(msg.ID), msg, e.cfg.QueueTTL); err != nil {
		slog.Default().WarnContext(ctx, "notify.message_store_failed",
			"notification_id", msg.ID,
			"err", err,
		)
	}

	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.alerts[a.ID] = a
	e.mu.Unlock()

	slog.Default().InfoContext(ctx, "notify.enqueued",
		"notification_id", msg.ID,
		"rule_id", rule.ID,
		"channel", target.Channel,
		"alert_id", a.ID,
	)
	return true
}

// Enqueue pushes a hand-built message, bypassing rules and cooldowns. Used
// by the test-send endpoint.
func (e *Engine) Enqueue(ctx context.Context, msg notification.Message) {
	if err := e.kvc.SetJSON(ctx, kv.NotificationKey(msg.ID), msg, e.cfg.QueueTTL); err != nil {
		slog.Default().WarnContext(ctx, "notify.message_store_failed",
			"notification_id", msg.ID,
			"err", err,
		)
	}

	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
}

// processQueue drains eligible items. The isProcessing flag serializes
// drains; a tick landing mid-drain is dropped, not queued.
func (e *Engine) processQueue(ctx context.Context) {
	if !e.isProcessing.CompareAndSwap(false, true) {
		return
	}
	defer e.isProcessing.Store(false)

	e.mu.Lock()
	batch := make([]notification.Message, 0, len(e.queue))
	for _, m := range e.queue {
		if m.Status == notification.StatusPending ||
			(m.Status == notification.StatusFailed && m.RetryCount < m.MaxRetries) {
			batch = append(batch, m)
		}
	}
	e.mu.Unlock()

	for _, m := range batch {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.deliver(ctx, m)
	}
}

func (e *Engine) deliver(ctx context.Context, msg notification.Message) {
	provider, ok := e.registry.Lookup(msg.Channel)
	if !ok {
		msg.Status = notification.StatusFailed
		msg.Error = providers.ErrChannelUnsupported.Error()
		msg.RetryCount = msg.MaxRetries
		e.finalize(ctx, msg, false)
		return
	}

	msg.Status = notification.StatusSending
	msg.UpdatedAt = time.Now().UTC()
	e.persist(ctx, msg)
	e.updateQueued(msg)

	e.mu.Lock()
	var alertPtr *alert.Alert
	if a, ok := e.alerts[msg.AlertID]; ok {
		alertPtr = &a
	}
	e.mu.Unlock()

	result, err := provider.Send(ctx, msg, alertPtr)
	if err == nil && result.Success {
		msg.Status = notification.StatusSent
		msg.UpdatedAt = time.Now().UTC()
		e.finalize(ctx, msg, true)

		slog.Default().InfoContext(ctx, "notify.sent",
			"notification_id", msg.ID,
			"channel", msg.Channel,
			"provider_message_id", result.MessageID,
		)
		return
	}

	msg.RetryCount++
	msg.Status = notification.StatusFailed
	if err != nil {
		msg.Error = err.Error()
	} else {
		msg.Error = result.Error
	}
	msg.UpdatedAt = time.Now().UTC()

	if msg.RetryCount >= msg.MaxRetries {
		e.finalize(ctx, msg, false)

		slog.Default().ErrorContext(ctx, "notify.gave_up",
			"notification_id", msg.ID,
			"channel", msg.Channel,
			"retries", msg.RetryCount,
			"err", msg.Error,
		)
		return
	}

	e.persist(ctx, msg)
	e.updateQueued(msg)

	slog.Default().WarnContext(ctx, "notify.send_failed",
		"notification_id", msg.ID,
		"channel", msg.Channel,
		"retry_count", msg.RetryCount,
		"max_retries", msg.MaxRetries,
		"err", msg.Error,
	)
}

func (e *Engine) persist(ctx context.Context, msg notification.Message) {
	if err := e.kvc.SetJSON(ctx, kv.NotificationKey(msg.ID), msg, e.cfg.QueueTTL); err != nil {
		slog.Default().WarnContext(ctx, "notify.message_store_failed",
			"notification_id", msg.ID,
			"err", err,
		)
	}
}

func (e *Engine) updateQueued(msg notification.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.queue {
		if e.queue[i].ID == msg.ID {
			e.queue[i] = msg
			return
		}
	}
}

// finalize archives a message to history, updates stats and drops it from
// the queue.
func (e *Engine) finalize(ctx context.Context, msg notification.Message, sent bool) {
	e.persist(ctx, msg)

	if err := e.kvc.PushCapped(ctx, kv.KeyNotifyHistory, msg, e.cfg.HistoryCap); err != nil {
		slog.Default().WarnContext(ctx, "notify.history_store_failed",
			"notification_id", msg.ID,
			"err", err,
		)
	}

	e.mu.Lock()
	e.stats.Total++
	if sent {
		e.stats.Sent++
	} else {
		e.stats.Failed++
	}

	for i := range e.queue {
		if e.queue[i].ID == msg.ID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if e.prom != nil {
		result := "sent"
		if !sent {
			result = "failed"
		}
		e.prom.NotificationsSent.WithLabelValues(string(msg.Channel), result).Inc()
	}
}

func (e *Engine) Stats() notification.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// History returns the newest entries from the capped archive.
func (e *Engine) History(ctx context.Context, limit int64) ([]notification.Message, error) {
	if limit <= 0 || limit > e.cfg.HistoryCap {
		limit = e.cfg.HistoryCap
	}

	var out []notification.Message
	err := e.kvc.ListJSON(ctx, kv.KeyNotifyHistory, limit, func(b []byte) error {
		var m notification.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProviderHealth reports which channels have a live provider.
func (e *Engine) ProviderHealth() map[notification.Channel]bool {
	out := make(map[notification.Channel]bool)
	for _, ch := range []notification.Channel{
		notification.ChannelEmail,
		notification.ChannelWebhook,
		notification.ChannelSlack,
		notification.ChannelSMS,
	} {
		_, ok := e.registry.Lookup(ch)
		out[ch] = ok
	}
	return out
}
