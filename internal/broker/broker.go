package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zanewnch/aiot-scheduler/internal/observability"
)

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrClosed       = errors.New("broker closed")
)

type Config struct {
	URL                  string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	Prefetch             int
}

// Adapter owns the AMQP connection and the publisher channel. No other
// component holds a channel handle; consumers get per-subscription channels
// managed here.
type Adapter struct {
	cfg  Config
	prom *observability.Prom

	mu        sync.RWMutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	connected bool
	closed    bool

	reconnected chan struct{}
}

func New(cfg Config, prom *observability.Prom) *Adapter {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}

	return &Adapter{
		cfg:         cfg,
		prom:        prom,
		reconnected: make(chan struct{}, 1),
	}
}

// Connect dials the broker, opens the publisher channel in confirm mode and
// declares the topology. Safe to call once at startup; reconnects after that
// are driven by the close watcher.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}

	if err := a.dialLocked(); err != nil {
		return err
	}

	go a.watchClose(a.conn)
	return nil
}

func (a *Adapter) dialLocked() error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("broker confirm mode: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return fmt.Errorf("broker topology: %w", err)
	}

	a.conn = conn
	a.pubCh = ch
	a.connected = true
	return nil
}

func (a *Adapter) watchClose(conn *amqp.Connection) {
	errCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	amqpErr := <-errCh

	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.connected = false
	a.mu.Unlock()

	if amqpErr != nil {
		slog.Default().Error("broker.connection_lost", "err", amqpErr)
	}

	a.reconnectLoop()
}

// reconnectLoop retries with a linear delay up to the attempt cap. While it
// runs, Publish fails fast with ErrNotConnected. Topology is re-declared
// before the reconnected signal fires.
func (a *Adapter) reconnectLoop() {
	for attempt := 1; attempt <= a.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * a.cfg.ReconnectDelay)

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}

		err := a.dialLocked()
		if err != nil {
			a.mu.Unlock()
			slog.Default().Warn("broker.reconnect_failed",
				"attempt", attempt,
				"max_attempts", a.cfg.MaxReconnectAttempts,
				"err", err,
			)
			continue
		}

		conn := a.conn
		a.mu.Unlock()

		go a.watchClose(conn)

		if a.prom != nil {
			a.prom.BrokerReconnects.Inc()
		}
		slog.Default().Info("broker.reconnected", "attempt", attempt)

		// non-blocking: the coordinator drains this to re-subscribe consumers
		select {
		case a.reconnected <- struct{}{}:
		default:
		}
		return
	}

	slog.Default().Error("broker.reconnect_exhausted",
		"attempts", a.cfg.MaxReconnectAttempts,
	)
}

// Reconnected signals after each successful reconnect, once topology is back.
func (a *Adapter) Reconnected() <-chan struct{} {
	return a.reconnected
}

func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false

	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

type PublishOptions struct {
	Priority     uint8
	Persistent   bool
	ExpirationMs int64
	DelayMs      int64
	MessageID    string
	Type         string
	RetryCount   int
	MaxRetries   int
	Headers      amqp.Table
}

// Publish writes one message. delayMs > 0 routes through the delayed
// exchange with the x-delay header. Returns false (with nil error) when the
// broker nacks the confirm; that is back-pressure, retrying is the caller's
// decision.
func (a *Adapter) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) (bool, error) {
	a.mu.RLock()
	ch := a.pubCh
	connected := a.connected
	a.mu.RUnlock()

	if !connected || ch == nil {
		return false, ErrNotConnected
	}

	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers["retryCount"] = int32(opts.RetryCount)
	headers["maxRetries"] = int32(opts.MaxRetries)

	if opts.DelayMs > 0 {
		headers["x-delay"] = opts.DelayMs
		exchange = ExchangeDelayed
	}

	deliveryMode := amqp.Persistent
	if !opts.Persistent {
		deliveryMode = amqp.Transient
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode,
		Priority:     opts.Priority,
		MessageId:    opts.MessageID,
		Type:         opts.Type,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	if opts.ExpirationMs > 0 {
		pub.Expiration = fmt.Sprintf("%d", opts.ExpirationMs)
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, pub)
	if err != nil {
		if a.prom != nil {
			a.prom.PublishFailures.WithLabelValues(routingKey, "channel_write").Inc()
		}
		return false, fmt.Errorf("broker publish: %w", err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("broker confirm: %w", err)
	}
	if !acked {
		if a.prom != nil {
			a.prom.PublishFailures.WithLabelValues(routingKey, "nack").Inc()
		}
		slog.Default().WarnContext(ctx, "broker.publish_nacked",
			"routing_key", routingKey,
			"message_id", opts.MessageID,
		)
	}
	return acked, nil
}

// QueueDepth reports the current message count of a declared queue.
func (a *Adapter) QueueDepth(ctx context.Context, queueName string) (int, error) {
	a.mu.RLock()
	ch := a.pubCh
	connected := a.connected
	a.mu.RUnlock()

	if !connected || ch == nil {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueInspect(queueName)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queueName, err)
	}
	return q.Messages, nil
}

// Handler processes one decoded delivery. Ack/nack exactly once; escaping
// errors are handled by the consume loop's header-driven policy.
type Handler func(ctx context.Context, body []byte, ack func() error, nack func(requeue bool) error) error

type ConsumeOptions struct {
	Prefetch  int
	Exclusive bool
}

// Consume opens a dedicated channel on queueName and dispatches deliveries
// to handler until ctx is cancelled or the channel dies. Consumers do not
// survive a reconnect; the owner re-subscribes on Reconnected().
func (a *Adapter) Consume(ctx context.Context, queueName string, handler Handler, opts ConsumeOptions) error {
	a.mu.RLock()
	conn := a.conn
	connected := a.connected
	a.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker consume channel: %w", err)
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = a.cfg.Prefetch
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("broker qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queueName, "", false, opts.Exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("broker consume %s: %w", queueName, err)
	}

	go func() {
		defer ch.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				a.dispatch(ctx, queueName, d, handler)
			}
		}
	}()

	return nil
}

func (a *Adapter) dispatch(ctx context.Context, queueName string, d amqp.Delivery, handler Handler) {
	var done bool

	ack := func() error {
		done = true
		return d.Ack(false)
	}
	nack := func(requeue bool) error {
		done = true
		return d.Nack(false, requeue)
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, d.Body, ack, nack)
	}()

	if err == nil {
		return
	}

	slog.Default().ErrorContext(ctx, "broker.handler_error",
		"queue", queueName,
		"message_id", d.MessageId,
		"err", err,
	)

	if done {
		return
	}

	// escaping errors: requeue while the message has retries left,
	// dead-letter otherwise
	retryCount := headerInt(d.Headers, "retryCount")
	maxRetries := headerInt(d.Headers, "maxRetries")

	if maxRetries > 0 && retryCount >= maxRetries {
		_ = d.Nack(false, false)
		return
	}
	_ = d.Nack(false, true)
}

func headerInt(h amqp.Table, key string) int {
	v, ok := h[key]
	if !ok {
		return 0
	}

	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
