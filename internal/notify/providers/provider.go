package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/zanewnch/aiot-scheduler/internal/domain/alert"
	"github.com/zanewnch/aiot-scheduler/internal/domain/notification"
)

var (
	ErrInvalidConfig      = errors.New("invalid provider config")
	ErrChannelUnsupported = errors.New("no provider for channel")
)

// Provider is one concrete notification channel. Implementations keep their
// own clients; the engine only drives the capability set.
type Provider interface {
	Channel() notification.Channel
	Initialize(ctx context.Context) error
	ValidateConfig() error
	Send(ctx context.Context, msg notification.Message, a *alert.Alert) (notification.SendResult, error)
	Cleanup(ctx context.Context) error
}

// Registry maps channels to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[notification.Channel]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[notification.Channel]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Channel()] = p
}

func (r *Registry) Lookup(ch notification.Channel) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[ch]
	return p, ok
}

func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// InitializeAll validates and initializes every registered provider,
// dropping the ones that fail so one bad channel never blocks the rest.
func (r *Registry) InitializeAll(ctx context.Context) map[notification.Channel]error {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures := make(map[notification.Channel]error)
	for ch, p := range r.providers {
		if err := p.ValidateConfig(); err != nil {
			failures[ch] = err
			delete(r.providers, ch)
			continue
		}
		if err := p.Initialize(ctx); err != nil {
			failures[ch] = err
			delete(r.providers, ch)
		}
	}
	return failures
}

func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.providers {
		_ = p.Cleanup(ctx)
	}
}
