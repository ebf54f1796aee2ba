package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tablestack/payproc/internal/breaker"
	"github.com/tablestack/payproc/internal/domain/attempt"
	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/infrastructure/observability"
	"github.com/tablestack/payproc/internal/intent"
	"github.com/tablestack/payproc/internal/providers"
)

// Manager owns the actor map: one Processor per attempt key, spawned
// lazily and cached. Different attempts run fully in parallel; the breaker
// is the only mutable state they share.
type Manager struct {
	store    attempt.Store
	factory  *providers.Factory
	breaker  *breaker.Breaker
	notifier intent.Notifier
	locker   Locker
	logger   zerolog.Logger
	metrics  *observability.Metrics
	cfg      Config

	mu     sync.Mutex
	actors map[string]*Processor
	closed bool
}

// NewManager creates a Manager.
func NewManager(
	store attempt.Store,
	factory *providers.Factory,
	brk *breaker.Breaker,
	notifier intent.Notifier,
	locker Locker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Manager {
	if notifier == nil {
		notifier = intent.NopNotifier{}
	}
	if locker == nil {
		locker = NopLocker{}
	}
	return &Manager{
		store:    store,
		factory:  factory,
		breaker:  brk,
		notifier: notifier,
		locker:   locker,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		actors:   make(map[string]*Processor),
	}
}

// Processor returns the actor for a key, spawning it on first use.
func (m *Manager) Processor(key attempt.Key) (*Processor, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	provider, err := m.factory.Get(key.Provider)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("manager closed")
	}
	if p, ok := m.actors[key.String()]; ok {
		return p, nil
	}
	p := New(key, m.store, provider, m.breaker, m.notifier, m.locker, m.logger, m.metrics, m.cfg)
	m.actors[key.String()] = p
	if m.metrics != nil {
		m.metrics.ActiveActors.Set(float64(len(m.actors)))
	}
	return p, nil
}

// RouteWebhook finds the attempt a normalized webhook event belongs to and
// dispatches it to the owning actor.
func (m *Manager) RouteWebhook(ctx context.Context, orgID, providerName string, event *providers.WebhookEvent) error {
	a, err := m.store.FindByProviderRef(ctx, orgID, providerName, event.Reference)
	if err != nil {
		return fmt.Errorf("locate attempt for ref %q: %w", event.Reference, err)
	}
	p, err := m.Processor(a.Key)
	if err != nil {
		return err
	}
	return p.HandleWebhook(ctx, event)
}

// CreateSetupIntent vaults a payment method with the provider. Stateless
// pass-through: no attempt is involved, but the circuit still gates it.
func (m *Manager) CreateSetupIntent(ctx context.Context, orgID, providerName string, req providers.SetupIntentRequest) (*providers.Result, error) {
	provider, err := m.factory.Get(providerName)
	if err != nil {
		return nil, err
	}
	bkey := breaker.Key{Provider: providerName, OrgID: orgID}
	if m.breaker.IsOpen(bkey) {
		return nil, domainErrors.ErrCircuitOpen
	}
	res, err := provider.CreateSetupIntent(ctx, req)
	if err != nil {
		m.breaker.RecordFailure(bkey)
		return nil, fmt.Errorf("create setup intent: %w", err)
	}
	m.breaker.RecordSuccess(bkey)
	return res, nil
}

// CreateConnectionToken issues a terminal connection token.
func (m *Manager) CreateConnectionToken(ctx context.Context, orgID, providerName string, req providers.ConnectionTokenRequest) (string, error) {
	provider, err := m.factory.Get(providerName)
	if err != nil {
		return "", err
	}
	bkey := breaker.Key{Provider: providerName, OrgID: orgID}
	if m.breaker.IsOpen(bkey) {
		return "", domainErrors.ErrCircuitOpen
	}
	token, err := provider.CreateConnectionToken(ctx, req)
	if err != nil {
		m.breaker.RecordFailure(bkey)
		return "", fmt.Errorf("create connection token: %w", err)
	}
	m.breaker.RecordSuccess(bkey)
	return token, nil
}

// PairTerminal registers a physical terminal with the provider.
func (m *Manager) PairTerminal(ctx context.Context, orgID, providerName string, req providers.PairTerminalRequest) (*providers.Result, error) {
	provider, err := m.factory.Get(providerName)
	if err != nil {
		return nil, err
	}
	bkey := breaker.Key{Provider: providerName, OrgID: orgID}
	if m.breaker.IsOpen(bkey) {
		return nil, domainErrors.ErrCircuitOpen
	}
	res, err := provider.PairTerminal(ctx, req)
	if err != nil {
		m.breaker.RecordFailure(bkey)
		return nil, fmt.Errorf("pair terminal: %w", err)
	}
	m.breaker.RecordSuccess(bkey)
	return res, nil
}

// Close drains and stops every actor.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	actors := make([]*Processor, 0, len(m.actors))
	for _, p := range m.actors {
		actors = append(actors, p)
	}
	m.mu.Unlock()

	for _, p := range actors {
		p.Close()
	}
}
