// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tablestack/payproc/internal/domain/attempt"
	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/providers"
)

// MemoryStore is an in-memory attempt.Store honoring the same optimistic
// concurrency contract as the PostgreSQL implementation.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]*attempt.Attempt

	// SaveErr, when set, is returned by the next Save call and cleared.
	SaveErr error

	// SaveCount tracks the number of successful Save calls.
	SaveCount int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{attempts: make(map[string]*attempt.Attempt)}
}

func (s *MemoryStore) Load(ctx context.Context, key attempt.Key) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[key.String()]
	if !ok {
		return nil, domainErrors.ErrAttemptNotFound
	}
	return clone(a), nil
}

func (s *MemoryStore) Save(ctx context.Context, a *attempt.Attempt, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SaveErr != nil {
		err := s.SaveErr
		s.SaveErr = nil
		return err
	}

	stored, exists := s.attempts[a.Key.String()]
	if expectedVersion == 0 {
		if exists {
			return domainErrors.ErrVersionConflict
		}
	} else {
		if !exists {
			return domainErrors.ErrAttemptNotFound
		}
		if stored.Version != expectedVersion {
			return domainErrors.ErrVersionConflict
		}
	}

	s.attempts[a.Key.String()] = clone(a)
	s.SaveCount++
	return nil
}

func (s *MemoryStore) FindByProviderRef(ctx context.Context, orgID, provider, ref string) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.attempts {
		if a.Key.OrgID == orgID && a.Key.Provider == provider && a.ProviderRef == ref {
			return clone(a), nil
		}
	}
	return nil, domainErrors.ErrAttemptNotFound
}

// Put seeds an attempt directly, bypassing version checks.
func (s *MemoryStore) Put(a *attempt.Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.Key.String()] = clone(a)
}

// Get returns the stored attempt, or nil when absent.
func (s *MemoryStore) Get(key attempt.Key) *attempt.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[key.String()]
	if !ok {
		return nil
	}
	return clone(a)
}

func clone(a *attempt.Attempt) *attempt.Attempt {
	raw, err := json.Marshal(a)
	if err != nil {
		panic(fmt.Sprintf("clone attempt: %v", err))
	}
	var out attempt.Attempt
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("clone attempt: %v", err))
	}
	if out.IdempotencyKeys == nil {
		out.IdempotencyKeys = make(map[string]string)
	}
	return &out
}

// StubProvider is a providers.Provider whose behavior is scripted per call
// through function fields. Unset fields succeed with generic results.
type StubProvider struct {
	ProviderName string

	CreatePaymentFn      func(ctx context.Context, req providers.CreatePaymentRequest) (*providers.Result, error)
	CaptureFn            func(ctx context.Context, req providers.CaptureRequest) (*providers.Result, error)
	RefundFn             func(ctx context.Context, req providers.RefundRequest) (*providers.Result, error)
	CancelFn             func(ctx context.Context, req providers.CancelRequest) (*providers.Result, error)
	CreateSplitPaymentFn func(ctx context.Context, req providers.SplitPaymentRequest) (*providers.Result, error)
	ParseWebhookFn       func(eventType string, payload []byte) (*providers.WebhookEvent, error)
	VerifySignatureFn    func(payload []byte, signature string) error

	mu    sync.Mutex
	calls []string
	// IdempotencyKeys records the key carried by each mutating call, in order.
	IdempotencyKeys []string
}

func (p *StubProvider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "stub"
}

func (p *StubProvider) record(op, idemKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	p.IdempotencyKeys = append(p.IdempotencyKeys, idemKey)
}

// Calls returns the operations invoked so far, in order.
func (p *StubProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *StubProvider) CreatePayment(ctx context.Context, req providers.CreatePaymentRequest) (*providers.Result, error) {
	p.record("create_payment", req.IdempotencyKey)
	if p.CreatePaymentFn != nil {
		return p.CreatePaymentFn(ctx, req)
	}
	return &providers.Result{
		Success:     true,
		Reference:   "ref_" + req.IdempotencyKey,
		Status:      providers.StatusAuthorized,
		AmountMinor: req.AmountMinor,
		AuthCode:    "AUTH1",
	}, nil
}

func (p *StubProvider) Capture(ctx context.Context, req providers.CaptureRequest) (*providers.Result, error) {
	p.record("capture", req.IdempotencyKey)
	if p.CaptureFn != nil {
		return p.CaptureFn(ctx, req)
	}
	return &providers.Result{
		Success:     true,
		Reference:   req.Reference,
		Status:      providers.StatusCaptured,
		AmountMinor: req.AmountMinor,
	}, nil
}

func (p *StubProvider) Refund(ctx context.Context, req providers.RefundRequest) (*providers.Result, error) {
	p.record("refund", req.IdempotencyKey)
	if p.RefundFn != nil {
		return p.RefundFn(ctx, req)
	}
	return &providers.Result{
		Success:     true,
		Reference:   req.Reference,
		Status:      providers.StatusRefunded,
		AmountMinor: req.AmountMinor,
	}, nil
}

func (p *StubProvider) Cancel(ctx context.Context, req providers.CancelRequest) (*providers.Result, error) {
	p.record("cancel", req.IdempotencyKey)
	if p.CancelFn != nil {
		return p.CancelFn(ctx, req)
	}
	return &providers.Result{
		Success:   true,
		Reference: req.Reference,
		Status:    providers.StatusCanceled,
	}, nil
}

func (p *StubProvider) CreateSplitPayment(ctx context.Context, req providers.SplitPaymentRequest) (*providers.Result, error) {
	p.record("create_split_payment", req.IdempotencyKey)
	if p.CreateSplitPaymentFn != nil {
		return p.CreateSplitPaymentFn(ctx, req)
	}
	return &providers.Result{
		Success:     true,
		Reference:   "ref_" + req.IdempotencyKey,
		Status:      providers.StatusAuthorized,
		AmountMinor: req.AmountMinor,
		AuthCode:    "AUTH1",
	}, nil
}

func (p *StubProvider) CreateSetupIntent(ctx context.Context, req providers.SetupIntentRequest) (*providers.Result, error) {
	p.record("create_setup_intent", req.IdempotencyKey)
	return &providers.Result{Success: true, Reference: "seti_1", Status: providers.StatusAuthorized}, nil
}

func (p *StubProvider) CreateConnectionToken(ctx context.Context, req providers.ConnectionTokenRequest) (string, error) {
	p.record("create_connection_token", "")
	return "ct_token", nil
}

func (p *StubProvider) PairTerminal(ctx context.Context, req providers.PairTerminalRequest) (*providers.Result, error) {
	p.record("pair_terminal", req.IdempotencyKey)
	return &providers.Result{Success: true, Reference: "tmr_1", Status: providers.StatusAuthorized}, nil
}

func (p *StubProvider) VerifyWebhookSignature(payload []byte, signature string) error {
	if p.VerifySignatureFn != nil {
		return p.VerifySignatureFn(payload, signature)
	}
	return nil
}

func (p *StubProvider) ParseWebhookEvent(eventType string, payload []byte) (*providers.WebhookEvent, error) {
	if p.ParseWebhookFn != nil {
		return p.ParseWebhookFn(eventType, payload)
	}
	return &providers.WebhookEvent{Kind: providers.KindUnknown, ProviderEvent: eventType, Raw: string(payload)}, nil
}

// RecordingNotifier captures intent notifications for assertions.
type RecordingNotifier struct {
	mu             sync.Mutex
	Authorizations []string
	Captures       []string
}

func (n *RecordingNotifier) AuthorizationCompleted(ctx context.Context, intentID, providerRef, authCode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Authorizations = append(n.Authorizations, intentID)
}

func (n *RecordingNotifier) CaptureCompleted(ctx context.Context, intentID, providerRef string, capturedAmount int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Captures = append(n.Captures, intentID)
}
