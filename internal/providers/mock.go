package providers

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/google/uuid"
)

// MockProvider simulates a payment network for local development and tests.
type MockProvider struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	timeoutRate float64 // 0.0 to 1.0
	latency     time.Duration
	autoCapture bool
	declineCode string
}

type MockProviderOption func(*MockProvider)

func WithFailureRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.failureRate = rate }
}

func WithTimeoutRate(rate float64) MockProviderOption {
	return func(p *MockProvider) { p.timeoutRate = rate }
}

func WithLatency(d time.Duration) MockProviderOption {
	return func(p *MockProvider) { p.latency = d }
}

// WithDeclineCode makes every payment decline with the given code.
func WithDeclineCode(code string) MockProviderOption {
	return func(p *MockProvider) { p.declineCode = code }
}

func NewMockProvider(name string, opts ...MockProviderOption) *MockProvider {
	p := &MockProvider{
		name:    name,
		latency: 50 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockProvider) Name() string { return p.name }

func (p *MockProvider) simulate(ctx context.Context) error {
	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domainErrors.ErrProviderTimeout, ctx.Err())
	}
	if rand.Float64() < p.timeoutRate {
		return domainErrors.ErrProviderTimeout
	}
	if rand.Float64() < p.failureRate {
		return domainErrors.ErrProviderUnavailable
	}
	return nil
}

func (p *MockProvider) ref(prefix string) string {
	return fmt.Sprintf("%s_%s_%s", p.name, prefix, uuid.New().String()[:8])
}

func (p *MockProvider) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Result, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}
	if p.declineCode != "" {
		return &Result{
			Status:       StatusDeclined,
			DeclineCode:  p.declineCode,
			ErrorMessage: fmt.Sprintf("%s: simulated decline", p.name),
		}, nil
	}
	status := StatusAuthorized
	if req.AutoCapture {
		status = StatusCaptured
	}
	return &Result{
		Success:     true,
		Reference:   p.ref("txn"),
		Status:      status,
		AmountMinor: req.AmountMinor,
		AuthCode:    uuid.New().String()[:6],
	}, nil
}

func (p *MockProvider) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Success:     true,
		Reference:   req.Reference,
		Status:      StatusCaptured,
		AmountMinor: req.AmountMinor,
	}, nil
}

func (p *MockProvider) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}
	return &Result{
		Success:     true,
		Reference:   p.ref("refund"),
		Status:      StatusRefunded,
		AmountMinor: req.AmountMinor,
	}, nil
}

func (p *MockProvider) Cancel(ctx context.Context, req CancelRequest) (*Result, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}
	return &Result{Success: true, Reference: req.Reference, Status: StatusCanceled}, nil
}

func (p *MockProvider) CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (*Result, error) {
	return p.CreatePayment(ctx, req.CreatePaymentRequest)
}

func (p *MockProvider) CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (*Result, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}
	return &Result{Success: true, Reference: p.ref("setup"), Status: StatusPending}, nil
}

func (p *MockProvider) CreateConnectionToken(ctx context.Context, req ConnectionTokenRequest) (string, error) {
	if err := p.simulate(ctx); err != nil {
		return "", err
	}
	return p.ref("conn"), nil
}

func (p *MockProvider) PairTerminal(ctx context.Context, req PairTerminalRequest) (*Result, error) {
	if err := p.simulate(ctx); err != nil {
		return nil, err
	}
	return &Result{Success: true, Reference: p.ref("term"), Status: StatusPending}, nil
}

// VerifyWebhookSignature accepts any non-empty signature.
func (p *MockProvider) VerifyWebhookSignature(payload []byte, signature string) error {
	if signature == "" {
		return domainErrors.ErrInvalidSignature
	}
	return nil
}

func (p *MockProvider) ParseWebhookEvent(eventType string, payload []byte) (*WebhookEvent, error) {
	return &WebhookEvent{
		Kind:          WebhookKind(eventType),
		ProviderEvent: eventType,
		Raw:           string(payload),
	}, nil
}
