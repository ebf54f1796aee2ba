// Package providers defines the normalized contract every external payment
// network implements. Provider-specific status vocabularies and monetary
// shapes are translated to the normalized types here and nowhere else: the
// processor state machine never sees a provider-specific string.
package providers

import (
	"context"
)

// Status is the normalized outcome vocabulary shared by all providers.
type Status string

const (
	StatusActionRequired Status = "action_required"
	StatusPending        Status = "pending"
	StatusAuthorized     Status = "authorized"
	StatusCaptured       Status = "captured"
	StatusRefunded       Status = "refunded"
	StatusCanceled       Status = "canceled"
	StatusDeclined       Status = "declined"
	StatusFailed         Status = "failed"
)

// NextAction describes the shopper interaction required to complete an
// authorization (3-D Secure challenge, redirect).
type NextAction struct {
	Type         string `json:"type"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Result is the normalized outcome of any provider call. A business decline
// is a successful round-trip: Success=false with a DeclineCode, no error.
type Result struct {
	Success      bool
	Reference    string
	Status       Status
	AmountMinor  int64
	AuthCode     string
	NextAction   *NextAction
	DeclineCode  string
	ErrorMessage string
}

// Split routes part of a payment to a sub-account (marketplace settlements).
type Split struct {
	SubAccount  string
	AmountMinor int64
	Type        string
	Reference   string
}

// CreatePaymentRequest starts an authorization, optionally settling
// immediately when AutoCapture is set.
type CreatePaymentRequest struct {
	IdempotencyKey     string
	AmountMinor        int64
	Currency           string
	PaymentMethodToken string
	AutoCapture        bool
	Metadata           map[string]string
}

// CaptureRequest settles a previously authorized payment.
type CaptureRequest struct {
	IdempotencyKey string
	Reference      string
	AmountMinor    int64
	Currency       string
}

// RefundRequest returns captured funds.
type RefundRequest struct {
	IdempotencyKey string
	Reference      string
	AmountMinor    int64
	Currency       string
	Reason         string
}

// CancelRequest voids an uncaptured authorization.
type CancelRequest struct {
	IdempotencyKey string
	Reference      string
	Reason         string
}

// SplitPaymentRequest is a CreatePaymentRequest with marketplace splits.
type SplitPaymentRequest struct {
	CreatePaymentRequest
	Splits []Split
}

// SetupIntentRequest vaults a payment method for later off-session use.
// Actual PCI vaulting happens provider-side; only the reference comes back.
type SetupIntentRequest struct {
	IdempotencyKey     string
	CustomerRef        string
	PaymentMethodToken string
}

// ConnectionTokenRequest issues a short-lived token a physical terminal
// uses to talk to the provider.
type ConnectionTokenRequest struct {
	LocationRef string
}

// PairTerminalRequest registers a physical terminal at a location.
type PairTerminalRequest struct {
	IdempotencyKey   string
	RegistrationCode string
	Label            string
	LocationRef      string
}

// WebhookKind is the normalized webhook event vocabulary.
type WebhookKind string

const (
	KindAuthorizationCompleted WebhookKind = "authorization_completed"
	KindCaptureCompleted       WebhookKind = "capture_completed"
	KindPaymentFailed          WebhookKind = "payment_failed"
	KindRefundCompleted        WebhookKind = "refund_completed"
	KindChargebackCreated      WebhookKind = "chargeback_created"
	KindUnknown                WebhookKind = "unknown"
)

// WebhookEvent is a provider notification normalized for the processor.
type WebhookEvent struct {
	Kind          WebhookKind
	Reference     string
	AmountMinor   int64
	ProviderEvent string
	Raw           string
}

// Provider is the normalized interface each external payment network
// implements. Every remote call accepts a context for timeout/cancellation;
// mutating calls carry an idempotency key the provider deduplicates on.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// CreatePayment authorizes (and with AutoCapture, settles) a payment.
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Result, error)

	// Capture settles an authorized payment.
	Capture(ctx context.Context, req CaptureRequest) (*Result, error)

	// Refund returns captured funds.
	Refund(ctx context.Context, req RefundRequest) (*Result, error)

	// Cancel voids an uncaptured authorization.
	Cancel(ctx context.Context, req CancelRequest) (*Result, error)

	// CreateSplitPayment authorizes a payment with marketplace splits.
	CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (*Result, error)

	// CreateSetupIntent vaults a payment method for later use.
	CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (*Result, error)

	// CreateConnectionToken issues a terminal connection token.
	CreateConnectionToken(ctx context.Context, req ConnectionTokenRequest) (string, error)

	// PairTerminal registers a physical terminal.
	PairTerminal(ctx context.Context, req PairTerminalRequest) (*Result, error)

	// VerifyWebhookSignature checks an inbound webhook signature before any
	// payload is trusted.
	VerifyWebhookSignature(payload []byte, signature string) error

	// ParseWebhookEvent translates a provider webhook into the normalized
	// event vocabulary.
	ParseWebhookEvent(eventType string, payload []byte) (*WebhookEvent, error)
}
