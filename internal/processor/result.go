package processor

import (
	"context"

	"github.com/tablestack/payproc/internal/domain/attempt"
	"github.com/tablestack/payproc/internal/providers"
)

// OperationResult is the uniform shape every mutating operation returns,
// regardless of which provider sits behind the attempt. Precondition
// violations and provider declines come back as typed failures here, never
// as raised errors.
type OperationResult struct {
	Success       bool                  `json:"success"`
	TransactionID string                `json:"transaction_id,omitempty"`
	AuthCode      string                `json:"auth_code,omitempty"`
	Status        attempt.Status        `json:"status"`
	Code          string                `json:"code,omitempty"`
	Message       string                `json:"message,omitempty"`
	NextAction    *providers.NextAction `json:"next_action,omitempty"`
}

// AuthorizeParams is the input to Authorize.
type AuthorizeParams struct {
	AmountMinor        int64
	Currency           string
	PaymentMethodToken string
	AutoCapture        bool
	Metadata           map[string]string
	Splits             []attempt.SplitAllocation
}

// Locker serializes one attempt key across process instances. Within one
// instance the actor mailbox already serializes; the lock is the tie-break
// when a webhook and a synchronous call race on different instances.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// NopLocker is used when the deployment runs a single instance.
type NopLocker struct{}

func (NopLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	return fn()
}
