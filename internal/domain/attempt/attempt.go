package attempt

import (
	"fmt"
	"strings"
	"time"

	"github.com/tablestack/payproc/internal/domain/errors"
)

// Status represents the attempt status in the state machine
type Status string

const (
	StatusRequiresAction Status = "requires_action"
	StatusPending        Status = "pending"
	StatusAuthorized     Status = "authorized"
	StatusCaptured       Status = "captured"
	StatusVoided         Status = "voided"
	StatusRefunded       Status = "refunded"
	StatusFailed         Status = "failed"
	StatusDisputed       Status = "disputed"
)

// Key identifies one payment attempt: one actor, one durable record.
type Key struct {
	OrgID    string
	Provider string
	IntentID string
}

// String renders the durable storage key.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.OrgID, k.Provider, k.IntentID)
}

// Validate checks that all key components are present.
func (k Key) Validate() error {
	if k.OrgID == "" {
		return errors.NewValidationError("org_id", "cannot be empty")
	}
	if k.Provider == "" {
		return errors.NewValidationError("provider", "cannot be empty")
	}
	if k.IntentID == "" {
		return errors.NewValidationError("intent_id", "cannot be empty")
	}
	return nil
}

// Event is one entry in the append-only attempt audit log.
type Event struct {
	At          time.Time      `json:"at"`
	Type        string         `json:"type"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// SplitType classifies a split allocation.
type SplitType string

const (
	SplitCommission SplitType = "commission"
	SplitTransfer   SplitType = "transfer"
)

// SplitAllocation routes part of an authorization to a sub-account.
type SplitAllocation struct {
	SubAccount  string    `json:"sub_account"`
	AmountMinor int64     `json:"amount_minor"`
	Type        SplitType `json:"type"`
	Reference   string    `json:"reference,omitempty"`
}

// Attempt is the durable state of one payment-processing lifecycle.
// All amounts are integer minor currency units.
type Attempt struct {
	Key              Key               `json:"key"`
	Status           Status            `json:"status"`
	RequestedAmount  int64             `json:"requested_amount"`
	AuthorizedAmount int64             `json:"authorized_amount"`
	CapturedAmount   int64             `json:"captured_amount"`
	RefundedAmount   int64             `json:"refunded_amount"`
	Currency         string            `json:"currency"`
	ProviderRef      string            `json:"provider_ref,omitempty"`
	AuthCode         string            `json:"auth_code,omitempty"`
	RetryCount       int               `json:"retry_count"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty"`
	LastErrorCode    string            `json:"last_error_code,omitempty"`
	LastErrorMessage string            `json:"last_error_message,omitempty"`
	IdempotencyKeys  map[string]string `json:"idempotency_keys"`
	Splits           []SplitAllocation `json:"splits,omitempty"`
	Events           []Event           `json:"events"`
	Version          int64             `json:"version"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CapturedAt       *time.Time        `json:"captured_at,omitempty"`
}

// New creates a fresh attempt for its actor key. The attempt starts in
// pending: it only exists once the first Authorize call arrives.
func New(key Key, amountMinor int64, currency string) (*Attempt, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if amountMinor <= 0 {
		return nil, errors.NewValidationError("amount", "must be greater than 0")
	}
	if len(currency) != 3 {
		return nil, errors.NewValidationError("currency", "must be a 3-letter ISO code")
	}

	now := time.Now().UTC()
	return &Attempt{
		Key:             key,
		Status:          StatusPending,
		RequestedAmount: amountMinor,
		Currency:        strings.ToUpper(currency),
		IdempotencyKeys: make(map[string]string),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// CanTransitionTo checks if the attempt can move to the given status.
func (a *Attempt) CanTransitionTo(newStatus Status) bool {
	transitions := map[Status][]Status{
		StatusPending: {
			StatusRequiresAction,
			StatusAuthorized,
			StatusCaptured, // auto-capture settles immediately
			StatusFailed,
		},
		StatusRequiresAction: {
			StatusAuthorized,
			StatusCaptured,
			StatusFailed,
		},
		StatusAuthorized: {
			StatusCaptured,
			StatusVoided,
			StatusFailed,
		},
		StatusCaptured: {
			StatusRefunded,
			StatusDisputed,
		},
		StatusVoided:   {}, // Terminal state
		StatusRefunded: {}, // Terminal state
		StatusFailed:   {}, // Terminal state
		StatusDisputed: {}, // Terminal state
	}

	allowed, exists := transitions[a.Status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo moves the attempt to a new status.
func (a *Attempt) TransitionTo(newStatus Status) error {
	if !a.CanTransitionTo(newStatus) {
		return errors.NewDomainError(
			errors.CodeInvalidState,
			"cannot transition from "+string(a.Status)+" to "+string(newStatus),
			errors.ErrInvalidStateTransition,
		)
	}
	a.Status = newStatus
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// IsTerminal checks if the attempt is in a terminal state. Terminal attempts
// are read-only apart from event-log appends from late webhooks.
func (a *Attempt) IsTerminal() bool {
	switch a.Status {
	case StatusVoided, StatusRefunded, StatusFailed, StatusDisputed:
		return true
	}
	return false
}

// AppendEvent adds an entry to the audit log and bumps the version.
// The log is append-only: this runs even when no status change results,
// so duplicate webhook deliveries still leave a trace.
func (a *Attempt) AppendEvent(eventType, providerRef string, payload map[string]any) {
	a.Events = append(a.Events, Event{
		At:          time.Now().UTC(),
		Type:        eventType,
		ProviderRef: providerRef,
		Payload:     payload,
	})
	a.Version++
	a.UpdatedAt = time.Now().UTC()
}

// MarkActionRequired records that the provider demands shopper interaction
// (3-D Secure, redirect) before authorization completes.
func (a *Attempt) MarkActionRequired(providerRef string) error {
	if err := a.TransitionTo(StatusRequiresAction); err != nil {
		return err
	}
	a.ProviderRef = providerRef
	return nil
}

// MarkAuthorized records a completed authorization for the full requested amount.
func (a *Attempt) MarkAuthorized(providerRef, authCode string) error {
	if err := a.TransitionTo(StatusAuthorized); err != nil {
		return err
	}
	a.ProviderRef = providerRef
	a.AuthCode = authCode
	a.AuthorizedAmount = a.RequestedAmount
	return nil
}

// MarkCaptured records a capture of the given amount. From pending it is an
// auto-capture settlement, so the authorized amount is set alongside.
func (a *Attempt) MarkCaptured(providerRef string, amountMinor int64) error {
	if a.Status == StatusPending || a.Status == StatusRequiresAction {
		// Provider settled in one round-trip.
		a.AuthorizedAmount = a.RequestedAmount
	}
	if amountMinor > a.AuthorizedAmount {
		return errors.NewDomainError(
			errors.CodeAmountTooLarge,
			fmt.Sprintf("capture %d exceeds authorized %d", amountMinor, a.AuthorizedAmount),
			errors.ErrAmountTooLarge,
		)
	}
	if err := a.TransitionTo(StatusCaptured); err != nil {
		return err
	}
	if providerRef != "" {
		a.ProviderRef = providerRef
	}
	a.CapturedAmount = amountMinor
	now := time.Now().UTC()
	a.CapturedAt = &now
	return nil
}

// ApplyRefund adds a refund to the running total. The attempt stays captured
// on partial refunds and transitions to refunded once fully refunded.
func (a *Attempt) ApplyRefund(amountMinor int64) error {
	if a.Status != StatusCaptured {
		return errors.NewDomainError(
			errors.CodeInvalidState,
			"cannot refund attempt in status "+string(a.Status),
			errors.ErrInvalidStateTransition,
		)
	}
	if amountMinor <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if amountMinor > a.CapturedAmount-a.RefundedAmount {
		return errors.NewDomainError(
			errors.CodeAmountTooLarge,
			fmt.Sprintf("refund %d exceeds remaining captured %d", amountMinor, a.CapturedAmount-a.RefundedAmount),
			errors.ErrAmountTooLarge,
		)
	}
	a.RefundedAmount += amountMinor
	a.UpdatedAt = time.Now().UTC()
	if a.RefundedAmount >= a.CapturedAmount {
		return a.TransitionTo(StatusRefunded)
	}
	return nil
}

// MarkVoided cancels an authorization that was never captured.
func (a *Attempt) MarkVoided() error {
	if a.Status != StatusAuthorized {
		return errors.NewDomainError(
			errors.CodeInvalidState,
			"cannot void attempt in status "+string(a.Status),
			errors.ErrInvalidStateTransition,
		)
	}
	if err := a.TransitionTo(StatusVoided); err != nil {
		return err
	}
	a.AuthorizedAmount = 0
	return nil
}

// MarkDisputed records a chargeback. Dispute resolution belongs to an
// external collaborator; for this actor the state is terminal.
func (a *Attempt) MarkDisputed() error {
	if a.Status != StatusCaptured {
		return errors.NewDomainError(
			errors.CodeInvalidState,
			"cannot dispute attempt in status "+string(a.Status),
			errors.ErrInvalidStateTransition,
		)
	}
	return a.TransitionTo(StatusDisputed)
}

// MarkFailed records a permanent failure.
func (a *Attempt) MarkFailed(code, message string) error {
	if err := a.TransitionTo(StatusFailed); err != nil {
		return err
	}
	a.LastErrorCode = code
	a.LastErrorMessage = message
	return nil
}

// RecordTransientFailure notes a retryable error and when the next retry
// becomes eligible. It does not change status.
func (a *Attempt) RecordTransientFailure(code, message string, nextRetryAt time.Time) {
	a.RetryCount++
	a.NextRetryAt = &nextRetryAt
	a.LastErrorCode = code
	a.LastErrorMessage = message
	a.UpdatedAt = time.Now().UTC()
}

// SetSplits attaches the split-allocation list, validating that the
// allocations do not exceed the requested amount.
func (a *Attempt) SetSplits(splits []SplitAllocation) error {
	var total int64
	for _, s := range splits {
		if s.AmountMinor <= 0 {
			return errors.NewValidationError("splits", "allocation amounts must be greater than 0")
		}
		if s.SubAccount == "" {
			return errors.NewValidationError("splits", "sub_account cannot be empty")
		}
		total += s.AmountMinor
	}
	if total > a.RequestedAmount {
		return errors.NewDomainError(
			errors.CodeAmountTooLarge,
			fmt.Sprintf("split total %d exceeds requested %d", total, a.RequestedAmount),
			errors.ErrAmountTooLarge,
		)
	}
	a.Splits = splits
	return nil
}
