package attempt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablestack/payproc/internal/domain/attempt"
	"github.com/tablestack/payproc/internal/domain/errors"
)

func validKey() attempt.Key {
	return attempt.Key{OrgID: "org-1", Provider: "cardstream", IntentID: "pi-1"}
}

func newAttempt(t *testing.T) *attempt.Attempt {
	t.Helper()
	a, err := attempt.New(validKey(), 5000, "USD")
	require.NoError(t, err)
	return a
}

func TestNew_Valid(t *testing.T) {
	a := newAttempt(t)
	assert.Equal(t, attempt.StatusPending, a.Status)
	assert.Equal(t, int64(5000), a.RequestedAmount)
	assert.Equal(t, "USD", a.Currency)
	assert.Equal(t, int64(0), a.Version)
	assert.NotNil(t, a.IdempotencyKeys)
	assert.Empty(t, a.Events)
}

func TestNew_LowercaseCurrencyUppercased(t *testing.T) {
	a, err := attempt.New(validKey(), 100, "eur")
	require.NoError(t, err)
	assert.Equal(t, "EUR", a.Currency)
}

func TestNew_InvalidInputs(t *testing.T) {
	tests := []struct {
		name     string
		key      attempt.Key
		amount   int64
		currency string
	}{
		{"zero amount", validKey(), 0, "USD"},
		{"negative amount", validKey(), -100, "USD"},
		{"short currency", validKey(), 100, "US"},
		{"missing org", attempt.Key{Provider: "cardstream", IntentID: "pi-1"}, 100, "USD"},
		{"missing provider", attempt.Key{OrgID: "org-1", IntentID: "pi-1"}, 100, "USD"},
		{"missing intent", attempt.Key{OrgID: "org-1", Provider: "cardstream"}, 100, "USD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := attempt.New(tt.key, tt.amount, tt.currency)
			assert.Error(t, err)
		})
	}
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "org-1:cardstream:pi-1", validKey().String())
}

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    attempt.Status
		to      attempt.Status
		allowed bool
	}{
		{attempt.StatusPending, attempt.StatusRequiresAction, true},
		{attempt.StatusPending, attempt.StatusAuthorized, true},
		{attempt.StatusPending, attempt.StatusCaptured, true},
		{attempt.StatusPending, attempt.StatusFailed, true},
		{attempt.StatusPending, attempt.StatusRefunded, false},
		{attempt.StatusRequiresAction, attempt.StatusAuthorized, true},
		{attempt.StatusRequiresAction, attempt.StatusVoided, false},
		{attempt.StatusAuthorized, attempt.StatusCaptured, true},
		{attempt.StatusAuthorized, attempt.StatusVoided, true},
		{attempt.StatusAuthorized, attempt.StatusRefunded, false},
		{attempt.StatusCaptured, attempt.StatusRefunded, true},
		{attempt.StatusCaptured, attempt.StatusDisputed, true},
		{attempt.StatusCaptured, attempt.StatusVoided, false},
		{attempt.StatusVoided, attempt.StatusAuthorized, false},
		{attempt.StatusRefunded, attempt.StatusCaptured, false},
		{attempt.StatusFailed, attempt.StatusPending, false},
		{attempt.StatusDisputed, attempt.StatusCaptured, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			a := newAttempt(t)
			a.Status = tt.from
			assert.Equal(t, tt.allowed, a.CanTransitionTo(tt.to))
		})
	}
}

func TestTransitionTo_Invalid(t *testing.T) {
	a := newAttempt(t)
	a.Status = attempt.StatusVoided
	err := a.TransitionTo(attempt.StatusCaptured)
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
}

func TestIsTerminal(t *testing.T) {
	terminal := []attempt.Status{
		attempt.StatusVoided, attempt.StatusRefunded, attempt.StatusFailed, attempt.StatusDisputed,
	}
	for _, s := range terminal {
		a := newAttempt(t)
		a.Status = s
		assert.True(t, a.IsTerminal(), string(s))
	}
	for _, s := range []attempt.Status{attempt.StatusPending, attempt.StatusRequiresAction, attempt.StatusAuthorized, attempt.StatusCaptured} {
		a := newAttempt(t)
		a.Status = s
		assert.False(t, a.IsTerminal(), string(s))
	}
}

func TestAppendEvent_BumpsVersion(t *testing.T) {
	a := newAttempt(t)
	v := a.Version

	a.AppendEvent("authorization.completed", "txn-1", map[string]any{"amount_minor": int64(5000)})
	require.Len(t, a.Events, 1)
	assert.Equal(t, v+1, a.Version)
	assert.Equal(t, "authorization.completed", a.Events[0].Type)
	assert.Equal(t, "txn-1", a.Events[0].ProviderRef)

	// Appending without a status change still bumps the version.
	a.AppendEvent("webhook.capture_completed", "txn-1", map[string]any{"outcome": "ignored"})
	assert.Equal(t, v+2, a.Version)
	assert.Len(t, a.Events, 2)
}

func TestMarkAuthorized(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	assert.Equal(t, attempt.StatusAuthorized, a.Status)
	assert.Equal(t, "txn-1", a.ProviderRef)
	assert.Equal(t, "AUTH9", a.AuthCode)
	assert.Equal(t, a.RequestedAmount, a.AuthorizedAmount)
}

func TestMarkCaptured_FromAuthorized(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkCaptured("txn-1", 5000))
	assert.Equal(t, attempt.StatusCaptured, a.Status)
	assert.Equal(t, int64(5000), a.CapturedAmount)
	require.NotNil(t, a.CapturedAt)
}

func TestMarkCaptured_AutoCaptureFromPending(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkCaptured("txn-1", 5000))
	assert.Equal(t, attempt.StatusCaptured, a.Status)
	// A single round-trip settlement implies the authorization.
	assert.Equal(t, int64(5000), a.AuthorizedAmount)
	assert.Equal(t, int64(5000), a.CapturedAmount)
}

func TestMarkCaptured_PartialAmount(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkCaptured("txn-1", 3000))
	assert.Equal(t, int64(3000), a.CapturedAmount)
	assert.Equal(t, int64(5000), a.AuthorizedAmount)
}

func TestMarkCaptured_ExceedsAuthorized(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	err := a.MarkCaptured("txn-1", 6000)
	assert.ErrorIs(t, err, errors.ErrAmountTooLarge)
	assert.Equal(t, attempt.StatusAuthorized, a.Status)
}

func TestApplyRefund_PartialThenFull(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkCaptured("txn-1", 5000))

	require.NoError(t, a.ApplyRefund(2000))
	assert.Equal(t, attempt.StatusCaptured, a.Status)
	assert.Equal(t, int64(2000), a.RefundedAmount)

	require.NoError(t, a.ApplyRefund(3000))
	assert.Equal(t, attempt.StatusRefunded, a.Status)
	assert.Equal(t, int64(5000), a.RefundedAmount)
}

func TestApplyRefund_ExceedsRemaining(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkCaptured("txn-1", 5000))
	require.NoError(t, a.ApplyRefund(4000))

	err := a.ApplyRefund(2000)
	assert.ErrorIs(t, err, errors.ErrAmountTooLarge)
	assert.Equal(t, int64(4000), a.RefundedAmount)
}

func TestApplyRefund_WrongStatus(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	err := a.ApplyRefund(1000)
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
}

func TestMarkVoided(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkVoided())
	assert.Equal(t, attempt.StatusVoided, a.Status)
	assert.Equal(t, int64(0), a.AuthorizedAmount)
}

func TestMarkVoided_AfterCapture(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkCaptured("txn-1", 5000))
	err := a.MarkVoided()
	assert.ErrorIs(t, err, errors.ErrInvalidStateTransition)
}

func TestMarkDisputed(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkAuthorized("txn-1", "AUTH9"))
	require.NoError(t, a.MarkCaptured("txn-1", 5000))
	require.NoError(t, a.MarkDisputed())
	assert.Equal(t, attempt.StatusDisputed, a.Status)
}

func TestMarkFailed(t *testing.T) {
	a := newAttempt(t)
	require.NoError(t, a.MarkFailed("card_declined", "insufficient funds"))
	assert.Equal(t, attempt.StatusFailed, a.Status)
	assert.Equal(t, "card_declined", a.LastErrorCode)
	assert.Equal(t, "insufficient funds", a.LastErrorMessage)
}

func TestRecordTransientFailure(t *testing.T) {
	a := newAttempt(t)
	next := time.Now().UTC().Add(2 * time.Second)
	a.RecordTransientFailure("timeout", "context deadline exceeded", next)
	assert.Equal(t, attempt.StatusPending, a.Status)
	assert.Equal(t, 1, a.RetryCount)
	require.NotNil(t, a.NextRetryAt)
	assert.Equal(t, next, *a.NextRetryAt)
	assert.Equal(t, "timeout", a.LastErrorCode)
}

func TestSetSplits(t *testing.T) {
	a := newAttempt(t)
	splits := []attempt.SplitAllocation{
		{SubAccount: "acct-a", AmountMinor: 3000, Type: attempt.SplitTransfer},
		{SubAccount: "acct-b", AmountMinor: 1000, Type: attempt.SplitCommission},
	}
	require.NoError(t, a.SetSplits(splits))
	assert.Len(t, a.Splits, 2)
}

func TestSetSplits_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		splits []attempt.SplitAllocation
	}{
		{"total exceeds requested", []attempt.SplitAllocation{
			{SubAccount: "acct-a", AmountMinor: 4000, Type: attempt.SplitTransfer},
			{SubAccount: "acct-b", AmountMinor: 2000, Type: attempt.SplitCommission},
		}},
		{"zero allocation", []attempt.SplitAllocation{
			{SubAccount: "acct-a", AmountMinor: 0, Type: attempt.SplitTransfer},
		}},
		{"missing sub account", []attempt.SplitAllocation{
			{AmountMinor: 1000, Type: attempt.SplitTransfer},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAttempt(t)
			assert.Error(t, a.SetSplits(tt.splits))
		})
	}
}
