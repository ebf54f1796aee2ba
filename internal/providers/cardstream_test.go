package providers_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/providers"
)

// fakeTransport returns a canned response and records the request.
type fakeTransport struct {
	response []byte
	err      error

	method         string
	path           string
	idempotencyKey string
	body           any
}

func (t *fakeTransport) Do(ctx context.Context, method, path, idempotencyKey string, body any) ([]byte, error) {
	t.method = method
	t.path = path
	t.idempotencyKey = idempotencyKey
	t.body = body
	if t.err != nil {
		return nil, t.err
	}
	return t.response, nil
}

func TestCardstream_CreatePayment_Authorized(t *testing.T) {
	transport := &fakeTransport{response: []byte(`{
		"id": "pi_123",
		"status": "requires_capture",
		"amount": 5000,
		"currency": "usd",
		"authorization_code": "AUTH42"
	}`)}
	cs := providers.NewCardstream(transport, "secret")

	res, err := cs.CreatePayment(context.Background(), providers.CreatePaymentRequest{
		IdempotencyKey:     "idem-1",
		AmountMinor:        5000,
		Currency:           "USD",
		PaymentMethodToken: "pm_1",
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, providers.StatusAuthorized, res.Status)
	assert.Equal(t, "pi_123", res.Reference)
	assert.Equal(t, "AUTH42", res.AuthCode)
	assert.Equal(t, int64(5000), res.AmountMinor)
	assert.Equal(t, "idem-1", transport.idempotencyKey)
	assert.Equal(t, "/v1/payment_intents", transport.path)
}

func TestCardstream_StatusNormalization(t *testing.T) {
	tests := []struct {
		csStatus string
		want     providers.Status
		success  bool
	}{
		{"requires_action", providers.StatusActionRequired, true},
		{"requires_capture", providers.StatusAuthorized, true},
		{"succeeded", providers.StatusCaptured, true},
		{"processing", providers.StatusPending, true},
		{"canceled", providers.StatusCanceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.csStatus, func(t *testing.T) {
			payload, _ := json.Marshal(map[string]any{"id": "pi_1", "status": tt.csStatus, "amount": 100})
			cs := providers.NewCardstream(&fakeTransport{response: payload}, "secret")

			res, err := cs.CreatePayment(context.Background(), providers.CreatePaymentRequest{AmountMinor: 100, Currency: "USD"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.success, res.Success)
		})
	}
}

func TestCardstream_CreatePayment_Declined(t *testing.T) {
	transport := &fakeTransport{response: []byte(`{
		"id": "pi_9",
		"status": "requires_payment_method",
		"last_payment_error": {
			"type": "card_error",
			"code": "card_declined",
			"decline_code": "insufficient_funds",
			"message": "Your card has insufficient funds."
		}
	}`)}
	cs := providers.NewCardstream(transport, "secret")

	res, err := cs.CreatePayment(context.Background(), providers.CreatePaymentRequest{AmountMinor: 100, Currency: "USD"})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, providers.StatusDeclined, res.Status)
	assert.Equal(t, "insufficient_funds", res.DeclineCode)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestCardstream_NextActionPropagated(t *testing.T) {
	transport := &fakeTransport{response: []byte(`{
		"id": "pi_3ds",
		"status": "requires_action",
		"amount": 100,
		"next_action": {
			"type": "redirect_to_url",
			"redirect_to_url": {"url": "https://hooks.cardstream.test/3ds"}
		}
	}`)}
	cs := providers.NewCardstream(transport, "secret")

	res, err := cs.CreatePayment(context.Background(), providers.CreatePaymentRequest{AmountMinor: 100, Currency: "USD"})
	require.NoError(t, err)

	assert.Equal(t, providers.StatusActionRequired, res.Status)
	require.NotNil(t, res.NextAction)
	assert.Equal(t, "redirect_to_url", res.NextAction.Type)
	assert.Equal(t, "https://hooks.cardstream.test/3ds", res.NextAction.RedirectURL)
}

func TestCardstream_TransportErrorPropagates(t *testing.T) {
	cs := providers.NewCardstream(&fakeTransport{err: domainErrors.ErrProviderUnavailable}, "secret")
	_, err := cs.CreatePayment(context.Background(), providers.CreatePaymentRequest{AmountMinor: 100, Currency: "USD"})
	assert.ErrorIs(t, err, domainErrors.ErrProviderUnavailable)
}

func TestCardstream_Capture_UsesReferencePath(t *testing.T) {
	transport := &fakeTransport{response: []byte(`{"id": "pi_123", "status": "succeeded", "amount": 3000}`)}
	cs := providers.NewCardstream(transport, "secret")

	res, err := cs.Capture(context.Background(), providers.CaptureRequest{
		IdempotencyKey: "idem-cap",
		Reference:      "pi_123",
		AmountMinor:    3000,
		Currency:       "USD",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "/v1/payment_intents/pi_123/capture", transport.path)
	assert.Equal(t, "idem-cap", transport.idempotencyKey)
}

func TestCardstream_VerifyWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"data":{"object":{"id":"pi_1"}}}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	valid := hex.EncodeToString(mac.Sum(nil))

	cs := providers.NewCardstream(&fakeTransport{}, secret)
	assert.NoError(t, cs.VerifyWebhookSignature(payload, valid))
	assert.ErrorIs(t, cs.VerifyWebhookSignature(payload, "deadbeef"), domainErrors.ErrInvalidSignature)
	assert.ErrorIs(t, cs.VerifyWebhookSignature([]byte("tampered"), valid), domainErrors.ErrInvalidSignature)
}

func TestCardstream_ParseWebhookEvent(t *testing.T) {
	cs := providers.NewCardstream(&fakeTransport{}, "secret")

	tests := []struct {
		eventType string
		want      providers.WebhookKind
	}{
		{"payment_intent.amount_capturable_updated", providers.KindAuthorizationCompleted},
		{"payment_intent.succeeded", providers.KindCaptureCompleted},
		{"payment_intent.payment_failed", providers.KindPaymentFailed},
		{"charge.refunded", providers.KindRefundCompleted},
		{"charge.dispute.created", providers.KindChargebackCreated},
		{"customer.created", providers.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			ev, err := cs.ParseWebhookEvent(tt.eventType, []byte(`{"data":{"object":{"id":"pi_7","amount":1200}}}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, "pi_7", ev.Reference)
			assert.Equal(t, int64(1200), ev.AmountMinor)
		})
	}
}

func TestCardstream_ParseWebhookEvent_ChargeReferencesIntent(t *testing.T) {
	cs := providers.NewCardstream(&fakeTransport{}, "secret")

	ev, err := cs.ParseWebhookEvent("charge.refunded",
		[]byte(`{"data":{"object":{"id":"ch_55","payment_intent":"pi_55","amount":900}}}`))
	require.NoError(t, err)
	// Charge events resolve to the parent intent reference the attempt knows.
	assert.Equal(t, "pi_55", ev.Reference)
}

func TestCardstream_ParseWebhookEvent_BadPayload(t *testing.T) {
	cs := providers.NewCardstream(&fakeTransport{}, "secret")
	_, err := cs.ParseWebhookEvent("payment_intent.succeeded", []byte("not json"))
	assert.Error(t, err)
}
