package ingress_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablestack/payproc/internal/breaker"
	"github.com/tablestack/payproc/internal/domain/attempt"
	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/infrastructure/config"
	"github.com/tablestack/payproc/internal/infrastructure/observability"
	"github.com/tablestack/payproc/internal/ingress"
	"github.com/tablestack/payproc/internal/processor"
	"github.com/tablestack/payproc/internal/providers"
	"github.com/tablestack/payproc/internal/testutil"
	"github.com/tablestack/payproc/internal/webhook"
)

type serverFixture struct {
	srv      *httptest.Server
	store    *testutil.MemoryStore
	provider *testutil.StubProvider
	manager  *processor.Manager
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		store:    testutil.NewMemoryStore(),
		provider: &testutil.StubProvider{ProviderName: "stub"},
	}
	factory := providers.NewFactory(f.provider)
	f.manager = processor.NewManager(f.store, factory, breaker.New(3, time.Hour),
		nil, nil, zerolog.Nop(), nil, processor.Config{
			RetryPolicy: breaker.DefaultRetryPolicy(),
			CallTimeout: time.Second,
		})
	t.Cleanup(f.manager.Close)

	reconciler := webhook.NewReconciler(factory, f.manager, zerolog.Nop(), nil)
	router := ingress.NewRouter(ingress.RouterDeps{
		Reconciler: reconciler,
		Metrics:    observability.NewMetrics("payproc_test", prometheus.NewRegistry()),
		CORSConfig: config.CORSConfig{AllowedOrigins: []string{"*"}},
		Logger:     zerolog.Nop(),
	})
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *serverFixture) authorize(t *testing.T) string {
	t.Helper()
	key := attempt.Key{OrgID: "org-1", Provider: "stub", IntentID: "pi-1"}
	p, err := f.manager.Processor(key)
	require.NoError(t, err)
	res, err := p.Authorize(context.Background(), processor.AuthorizeParams{
		AmountMinor:        5000,
		Currency:           "USD",
		PaymentMethodToken: "pm_1",
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	return res.TransactionID
}

func postWebhook(t *testing.T, url, eventType, signature, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if eventType != "" {
		req.Header.Set("X-Event-Type", eventType)
	}
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestWebhookEndpoint_AppliesDelivery(t *testing.T) {
	f := newServerFixture(t)
	ref := f.authorize(t)

	f.provider.ParseWebhookFn = func(eventType string, payload []byte) (*providers.WebhookEvent, error) {
		return &providers.WebhookEvent{
			Kind:        providers.KindCaptureCompleted,
			Reference:   ref,
			AmountMinor: 5000,
		}, nil
	}

	resp := postWebhook(t, f.srv.URL+"/webhooks/org-1/stub", "payment.captured", "sig", `{"id":"`+ref+`"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "received", body["status"])

	stored := f.store.Get(attempt.Key{OrgID: "org-1", Provider: "stub", IntentID: "pi-1"})
	assert.Equal(t, attempt.StatusCaptured, stored.Status)
}

func TestWebhookEndpoint_MissingHeaders(t *testing.T) {
	f := newServerFixture(t)

	resp := postWebhook(t, f.srv.URL+"/webhooks/org-1/stub", "", "", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ingress.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "validation_error", body.Code)
}

func TestWebhookEndpoint_InvalidSignature(t *testing.T) {
	f := newServerFixture(t)
	f.authorize(t)

	f.provider.VerifySignatureFn = func(payload []byte, signature string) error {
		return domainErrors.ErrInvalidSignature
	}

	resp := postWebhook(t, f.srv.URL+"/webhooks/org-1/stub", "payment.captured", "bad", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body ingress.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid_signature", body.Code)
}

func TestWebhookEndpoint_UnknownProvider(t *testing.T) {
	f := newServerFixture(t)

	resp := postWebhook(t, f.srv.URL+"/webhooks/org-1/acme", "payment.captured", "sig", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ingress.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unknown_provider", body.Code)
}

func TestWebhookEndpoint_UnknownAttemptReference(t *testing.T) {
	f := newServerFixture(t)

	f.provider.ParseWebhookFn = func(eventType string, payload []byte) (*providers.WebhookEvent, error) {
		return &providers.WebhookEvent{Kind: providers.KindCaptureCompleted, Reference: "txn-missing"}, nil
	}

	resp := postWebhook(t, f.srv.URL+"/webhooks/org-1/stub", "payment.captured", "sig", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	f := newServerFixture(t)

	for _, path := range []string{"/health", "/health/live"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
