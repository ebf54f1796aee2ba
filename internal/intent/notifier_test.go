package intent_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablestack/payproc/internal/infrastructure/observability"
	"github.com/tablestack/payproc/internal/intent"
	"github.com/tablestack/payproc/pkg/retry"
)

func fastRetry() intent.NotifierOption {
	return intent.WithRetryConfig(retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})
}

func TestHTTPNotifier_PostsCompletionEvents(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		got = append(got, payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	metrics := observability.NewMetrics("payproc_test", prometheus.NewRegistry())
	n := intent.NewHTTPNotifier(srv.URL, zerolog.Nop(), metrics, fastRetry())

	n.AuthorizationCompleted(context.Background(), "pi-1", "txn-1", "AUTH1")
	n.CaptureCompleted(context.Background(), "pi-1", "txn-1", 5000)

	require.Len(t, got, 2)
	assert.Equal(t, "authorization_completed", got[0]["event"])
	assert.Equal(t, "pi-1", got[0]["intent_id"])
	assert.Equal(t, "AUTH1", got[0]["auth_code"])
	assert.Equal(t, "capture_completed", got[1]["event"])
	assert.Equal(t, float64(5000), got[1]["captured_amount"])
	assert.Equal(t, float64(0), promtestutil.ToFloat64(metrics.IntentNotifyFailures))
}

func TestHTTPNotifier_FailureIsCountedNotRaised(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	metrics := observability.NewMetrics("payproc_test", prometheus.NewRegistry())
	n := intent.NewHTTPNotifier(srv.URL, zerolog.Nop(), metrics, fastRetry())

	// No panic and no error surface; the failure lands on the counter.
	n.AuthorizationCompleted(context.Background(), "pi-1", "txn-1", "AUTH1")

	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.IntentNotifyFailures))
}
