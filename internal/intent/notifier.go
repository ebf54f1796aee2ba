// Package intent holds the outbound port to the Payment Intent aggregate.
// Notification is best-effort: a failed delivery is logged and swallowed,
// never failing the payment operation that triggered it.
package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tablestack/payproc/internal/infrastructure/observability"
	"github.com/tablestack/payproc/pkg/retry"
)

// Notifier is notified when an attempt completes authorization or capture.
type Notifier interface {
	AuthorizationCompleted(ctx context.Context, intentID, providerRef, authCode string)
	CaptureCompleted(ctx context.Context, intentID, providerRef string, capturedAmount int64)
}

// HTTPNotifier posts completion notifications to the aggregate's endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
	metrics  *observability.Metrics
	retryCfg retry.Config
}

// NotifierOption configures an HTTPNotifier.
type NotifierOption func(*HTTPNotifier)

// WithRetryConfig overrides the delivery retry schedule.
func WithRetryConfig(cfg retry.Config) NotifierOption {
	return func(n *HTTPNotifier) { n.retryCfg = cfg }
}

// NewHTTPNotifier creates a notifier for the aggregate at endpoint.
// metrics may be nil.
func NewHTTPNotifier(endpoint string, logger zerolog.Logger, metrics *observability.Metrics, opts ...NotifierOption) *HTTPNotifier {
	n := &HTTPNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		metrics:  metrics,
		retryCfg: retry.DefaultConfig(),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *HTTPNotifier) AuthorizationCompleted(ctx context.Context, intentID, providerRef, authCode string) {
	n.post(ctx, intentID, map[string]any{
		"event":        "authorization_completed",
		"intent_id":    intentID,
		"provider_ref": providerRef,
		"auth_code":    authCode,
	})
}

func (n *HTTPNotifier) CaptureCompleted(ctx context.Context, intentID, providerRef string, capturedAmount int64) {
	n.post(ctx, intentID, map[string]any{
		"event":           "capture_completed",
		"intent_id":       intentID,
		"provider_ref":    providerRef,
		"captured_amount": capturedAmount,
	})
}

func (n *HTTPNotifier) post(ctx context.Context, intentID string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.countFailure()
		n.logger.Error().Err(err).Str("intent_id", intentID).Msg("Failed to marshal intent notification")
		return
	}

	err = retry.Do(ctx, n.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("intent aggregate returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		// Swallowed on purpose: the payment operation already committed.
		n.countFailure()
		n.logger.Warn().Err(err).Str("intent_id", intentID).Msg("Failed to notify payment intent aggregate")
	}
}

func (n *HTTPNotifier) countFailure() {
	if n.metrics != nil {
		n.metrics.IntentNotifyFailures.Inc()
	}
}

// NopNotifier discards notifications. Used in tests and when no aggregate
// endpoint is configured.
type NopNotifier struct{}

func (NopNotifier) AuthorizationCompleted(ctx context.Context, intentID, providerRef, authCode string) {
}

func (NopNotifier) CaptureCompleted(ctx context.Context, intentID, providerRef string, capturedAmount int64) {
}
