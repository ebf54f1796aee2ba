package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
)

// Transport carries one provider API call. Adapters own the vocabulary;
// the transport owns the wire. Tests substitute a canned implementation.
type Transport interface {
	Do(ctx context.Context, method, path, idempotencyKey string, body any) ([]byte, error)
}

// HTTPTransport is the default JSON-over-HTTP transport.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the provider API at baseURL.
func NewHTTPTransport(baseURL, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Do performs one API call. Timeouts and transport errors surface as
// ErrProviderTimeout / ErrProviderUnavailable so the caller can classify
// them as retryable; a timed-out call is never assumed to have succeeded.
func (t *HTTPTransport) Do(ctx context.Context, method, path, idempotencyKey string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", domainErrors.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", domainErrors.ErrProviderUnavailable, resp.StatusCode)
	}
	return data, nil
}
