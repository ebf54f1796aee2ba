package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
)

// Cardstream adapts the Cardstream card-network API. Cardstream speaks in
// payment intents with statuses like "requires_capture" and "succeeded";
// everything is translated to the normalized vocabulary at this boundary.
type Cardstream struct {
	transport     Transport
	webhookSecret string
}

// NewCardstream creates a Cardstream adapter over the given transport.
func NewCardstream(transport Transport, webhookSecret string) *Cardstream {
	return &Cardstream{transport: transport, webhookSecret: webhookSecret}
}

func (c *Cardstream) Name() string { return "cardstream" }

// csIntent is Cardstream's payment-intent wire shape.
type csIntent struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	AuthCode   string `json:"authorization_code,omitempty"`
	NextAction *struct {
		Type          string `json:"type"`
		RedirectToURL struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
		ClientSecret string `json:"client_secret,omitempty"`
	} `json:"next_action,omitempty"`
	LastPaymentError *csError `json:"last_payment_error,omitempty"`
	Error            *csError `json:"error,omitempty"`
}

type csError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code,omitempty"`
	Message     string `json:"message"`
}

func (c *Cardstream) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Result, error) {
	captureMethod := "manual"
	if req.AutoCapture {
		captureMethod = "automatic"
	}
	body := map[string]any{
		"amount":         req.AmountMinor,
		"currency":       req.Currency,
		"payment_method": req.PaymentMethodToken,
		"capture_method": captureMethod,
		"confirm":        true,
		"metadata":       req.Metadata,
	}
	return c.call(ctx, http.MethodPost, "/v1/payment_intents", req.IdempotencyKey, body)
}

func (c *Cardstream) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	body := map[string]any{"amount_to_capture": req.AmountMinor}
	path := fmt.Sprintf("/v1/payment_intents/%s/capture", req.Reference)
	return c.call(ctx, http.MethodPost, path, req.IdempotencyKey, body)
}

func (c *Cardstream) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	body := map[string]any{
		"payment_intent": req.Reference,
		"amount":         req.AmountMinor,
		"reason":         req.Reason,
	}
	return c.call(ctx, http.MethodPost, "/v1/refunds", req.IdempotencyKey, body)
}

func (c *Cardstream) Cancel(ctx context.Context, req CancelRequest) (*Result, error) {
	body := map[string]any{"cancellation_reason": req.Reason}
	path := fmt.Sprintf("/v1/payment_intents/%s/cancel", req.Reference)
	return c.call(ctx, http.MethodPost, path, req.IdempotencyKey, body)
}

func (c *Cardstream) CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (*Result, error) {
	transfers := make([]map[string]any, 0, len(req.Splits))
	for _, s := range req.Splits {
		transfers = append(transfers, map[string]any{
			"destination":    s.SubAccount,
			"amount":         s.AmountMinor,
			"transfer_group": s.Reference,
		})
	}
	captureMethod := "manual"
	if req.AutoCapture {
		captureMethod = "automatic"
	}
	body := map[string]any{
		"amount":         req.AmountMinor,
		"currency":       req.Currency,
		"payment_method": req.PaymentMethodToken,
		"capture_method": captureMethod,
		"confirm":        true,
		"transfer_data":  transfers,
		"metadata":       req.Metadata,
	}
	return c.call(ctx, http.MethodPost, "/v1/payment_intents", req.IdempotencyKey, body)
}

func (c *Cardstream) CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (*Result, error) {
	body := map[string]any{
		"customer":       req.CustomerRef,
		"payment_method": req.PaymentMethodToken,
		"usage":          "off_session",
	}
	return c.call(ctx, http.MethodPost, "/v1/setup_intents", req.IdempotencyKey, body)
}

func (c *Cardstream) CreateConnectionToken(ctx context.Context, req ConnectionTokenRequest) (string, error) {
	body := map[string]any{"location": req.LocationRef}
	data, err := c.transport.Do(ctx, http.MethodPost, "/v1/terminal/connection_tokens", "", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode connection token: %w", err)
	}
	return resp.Secret, nil
}

func (c *Cardstream) PairTerminal(ctx context.Context, req PairTerminalRequest) (*Result, error) {
	body := map[string]any{
		"registration_code": req.RegistrationCode,
		"label":             req.Label,
		"location":          req.LocationRef,
	}
	return c.call(ctx, http.MethodPost, "/v1/terminal/readers", req.IdempotencyKey, body)
}

// VerifyWebhookSignature checks the hex HMAC-SHA256 signature Cardstream
// sends in its signature header.
func (c *Cardstream) VerifyWebhookSignature(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domainErrors.ErrInvalidSignature
	}
	return nil
}

// csWebhookKinds maps Cardstream's event vocabulary to normalized kinds.
var csWebhookKinds = map[string]WebhookKind{
	"payment_intent.amount_capturable_updated": KindAuthorizationCompleted,
	"payment_intent.succeeded":                 KindCaptureCompleted,
	"payment_intent.payment_failed":            KindPaymentFailed,
	"charge.refunded":                          KindRefundCompleted,
	"charge.dispute.created":                   KindChargebackCreated,
}

func (c *Cardstream) ParseWebhookEvent(eventType string, payload []byte) (*WebhookEvent, error) {
	var event struct {
		Data struct {
			Object struct {
				ID            string `json:"id"`
				PaymentIntent string `json:"payment_intent,omitempty"`
				Amount        int64  `json:"amount"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	kind, ok := csWebhookKinds[eventType]
	if !ok {
		kind = KindUnknown
	}
	ref := event.Data.Object.ID
	if event.Data.Object.PaymentIntent != "" {
		// Charge-level events reference the parent intent.
		ref = event.Data.Object.PaymentIntent
	}
	return &WebhookEvent{
		Kind:          kind,
		Reference:     ref,
		AmountMinor:   event.Data.Object.Amount,
		ProviderEvent: eventType,
		Raw:           string(payload),
	}, nil
}

// call performs a request and normalizes the intent response.
func (c *Cardstream) call(ctx context.Context, method, path, idempotencyKey string, body any) (*Result, error) {
	data, err := c.transport.Do(ctx, method, path, idempotencyKey, body)
	if err != nil {
		return nil, err
	}

	var intent csIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return c.normalize(&intent), nil
}

// normalize translates Cardstream's intent vocabulary into the shared
// result shape. This is the only place Cardstream statuses are interpreted.
func (c *Cardstream) normalize(intent *csIntent) *Result {
	if intent.Error != nil {
		return declineResult(intent.ID, intent.Error)
	}

	result := &Result{
		Reference:   intent.ID,
		AmountMinor: intent.Amount,
		AuthCode:    intent.AuthCode,
	}

	switch intent.Status {
	case "requires_action":
		result.Success = true
		result.Status = StatusActionRequired
		if intent.NextAction != nil {
			result.NextAction = &NextAction{
				Type:         intent.NextAction.Type,
				RedirectURL:  intent.NextAction.RedirectToURL.URL,
				ClientSecret: intent.NextAction.ClientSecret,
			}
		}
	case "requires_capture":
		result.Success = true
		result.Status = StatusAuthorized
	case "succeeded":
		result.Success = true
		result.Status = StatusCaptured
	case "processing":
		result.Success = true
		result.Status = StatusPending
	case "canceled":
		result.Success = true
		result.Status = StatusCanceled
	default:
		if intent.LastPaymentError != nil {
			return declineResult(intent.ID, intent.LastPaymentError)
		}
		result.Status = StatusFailed
		result.ErrorMessage = fmt.Sprintf("unexpected cardstream status %q", intent.Status)
	}
	return result
}

func declineResult(ref string, e *csError) *Result {
	code := e.DeclineCode
	if code == "" {
		code = e.Code
	}
	return &Result{
		Success:      false,
		Reference:    ref,
		Status:       StatusDeclined,
		DeclineCode:  code,
		ErrorMessage: e.Message,
	}
}
