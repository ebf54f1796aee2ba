package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
)

// Vantiv adapts the Vantiv acquiring API. Vantiv answers with result codes
// ("Authorised", "Refused", "RedirectShopper") and a pspReference; modifying
// calls are accepted asynchronously with "[capture-received]"-style
// responses. All of that vocabulary stops here.
type Vantiv struct {
	transport     Transport
	merchantID    string
	webhookSecret string
}

// NewVantiv creates a Vantiv adapter over the given transport.
func NewVantiv(transport Transport, merchantID, webhookSecret string) *Vantiv {
	return &Vantiv{transport: transport, merchantID: merchantID, webhookSecret: webhookSecret}
}

func (v *Vantiv) Name() string { return "vantiv" }

// vtResponse is Vantiv's payment response wire shape.
type vtResponse struct {
	PSPReference  string `json:"pspReference"`
	ResultCode    string `json:"resultCode"`
	RefusalReason string `json:"refusalReason,omitempty"`
	RefusalCode   string `json:"refusalReasonCode,omitempty"`
	AuthCode      string `json:"authCode,omitempty"`
	Amount        *struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount,omitempty"`
	Action *struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"action,omitempty"`
	Response string `json:"response,omitempty"` // modification acks: "[capture-received]"
}

func (v *Vantiv) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Result, error) {
	body := map[string]any{
		"merchantAccount": v.merchantID,
		"amount":          map[string]any{"value": req.AmountMinor, "currency": req.Currency},
		"paymentMethod":   map[string]any{"storedPaymentMethodId": req.PaymentMethodToken},
		"captureDelayHours": func() any {
			if req.AutoCapture {
				return 0
			}
			return nil
		}(),
		"metadata": req.Metadata,
	}
	return v.call(ctx, "/v71/payments", req.IdempotencyKey, body, req.AutoCapture)
}

func (v *Vantiv) Capture(ctx context.Context, req CaptureRequest) (*Result, error) {
	body := map[string]any{
		"merchantAccount": v.merchantID,
		"amount":          map[string]any{"value": req.AmountMinor, "currency": req.Currency},
	}
	path := fmt.Sprintf("/v71/payments/%s/captures", req.Reference)
	return v.call(ctx, path, req.IdempotencyKey, body, true)
}

func (v *Vantiv) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	body := map[string]any{
		"merchantAccount": v.merchantID,
		"amount":          map[string]any{"value": req.AmountMinor, "currency": req.Currency},
		"merchantRefundReason": req.Reason,
	}
	path := fmt.Sprintf("/v71/payments/%s/refunds", req.Reference)
	return v.call(ctx, path, req.IdempotencyKey, body, false)
}

func (v *Vantiv) Cancel(ctx context.Context, req CancelRequest) (*Result, error) {
	body := map[string]any{"merchantAccount": v.merchantID}
	path := fmt.Sprintf("/v71/payments/%s/cancels", req.Reference)
	return v.call(ctx, path, req.IdempotencyKey, body, false)
}

func (v *Vantiv) CreateSplitPayment(ctx context.Context, req SplitPaymentRequest) (*Result, error) {
	splits := make([]map[string]any, 0, len(req.Splits))
	for _, s := range req.Splits {
		splits = append(splits, map[string]any{
			"account":   s.SubAccount,
			"amount":    map[string]any{"value": s.AmountMinor},
			"type":      s.Type,
			"reference": s.Reference,
		})
	}
	body := map[string]any{
		"merchantAccount": v.merchantID,
		"amount":          map[string]any{"value": req.AmountMinor, "currency": req.Currency},
		"paymentMethod":   map[string]any{"storedPaymentMethodId": req.PaymentMethodToken},
		"splits":          splits,
		"metadata":        req.Metadata,
	}
	return v.call(ctx, "/v71/payments", req.IdempotencyKey, body, req.AutoCapture)
}

func (v *Vantiv) CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (*Result, error) {
	body := map[string]any{
		"merchantAccount":         v.merchantID,
		"shopperReference":        req.CustomerRef,
		"paymentMethod":           map[string]any{"storedPaymentMethodId": req.PaymentMethodToken},
		"storePaymentMethod":      true,
		"recurringProcessingModel": "UnscheduledCardOnFile",
		"amount":                  map[string]any{"value": 0, "currency": "USD"},
	}
	return v.call(ctx, "/v71/payments", req.IdempotencyKey, body, false)
}

func (v *Vantiv) CreateConnectionToken(ctx context.Context, req ConnectionTokenRequest) (string, error) {
	body := map[string]any{"merchantAccount": v.merchantID, "store": req.LocationRef}
	data, err := v.transport.Do(ctx, http.MethodPost, "/v71/terminals/connectionTokens", "", body)
	if err != nil {
		return "", err
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode connection token: %w", err)
	}
	return resp.Token, nil
}

func (v *Vantiv) PairTerminal(ctx context.Context, req PairTerminalRequest) (*Result, error) {
	body := map[string]any{
		"merchantAccount": v.merchantID,
		"boardingCode":    req.RegistrationCode,
		"description":     req.Label,
		"store":           req.LocationRef,
	}
	return v.call(ctx, "/v71/terminals/board", req.IdempotencyKey, body, false)
}

// VerifyWebhookSignature checks Vantiv's base64 HMAC-SHA256 notification
// signature.
func (v *Vantiv) VerifyWebhookSignature(payload []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(v.webhookSecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domainErrors.ErrInvalidSignature
	}
	return nil
}

// vtWebhookKinds maps Vantiv's notification eventCode vocabulary.
var vtWebhookKinds = map[string]WebhookKind{
	"AUTHORISATION": KindAuthorizationCompleted,
	"CAPTURE":       KindCaptureCompleted,
	"REFUND":        KindRefundCompleted,
	"CHARGEBACK":    KindChargebackCreated,
	"OFFER_CLOSED":  KindPaymentFailed,
}

func (v *Vantiv) ParseWebhookEvent(eventType string, payload []byte) (*WebhookEvent, error) {
	var notification struct {
		PSPReference string `json:"pspReference"`
		Success      string `json:"success"`
		Amount       struct {
			Value int64 `json:"value"`
		} `json:"amount"`
	}
	if err := json.Unmarshal(payload, &notification); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	kind, ok := vtWebhookKinds[eventType]
	if !ok {
		kind = KindUnknown
	}
	// A failed AUTHORISATION notification is a payment failure, not a
	// completed authorization.
	if kind == KindAuthorizationCompleted && notification.Success == "false" {
		kind = KindPaymentFailed
	}
	return &WebhookEvent{
		Kind:          kind,
		Reference:     notification.PSPReference,
		AmountMinor:   notification.Amount.Value,
		ProviderEvent: eventType,
		Raw:           string(payload),
	}, nil
}

// call performs a request and normalizes the response. captured marks calls
// whose success settles funds immediately.
func (v *Vantiv) call(ctx context.Context, path, idempotencyKey string, body any, captured bool) (*Result, error) {
	data, err := v.transport.Do(ctx, http.MethodPost, path, idempotencyKey, body)
	if err != nil {
		return nil, err
	}

	var resp vtResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return v.normalize(&resp, captured), nil
}

// normalize translates Vantiv result codes into the shared result shape.
func (v *Vantiv) normalize(resp *vtResponse, captured bool) *Result {
	result := &Result{
		Reference: resp.PSPReference,
		AuthCode:  resp.AuthCode,
	}
	if resp.Amount != nil {
		result.AmountMinor = resp.Amount.Value
	}

	switch resp.ResultCode {
	case "Authorised":
		result.Success = true
		if captured {
			result.Status = StatusCaptured
		} else {
			result.Status = StatusAuthorized
		}
	case "RedirectShopper", "IdentifyShopper", "ChallengeShopper":
		result.Success = true
		result.Status = StatusActionRequired
		if resp.Action != nil {
			result.NextAction = &NextAction{Type: resp.Action.Type, RedirectURL: resp.Action.URL}
		}
	case "Received", "Pending":
		result.Success = true
		result.Status = StatusPending
	case "Cancelled":
		result.Success = true
		result.Status = StatusCanceled
	case "Refused":
		result.Status = StatusDeclined
		result.DeclineCode = normalizeRefusal(resp.RefusalCode, resp.RefusalReason)
		result.ErrorMessage = resp.RefusalReason
	case "Error":
		result.Status = StatusFailed
		result.DeclineCode = "processing_error"
		result.ErrorMessage = resp.RefusalReason
	default:
		// Modification acks ("[capture-received]") have no resultCode.
		if resp.Response != "" {
			result.Success = true
			result.Status = StatusPending
			if captured {
				result.Status = StatusCaptured
			}
			return result
		}
		result.Status = StatusFailed
		result.ErrorMessage = fmt.Sprintf("unexpected vantiv result code %q", resp.ResultCode)
	}
	return result
}

// normalizeRefusal flattens Vantiv's refusal codes into decline codes the
// rest of the system understands.
func normalizeRefusal(code, reason string) string {
	switch code {
	case "2":
		return "card_declined"
	case "6":
		return "expired_card"
	case "7":
		return "invalid_amount"
	case "12":
		return "insufficient_funds"
	case "24":
		return "cvc_declined"
	}
	if reason != "" {
		return "card_declined"
	}
	return "processing_error"
}
