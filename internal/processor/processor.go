// Package processor hosts the per-attempt actors that own the payment
// lifecycle. One actor exists per (org, provider, payment intent) key; all
// operations on it, synchronous calls and webhook deliveries alike, run
// strictly one at a time in arrival order through its mailbox.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tablestack/payproc/internal/breaker"
	"github.com/tablestack/payproc/internal/domain/attempt"
	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/idempotency"
	"github.com/tablestack/payproc/internal/infrastructure/observability"
	"github.com/tablestack/payproc/internal/intent"
	"github.com/tablestack/payproc/internal/providers"
)

const (
	opAuthorize = "authorize"
	opCapture   = "capture"
	opRefund    = "refund"
	opVoid      = "void"
)

// Config carries the knobs shared by all actors.
type Config struct {
	RetryPolicy breaker.RetryPolicy
	CallTimeout time.Duration
}

// Processor is the single-writer owner of one payment attempt.
type Processor struct {
	key      attempt.Key
	store    attempt.Store
	provider providers.Provider
	breaker  *breaker.Breaker
	notifier intent.Notifier
	locker   Locker
	logger   zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	cfg      Config

	state *attempt.Attempt
	// persistedVersion/persistedEvents track what the store last saw, so a
	// save can detect concurrent commits from another instance.
	persistedVersion int64
	persistedEvents  int

	mu      sync.RWMutex
	closed  bool
	mailbox chan func()
	done    chan struct{}
}

// ErrClosed is returned by operations enqueued after Close.
var ErrClosed = errors.New("processor closed")

// New spawns the actor goroutine for one attempt key.
func New(
	key attempt.Key,
	store attempt.Store,
	provider providers.Provider,
	brk *breaker.Breaker,
	notifier intent.Notifier,
	locker Locker,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	cfg Config,
) *Processor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if locker == nil {
		locker = NopLocker{}
	}
	p := &Processor{
		key:      key,
		store:    store,
		provider: provider,
		breaker:  brk,
		notifier: notifier,
		locker:   locker,
		logger:   observability.AttemptLogger(logger, key.OrgID, key.Provider, key.IntentID),
		metrics:  metrics,
		tracer:   otel.Tracer("payproc/processor"),
		cfg:      cfg,
		mailbox:  make(chan func(), 64),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// run drains the mailbox until Close. Mailbox FIFO order is the total order
// of operations on this attempt.
func (p *Processor) run() {
	defer close(p.done)
	for fn := range p.mailbox {
		fn()
	}
}

// Close stops the actor after the queued operations finish. Safe to call
// more than once; every call waits for the drain to complete.
func (p *Processor) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.mailbox)
	}
	p.mu.Unlock()
	<-p.done
}

// enqueue runs fn on the actor goroutine and waits for it to finish.
// The read lock pairs with the write lock in Close so a send never races
// the channel close.
func (p *Processor) enqueue(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	wrapped := func() {
		defer close(ran)
		fn()
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	select {
	case p.mailbox <- wrapped:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	<-ran
	return nil
}

func (p *Processor) breakerKey() breaker.Key {
	return breaker.Key{Provider: p.key.Provider, OrgID: p.key.OrgID}
}

// Authorize starts (or lazily creates) the attempt and drives an
// authorization through the provider.
func (p *Processor) Authorize(ctx context.Context, params AuthorizeParams) (OperationResult, error) {
	start := time.Now()
	var result OperationResult
	var opErr error
	err := p.enqueue(ctx, func() {
		result, opErr = p.doAuthorize(ctx, params)
	})
	if err != nil {
		return OperationResult{}, err
	}
	p.observe(opAuthorize, start, result, opErr)
	return result, opErr
}

// AuthorizeSplit authorizes with sub-account allocations attached. The
// allocations only apply when this call creates the attempt; on an
// existing attempt they were fixed at creation.
func (p *Processor) AuthorizeSplit(ctx context.Context, params AuthorizeParams, splits []attempt.SplitAllocation) (OperationResult, error) {
	params.Splits = splits
	return p.Authorize(ctx, params)
}

func (p *Processor) doAuthorize(ctx context.Context, params AuthorizeParams) (OperationResult, error) {
	if p.state == nil {
		if err := p.loadOrInit(ctx, params); err != nil {
			return OperationResult{}, err
		}
	}
	a := p.state

	if a.Status != attempt.StatusPending && a.Status != attempt.StatusRequiresAction {
		return p.failure(opAuthorize, domainErrors.CodeInvalidState,
			fmt.Sprintf("cannot authorize attempt in status %s", a.Status)), nil
	}

	// Circuit gate comes before any network work.
	if p.breaker.IsOpen(p.breakerKey()) {
		if p.metrics != nil {
			p.metrics.CircuitOpenRejects.WithLabelValues(p.key.Provider, p.key.OrgID).Inc()
		}
		return p.failure(opAuthorize, domainErrors.CodeCircuitOpen, "provider circuit open"), nil
	}

	registry := idempotency.NewRegistry(a.IdempotencyKeys)
	idemKey := registry.GetOrCreate(opAuthorize, a.RetryCount)

	req := providers.CreatePaymentRequest{
		IdempotencyKey:     idemKey,
		AmountMinor:        a.RequestedAmount,
		Currency:           a.Currency,
		PaymentMethodToken: params.PaymentMethodToken,
		AutoCapture:        params.AutoCapture,
		Metadata:           params.Metadata,
	}

	var res *providers.Result
	var callErr error
	if len(a.Splits) > 0 {
		splits := make([]providers.Split, 0, len(a.Splits))
		for _, s := range a.Splits {
			splits = append(splits, providers.Split{
				SubAccount:  s.SubAccount,
				AmountMinor: s.AmountMinor,
				Type:        string(s.Type),
				Reference:   s.Reference,
			})
		}
		res, callErr = p.callProvider(ctx, opAuthorize, func(callCtx context.Context) (*providers.Result, error) {
			return p.provider.CreateSplitPayment(callCtx, providers.SplitPaymentRequest{
				CreatePaymentRequest: req,
				Splits:               splits,
			})
		})
	} else {
		res, callErr = p.callProvider(ctx, opAuthorize, func(callCtx context.Context) (*providers.Result, error) {
			return p.provider.CreatePayment(callCtx, req)
		})
	}
	if callErr != nil {
		return p.handleCallFailure(ctx, opAuthorize, callErr)
	}

	// The round-trip worked even if the card declined.
	p.breaker.RecordSuccess(p.breakerKey())

	switch res.Status {
	case providers.StatusActionRequired:
		if err := a.MarkActionRequired(res.Reference); err != nil {
			return p.resultFromDomainError(opAuthorize, err), nil
		}
		a.AppendEvent("authorization.action_required", res.Reference, nil)
		if err := p.persist(ctx); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{
			Success:       true,
			TransactionID: res.Reference,
			Status:        a.Status,
			NextAction:    res.NextAction,
		}, nil

	case providers.StatusAuthorized:
		if err := a.MarkAuthorized(res.Reference, res.AuthCode); err != nil {
			return p.resultFromDomainError(opAuthorize, err), nil
		}
		a.AppendEvent("authorization.completed", res.Reference, map[string]any{
			"amount_minor": a.AuthorizedAmount,
		})
		if err := p.persist(ctx); err != nil {
			return OperationResult{}, err
		}
		p.notifier.AuthorizationCompleted(ctx, p.key.IntentID, res.Reference, res.AuthCode)
		return OperationResult{
			Success:       true,
			TransactionID: res.Reference,
			AuthCode:      res.AuthCode,
			Status:        a.Status,
		}, nil

	case providers.StatusCaptured:
		if err := a.MarkCaptured(res.Reference, a.RequestedAmount); err != nil {
			return p.resultFromDomainError(opAuthorize, err), nil
		}
		a.AuthCode = res.AuthCode
		a.AppendEvent("capture.completed", res.Reference, map[string]any{
			"amount_minor": a.CapturedAmount,
		})
		if err := p.persist(ctx); err != nil {
			return OperationResult{}, err
		}
		p.notifier.CaptureCompleted(ctx, p.key.IntentID, res.Reference, a.CapturedAmount)
		return OperationResult{
			Success:       true,
			TransactionID: res.Reference,
			AuthCode:      res.AuthCode,
			Status:        a.Status,
		}, nil

	case providers.StatusPending:
		a.ProviderRef = res.Reference
		a.AppendEvent("authorization.pending", res.Reference, nil)
		if err := p.persist(ctx); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{
			Success:       true,
			TransactionID: res.Reference,
			Status:        a.Status,
		}, nil

	case providers.StatusDeclined:
		// Declines are terminal: retrying a declined card declines again.
		if err := a.MarkFailed(res.DeclineCode, res.ErrorMessage); err != nil {
			return p.resultFromDomainError(opAuthorize, err), nil
		}
		a.AppendEvent("authorization.declined", res.Reference, map[string]any{
			"decline_code": res.DeclineCode,
		})
		if err := p.persist(ctx); err != nil {
			return OperationResult{}, err
		}
		return OperationResult{
			Success:       false,
			TransactionID: res.Reference,
			Status:        a.Status,
			Code:          res.DeclineCode,
			Message:       res.ErrorMessage,
		}, nil

	default:
		// Provider answered but with a processing failure; treat like a
		// transient error for retry scheduling.
		return p.recordTransient(ctx, opAuthorize, "processing_error", res.ErrorMessage)
	}
}

// loadOrInit recovers the attempt from the store or creates it from the
// actor's own identity on the first Authorize call.
func (p *Processor) loadOrInit(ctx context.Context, params AuthorizeParams) error {
	a, err := p.store.Load(ctx, p.key)
	if err == nil {
		p.adopt(a)
		return nil
	}
	if !errors.Is(err, domainErrors.ErrAttemptNotFound) {
		return fmt.Errorf("load attempt: %w", err)
	}

	a, err = attempt.New(p.key, params.AmountMinor, params.Currency)
	if err != nil {
		return err
	}
	if len(params.Splits) > 0 {
		if err := a.SetSplits(params.Splits); err != nil {
			return err
		}
	}
	// The record does not exist yet: the first save expects version 0.
	p.state = a
	p.persistedVersion = 0
	p.persistedEvents = 0
	a.AppendEvent("attempt.created", "", map[string]any{
		"amount_minor": a.RequestedAmount,
		"currency":     a.Currency,
	})
	return nil
}

// adopt installs store state as the actor's own.
func (p *Processor) adopt(a *attempt.Attempt) {
	p.state = a
	p.persistedVersion = a.Version
	p.persistedEvents = len(a.Events)
}

// Capture settles a previously authorized attempt. A nil amount defaults to
// the full authorized amount.
func (p *Processor) Capture(ctx context.Context, transactionID string, amountMinor *int64) (OperationResult, error) {
	start := time.Now()
	var result OperationResult
	var opErr error
	err := p.enqueue(ctx, func() {
		result, opErr = p.doCapture(ctx, transactionID, amountMinor)
	})
	if err != nil {
		return OperationResult{}, err
	}
	p.observe(opCapture, start, result, opErr)
	return result, opErr
}

func (p *Processor) doCapture(ctx context.Context, transactionID string, amountMinor *int64) (OperationResult, error) {
	a, err := p.loaded(ctx)
	if err != nil {
		return OperationResult{}, err
	}

	if transactionID != a.ProviderRef {
		return p.failure(opCapture, domainErrors.CodeInvalidTransaction, "transaction id does not match attempt"), nil
	}
	if a.Status != attempt.StatusAuthorized {
		return p.failure(opCapture, domainErrors.CodeInvalidState,
			fmt.Sprintf("cannot capture attempt in status %s", a.Status)), nil
	}

	amount := a.AuthorizedAmount
	if amountMinor != nil {
		amount = *amountMinor
	}
	if amount > a.AuthorizedAmount {
		return p.failure(opCapture, domainErrors.CodeAmountTooLarge,
			fmt.Sprintf("capture %d exceeds authorized %d", amount, a.AuthorizedAmount)), nil
	}
	if amount <= 0 {
		return p.failure(opCapture, domainErrors.CodeAmountTooLarge, "capture amount must be greater than 0"), nil
	}

	if p.breaker.IsOpen(p.breakerKey()) {
		if p.metrics != nil {
			p.metrics.CircuitOpenRejects.WithLabelValues(p.key.Provider, p.key.OrgID).Inc()
		}
		return p.failure(opCapture, domainErrors.CodeCircuitOpen, "provider circuit open"), nil
	}

	registry := idempotency.NewRegistry(a.IdempotencyKeys)
	idemKey := registry.GetOrCreate(fmt.Sprintf("capture_%d", amount), a.RetryCount)

	res, callErr := p.callProvider(ctx, opCapture, func(callCtx context.Context) (*providers.Result, error) {
		return p.provider.Capture(callCtx, providers.CaptureRequest{
			IdempotencyKey: idemKey,
			Reference:      a.ProviderRef,
			AmountMinor:    amount,
			Currency:       a.Currency,
		})
	})
	if callErr != nil {
		return p.handleCallFailure(ctx, opCapture, callErr)
	}
	p.breaker.RecordSuccess(p.breakerKey())

	if !res.Success {
		return p.providerRejection(ctx, opCapture, res)
	}

	if err := a.MarkCaptured(res.Reference, amount); err != nil {
		return p.resultFromDomainError(opCapture, err), nil
	}
	a.AppendEvent("capture.completed", a.ProviderRef, map[string]any{
		"amount_minor": amount,
	})
	if err := p.persist(ctx); err != nil {
		return OperationResult{}, err
	}
	p.notifier.CaptureCompleted(ctx, p.key.IntentID, a.ProviderRef, a.CapturedAmount)
	return OperationResult{
		Success:       true,
		TransactionID: a.ProviderRef,
		Status:        a.Status,
	}, nil
}

// Refund returns captured funds. The amount is always explicit: there is no
// implicit full-refund default.
func (p *Processor) Refund(ctx context.Context, transactionID string, amountMinor int64, reason string) (OperationResult, error) {
	start := time.Now()
	var result OperationResult
	var opErr error
	err := p.enqueue(ctx, func() {
		result, opErr = p.doRefund(ctx, transactionID, amountMinor, reason)
	})
	if err != nil {
		return OperationResult{}, err
	}
	p.observe(opRefund, start, result, opErr)
	return result, opErr
}

func (p *Processor) doRefund(ctx context.Context, transactionID string, amountMinor int64, reason string) (OperationResult, error) {
	a, err := p.loaded(ctx)
	if err != nil {
		return OperationResult{}, err
	}

	if transactionID != a.ProviderRef {
		return p.failure(opRefund, domainErrors.CodeInvalidTransaction, "transaction id does not match attempt"), nil
	}
	if a.Status != attempt.StatusCaptured {
		return p.failure(opRefund, domainErrors.CodeInvalidState,
			fmt.Sprintf("cannot refund attempt in status %s", a.Status)), nil
	}
	if amountMinor <= 0 {
		return p.failure(opRefund, domainErrors.CodeAmountTooLarge, "refund amount must be greater than 0"), nil
	}
	if remaining := a.CapturedAmount - a.RefundedAmount; amountMinor > remaining {
		return p.failure(opRefund, domainErrors.CodeAmountTooLarge,
			fmt.Sprintf("refund %d exceeds remaining captured %d", amountMinor, remaining)), nil
	}

	if p.breaker.IsOpen(p.breakerKey()) {
		if p.metrics != nil {
			p.metrics.CircuitOpenRejects.WithLabelValues(p.key.Provider, p.key.OrgID).Inc()
		}
		return p.failure(opRefund, domainErrors.CodeCircuitOpen, "provider circuit open"), nil
	}

	registry := idempotency.NewRegistry(a.IdempotencyKeys)
	idemKey := registry.GetOrCreate(fmt.Sprintf("refund_%d", amountMinor), a.RetryCount)

	res, callErr := p.callProvider(ctx, opRefund, func(callCtx context.Context) (*providers.Result, error) {
		return p.provider.Refund(callCtx, providers.RefundRequest{
			IdempotencyKey: idemKey,
			Reference:      a.ProviderRef,
			AmountMinor:    amountMinor,
			Currency:       a.Currency,
			Reason:         reason,
		})
	})
	if callErr != nil {
		return p.handleCallFailure(ctx, opRefund, callErr)
	}
	p.breaker.RecordSuccess(p.breakerKey())

	if !res.Success {
		return p.providerRejection(ctx, opRefund, res)
	}

	if err := a.ApplyRefund(amountMinor); err != nil {
		return p.resultFromDomainError(opRefund, err), nil
	}
	a.AppendEvent("refund.completed", a.ProviderRef, map[string]any{
		"amount_minor": amountMinor,
		"reason":       reason,
	})
	if err := p.persist(ctx); err != nil {
		return OperationResult{}, err
	}
	return OperationResult{
		Success:       true,
		TransactionID: a.ProviderRef,
		Status:        a.Status,
	}, nil
}

// Void cancels an authorization that was never captured.
func (p *Processor) Void(ctx context.Context, transactionID, reason string) (OperationResult, error) {
	start := time.Now()
	var result OperationResult
	var opErr error
	err := p.enqueue(ctx, func() {
		result, opErr = p.doVoid(ctx, transactionID, reason)
	})
	if err != nil {
		return OperationResult{}, err
	}
	p.observe(opVoid, start, result, opErr)
	return result, opErr
}

func (p *Processor) doVoid(ctx context.Context, transactionID, reason string) (OperationResult, error) {
	a, err := p.loaded(ctx)
	if err != nil {
		return OperationResult{}, err
	}

	if transactionID != a.ProviderRef {
		return p.failure(opVoid, domainErrors.CodeInvalidTransaction, "transaction id does not match attempt"), nil
	}
	if a.Status != attempt.StatusAuthorized {
		return p.failure(opVoid, domainErrors.CodeInvalidState,
			fmt.Sprintf("cannot void attempt in status %s", a.Status)), nil
	}

	if p.breaker.IsOpen(p.breakerKey()) {
		if p.metrics != nil {
			p.metrics.CircuitOpenRejects.WithLabelValues(p.key.Provider, p.key.OrgID).Inc()
		}
		return p.failure(opVoid, domainErrors.CodeCircuitOpen, "provider circuit open"), nil
	}

	registry := idempotency.NewRegistry(a.IdempotencyKeys)
	idemKey := registry.GetOrCreate(opVoid, a.RetryCount)

	res, callErr := p.callProvider(ctx, opVoid, func(callCtx context.Context) (*providers.Result, error) {
		return p.provider.Cancel(callCtx, providers.CancelRequest{
			IdempotencyKey: idemKey,
			Reference:      a.ProviderRef,
			Reason:         reason,
		})
	})
	if callErr != nil {
		return p.handleCallFailure(ctx, opVoid, callErr)
	}
	p.breaker.RecordSuccess(p.breakerKey())

	if !res.Success {
		return p.providerRejection(ctx, opVoid, res)
	}

	if err := a.MarkVoided(); err != nil {
		return p.resultFromDomainError(opVoid, err), nil
	}
	a.AppendEvent("authorization.voided", a.ProviderRef, map[string]any{"reason": reason})
	if err := p.persist(ctx); err != nil {
		return OperationResult{}, err
	}
	return OperationResult{
		Success:       true,
		TransactionID: a.ProviderRef,
		Status:        a.Status,
	}, nil
}

// HandleWebhook applies a normalized provider notification. Transitions run
// only when compatible with the current status; redundant deliveries are
// no-ops on status and amounts but still append to the audit log.
func (p *Processor) HandleWebhook(ctx context.Context, event *providers.WebhookEvent) error {
	var opErr error
	err := p.enqueue(ctx, func() {
		opErr = p.doHandleWebhook(ctx, event)
	})
	if err != nil {
		return err
	}
	return opErr
}

func (p *Processor) doHandleWebhook(ctx context.Context, event *providers.WebhookEvent) error {
	a, err := p.loaded(ctx)
	if err != nil {
		return err
	}

	outcome := "ignored"
	var notify func()
	switch event.Kind {
	case providers.KindAuthorizationCompleted:
		if a.Status == attempt.StatusPending || a.Status == attempt.StatusRequiresAction {
			if err := a.MarkAuthorized(event.Reference, ""); err == nil {
				outcome = "applied"
				notify = func() {
					p.notifier.AuthorizationCompleted(ctx, p.key.IntentID, event.Reference, "")
				}
			}
		}
	case providers.KindCaptureCompleted:
		switch a.Status {
		case attempt.StatusPending, attempt.StatusRequiresAction, attempt.StatusAuthorized:
			amount := event.AmountMinor
			if amount == 0 {
				amount = a.RequestedAmount
			}
			if err := a.MarkCaptured(event.Reference, amount); err == nil {
				outcome = "applied"
				notify = func() {
					p.notifier.CaptureCompleted(ctx, p.key.IntentID, a.ProviderRef, a.CapturedAmount)
				}
			}
		}
	case providers.KindPaymentFailed:
		if a.Status == attempt.StatusPending || a.Status == attempt.StatusRequiresAction {
			if err := a.MarkFailed("payment_failed", "provider reported payment failure"); err == nil {
				outcome = "applied"
			}
		}
	case providers.KindRefundCompleted:
		if a.Status == attempt.StatusCaptured && event.AmountMinor > 0 &&
			event.AmountMinor <= a.CapturedAmount-a.RefundedAmount {
			if err := a.ApplyRefund(event.AmountMinor); err == nil {
				outcome = "applied"
			}
		}
	case providers.KindChargebackCreated:
		if a.Status == attempt.StatusCaptured {
			if err := a.MarkDisputed(); err == nil {
				outcome = "applied"
			}
		}
	}

	// The log records every delivery, applied or not.
	a.AppendEvent("webhook."+string(event.Kind), event.Reference, map[string]any{
		"provider_event": event.ProviderEvent,
		"outcome":        outcome,
	})
	if err := p.persist(ctx); err != nil {
		return err
	}
	if notify != nil {
		notify()
	}

	if p.metrics != nil {
		p.metrics.WebhooksTotal.WithLabelValues(p.key.Provider, string(event.Kind), outcome).Inc()
	}
	p.logger.Info().
		Str("kind", string(event.Kind)).
		Str("outcome", outcome).
		Str("status", string(a.Status)).
		Msg("Webhook reconciled")
	return nil
}

// GetState returns a read-only snapshot of the attempt.
func (p *Processor) GetState(ctx context.Context) (*attempt.Attempt, error) {
	var snapshot *attempt.Attempt
	var opErr error
	err := p.enqueue(ctx, func() {
		a, err := p.loaded(ctx)
		if err != nil {
			opErr = err
			return
		}
		copied := *a
		copied.Events = append([]attempt.Event(nil), a.Events...)
		copied.IdempotencyKeys = make(map[string]string, len(a.IdempotencyKeys))
		for k, v := range a.IdempotencyKeys {
			copied.IdempotencyKeys[k] = v
		}
		snapshot = &copied
	})
	if err != nil {
		return nil, err
	}
	return snapshot, opErr
}

// loaded returns the in-memory attempt, recovering it from the store if the
// actor restarted. Operating on an attempt that was never authorized is a
// caller bug and surfaces as a raised error.
func (p *Processor) loaded(ctx context.Context) (*attempt.Attempt, error) {
	if p.state != nil {
		return p.state, nil
	}
	a, err := p.store.Load(ctx, p.key)
	if err != nil {
		if errors.Is(err, domainErrors.ErrAttemptNotFound) {
			return nil, fmt.Errorf("%w: %s", domainErrors.ErrAttemptNotStarted, p.key)
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	p.adopt(a)
	return a, nil
}

// failure builds a typed precondition/synthetic failure result.
func (p *Processor) failure(op, code, message string) OperationResult {
	var status attempt.Status
	if p.state != nil {
		status = p.state.Status
	}
	p.logger.Debug().Str("operation", op).Str("code", code).Msg(message)
	return OperationResult{Success: false, Status: status, Code: code, Message: message}
}

// observe records the operation counter and duration.
func (p *Processor) observe(op string, start time.Time, result OperationResult, opErr error) {
	if p.metrics == nil || opErr != nil {
		return
	}
	code := result.Code
	if result.Success {
		code = "ok"
	}
	p.metrics.OperationsTotal.WithLabelValues(op, p.key.Provider, code).Inc()
	p.metrics.OperationDuration.WithLabelValues(op, p.key.Provider).Observe(time.Since(start).Seconds())
}

// resultFromDomainError converts a domain-layer rejection into the uniform
// result shape.
func (p *Processor) resultFromDomainError(op string, err error) OperationResult {
	var de *domainErrors.DomainError
	if errors.As(err, &de) {
		return p.failure(op, de.Code, de.Message)
	}
	return p.failure(op, domainErrors.CodeProcessingError, err.Error())
}

// callProvider runs one provider call under the configured timeout and a
// span, recording its duration.
func (p *Processor) callProvider(ctx context.Context, op string, call func(ctx context.Context) (*providers.Result, error)) (*providers.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	callCtx, span := p.tracer.Start(callCtx, "provider."+op,
		trace.WithAttributes(
			attribute.String("payment.provider", p.key.Provider),
			attribute.String("payment.org_id", p.key.OrgID),
		))
	defer span.End()

	start := time.Now()
	res, err := call(callCtx)
	if p.metrics != nil {
		p.metrics.ProviderCallDuration.WithLabelValues(p.key.Provider, op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// handleCallFailure converts a network/processing failure into the uniform
// result shape, feeding the circuit breaker and the retry schedule.
// Provider errors never propagate past the actor.
func (p *Processor) handleCallFailure(ctx context.Context, op string, callErr error) (OperationResult, error) {
	p.breaker.RecordFailure(p.breakerKey())

	code := "processing_error"
	switch {
	case errors.Is(callErr, domainErrors.ErrProviderTimeout):
		// A timeout is never assumed to have succeeded.
		code = "timeout"
	case errors.Is(callErr, domainErrors.ErrProviderUnavailable):
		code = "provider_unavailable"
	}
	p.logger.Warn().Err(callErr).Str("operation", op).Str("error_code", code).Msg("Provider call failed")
	return p.recordTransient(ctx, op, code, callErr.Error())
}

// recordTransient schedules a retry when the error class allows one, or
// fails the attempt permanently when the cap is exhausted.
func (p *Processor) recordTransient(ctx context.Context, op, code, message string) (OperationResult, error) {
	a := p.state
	if p.cfg.RetryPolicy.ShouldRetry(a.RetryCount+1, code) {
		a.RecordTransientFailure(code, message, p.cfg.RetryPolicy.NextRetryTime(a.RetryCount))
		a.AppendEvent(op+".retry_scheduled", a.ProviderRef, map[string]any{
			"error_code":  code,
			"retry_count": a.RetryCount,
		})
		if p.metrics != nil {
			p.metrics.RetriesScheduled.WithLabelValues(p.key.Provider, code).Inc()
		}
	} else if !a.IsTerminal() && a.Status != attempt.StatusAuthorized && a.Status != attempt.StatusCaptured {
		// Retries exhausted on a not-yet-settled attempt.
		if err := a.MarkFailed(code, message); err == nil {
			a.AppendEvent(op+".failed", a.ProviderRef, map[string]any{"error_code": code})
		}
	} else {
		a.AppendEvent(op+".failed", a.ProviderRef, map[string]any{"error_code": code})
	}

	if err := p.persist(ctx); err != nil {
		return OperationResult{}, err
	}
	return OperationResult{
		Success: false,
		Status:  a.Status,
		Code:    domainErrors.CodeProcessingError,
		Message: message,
	}, nil
}

// providerRejection handles a completed round-trip whose outcome is a
// rejection of a capture/refund/void modification.
func (p *Processor) providerRejection(ctx context.Context, op string, res *providers.Result) (OperationResult, error) {
	a := p.state
	a.AppendEvent(op+".rejected", a.ProviderRef, map[string]any{
		"decline_code": res.DeclineCode,
	})
	if err := p.persist(ctx); err != nil {
		return OperationResult{}, err
	}
	code := res.DeclineCode
	if code == "" {
		code = domainErrors.CodeProcessingError
	}
	return OperationResult{
		Success:       false,
		TransactionID: a.ProviderRef,
		Status:        a.Status,
		Code:          code,
		Message:       res.ErrorMessage,
	}, nil
}

// persist commits the attempt under the cross-instance lock with the
// version as an optimistic-concurrency guard. Within one instance the
// mailbox already serializes; the lock plus version guard is the tie-break
// when a webhook and a synchronous call race across instances. First
// committer wins on status; the losing writer re-lands only its audit-log
// appends and freshly minted idempotency keys on top of the winner's state.
func (p *Processor) persist(ctx context.Context) error {
	a := p.state
	return p.locker.WithLock(ctx, "attempt:"+p.key.String(), func() error {
		err := p.store.Save(ctx, a, p.persistedVersion)
		if err == nil {
			p.persistedVersion = a.Version
			p.persistedEvents = len(a.Events)
			return nil
		}
		if !errors.Is(err, domainErrors.ErrVersionConflict) {
			return fmt.Errorf("persist attempt: %w", err)
		}

		// Another instance committed first.
		fresh, loadErr := p.store.Load(ctx, p.key)
		if loadErr != nil {
			return fmt.Errorf("reload after conflict: %w", loadErr)
		}
		freshVersion := fresh.Version
		for _, ev := range a.Events[p.persistedEvents:] {
			fresh.Events = append(fresh.Events, ev)
			fresh.Version++
		}
		for slot, key := range a.IdempotencyKeys {
			if _, ok := fresh.IdempotencyKeys[slot]; !ok {
				fresh.IdempotencyKeys[slot] = key
			}
		}
		if saveErr := p.store.Save(ctx, fresh, freshVersion); saveErr != nil {
			return fmt.Errorf("persist after conflict: %w", saveErr)
		}
		p.adopt(fresh)
		return nil
	})
}
