// Package webhook is the asynchronous entry point into the processor
// actors. Deliveries race with the synchronous flow; the actor mailbox and
// the version guard on the durable record resolve the order.
package webhook

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	domainErrors "github.com/tablestack/payproc/internal/domain/errors"
	"github.com/tablestack/payproc/internal/infrastructure/observability"
	"github.com/tablestack/payproc/internal/processor"
	"github.com/tablestack/payproc/internal/providers"
)

// Delivery is the raw inbound webhook contract.
type Delivery struct {
	EventType  string
	Signature  string
	RawPayload []byte
}

// Reconciler verifies, normalizes, and routes webhook deliveries.
type Reconciler struct {
	factory *providers.Factory
	manager *processor.Manager
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(factory *providers.Factory, manager *processor.Manager, logger zerolog.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{factory: factory, manager: manager, logger: logger, metrics: metrics}
}

// Handle processes one delivery for an org/provider pair. An unverifiable
// signature is rejected before the payload reaches any actor.
func (r *Reconciler) Handle(ctx context.Context, orgID, providerName string, d Delivery) error {
	provider, err := r.factory.Get(providerName)
	if err != nil {
		return err
	}

	if err := provider.VerifyWebhookSignature(d.RawPayload, d.Signature); err != nil {
		if r.metrics != nil {
			r.metrics.WebhookSignatureFails.WithLabelValues(providerName).Inc()
		}
		r.logger.Warn().
			Str("org_id", orgID).
			Str("provider", providerName).
			Str("event_type", d.EventType).
			Msg("Rejected webhook with invalid signature")
		return fmt.Errorf("%w: %s", domainErrors.ErrInvalidSignature, d.EventType)
	}

	event, err := provider.ParseWebhookEvent(d.EventType, d.RawPayload)
	if err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if event.Kind == providers.KindUnknown {
		// Unknown events are acknowledged, not errors: providers add event
		// types without notice.
		r.logger.Debug().
			Str("provider", providerName).
			Str("event_type", d.EventType).
			Msg("Ignoring unrecognized webhook event type")
		return nil
	}

	return r.manager.RouteWebhook(ctx, orgID, providerName, event)
}
