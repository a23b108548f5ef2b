package handlers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/provisiond/internal/correlation"
	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/queue"
)

// processWebhook turns a recorded billing event into downstream jobs. A
// completed checkout fans out into license provisioning, tenant setup,
// and a confirmation email, all stamped with the event's correlation id.
// Event types with no provisioning consequence are marked ignored and the
// job completes.
func (r *Registry) processWebhook(ctx context.Context, job *domain.Job) error {
	eventID, err := stringField(job.Payload, "stripe_event_id")
	if err != nil {
		return err
	}
	ev, err := r.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return errors.Wrapf(err, "webhook event %s", eventID)
	}

	switch ev.EventType {
	case "checkout.session.completed":
		if err := r.fanOutCheckout(ctx, job, ev); err != nil {
			return err
		}
	case "customer.subscription.deleted":
		if err := r.enqueueToggle(ctx, job, ev, "suspend", "subscription deleted"); err != nil {
			return err
		}
	case "customer.subscription.updated":
		if err := r.enqueueToggle(ctx, job, ev, "reactivate", "subscription updated"); err != nil {
			return err
		}
	default:
		r.log.Info("webhook event ignored",
			zap.String("stripe_event_id", eventID),
			zap.String("event_type", ev.EventType),
			zap.String("correlation_id", job.CorrelationID))
		return r.store.MarkWebhookEvent(ctx, eventID, "ignored")
	}

	return r.store.MarkWebhookEvent(ctx, eventID, "processed")
}

func (r *Registry) fanOutCheckout(ctx context.Context, job *domain.Job, ev *domain.WebhookEvent) error {
	tenantID := metadataString(ev.Payload, "tenant_id")
	if tenantID == "" {
		return errors.Errorf("checkout event %s has no tenant_id metadata", ev.StripeEventID)
	}
	corr := correlation.Context{
		CorrelationID: job.CorrelationID,
		StripeEventID: ev.StripeEventID,
		TenantID:      tenantID,
	}
	if job.PaymentIntentID != nil {
		corr.PaymentIntentID = *job.PaymentIntentID
	}

	if _, err := r.queue.Enqueue(ctx, queue.EnqueueParams{
		Type: domain.LicenseProvision,
		Payload: domain.Payload{
			"tenant_id": tenantID,
			"plan":      metadataString(ev.Payload, "plan"),
			"seats":     intField(ev.Payload, "quantity", 1),
		},
		Correlation: corr,
	}); err != nil {
		return errors.Wrap(err, "enqueue license_provision")
	}
	if _, err := r.queue.Enqueue(ctx, queue.EnqueueParams{
		Type: domain.TenantSetup,
		Payload: domain.Payload{
			"tenant_id": tenantID,
			"plan":      metadataString(ev.Payload, "plan"),
		},
		Correlation: corr,
	}); err != nil {
		return errors.Wrap(err, "enqueue tenant_setup")
	}

	if to := optionalString(ev.Payload, "customer_email"); to != "" {
		if _, err := r.queue.Enqueue(ctx, queue.EnqueueParams{
			Type: domain.EmailSend,
			Payload: domain.Payload{
				"to":      to,
				"subject": "Your license is ready",
				"html":    "<p>Your organization has been provisioned. You can sign in now.</p>",
			},
			Correlation: corr,
		}); err != nil {
			return errors.Wrap(err, "enqueue email_send")
		}
	}
	return nil
}

func (r *Registry) enqueueToggle(ctx context.Context, job *domain.Job, ev *domain.WebhookEvent, action, reason string) error {
	tenantID := metadataString(ev.Payload, "tenant_id")
	if tenantID == "" {
		return errors.Errorf("event %s has no tenant_id metadata", ev.StripeEventID)
	}
	jt := domain.LicenseSuspend
	if action == "reactivate" {
		jt = domain.LicenseReactivate
	}
	_, err := r.queue.Enqueue(ctx, queue.EnqueueParams{
		Type: jt,
		Payload: domain.Payload{
			"tenant_id": tenantID,
			"action":    action,
			"reason":    reason,
		},
		Correlation: correlation.Context{
			CorrelationID: job.CorrelationID,
			StripeEventID: ev.StripeEventID,
			TenantID:      tenantID,
		},
	})
	return errors.Wrapf(err, "enqueue license_%s", action)
}

// metadataString digs metadata.<key> out of a stored event object.
func metadataString(p domain.Payload, key string) string {
	md, ok := p["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := md[key].(string)
	return v
}
