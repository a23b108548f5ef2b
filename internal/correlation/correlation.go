// Package correlation derives and carries the trace id that links a billing
// event to every job, audit row, and log line produced while handling it.
package correlation

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

// StripeEvent is the slice of a Stripe webhook envelope this system reads.
// The full SDK object is an external collaborator; only id, type, and the
// nested object's payment_intent and metadata matter for correlation.
type StripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object StripeObject `json:"object"`
	} `json:"data"`
}

type StripeObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// ParseStripeEvent decodes a raw webhook body into the envelope.
func ParseStripeEvent(body []byte) (*StripeEvent, error) {
	var ev StripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errors.Wrap(err, "parse stripe event")
	}
	if ev.ID == "" {
		return nil, errors.New("stripe event missing id")
	}
	return &ev, nil
}

// Context threads the trace id and tenant scope through job processing.
type Context struct {
	CorrelationID   string
	PaymentIntentID string
	StripeEventID   string
	TenantID        string
}

// FromStripeEvent returns the correlation context for a billing event.
// The payment intent is the trace id when present; event types that carry
// none (subscription updates and the like) fall back to the event id.
func FromStripeEvent(ev *StripeEvent) Context {
	ctx := Context{
		StripeEventID:   ev.ID,
		PaymentIntentID: ev.Data.Object.PaymentIntent,
		TenantID:        ev.Data.Object.Metadata["tenant_id"],
	}
	if ctx.PaymentIntentID != "" {
		ctx.CorrelationID = ctx.PaymentIntentID
	} else {
		ctx.CorrelationID = ev.ID
	}
	return ctx
}

// NewID mints a trace id for work with no natural external id. KSUIDs are
// time-prefixed, so ids sort by creation order.
func NewID() string {
	return "corr_" + ksuid.New().String()
}

// NewContext bundles an existing trace id with a tenant scope.
func NewContext(correlationID, tenantID string) Context {
	return Context{CorrelationID: correlationID, TenantID: tenantID}
}
