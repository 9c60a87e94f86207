package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/membermatters/billing/pkg/billing"
)

// legacyInvoiceFields are top-level invoice fields from API versions older
// than the one the SDK models. Newer versions moved the subscription under
// parent.subscription_details and the charge under payments.
type legacyInvoiceFields struct {
	Subscription *stripe.Subscription `json:"subscription"`
	Charge       *stripe.Charge       `json:"charge"`
}

// parseEvent decodes a Stripe event payload into a WebhookEvent and checks
// that handled event types carry the fields their handlers need.
func parseEvent(payload []byte) (*billing.WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", billing.ErrInvalidWebhookPayload)
	}

	ev := &billing.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if !ev.Handled() {
		return ev, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", billing.ErrInvalidWebhookPayload)
	}

	switch ev.Type {
	case billing.EventInvoicePaid, billing.EventInvoicePaymentFailed:
		return parseInvoiceEvent(ev, event.Data.Raw)
	default:
		return parseSubscriptionEvent(ev, event.Data.Raw)
	}
}

func parseInvoiceEvent(ev *billing.WebhookEvent, raw json.RawMessage) (*billing.WebhookEvent, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return nil, fmt.Errorf("%w: %s without customer", billing.ErrInvalidWebhookPayload, ev.Type)
	}

	var legacy legacyInvoiceFields
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	ev.CustomerID = invoice.Customer.ID
	ev.InvoiceStatus = string(invoice.Status)
	ev.SubscriptionID = invoiceSubscriptionID(&invoice, &legacy)
	ev.ChargeID = invoiceChargeID(&invoice, &legacy)
	return ev, nil
}

func parseSubscriptionEvent(ev *billing.WebhookEvent, raw json.RawMessage) (*billing.WebhookEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return nil, fmt.Errorf("%w: %s without customer", billing.ErrInvalidWebhookPayload, ev.Type)
	}
	ev.CustomerID = sub.Customer.ID
	ev.SubscriptionID = sub.ID
	return ev, nil
}

func invoiceSubscriptionID(invoice *stripe.Invoice, legacy *legacyInvoiceFields) string {
	if legacy.Subscription != nil && legacy.Subscription.ID != "" {
		return legacy.Subscription.ID
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func invoiceChargeID(invoice *stripe.Invoice, legacy *legacyInvoiceFields) string {
	if legacy.Charge != nil && legacy.Charge.ID != "" {
		return legacy.Charge.ID
	}
	if invoice.Payments == nil {
		return ""
	}
	for _, p := range invoice.Payments.Data {
		if p != nil && p.Payment != nil && p.Payment.Charge != nil && p.Payment.Charge.ID != "" {
			return p.Payment.Charge.ID
		}
	}
	return ""
}
