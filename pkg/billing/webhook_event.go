package billing

// Webhook event types the processor acts on.
const (
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
)

// InvoiceStatusPaid is the invoice status that can activate a member.
const InvoiceStatusPaid = "paid"

// WebhookEvent is the validated content of a provider webhook delivery.
// It is built per request, consumed once and never persisted.
type WebhookEvent struct {
	// ID is the provider event id (evt_...). May be empty for unsigned dev payloads.
	ID string

	// Type is the provider event type, e.g. "invoice.paid".
	Type string

	// CustomerID is the provider customer the event belongs to.
	CustomerID string

	// SubscriptionID is the subscription on the invoice or the deleted subscription.
	SubscriptionID string

	// InvoiceStatus is set for invoice events.
	InvoiceStatus string

	// ChargeID is the charge that paid the invoice, if any.
	ChargeID string
}

// Handled reports whether the processor has a handler for the event type.
func (e *WebhookEvent) Handled() bool {
	switch e.Type {
	case EventInvoicePaid, EventInvoicePaymentFailed, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}
