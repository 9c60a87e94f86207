package stripe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membermatters/billing/pkg/billing"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    *billing.WebhookEvent
		wantErr error
	}{
		{
			name: "invoice paid with string ids",
			payload: `{"id":"evt_1","type":"invoice.paid","data":{"object":{"object":"invoice",
				"customer":"cus_1","status":"paid","subscription":"sub_1","charge":"ch_1"}}}`,
			want: &billing.WebhookEvent{ID: "evt_1", Type: "invoice.paid", CustomerID: "cus_1",
				SubscriptionID: "sub_1", InvoiceStatus: "paid", ChargeID: "ch_1"},
		},
		{
			name: "invoice paid with expanded objects and parent details",
			payload: `{"id":"evt_2","type":"invoice.paid","data":{"object":{"object":"invoice",
				"customer":{"id":"cus_1","object":"customer"},"status":"paid",
				"parent":{"subscription_details":{"subscription":"sub_9"}},
				"payments":{"data":[{"payment":{"charge":"ch_9"}}]}}}}`,
			want: &billing.WebhookEvent{ID: "evt_2", Type: "invoice.paid", CustomerID: "cus_1",
				SubscriptionID: "sub_9", InvoiceStatus: "paid", ChargeID: "ch_9"},
		},
		{
			name: "subscription deleted",
			payload: `{"id":"evt_3","type":"customer.subscription.deleted","data":{"object":{
				"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}}}`,
			want: &billing.WebhookEvent{ID: "evt_3", Type: "customer.subscription.deleted",
				CustomerID: "cus_1", SubscriptionID: "sub_1"},
		},
		{
			name: "invoice payment failed with legacy expanded subscription",
			payload: `{"id":"evt_8","type":"invoice.payment_failed","data":{"object":{"object":"invoice",
				"customer":"cus_2","status":"open","subscription":{"id":"sub_2","object":"subscription"}}}}`,
			want: &billing.WebhookEvent{ID: "evt_8", Type: "invoice.payment_failed", CustomerID: "cus_2",
				SubscriptionID: "sub_2", InvoiceStatus: "open"},
		},
		{
			name: "subscription with expanded customer",
			payload: `{"id":"evt_9","type":"customer.subscription.deleted","data":{"object":{
				"id":"sub_3","object":"subscription","customer":{"id":"cus_3","object":"customer"},"status":"past_due"}}}`,
			want: &billing.WebhookEvent{ID: "evt_9", Type: "customer.subscription.deleted",
				CustomerID: "cus_3", SubscriptionID: "sub_3"},
		},
		{
			name:    "subscription without customer",
			payload: `{"id":"evt_10","type":"customer.subscription.deleted","data":{"object":{"id":"sub_4","object":"subscription"}}}`,
			wantErr: billing.ErrInvalidWebhookPayload,
		},
		{
			name:    "unhandled type is not inspected",
			payload: `{"id":"evt_4","type":"charge.refunded","data":{"object":{}}}`,
			want:    &billing.WebhookEvent{ID: "evt_4", Type: "charge.refunded"},
		},
		{
			name:    "malformed json",
			payload: `{"type":`,
			wantErr: billing.ErrInvalidWebhookPayload,
		},
		{
			name:    "missing type",
			payload: `{"id":"evt_5","data":{"object":{"customer":"cus_1"}}}`,
			wantErr: billing.ErrInvalidWebhookPayload,
		},
		{
			name:    "handled type without customer",
			payload: `{"id":"evt_6","type":"invoice.payment_failed","data":{"object":{"status":"open"}}}`,
			wantErr: billing.ErrInvalidWebhookPayload,
		},
		{
			name:    "handled type without object",
			payload: `{"id":"evt_7","type":"invoice.paid","data":{}}`,
			wantErr: billing.ErrInvalidWebhookPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEvent([]byte(tt.payload))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
