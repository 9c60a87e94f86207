package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "success", "ignored" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(errorType string)

	// RecordTransition records a member state or subscription status change.
	RecordTransition(field, from, to string)

	// RecordSubscriptionAttempt records one subscription create call.
	// outcome: "active", "incomplete", "retry", "failed"
	RecordSubscriptionAttempt(outcome string)

	// RecordAPICall records an API call to the payment provider.
	// status: "ok" or "error"
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordTransition(_, _, _ string)                           {}
func (n *NoopMetrics) RecordSubscriptionAttempt(_ string)                        {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
