package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// Components fall back to NoopMetrics when none is configured.
type Metrics interface {
	// RecordOperation records an engine operation outcome.
	// operation: "create", "change_plan", "cancel", "sync", "provision", "sweep"
	// status: "success" or the error code
	RecordOperation(operation, status string)

	// RecordOperationDuration records how long an engine operation took.
	RecordOperationDuration(operation string, duration time.Duration)

	// RecordWebhookEvent records a webhook event received from the processor.
	// status: "success", "ignored", "duplicate" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordStatusChange records a subscription status transition.
	RecordStatusChange(from, to Status)

	// RecordAPICall records an API call to the processor.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordEventPublished records a domain event publish attempt.
	RecordEventPublished(eventType, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordOperation(_, _ string)                                  {}
func (n *NoopMetrics) RecordOperationDuration(_ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStatusChange(_, _ Status)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordEventPublished(_, _ string)                             {}
