package payments

import "time"

// Metrics defines the interface for tracking payments provider operations.
// All methods are optional: providers must gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// eventType: the provider event type (e.g. "checkout.session.completed")
	// status: "success", "skipped_stale", or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took to process.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "unmatched_event"
	RecordWebhookError(provider, errorType string)

	// RecordReconcile records a drift reconciliation for one tenant.
	// outcome: "relinked", "skipped", or "error"
	RecordReconcile(provider, outcome string)

	// RecordReconcileDuration records how long a tenant reconciliation took.
	RecordReconcileDuration(provider string, duration time.Duration)

	// RecordPlanChange records a tenant moving between plans.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordAPICall records an outbound API call to the provider.
	// status: HTTP-ish status string or a short outcome label
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an outbound API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordReconcile(_, _ string)                                  {}
func (n *NoopMetrics) RecordReconcileDuration(_ string, _ time.Duration)            {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
