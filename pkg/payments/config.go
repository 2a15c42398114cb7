package payments

import (
	"net/http"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Store is the billing record persistence layer. Required.
	Store lexbill.Store

	// Catalog is the plan and signature-pack table. When nil, providers
	// use lexbill.DefaultCatalog().
	Catalog *lexbill.Catalog

	// EventLog is an optional fast-path dedup layer for webhook event
	// ids. When nil, dedup relies on the store's event-time guard alone.
	EventLog lexbill.EventLog

	// WebhookSecret is used to verify incoming webhook requests. Providers
	// with their own secret field treat this as the fallback.
	WebhookSecret string

	// APIKey is used for outbound API calls to the payments provider.
	// Providers with their own key field treat this as the fallback.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is an optional structured logger. Nil means no logging.
	Logger lexbill.Logger

	// Metrics is an optional metrics collector for provider operations.
	// If nil, metrics are silently ignored.
	// Use payments/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Notifier receives operator alerts for data inconsistencies that
	// need human attention. Nil means alerts are dropped.
	Notifier Notifier
}
