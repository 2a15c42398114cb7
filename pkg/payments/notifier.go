package payments

import "context"

// Alert is an operator notification about a billing anomaly the system
// acknowledged but could not resolve on its own.
type Alert struct {
	// Kind is a short machine-readable label, e.g. "unmatched_event".
	Kind string

	// Summary is a one-line human-readable description.
	Summary string

	// Fields carries structured context (event id, customer id, etc.).
	Fields map[string]string
}

// Notifier delivers operator alerts. Implementations might post to a
// chat channel, open a ticket, or page. Delivery failures must not
// affect webhook acknowledgement.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// NoopNotifier drops all alerts.
type NoopNotifier struct{}

func (NoopNotifier) Notify(_ context.Context, _ Alert) {}
