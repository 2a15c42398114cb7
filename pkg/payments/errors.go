package payments

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing a
	// required dependency or credential.
	ErrProviderNotConfigured = errors.New("payments provider not configured")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot
	// be parsed.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrNotSupported is returned when a provider does not support an
	// operation.
	ErrNotSupported = errors.New("operation not supported by this provider")
)
