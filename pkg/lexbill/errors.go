package lexbill

import "errors"

var (
	// ErrUnauthenticated is returned when no caller identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNotAuthorized is returned when the caller is not an owner or
	// manager of the tenant.
	ErrNotAuthorized = errors.New("not authorized for this tenant")

	// ErrRecordNotFound is returned when no billing record matches.
	ErrRecordNotFound = errors.New("billing record not found")

	// ErrNoActiveSubscription is returned when an operation requires a
	// linked provider subscription and the record has none.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrCommitmentActive is returned when cancellation is blocked by the
	// minimum-commitment lock-in.
	ErrCommitmentActive = errors.New("commitment period not completed")

	// ErrSignatureVerificationFailed is returned when a webhook payload
	// fails HMAC verification. No mutation may follow it.
	ErrSignatureVerificationFailed = errors.New("webhook signature verification failed")

	// ErrUpstreamProvider wraps network or API failures from the payments
	// provider. Callers may retry.
	ErrUpstreamProvider = errors.New("payments provider error")

	// ErrDataInconsistency is returned when a provider event references an
	// external id with no matching tenant. Logged and acknowledged, never
	// retried.
	ErrDataInconsistency = errors.New("event does not match any tenant")

	// ErrPlanNotConfigured is returned when a plan or price reference is
	// missing from the catalog or price mapping.
	ErrPlanNotConfigured = errors.New("plan not configured")

	// ErrInvalidQuantity is returned for seat or pack quantities outside
	// the permitted range.
	ErrInvalidQuantity = errors.New("invalid quantity")
)
