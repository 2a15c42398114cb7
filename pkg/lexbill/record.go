package lexbill

import "time"

// SubscriptionStatus mirrors the provider-side subscription lifecycle.
type SubscriptionStatus string

const (
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// Terminal reports whether no further lifecycle transition is permitted.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled
}

// BillingInterval is the subscription billing cadence.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
)

// TenantBillingRecord is the authoritative internal view of a cabinet's
// subscription. It is created empty at tenant creation, populated by the
// first successful checkout webhook, mutated by subsequent lifecycle
// webhooks, and terminal once canceled.
//
// LastEventAt carries the provider-supplied event time of the last applied
// mutation. Store.UpsertRecord only applies a write whose LastEventAt is
// strictly newer, which makes redelivered and out-of-order events no-ops.
type TenantBillingRecord struct {
	TenantID     string
	BillingEmail string

	PlanID       PlanID
	SeatQuantity int64
	Status       SubscriptionStatus
	Interval     BillingInterval

	ExternalCustomerID     string
	ExternalSubscriptionID string
	ExternalItemID         string

	// Commitment window. Set once at first activation, immutable afterwards.
	CommitmentStartAt time.Time
	CommitmentEndAt   time.Time

	CurrentPeriodStartAt time.Time
	CurrentPeriodEndAt   time.Time

	// Display-only payment method details synced from the provider.
	PaymentMethodType  string
	PaymentMethodBrand string
	PaymentMethodLast4 string

	LastEventAt time.Time
	UpdatedAt   time.Time
}

// HasSubscription reports whether the record is linked to a provider
// subscription.
func (r *TenantBillingRecord) HasSubscription() bool {
	return r != nil && r.ExternalSubscriptionID != ""
}

// Clone returns a deep copy. Records are plain values, so a shallow copy
// suffices.
func (r *TenantBillingRecord) Clone() *TenantBillingRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// SignatureCreditGrant is one purchased signature-pack credit. Grants are
// append-only: each paid checkout session produces exactly one row, and the
// member's balance is the sum of non-expired grants. DedupKey is the
// provider checkout-session id; redelivered events must not create a second
// grant for the same session.
type SignatureCreditGrant struct {
	DedupKey       string
	CabinetID      string
	MemberID       string
	Quantity       int64
	UnitPriceCents int64
	GrantedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the grant no longer counts toward the balance.
func (g SignatureCreditGrant) Expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt)
}
