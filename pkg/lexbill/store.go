package lexbill

import (
	"context"
	"time"
)

// Store defines the interface for billing persistence.
// All methods use concrete types from this package to avoid import cycles.
type Store interface {
	// GetRecord retrieves a tenant's billing record.
	// Returns ErrRecordNotFound when the tenant has no record.
	GetRecord(ctx context.Context, tenantID string) (*TenantBillingRecord, error)

	// FindRecordByCustomer retrieves the record linked to an external
	// customer id. Returns ErrRecordNotFound when none matches.
	FindRecordByCustomer(ctx context.Context, customerID string) (*TenantBillingRecord, error)

	// FindRecordBySubscription retrieves the record linked to an external
	// subscription id. Returns ErrRecordNotFound when none matches.
	FindRecordBySubscription(ctx context.Context, subscriptionID string) (*TenantBillingRecord, error)

	// FindRecordByItem retrieves the record linked to an external
	// subscription-item id. Returns ErrRecordNotFound when none matches.
	FindRecordByItem(ctx context.Context, itemID string) (*TenantBillingRecord, error)

	// FindRecordByEmail retrieves the record whose billing email matches.
	// Used by the drift reconciler to relink orphaned records.
	// Returns ErrRecordNotFound when none matches.
	FindRecordByEmail(ctx context.Context, email string) (*TenantBillingRecord, error)

	// ListRecordsWithoutSubscription returns records that exist but carry no
	// external subscription id. These are the drift reconciler's candidates.
	ListRecordsWithoutSubscription(ctx context.Context) ([]*TenantBillingRecord, error)

	// UpsertRecord writes the record if and only if rec.LastEventAt is
	// strictly newer than the stored LastEventAt (or no record exists).
	// Returns true when the write was applied, false when it was skipped as
	// stale. The guard is enforced here, atomically, so concurrent webhook
	// deliveries cannot interleave a stale write between a read and a set.
	UpsertRecord(ctx context.Context, rec *TenantBillingRecord) (bool, error)

	// InsertCreditGrant appends a signature credit grant. Grants are keyed
	// on DedupKey; inserting a key that already exists is a no-op and
	// returns false. Returns true when a new grant was recorded.
	InsertCreditGrant(ctx context.Context, grant *SignatureCreditGrant) (bool, error)

	// CreditBalance returns the sum of a member's non-expired grant
	// quantities at now.
	CreditBalance(ctx context.Context, cabinetID, memberID string, now time.Time) (int64, error)

	// AddSignatureUsage atomically increments the tenant's signature usage
	// counter for the current cycle and returns the new total.
	AddSignatureUsage(ctx context.Context, tenantID string, n int64) (int64, error)

	// ConsumeSignature spends one signature when the plan limit (Unlimited
	// disables the check) or the member's non-expired credits still cover
	// it. The check and the increment run under one lock or transaction, so
	// concurrent calls can never consume past the combined allowance.
	ConsumeSignature(ctx context.Context, tenantID, memberID string, limit int64, now time.Time) (SignatureConsumption, error)

	// SignatureUsage returns the tenant's usage counter for the current cycle.
	SignatureUsage(ctx context.Context, tenantID string) (int64, error)

	// ResetSignatureUsage zeroes the tenant's per-cycle signature counter.
	// Called on invoice-paid renewal events.
	ResetSignatureUsage(ctx context.Context, tenantID string) error
}

// SignatureConsumption reports the outcome of Store.ConsumeSignature.
type SignatureConsumption struct {
	// Consumed is true when the usage counter was incremented.
	Consumed bool

	// FromCredits is true when the increment landed past the plan limit
	// and a purchased credit covered it.
	FromCredits bool

	// Used is the tenant's usage counter after the call. On refusal it is
	// the unchanged counter.
	Used int64

	// CreditBalance is the member's non-expired credit total at now,
	// measured before this consumption.
	CreditBalance int64
}

// EventLog is an optional fast-path dedup layer for webhook event ids.
// It is advisory: a missing or failing event log degrades to the
// LastEventAt guard in the Store, never to double application.
type EventLog interface {
	// MarkProcessed records an event id with a retention window. Returns
	// false when the id was already marked.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}
