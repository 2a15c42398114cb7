package payments

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// Provider is the generic interface a payments backend must implement.
// The rest of the application talks to this interface only, so the
// Stripe implementation can be swapped without touching billing logic.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time
	// provider events. The implementation handles signature verification,
	// parsing, and record updates internally.
	WebhookHandler() http.Handler

	// CreateCheckout creates a hosted checkout session for a new
	// subscription.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreateSignatureCheckout creates a hosted one-time payment session
	// for a signature credit pack. Nothing is credited at build time.
	CreateSignatureCheckout(ctx context.Context, req SignatureCheckoutRequest) (*CheckoutSession, error)

	// ChangeSeatQuantity updates the seat quantity on the subscription
	// item, applying the proration policy for the direction of the
	// change. The local record is not mutated; the resulting webhook is.
	ChangeSeatQuantity(ctx context.Context, subscriptionItemID string, newQuantity int64) (*SeatChange, error)

	// CancelAtPeriodEnd schedules the tenant's subscription to end at the
	// close of the current billing period, subject to the commitment
	// lock-in. A blocked cancellation returns a *CommitmentError.
	CancelAtPeriodEnd(ctx context.Context, tenantID string) (*CancelResult, error)

	// ReconcileTenant forces a synchronization of one tenant's billing
	// record from the provider. Used when a checkout webhook was missed.
	ReconcileTenant(ctx context.Context, tenantID string) error

	// ReconcileAll sweeps every record without a linked subscription and
	// attempts to relink it. Intended for a periodic job.
	ReconcileAll(ctx context.Context) (ReconcileReport, error)
}

// CheckoutRequest describes a new subscription checkout.
type CheckoutRequest struct {
	TenantID     string
	BillingEmail string
	PlanID       string
	Interval     string // "monthly" or "yearly"
	SeatQuantity int64
	SuccessURL   string
	CancelURL    string
}

// SignatureCheckoutRequest describes a one-time signature pack purchase.
// ActorID is the member initiating the purchase, MemberID the member the
// credits are for (usually the same).
type SignatureCheckoutRequest struct {
	CabinetID  string
	ActorID    string
	MemberID   string
	Quantity   int64
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is a created hosted checkout session.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
}

// SeatChange is the outcome of a seat-quantity update. ProrationAmountCents
// is the quoted charge for an increase, zero for a decrease.
type SeatChange struct {
	NewQuantity          int64
	ProrationAmountCents int64
	IsAdding             bool
}

// CancelResult is the outcome of a scheduled cancellation.
type CancelResult struct {
	EffectiveCancelAt time.Time
}

// ReconcileReport summarizes one drift reconciliation sweep.
type ReconcileReport struct {
	Scanned  int
	Relinked int
	Skipped  int
	Failed   int
}

// CommitmentError reports a cancellation blocked by the minimum-commitment
// lock-in. It unwraps to lexbill.ErrCommitmentActive so callers can keep
// classifying with errors.Is.
type CommitmentError struct {
	CommitmentEndAt time.Time
	RemainingMonths int
}

func (e *CommitmentError) Error() string {
	return fmt.Sprintf("commitment active until %s (%d months remaining)",
		e.CommitmentEndAt.Format("2006-01-02"), e.RemainingMonths)
}

func (e *CommitmentError) Unwrap() error { return lexbill.ErrCommitmentActive }
