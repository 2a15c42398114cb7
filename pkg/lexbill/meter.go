package lexbill

import (
	"context"
	"fmt"
	"time"
)

// SignatureSource says which allowance covered a consumed signature.
type SignatureSource string

const (
	// SourcePlan means the signature fit inside the plan's per-cycle quota.
	SourcePlan SignatureSource = "plan"
	// SourceCredits means the per-cycle quota is spent and a purchased
	// credit covered the overage.
	SourceCredits SignatureSource = "credits"
)

// SignatureDecision is the outcome of a signature consumption attempt.
type SignatureDecision struct {
	Allowed bool
	Source  SignatureSource

	// PlanRemaining is the per-cycle allowance left after this decision.
	// Unlimited plans report Unlimited.
	PlanRemaining int64

	// CreditBalance is the member's non-expired purchased credit total.
	CreditBalance int64
}

// SignatureMeter gates electronic signature operations against the tenant's
// plan allowance and the member's purchased credit packs. The per-cycle
// usage counter keeps counting past the plan quota; the overage beyond the
// quota must be covered by credits, one per signature.
type SignatureMeter struct {
	store   Store
	catalog *Catalog
	clock   func() time.Time
}

// NewSignatureMeter builds a meter. A nil catalog uses the default plan
// table; a nil clock uses time.Now.
func NewSignatureMeter(store Store, catalog *Catalog, clock func() time.Time) (*SignatureMeter, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if clock == nil {
		clock = time.Now
	}
	return &SignatureMeter{store: store, catalog: catalog, clock: clock}, nil
}

// Consume attempts to spend one signature for the member. When refused, the
// returned decision carries the balances the caller needs to explain why.
// Consume never mutates state on refusal. The check and the increment are
// one Store call, so concurrent consumers racing for the last signature
// cannot both win.
func (m *SignatureMeter) Consume(ctx context.Context, tenantID, memberID string) (SignatureDecision, error) {
	rec, err := m.store.GetRecord(ctx, tenantID)
	if err != nil {
		return SignatureDecision{}, err
	}
	if rec.Status.Terminal() {
		return SignatureDecision{}, ErrNoActiveSubscription
	}

	limits := m.catalog.ResolveLimits(rec.PlanID, PlanEssential)
	limit := limits.MaxSignaturesPerCycle

	res, err := m.store.ConsumeSignature(ctx, tenantID, memberID, limit, m.clock().UTC())
	if err != nil {
		return SignatureDecision{}, err
	}

	decision := SignatureDecision{CreditBalance: res.CreditBalance}
	if !res.Consumed {
		decision.PlanRemaining = 0
		return decision, nil
	}

	decision.Allowed = true
	decision.Source = SourcePlan
	if res.FromCredits {
		// The counter keeps running past the plan quota; the overage is
		// covered by credits, one per signature.
		decision.Source = SourceCredits
		decision.CreditBalance = res.CreditBalance - (res.Used - limit)
	}
	if limit == Unlimited {
		decision.PlanRemaining = Unlimited
	} else if remaining := limit - res.Used; remaining > 0 {
		decision.PlanRemaining = remaining
	}
	return decision, nil
}

// Peek reports the current allowance without consuming anything.
func (m *SignatureMeter) Peek(ctx context.Context, tenantID, memberID string) (SignatureDecision, error) {
	rec, err := m.store.GetRecord(ctx, tenantID)
	if err != nil {
		return SignatureDecision{}, err
	}

	limits := m.catalog.ResolveLimits(rec.PlanID, PlanEssential)
	limit := limits.MaxSignaturesPerCycle

	used, err := m.store.SignatureUsage(ctx, tenantID)
	if err != nil {
		return SignatureDecision{}, err
	}
	balance, err := m.store.CreditBalance(ctx, tenantID, memberID, m.clock().UTC())
	if err != nil {
		return SignatureDecision{}, err
	}

	decision := SignatureDecision{CreditBalance: balance}
	switch {
	case limit == Unlimited:
		decision.Allowed = true
		decision.Source = SourcePlan
		decision.PlanRemaining = Unlimited
	case used < limit:
		decision.Allowed = true
		decision.Source = SourcePlan
		decision.PlanRemaining = limit - used
	case balance > used-limit:
		decision.Allowed = true
		decision.Source = SourceCredits
		decision.CreditBalance = balance - (used - limit)
	}
	return decision, nil
}
