package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
)

// CancelAtPeriodEnd schedules the tenant's subscription to end at the
// close of the current billing period. The commitment guard runs before
// any provider call; a blocked cancellation returns a
// *payments.CommitmentError and touches nothing upstream.
func (p *Provider) CancelAtPeriodEnd(ctx context.Context, tenantID string) (*payments.CancelResult, error) {
	startTime := time.Now()

	rec, err := p.store.GetRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() || rec.Status.Terminal() {
		return nil, lexbill.ErrNoActiveSubscription
	}

	check := lexbill.CanCancel(rec, p.clock().UTC())
	if !check.Allowed {
		return nil, &payments.CommitmentError{
			CommitmentEndAt: check.CommitmentEndAt,
			RemainingMonths: check.RemainingMonths,
		}
	}

	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	if _, err := p.api.UpdateSubscription(ctx, rec.ExternalSubscriptionID, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))
		return nil, fmt.Errorf("%w: schedule cancellation: %v", lexbill.ErrUpstreamProvider, err)
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))
	p.logger.Info("cancellation scheduled",
		lexbill.Field{Key: "tenant_id", Value: tenantID},
		lexbill.Field{Key: "effective_at", Value: rec.CurrentPeriodEndAt})

	return &payments.CancelResult{EffectiveCancelAt: rec.CurrentPeriodEndAt}, nil
}
