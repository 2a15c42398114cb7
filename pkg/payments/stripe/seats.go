package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
)

// Proration directives sent with the subscription-item update. Increases
// invoice the prorated delta right away; decreases only lower the billed
// quantity for the next cycle, with no refund.
const (
	prorationAlwaysInvoice = "always_invoice"
	prorationNone          = "none"
)

// ChangeSeatQuantity updates the seat quantity on a subscription item.
// The record itself is not mutated here: the provider's subscription
// updated webhook applies the change, so a timeout mid-call leaves no
// half-applied local state. Provider failures surface as
// lexbill.ErrUpstreamProvider and are safe to retry.
func (p *Provider) ChangeSeatQuantity(ctx context.Context, subscriptionItemID string, newQuantity int64) (*payments.SeatChange, error) {
	startTime := time.Now()

	rec, err := p.store.FindRecordByItem(ctx, subscriptionItemID)
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() {
		return nil, lexbill.ErrNoActiveSubscription
	}
	if rec.Status.Terminal() {
		return nil, lexbill.ErrNoActiveSubscription
	}

	plan, ok := p.catalog.Plan(rec.PlanID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", lexbill.ErrPlanNotConfigured, rec.PlanID)
	}
	if plan.Limits.MaxSeats != lexbill.Unlimited && newQuantity > plan.Limits.MaxSeats {
		return nil, fmt.Errorf("%w: %d seats exceeds plan limit %d",
			lexbill.ErrInvalidQuantity, newQuantity, plan.Limits.MaxSeats)
	}

	unitPrice := plan.MonthlyPriceCents
	if rec.Interval == lexbill.IntervalYearly {
		unitPrice = plan.YearlyPriceCents()
	}

	quote, err := lexbill.Quote(rec.SeatQuantity, newQuantity, unitPrice,
		rec.CurrentPeriodStartAt, rec.CurrentPeriodEndAt, p.clock().UTC())
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionItemUpdateParams{
		Quantity: stripe.Int64(newQuantity),
	}
	if quote.ImmediateInvoice {
		params.ProrationBehavior = stripe.String(prorationAlwaysInvoice)
	} else {
		params.ProrationBehavior = stripe.String(prorationNone)
	}

	if _, err := p.api.UpdateSubscriptionItem(ctx, subscriptionItemID, params); err != nil {
		p.metrics.RecordAPICall(providerName, "/subscription_items", "error")
		p.metrics.RecordAPICallDuration(providerName, "/subscription_items", time.Since(startTime))
		return nil, fmt.Errorf("%w: update subscription item: %v", lexbill.ErrUpstreamProvider, err)
	}

	p.metrics.RecordAPICall(providerName, "/subscription_items", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscription_items", time.Since(startTime))
	p.logger.Info("seat quantity updated",
		lexbill.Field{Key: "tenant_id", Value: rec.TenantID},
		lexbill.Field{Key: "old_quantity", Value: rec.SeatQuantity},
		lexbill.Field{Key: "new_quantity", Value: newQuantity},
		lexbill.Field{Key: "immediate_invoice", Value: quote.ImmediateInvoice})

	change := &payments.SeatChange{
		NewQuantity: newQuantity,
		IsAdding:    quote.ImmediateInvoice,
	}
	if quote.ImmediateInvoice {
		change.ProrationAmountCents = quote.AmountCents
	}
	return change, nil
}
