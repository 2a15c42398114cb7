package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
)

// applySubscription derives the billing record from a provider subscription
// and writes it through the store's event-time guard. It is the single
// source of truth for how record state is derived: the webhook path and the
// drift reconciler both call it, so a reconciled record is identical to one
// produced by the webhook that was lost.
//
// rec must be a private copy (Clone); applySubscription mutates it before
// the conditional upsert. Returns whether the write was applied.
func (p *Provider) applySubscription(ctx context.Context, rec *lexbill.TenantBillingRecord, sub *stripe.Subscription, eventTime time.Time) (bool, error) {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return false, fmt.Errorf("%w: subscription %s has no items", lexbill.ErrDataInconsistency, sub.ID)
	}
	item := sub.Items.Data[0]
	if item.Price == nil {
		return false, fmt.Errorf("%w: subscription %s item has no price", lexbill.ErrDataInconsistency, sub.ID)
	}

	pp, ok := p.planForPrice(item.Price.ID)
	if !ok {
		return false, fmt.Errorf("%w: price %s", lexbill.ErrPlanNotConfigured, item.Price.ID)
	}

	previousPlan := rec.PlanID
	status := mapStatus(sub.Status)

	rec.PlanID = pp.PlanID
	rec.Interval = pp.Interval
	rec.SeatQuantity = item.Quantity
	rec.Status = status
	rec.ExternalSubscriptionID = sub.ID
	rec.ExternalItemID = item.ID
	if sub.Customer != nil {
		rec.ExternalCustomerID = sub.Customer.ID
	}
	if item.CurrentPeriodStart > 0 {
		rec.CurrentPeriodStartAt = time.Unix(item.CurrentPeriodStart, 0).UTC()
	}
	if item.CurrentPeriodEnd > 0 {
		rec.CurrentPeriodEndAt = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}

	// The commitment window is set exactly once, on first activation,
	// and never moved afterwards.
	if rec.CommitmentStartAt.IsZero() && (status == lexbill.StatusActive || status == lexbill.StatusTrialing) {
		rec.CommitmentStartAt = eventTime
		rec.CommitmentEndAt = eventTime.AddDate(0, p.lockInMonths, 0)
	}

	if dpm := sub.DefaultPaymentMethod; dpm != nil {
		rec.PaymentMethodType = string(dpm.Type)
		if dpm.Card != nil {
			rec.PaymentMethodBrand = string(dpm.Card.Brand)
			rec.PaymentMethodLast4 = dpm.Card.Last4
		}
	}

	rec.LastEventAt = eventTime
	rec.UpdatedAt = p.clock().UTC()

	applied, err := p.store.UpsertRecord(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("upsert record: %w", err)
	}

	if applied && previousPlan != "" && previousPlan != rec.PlanID {
		p.metrics.RecordPlanChange(providerName, string(previousPlan), string(rec.PlanID))
	}
	return applied, nil
}
