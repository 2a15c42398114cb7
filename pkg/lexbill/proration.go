package lexbill

import (
	"fmt"
	"time"
)

// smallestBillableUnit is one euro cent, the provider's smallest unit.
const smallestBillableUnit int64 = 1

const day = 24 * time.Hour

// ProrationQuote is the ephemeral cost delta for a mid-cycle seat change.
// It is never persisted; the provider's invoice is the source of truth for
// what is actually charged.
type ProrationQuote struct {
	OldQuantity int64
	NewQuantity int64
	// Delta is NewQuantity - OldQuantity.
	Delta         int64
	RemainingDays int64
	TotalDays     int64
	// AmountCents is the prorated charge for the remainder of the cycle,
	// rounded up to the smallest billable unit. Always >= 0.
	AmountCents int64
	// ImmediateInvoice is true only when quantity increases: the delta is
	// invoiced right away. Decreases take effect for the next cycle with no
	// refund for the current one. The asymmetry is policy, not an accident.
	ImmediateInvoice bool
}

// Quote computes the proration for changing a subscription item from
// oldQuantity to newQuantity at now, inside the cycle [periodStart,
// periodEnd). unitPriceCents is the per-seat price for the full cycle.
// Day counts are ceilings, and the amount rounds up to the smallest
// billable unit so a change never undercharges.
func Quote(oldQuantity, newQuantity, unitPriceCents int64, periodStart, periodEnd, now time.Time) (ProrationQuote, error) {
	if oldQuantity < 1 || newQuantity < 1 {
		return ProrationQuote{}, fmt.Errorf("%w: quantity must be >= 1", ErrInvalidQuantity)
	}
	if !periodEnd.After(periodStart) {
		return ProrationQuote{}, fmt.Errorf("invalid billing cycle: end %v not after start %v", periodEnd, periodStart)
	}
	if now.Before(periodStart) || now.After(periodEnd) {
		return ProrationQuote{}, fmt.Errorf("now %v outside billing cycle [%v, %v]", now, periodStart, periodEnd)
	}

	totalDays := ceilDays(periodEnd.Sub(periodStart))
	remainingDays := ceilDays(periodEnd.Sub(now))

	q := ProrationQuote{
		OldQuantity:   oldQuantity,
		NewQuantity:   newQuantity,
		Delta:         newQuantity - oldQuantity,
		RemainingDays: remainingDays,
		TotalDays:     totalDays,
	}

	delta := q.Delta
	if delta < 0 {
		delta = -delta
	}
	raw := float64(delta) * float64(unitPriceCents) * float64(remainingDays) / float64(totalDays)
	q.AmountCents = ceilToUnit(raw, smallestBillableUnit)

	// Explicit branch, not inferred from the amount: increases invoice the
	// prorated delta immediately, decreases only lower the billed quantity
	// going forward.
	if q.Delta > 0 {
		q.ImmediateInvoice = true
	}
	return q, nil
}

func ceilDays(d time.Duration) int64 {
	n := int64(d / day)
	if d%day != 0 {
		n++
	}
	return n
}

func ceilToUnit(raw float64, unit int64) int64 {
	if raw <= 0 {
		return 0
	}
	units := int64(raw) / unit
	if raw > float64(units*unit) {
		units++
	}
	return units * unit
}
