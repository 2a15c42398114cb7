package lexbill

import "time"

// commitmentMonth is the 30-day month used to report remaining lock-in time.
// This is a deliberate business approximation, not calendar arithmetic: the
// remaining-month figure is informational and must be stable regardless of
// which calendar months the window spans.
const commitmentMonth = 30 * 24 * time.Hour

// CommitmentCheck is the result of a cancellation eligibility check.
type CommitmentCheck struct {
	Allowed         bool
	CommitmentEndAt time.Time
	RemainingMonths int
}

// CanCancel reports whether the record's commitment window has elapsed at
// now. When it has not, RemainingMonths holds the whole months left,
// ceiling-divided against the 30-day approximation. Pure predicate: callers
// consult it before any provider call, and it mutates nothing.
func CanCancel(rec *TenantBillingRecord, now time.Time) CommitmentCheck {
	check := CommitmentCheck{CommitmentEndAt: rec.CommitmentEndAt}
	if rec.CommitmentEndAt.IsZero() || !now.Before(rec.CommitmentEndAt) {
		check.Allowed = true
		return check
	}
	gap := rec.CommitmentEndAt.Sub(now)
	months := int(gap / commitmentMonth)
	if gap%commitmentMonth != 0 {
		months++
	}
	check.RemainingMonths = months
	return check
}
