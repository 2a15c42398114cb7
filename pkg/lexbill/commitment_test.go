package lexbill

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanCancel(t *testing.T) {
	start := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	rec := &TenantBillingRecord{
		CommitmentStartAt: start,
		CommitmentEndAt:   end,
	}

	tests := []struct {
		name          string
		now           time.Time
		wantAllowed   bool
		wantRemaining int
	}{
		{
			name:          "mid-commitment",
			now:           time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			wantAllowed:   false,
			wantRemaining: 8,
		},
		{
			name:          "day before expiry",
			now:           end.Add(-24 * time.Hour),
			wantAllowed:   false,
			wantRemaining: 1,
		},
		{
			name:        "exactly at expiry",
			now:         end,
			wantAllowed: true,
		},
		{
			name:        "after expiry",
			now:         end.AddDate(0, 3, 0),
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := CanCancel(rec, tt.now)
			assert.Equal(t, tt.wantAllowed, check.Allowed)
			assert.Equal(t, tt.wantRemaining, check.RemainingMonths)
			assert.Equal(t, end, check.CommitmentEndAt)
		})
	}
}

func TestCanCancelNoCommitment(t *testing.T) {
	// A record that never set a commitment window is always cancellable.
	rec := &TenantBillingRecord{}
	check := CanCancel(rec, time.Now())
	assert.True(t, check.Allowed)
	assert.Zero(t, check.RemainingMonths)
}

func TestCanCancelRemainingMonotonic(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &TenantBillingRecord{
		CommitmentStartAt: start,
		CommitmentEndAt:   start.AddDate(1, 0, 0),
	}

	prev := 13
	for now := start; now.Before(rec.CommitmentEndAt); now = now.Add(10 * 24 * time.Hour) {
		check := CanCancel(rec, now)
		assert.False(t, check.Allowed)
		assert.LessOrEqual(t, check.RemainingMonths, prev, "at %v", now)
		assert.Greater(t, check.RemainingMonths, 0, "at %v", now)
		prev = check.RemainingMonths
	}
}
