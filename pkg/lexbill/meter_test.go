package lexbill_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/storage/memory"
)

func newMeterFixture(t *testing.T, planID lexbill.PlanID) (*lexbill.SignatureMeter, *memory.Store) {
	t.Helper()

	store := memory.New()
	applied, err := store.UpsertRecord(context.Background(), &lexbill.TenantBillingRecord{
		TenantID:    "cab_1",
		PlanID:      planID,
		Status:      lexbill.StatusActive,
		LastEventAt: time.Unix(1, 0),
	})
	require.NoError(t, err)
	require.True(t, applied)

	meter, err := lexbill.NewSignatureMeter(store, nil, nil)
	require.NoError(t, err)
	return meter, store
}

func TestMeterConsumesPlanAllowance(t *testing.T) {
	meter, _ := newMeterFixture(t, lexbill.PlanEssential)
	ctx := context.Background()

	// Essential includes 15 signatures per cycle.
	for i := 0; i < 15; i++ {
		decision, err := meter.Consume(ctx, "cab_1", "member_1")
		require.NoError(t, err)
		require.True(t, decision.Allowed, "signature %d", i+1)
		assert.Equal(t, lexbill.SourcePlan, decision.Source)
		assert.Equal(t, int64(14-i), decision.PlanRemaining)
	}

	decision, err := meter.Consume(ctx, "cab_1", "member_1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Zero(t, decision.PlanRemaining)
	assert.Zero(t, decision.CreditBalance)
}

func TestMeterFallsBackToCredits(t *testing.T) {
	meter, store := newMeterFixture(t, lexbill.PlanEssential)
	ctx := context.Background()

	_, err := store.AddSignatureUsage(ctx, "cab_1", 15)
	require.NoError(t, err)

	inserted, err := store.InsertCreditGrant(ctx, &lexbill.SignatureCreditGrant{
		DedupKey:  "cs_pack_1",
		CabinetID: "cab_1",
		MemberID:  "member_1",
		Quantity:  2,
		GrantedAt: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	first, err := meter.Consume(ctx, "cab_1", "member_1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, lexbill.SourceCredits, first.Source)
	assert.Equal(t, int64(1), first.CreditBalance)

	second, err := meter.Consume(ctx, "cab_1", "member_1")
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Zero(t, second.CreditBalance)

	// Both the quota and the credits are spent now.
	third, err := meter.Consume(ctx, "cab_1", "member_1")
	require.NoError(t, err)
	assert.False(t, third.Allowed)
}

func TestMeterConcurrentConsumersCannotOvershoot(t *testing.T) {
	meter, store := newMeterFixture(t, lexbill.PlanEssential)
	ctx := context.Background()

	// One signature left in the plan allowance, no credits.
	_, err := store.AddSignatureUsage(ctx, "cab_1", 14)
	require.NoError(t, err)

	const workers = 10
	var allowed int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			decision, err := meter.Consume(ctx, "cab_1", "member_1")
			if err == nil && decision.Allowed {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), allowed, "exactly one consumer may win the last signature")

	used, err := store.SignatureUsage(ctx, "cab_1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), used)
}

func TestMeterCreditsAreScopedToMember(t *testing.T) {
	meter, store := newMeterFixture(t, lexbill.PlanEssential)
	ctx := context.Background()

	_, err := store.AddSignatureUsage(ctx, "cab_1", 15)
	require.NoError(t, err)
	_, err = store.InsertCreditGrant(ctx, &lexbill.SignatureCreditGrant{
		DedupKey:  "cs_pack_1",
		CabinetID: "cab_1",
		MemberID:  "member_1",
		Quantity:  10,
		GrantedAt: time.Now(),
	})
	require.NoError(t, err)

	decision, err := meter.Consume(ctx, "cab_1", "member_other")
	require.NoError(t, err)
	assert.False(t, decision.Allowed, "another member's credits must not apply")
}

func TestMeterUnknownPlanUsesEssentialLimits(t *testing.T) {
	meter, _ := newMeterFixture(t, "legacy-plan")

	decision, err := meter.Consume(context.Background(), "cab_1", "member_1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(14), decision.PlanRemaining)
}

func TestMeterRefusesTerminalRecord(t *testing.T) {
	meter, store := newMeterFixture(t, lexbill.PlanEssential)
	ctx := context.Background()

	applied, err := store.UpsertRecord(ctx, &lexbill.TenantBillingRecord{
		TenantID:    "cab_1",
		PlanID:      lexbill.PlanEssential,
		Status:      lexbill.StatusCanceled,
		LastEventAt: time.Unix(2, 0),
	})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = meter.Consume(ctx, "cab_1", "member_1")
	assert.ErrorIs(t, err, lexbill.ErrNoActiveSubscription)
}

func TestMeterUnknownTenant(t *testing.T) {
	meter, _ := newMeterFixture(t, lexbill.PlanEssential)

	_, err := meter.Consume(context.Background(), "cab_missing", "member_1")
	assert.ErrorIs(t, err, lexbill.ErrRecordNotFound)
}

func TestMeterPeekDoesNotConsume(t *testing.T) {
	meter, store := newMeterFixture(t, lexbill.PlanEssential)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := meter.Peek(ctx, "cab_1", "member_1")
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, int64(15), decision.PlanRemaining)
	}

	used, err := store.SignatureUsage(ctx, "cab_1")
	require.NoError(t, err)
	assert.Zero(t, used)
}
