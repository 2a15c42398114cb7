package stripe

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/storage/memory"
)

var (
	testPeriodStart = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	testPeriodEnd   = testPeriodStart.AddDate(0, 1, 0)
)

// checkoutObject builds a subscription-mode checkout.session payload.
func checkoutObject(sessionID, tenantID, subscriptionID, email string) map[string]interface{} {
	obj := map[string]interface{}{
		"id":                  sessionID,
		"object":              "checkout.session",
		"mode":                "subscription",
		"payment_status":      "paid",
		"client_reference_id": tenantID,
		"metadata":            map[string]string{"tenant_id": tenantID},
		"subscription":        subscriptionID,
	}
	if email != "" {
		obj["customer_details"] = map[string]interface{}{"email": email}
	}
	return obj
}

// packObject builds a payment-mode checkout.session payload for a
// signature pack purchase.
func packObject(sessionID, cabinetID, memberID, paymentStatus string, quantity, unitPrice int64, expiresAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"mode":           "payment",
		"payment_status": paymentStatus,
		"metadata": map[string]string{
			"kind":             "signature_pack",
			"cabinet_id":       cabinetID,
			"member_id":        memberID,
			"quantity":         strconv.FormatInt(quantity, 10),
			"unit_price_cents": strconv.FormatInt(unitPrice, 10),
			"expires_at":       expiresAt.Format(time.RFC3339),
		},
	}
}

// countingStore wraps a store and counts conditional upserts.
type countingStore struct {
	lexbill.Store
	mu      sync.Mutex
	upserts int
}

func (s *countingStore) UpsertRecord(ctx context.Context, rec *lexbill.TenantBillingRecord) (bool, error) {
	s.mu.Lock()
	s.upserts++
	s.mu.Unlock()
	return s.Store.UpsertRecord(ctx, rec)
}

func (s *countingStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())

	payload := eventJSON(t, "evt_1", "customer.subscription.updated", testPeriodStart.Unix(),
		subObject("sub_1", "active", "cus_1", "price_pro_m", 3, testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix()))

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsNonPost(t *testing.T) {
	p := newTestProvider(t, memory.New(), newFakeAPI())

	req := httptest.NewRequest(http.MethodGet, "/billing/webhook", nil)
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookAcknowledgesUnknownEventType(t *testing.T) {
	p := newTestProvider(t, memory.New(), newFakeAPI())

	payload := eventJSON(t, "evt_1", "customer.tax_id.created", testPeriodStart.Unix(),
		map[string]interface{}{"id": "txi_1"})
	rec := deliver(t, p, payload)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookAcceptsPinnedAPIVersion(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 3,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	p := newTestProvider(t, store, api)

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	// An endpoint pinned to an older API version stamps its events with
	// that version; verification must not refuse them.
	payload := eventJSONVersion(t, "evt_1", "checkout.session.completed", "2024-06-20",
		testPeriodStart.Unix(), checkoutObject("cs_1", "cab_1", "sub_1", ""))
	resp := deliver(t, p, payload)
	require.Equal(t, http.StatusOK, resp.Code)

	rec := mustGetRecord(t, store, "cab_1")
	assert.Equal(t, "sub_1", rec.ExternalSubscriptionID)
}

func TestCheckoutCompletedLinksRecord(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 3,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())

	now := testPeriodStart.Add(time.Minute)
	p := newTestProvider(t, store, api, withClock(now))

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	eventTime := testPeriodStart.Add(30 * time.Second)
	payload := eventJSON(t, "evt_1", "checkout.session.completed", eventTime.Unix(),
		checkoutObject("cs_1", "cab_1", "sub_1", "avocat@cabinet.example"))
	resp := deliver(t, p, payload)
	require.Equal(t, http.StatusOK, resp.Code)

	rec := mustGetRecord(t, store, "cab_1")
	assert.Equal(t, lexbill.PlanProfessional, rec.PlanID)
	assert.Equal(t, lexbill.IntervalMonthly, rec.Interval)
	assert.Equal(t, int64(3), rec.SeatQuantity)
	assert.Equal(t, lexbill.StatusActive, rec.Status)
	assert.Equal(t, "cus_1", rec.ExternalCustomerID)
	assert.Equal(t, "sub_1", rec.ExternalSubscriptionID)
	assert.Equal(t, "si_sub_1", rec.ExternalItemID)
	assert.Equal(t, "avocat@cabinet.example", rec.BillingEmail)
	assert.Equal(t, testPeriodStart, rec.CurrentPeriodStartAt)
	assert.Equal(t, testPeriodEnd, rec.CurrentPeriodEndAt)

	// Commitment window starts at the event time and runs 12 months.
	assert.Equal(t, eventTime, rec.CommitmentStartAt)
	assert.Equal(t, eventTime.AddDate(0, 12, 0), rec.CommitmentEndAt)
}

func TestCheckoutCompletedPatchesSubscriptionMetadata(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 1,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	p := newTestProvider(t, store, api)

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	payload := eventJSON(t, "evt_1", "checkout.session.completed", testPeriodStart.Unix(),
		checkoutObject("cs_1", "cab_1", "sub_1", ""))
	resp := deliver(t, p, payload)
	require.Equal(t, http.StatusOK, resp.Code)

	updates := api.subUpdates["sub_1"]
	require.Len(t, updates, 1)
	assert.Equal(t, "cab_1", updates[0].Metadata["tenant_id"])
}

func TestCheckoutCompletedUnknownTenantAcknowledged(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 1,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	notifier := &recordingNotifier{}
	p := newTestProvider(t, store, api, withNotifier(notifier))

	payload := eventJSON(t, "evt_1", "checkout.session.completed", testPeriodStart.Unix(),
		checkoutObject("cs_1", "cab_missing", "sub_1", ""))
	resp := deliver(t, p, payload)

	// Acked so Stripe stops redelivering; the mismatch goes to the operator
	// channel instead.
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, notifier.count())
}

func TestWebhookRedeliveryIsNoop(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 3,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	p := newTestProvider(t, store, api)

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	payload := eventJSON(t, "evt_1", "checkout.session.completed", testPeriodStart.Unix(),
		checkoutObject("cs_1", "cab_1", "sub_1", ""))

	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	first := mustGetRecord(t, store, "cab_1")

	// Identical event time loses against the strictly-newer guard.
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	second := mustGetRecord(t, store, "cab_1")

	assert.Equal(t, first, second)
}

func TestEventLogShortCircuitsRedelivery(t *testing.T) {
	inner := memory.New()
	store := &countingStore{Store: inner}
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 3,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	p := newTestProvider(t, store, api, withEventLog(memory.NewEventLog()))

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})
	baseline := store.upsertCount()

	payload := eventJSON(t, "evt_1", "checkout.session.completed", testPeriodStart.Unix(),
		checkoutObject("cs_1", "cab_1", "sub_1", ""))

	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	require.Equal(t, baseline+1, store.upsertCount())

	// Second delivery of the same event id never reaches the store.
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	assert.Equal(t, baseline+1, store.upsertCount())
}

func TestStaleEventDoesNotRegressRecord(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	p := newTestProvider(t, store, api)

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	t2 := testPeriodStart.Add(time.Hour)
	t1 := testPeriodStart.Add(time.Minute)

	// Out-of-order delivery: the newer event arrives first. Metadata carries
	// the tenant id since the checkout handler never ran for this record.
	newerObj := subObject("sub_1", "active", "cus_1", "price_pro_m", 5, testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	newerObj["metadata"] = map[string]string{"tenant_id": "cab_1"}
	newer := eventJSON(t, "evt_2", "customer.subscription.updated", t2.Unix(), newerObj)

	olderObj := subObject("sub_1", "active", "cus_1", "price_pro_m", 9, testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	olderObj["metadata"] = map[string]string{"tenant_id": "cab_1"}
	older := eventJSON(t, "evt_1", "customer.subscription.updated", t1.Unix(), olderObj)

	require.Equal(t, http.StatusOK, deliver(t, p, newer).Code)
	require.Equal(t, http.StatusOK, deliver(t, p, older).Code)

	rec := mustGetRecord(t, store, "cab_1")
	assert.Equal(t, int64(5), rec.SeatQuantity, "stale event must not overwrite newer state")
	assert.Equal(t, t2.UTC(), rec.LastEventAt)
}

func TestDeletedSubscriptionIsTerminal(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())

	seedRecord(t, store, &lexbill.TenantBillingRecord{
		TenantID:               "cab_1",
		PlanID:                 lexbill.PlanProfessional,
		Status:                 lexbill.StatusActive,
		SeatQuantity:           3,
		ExternalSubscriptionID: "sub_1",
	})

	t1 := testPeriodStart.Add(time.Hour)
	t2 := t1.Add(time.Hour)

	deleted := eventJSON(t, "evt_del", "customer.subscription.deleted", t1.Unix(),
		subObject("sub_1", "canceled", "cus_1", "price_pro_m", 3, testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix()))
	require.Equal(t, http.StatusOK, deliver(t, p, deleted).Code)

	rec := mustGetRecord(t, store, "cab_1")
	require.Equal(t, lexbill.StatusCanceled, rec.Status)

	// A later update must not resurrect a canceled record, even with a
	// strictly newer event time.
	revived := eventJSON(t, "evt_upd", "customer.subscription.updated", t2.Unix(),
		subObject("sub_1", "active", "cus_1", "price_pro_m", 3, testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix()))
	require.Equal(t, http.StatusOK, deliver(t, p, revived).Code)

	rec = mustGetRecord(t, store, "cab_1")
	assert.Equal(t, lexbill.StatusCanceled, rec.Status)
}

func TestSignaturePackCreditedExactlyOnce(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())
	ctx := context.Background()

	expiresAt := testPeriodStart.AddDate(1, 0, 0)

	// Triple delivery with distinct event ids; the session id is the grant's
	// dedup key.
	for i, id := range []string{"evt_pack_a", "evt_pack_b", "evt_pack_c"} {
		payload := eventJSON(t, id, "checkout.session.completed", testPeriodStart.Unix()+int64(i),
			packObject("cs_pack_1", "cab_1", "member_1", "paid", 50, 90, expiresAt))
		require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)
	}

	balance, err := store.CreditBalance(ctx, "cab_1", "member_1", testPeriodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestSignaturePackUnpaidSessionNotCredited(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())

	payload := eventJSON(t, "evt_pack", "checkout.session.completed", testPeriodStart.Unix(),
		packObject("cs_pack_1", "cab_1", "member_1", "unpaid", 50, 90, time.Time{}))
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	balance, err := store.CreditBalance(context.Background(), "cab_1", "member_1", testPeriodStart)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestInvoicePaidResetsSignatureUsage(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())
	ctx := context.Background()

	seedRecord(t, store, &lexbill.TenantBillingRecord{
		TenantID:           "cab_1",
		ExternalCustomerID: "cus_1",
	})
	_, err := store.AddSignatureUsage(ctx, "cab_1", 7)
	require.NoError(t, err)

	payload := eventJSON(t, "evt_inv", "invoice.paid", testPeriodEnd.Unix(),
		map[string]interface{}{"id": "in_1", "object": "invoice", "customer": "cus_1"})
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	used, err := store.SignatureUsage(ctx, "cab_1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestInvoicePaidExpandedCustomerObject(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())
	ctx := context.Background()

	seedRecord(t, store, &lexbill.TenantBillingRecord{
		TenantID:           "cab_1",
		ExternalCustomerID: "cus_1",
	})
	_, err := store.AddSignatureUsage(ctx, "cab_1", 3)
	require.NoError(t, err)

	payload := eventJSON(t, "evt_inv", "invoice.payment_succeeded", testPeriodEnd.Unix(),
		map[string]interface{}{
			"id":       "in_1",
			"object":   "invoice",
			"customer": map[string]interface{}{"id": "cus_1", "object": "customer"},
		})
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	used, err := store.SignatureUsage(ctx, "cab_1")
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestInvoiceFailedMarksPastDue(t *testing.T) {
	store := memory.New()
	p := newTestProvider(t, store, newFakeAPI())

	seedRecord(t, store, &lexbill.TenantBillingRecord{
		TenantID:               "cab_1",
		Status:                 lexbill.StatusActive,
		ExternalCustomerID:     "cus_1",
		ExternalSubscriptionID: "sub_1",
	})

	payload := eventJSON(t, "evt_fail", "invoice.payment_failed", testPeriodEnd.Unix(),
		map[string]interface{}{"id": "in_1", "object": "invoice", "customer": "cus_1"})
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	rec := mustGetRecord(t, store, "cab_1")
	assert.Equal(t, lexbill.StatusPastDue, rec.Status)
}

func TestTrialBonusGrantedOncePerMember(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	trialEnd := testPeriodStart.AddDate(0, 0, 14)
	sub := subFixture("sub_1", "trialing", "cus_1", "price_pro_m", 1,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	sub.TrialEnd = trialEnd.Unix()
	api.subs["sub_1"] = sub

	p := newTestProvider(t, store, api, withMemberResolver("member_1", "member_2"))
	ctx := context.Background()

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	payload := eventJSON(t, "evt_1", "checkout.session.completed", testPeriodStart.Unix(),
		checkoutObject("cs_1", "cab_1", "sub_1", ""))
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	for _, member := range []string{"member_1", "member_2"} {
		balance, err := store.CreditBalance(ctx, "cab_1", member, testPeriodStart)
		require.NoError(t, err)
		assert.Equal(t, int64(5), balance, member)
	}

	// Redelivery under a fresh event id must not double the bonus: the
	// grant dedup key is derived from the subscription and member ids.
	payload = eventJSON(t, "evt_2", "checkout.session.completed", testPeriodStart.Unix()+1,
		checkoutObject("cs_1", "cab_1", "sub_1", ""))
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	balance, err := store.CreditBalance(ctx, "cab_1", "member_1", testPeriodStart)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	// Credits expire with the trial.
	balance, err = store.CreditBalance(ctx, "cab_1", "member_1", trialEnd.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestTrialBonusNotGrantedForActiveStart(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	api.subs["sub_1"] = subFixture("sub_1", "active", "cus_1", "price_pro_m", 1,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	p := newTestProvider(t, store, api, withMemberResolver("member_1"))

	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	payload := eventJSON(t, "evt_1", "checkout.session.completed", testPeriodStart.Unix(),
		checkoutObject("cs_1", "cab_1", "sub_1", ""))
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	balance, err := store.CreditBalance(context.Background(), "cab_1", "member_1", testPeriodStart)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestCommitmentWindowSetOnlyOnce(t *testing.T) {
	store := memory.New()
	api := newFakeAPI()
	p := newTestProvider(t, store, api)

	firstActivation := testPeriodStart
	seedRecord(t, store, &lexbill.TenantBillingRecord{TenantID: "cab_1"})

	obj := subObject("sub_1", "active", "cus_1", "price_pro_m", 1,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	obj["metadata"] = map[string]string{"tenant_id": "cab_1"}
	payload := eventJSON(t, "evt_1", "customer.subscription.created", firstActivation.Unix(), obj)
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	rec := mustGetRecord(t, store, "cab_1")
	require.Equal(t, firstActivation, rec.CommitmentStartAt)

	// A later plan upgrade keeps the original window.
	upgrade := subObject("sub_1", "active", "cus_1", "price_firm_m", 1,
		testPeriodStart.Unix(), testPeriodStart.Unix(), testPeriodEnd.Unix())
	payload = eventJSON(t, "evt_2", "customer.subscription.updated", firstActivation.Add(time.Hour).Unix(), upgrade)
	require.Equal(t, http.StatusOK, deliver(t, p, payload).Code)

	rec = mustGetRecord(t, store, "cab_1")
	assert.Equal(t, lexbill.PlanFirmPlus, rec.PlanID)
	assert.Equal(t, firstActivation, rec.CommitmentStartAt)
	assert.Equal(t, firstActivation.AddDate(0, 12, 0), rec.CommitmentEndAt)
}
