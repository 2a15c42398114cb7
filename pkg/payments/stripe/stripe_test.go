package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
	"github.com/jurisuite/lexbill/storage/memory"
)

const testWebhookSecret = "whsec_test_secret"

// fakeAPI implements apiClient for tests. The SDK's concrete client cannot
// be pointed at a fake backend, so the provider talks to this seam instead.
type fakeAPI struct {
	mu sync.Mutex

	subs             map[string]*stripe.Subscription
	customersByEmail map[string][]*stripe.Customer
	subsByCustomer   map[string][]*stripe.Subscription

	sessionResult   *stripe.CheckoutSession
	createdSessions []*stripe.CheckoutSessionCreateParams
	subUpdates      map[string][]*stripe.SubscriptionUpdateParams
	itemUpdates     map[string][]*stripe.SubscriptionItemUpdateParams

	err error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		subs:             make(map[string]*stripe.Subscription),
		customersByEmail: make(map[string][]*stripe.Customer),
		subsByCustomer:   make(map[string][]*stripe.Subscription),
		subUpdates:       make(map[string][]*stripe.SubscriptionUpdateParams),
		itemUpdates:      make(map[string][]*stripe.SubscriptionItemUpdateParams),
		sessionResult: &stripe.CheckoutSession{
			ID:  "cs_test_1",
			URL: "https://checkout.example.com/cs_test_1",
		},
	}
}

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	return sub, nil
}

func (f *fakeAPI) UpdateSubscription(_ context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subUpdates[id] = append(f.subUpdates[id], params)
	sub, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	if len(params.Metadata) > 0 {
		if sub.Metadata == nil {
			sub.Metadata = make(map[string]string)
		}
		for k, v := range params.Metadata {
			sub.Metadata[k] = v
		}
	}
	return sub, nil
}

func (f *fakeAPI) UpdateSubscriptionItem(_ context.Context, id string, params *stripe.SubscriptionItemUpdateParams) (*stripe.SubscriptionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.itemUpdates[id] = append(f.itemUpdates[id], params)
	return &stripe.SubscriptionItem{ID: id}, nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.createdSessions = append(f.createdSessions, params)
	return f.sessionResult, nil
}

func (f *fakeAPI) ListSubscriptionsByCustomer(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.subsByCustomer[customerID], nil
}

func (f *fakeAPI) ListCustomersByEmail(_ context.Context, email string) ([]*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.customersByEmail[email], nil
}

func (f *fakeAPI) lastSession(t *testing.T) *stripe.CheckoutSessionCreateParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.createdSessions)
	return f.createdSessions[len(f.createdSessions)-1]
}

func testPriceMapping() map[string]PlanPrice {
	return map[string]PlanPrice{
		"price_essential_m": {PlanID: lexbill.PlanEssential, Interval: lexbill.IntervalMonthly},
		"price_essential_y": {PlanID: lexbill.PlanEssential, Interval: lexbill.IntervalYearly},
		"price_pro_m":       {PlanID: lexbill.PlanProfessional, Interval: lexbill.IntervalMonthly},
		"price_pro_y":       {PlanID: lexbill.PlanProfessional, Interval: lexbill.IntervalYearly},
		"price_firm_m":      {PlanID: lexbill.PlanFirmPlus, Interval: lexbill.IntervalMonthly},
	}
}

type testOption func(*Config)

func withClock(now time.Time) testOption {
	return func(c *Config) { c.Clock = func() time.Time { return now } }
}

func withMemberResolver(members ...string) testOption {
	return func(c *Config) {
		c.MemberResolver = func(_ context.Context, _ string) ([]string, error) {
			return members, nil
		}
	}
}

func withEventLog(log lexbill.EventLog) testOption {
	return func(c *Config) { c.EventLog = log }
}

func withNotifier(n payments.Notifier) testOption {
	return func(c *Config) { c.Notifier = n }
}

func newTestProvider(t *testing.T, store lexbill.Store, api apiClient, opts ...testOption) *Provider {
	t.Helper()

	config := Config{
		Config:              payments.Config{Store: store},
		StripeAPIKey:        "sk_test_123",
		StripeWebhookSecret: testWebhookSecret,
		PriceMapping:        testPriceMapping(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	p, err := NewProvider(config)
	require.NoError(t, err)
	p.api = api
	return p
}

// recordingNotifier captures operator alerts.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []payments.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, alert payments.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// signPayload computes a valid Stripe-Signature header for the payload.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// deliver posts a signed webhook payload and returns the response.
func deliver(t *testing.T, p *Provider, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, testWebhookSecret))
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

// eventJSON builds a webhook event envelope around a data object.
func eventJSON(t *testing.T, id, eventType string, created int64, obj interface{}) []byte {
	t.Helper()
	return eventJSONVersion(t, id, eventType, "", created, obj)
}

// eventJSONVersion is eventJSON with an explicit api_version stamp, for
// endpoints pinned to an API version older than the SDK's.
func eventJSONVersion(t *testing.T, id, eventType, apiVersion string, created int64, obj interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(obj)
	require.NoError(t, err)
	envelope := map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created,
		"data":    map[string]interface{}{"object": json.RawMessage(raw)},
	}
	if apiVersion != "" {
		envelope["api_version"] = apiVersion
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)
	return payload
}

// subObject builds a subscription payload the way Stripe serializes it.
func subObject(id, status, customerID, priceID string, quantity, created, periodStart, periodEnd int64) map[string]interface{} {
	return map[string]interface{}{
		"id":       id,
		"object":   "subscription",
		"status":   status,
		"created":  created,
		"customer": customerID,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_" + id,
					"object":               "subscription_item",
					"quantity":             quantity,
					"price":                map[string]interface{}{"id": priceID, "object": "price"},
					"current_period_start": periodStart,
					"current_period_end":   periodEnd,
				},
			},
		},
	}
}

// subFixture builds the stripe.Subscription the fake API returns for
// RetrieveSubscription, matching subObject's shape.
func subFixture(id, status, customerID, priceID string, quantity, created, periodStart, periodEnd int64) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   stripe.SubscriptionStatus(status),
		Created:  created,
		Customer: &stripe.Customer{ID: customerID},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_" + id,
					Quantity:           quantity,
					Price:              &stripe.Price{ID: priceID},
					CurrentPeriodStart: periodStart,
					CurrentPeriodEnd:   periodEnd,
				},
			},
		},
	}
}

func seedRecord(t *testing.T, store lexbill.Store, rec *lexbill.TenantBillingRecord) {
	t.Helper()
	if rec.LastEventAt.IsZero() {
		// Seed writes must pass the event-time guard; a real tenant row is
		// created with a zero LastEventAt, which any provider event beats.
		rec.LastEventAt = time.Unix(1, 0)
	}
	applied, err := store.UpsertRecord(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, applied)
}

func mustGetRecord(t *testing.T, store lexbill.Store, tenantID string) *lexbill.TenantBillingRecord {
	t.Helper()
	rec, err := store.GetRecord(context.Background(), tenantID)
	require.NoError(t, err)
	return rec
}

var _ lexbill.Store = (*memory.Store)(nil)
