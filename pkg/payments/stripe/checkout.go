package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
)

// Metadata keys stamped on checkout sessions and subscriptions so webhook
// events can resolve ownership without any prior external id.
const (
	metadataTenantID       = "tenant_id"
	metadataKind           = "kind"
	metadataCabinetID      = "cabinet_id"
	metadataMemberID       = "member_id"
	metadataActorID        = "actor_id"
	metadataQuantity       = "quantity"
	metadataUnitPriceCents = "unit_price_cents"
	metadataExpiresAt      = "expires_at"

	metadataKindSignaturePack = "signature_pack"
)

// CreateCheckout creates a hosted checkout session for a new subscription.
// The session and the resulting subscription both carry the tenant id in
// metadata; nothing is written locally until the paid webhook arrives.
func (p *Provider) CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutSession, error) {
	startTime := time.Now()

	planID := lexbill.PlanID(req.PlanID)
	plan, ok := p.catalog.Plan(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", lexbill.ErrPlanNotConfigured, req.PlanID)
	}

	interval := lexbill.BillingInterval(req.Interval)
	if interval != lexbill.IntervalMonthly && interval != lexbill.IntervalYearly {
		return nil, fmt.Errorf("%w: interval %q", lexbill.ErrPlanNotConfigured, req.Interval)
	}

	quantity := req.SeatQuantity
	if quantity <= 0 {
		quantity = 1
	}
	if plan.Limits.MaxSeats != lexbill.Unlimited && quantity > plan.Limits.MaxSeats {
		return nil, fmt.Errorf("%w: %d seats exceeds plan limit %d",
			lexbill.ErrInvalidQuantity, quantity, plan.Limits.MaxSeats)
	}

	priceID, ok := p.priceForPlan(planID, interval)
	if !ok {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "price_not_found")
		return nil, fmt.Errorf("%w: no price for %s/%s", lexbill.ErrPlanNotConfigured, planID, interval)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(quantity),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.AddMetadata(metadataTenantID, req.TenantID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataTenantID, req.TenantID)
	params.ClientReferenceID = stripe.String(req.TenantID)

	// Reuse the known customer to avoid duplicate external customers per
	// tenant; otherwise let Stripe collect the billing email. Subscription
	// mode always creates a customer, so customer_creation must not be
	// sent (the API only accepts it in payment and setup mode).
	customerID := p.knownCustomerID(ctx, req.TenantID)
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else if req.BillingEmail != "" {
		params.CustomerEmail = stripe.String(req.BillingEmail)
	}

	session, err := p.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return nil, fmt.Errorf("%w: create checkout session: %v", lexbill.ErrUpstreamProvider, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return &payments.CheckoutSession{SessionID: session.ID, RedirectURL: session.URL}, nil
}

// CreateSignatureCheckout creates a one-time payment session for a fixed
// signature pack. The builder only stamps metadata; crediting happens in
// the webhook handler after payment confirmation, never here.
func (p *Provider) CreateSignatureCheckout(ctx context.Context, req payments.SignatureCheckoutRequest) (*payments.CheckoutSession, error) {
	startTime := time.Now()

	pack, ok := p.catalog.SignaturePack(req.Quantity)
	if !ok {
		return nil, fmt.Errorf("%w: no signature pack of %d", lexbill.ErrInvalidQuantity, req.Quantity)
	}

	memberID := req.MemberID
	if memberID == "" {
		memberID = req.ActorID
	}
	expiresAt := p.clock().UTC().AddDate(0, packValidityMonths, 0)

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency: stripe.String("eur"),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Signature pack (%d)", pack.Quantity)),
					},
					UnitAmount: stripe.Int64(pack.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	params.Metadata = map[string]string{
		metadataKind:           metadataKindSignaturePack,
		metadataCabinetID:      req.CabinetID,
		metadataActorID:        req.ActorID,
		metadataMemberID:       memberID,
		metadataQuantity:       strconv.FormatInt(pack.Quantity, 10),
		metadataUnitPriceCents: strconv.FormatInt(pack.PriceCents, 10),
		metadataExpiresAt:      expiresAt.Format(time.RFC3339),
	}

	customerID := p.knownCustomerID(ctx, req.CabinetID)
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(req.CabinetID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.api.CreateCheckoutSession(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return nil, fmt.Errorf("%w: create pack session: %v", lexbill.ErrUpstreamProvider, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return &payments.CheckoutSession{SessionID: session.ID, RedirectURL: session.URL}, nil
}

// knownCustomerID returns the tenant's linked external customer id, or ""
// when the tenant has no record or no customer yet.
func (p *Provider) knownCustomerID(ctx context.Context, tenantID string) string {
	rec, err := p.store.GetRecord(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, lexbill.ErrRecordNotFound) {
			p.logger.Warn("customer lookup failed, proceeding without",
				lexbill.Field{Key: "tenant_id", Value: tenantID},
				lexbill.Field{Key: "error", Value: err.Error()})
		}
		return ""
	}
	return rec.ExternalCustomerID
}
