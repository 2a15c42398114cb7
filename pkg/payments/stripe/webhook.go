package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
	"github.com/jurisuite/lexbill/pkg/payments/internal"
)

// eventKind is the closed set of provider events this reconciler acts on.
// classifyEvent maps everything else to kindIgnored, and the dispatch
// switch in processWebhookEvent covers every kind explicitly.
type eventKind int

const (
	kindIgnored eventKind = iota
	kindCheckoutCompleted
	kindSubscriptionCreated
	kindSubscriptionUpdated
	kindSubscriptionDeleted
	kindInvoicePaid
	kindInvoiceFailed
)

func classifyEvent(t stripe.EventType) eventKind {
	switch t {
	case "checkout.session.completed":
		return kindCheckoutCompleted
	case "customer.subscription.created":
		return kindSubscriptionCreated
	case "customer.subscription.updated":
		return kindSubscriptionUpdated
	case "customer.subscription.deleted":
		return kindSubscriptionDeleted
	case "invoice.paid", "invoice.payment_succeeded":
		return kindInvoicePaid
	case "invoice.payment_failed":
		return kindInvoiceFailed
	default:
		return kindIgnored
	}
}

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Signature verification happens over the raw body, before any parsing.
	// A failure here must produce no mutation. Endpoints may be pinned to an
	// older API version than the SDK, so the version mismatch check is
	// skipped; every field the handlers read is re-fetched or guarded.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret),
		stripe.WithIgnoreAPIVersionMismatch())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("webhook signature verification failed",
			lexbill.Field{Key: "error", Value: err.Error()})
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		// Non-2xx makes the provider redeliver; only genuine internal
		// failures land here. Unmatched events are acknowledged upstream.
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		p.logger.Error("webhook processing failed",
			lexbill.Field{Key: "event_id", Value: event.ID},
			lexbill.Field{Key: "event_type", Value: eventType},
			lexbill.Field{Key: "error", Value: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event to its handler.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	// Fast-path dedup on the event id. Advisory only: a failing event log
	// degrades to the event-time guard in the store, never to double
	// application.
	if p.eventLog != nil && event.ID != "" {
		fresh, err := p.eventLog.MarkProcessed(ctx, event.ID, eventLogTTL)
		if err != nil {
			p.logger.Warn("event log unavailable, relying on store guard",
				lexbill.Field{Key: "event_id", Value: event.ID},
				lexbill.Field{Key: "error", Value: err.Error()})
		} else if !fresh {
			p.metrics.RecordWebhookEvent(providerName, string(event.Type), "skipped_duplicate")
			return nil
		}
	}

	eventTime := time.Unix(event.Created, 0).UTC()

	switch classifyEvent(event.Type) {
	case kindCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event, eventTime)
	case kindSubscriptionCreated, kindSubscriptionUpdated:
		return p.handleSubscriptionChanged(ctx, event, eventTime)
	case kindSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event, eventTime)
	case kindInvoicePaid:
		return p.handleInvoicePaid(ctx, event)
	case kindInvoiceFailed:
		return p.handleInvoiceFailed(ctx, event, eventTime)
	case kindIgnored:
		// Acknowledged and dropped so the provider stops redelivering.
		return nil
	default:
		return nil
	}
}

// handleCheckoutCompleted processes checkout.session.completed events for
// both subscription checkouts and one-time signature pack purchases.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", payments.ErrInvalidWebhookPayload, err)
	}

	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		return p.completeSubscriptionCheckout(ctx, &session, eventTime)
	case stripe.CheckoutSessionModePayment:
		return p.completeSignaturePackCheckout(ctx, &session, eventTime)
	default:
		return nil
	}
}

func (p *Provider) completeSubscriptionCheckout(ctx context.Context, session *stripe.CheckoutSession, eventTime time.Time) error {
	tenantID := ""
	if session.Metadata != nil {
		tenantID = session.Metadata[metadataTenantID]
	}
	if tenantID == "" {
		tenantID = session.ClientReferenceID
	}
	if tenantID == "" {
		p.notifyInconsistency(ctx, "checkout_without_tenant",
			"paid checkout session carries no tenant reference",
			map[string]string{"session_id": session.ID})
		return nil
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		return nil
	}

	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("%w: fetch subscription: %v", lexbill.ErrUpstreamProvider, err)
	}

	// Self-healing: stamp the tenant id on the subscription so later
	// events resolve without the session context.
	if sub.Metadata == nil || sub.Metadata[metadataTenantID] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataTenantID, tenantID)
		sub, err = p.api.UpdateSubscription(ctx, subscriptionID, params)
		if err != nil {
			return fmt.Errorf("%w: patch subscription metadata: %v", lexbill.ErrUpstreamProvider, err)
		}
	}

	rec, err := p.store.GetRecord(ctx, tenantID)
	if err != nil {
		if errors.Is(err, lexbill.ErrRecordNotFound) {
			p.notifyInconsistency(ctx, "unmatched_event",
				"paid checkout session references an unknown tenant",
				map[string]string{"session_id": session.ID, "tenant_id": tenantID})
			return nil
		}
		return err
	}

	firstActivation := rec.CommitmentStartAt.IsZero()

	next := rec.Clone()
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		next.BillingEmail = session.CustomerDetails.Email
	}
	applied, err := p.applySubscription(ctx, next, sub, eventTime)
	if err != nil {
		return err
	}
	if !applied {
		p.metrics.RecordWebhookEvent(providerName, "checkout.session.completed", "skipped_stale")
		return nil
	}

	if firstActivation && next.Status == lexbill.StatusTrialing {
		p.grantTrialBonus(ctx, next, sub)
	}
	return nil
}

func (p *Provider) completeSignaturePackCheckout(ctx context.Context, session *stripe.CheckoutSession, eventTime time.Time) error {
	if session.Metadata == nil || session.Metadata[metadataKind] != metadataKindSignaturePack {
		return nil
	}
	// Credits are granted only for confirmed payment, never at session
	// creation and never for unpaid sessions.
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil
	}

	cabinetID := session.Metadata[metadataCabinetID]
	memberID := session.Metadata[metadataMemberID]
	quantity, qErr := strconv.ParseInt(session.Metadata[metadataQuantity], 10, 64)
	unitPrice, pErr := strconv.ParseInt(session.Metadata[metadataUnitPriceCents], 10, 64)
	if cabinetID == "" || memberID == "" || qErr != nil || quantity <= 0 || pErr != nil {
		p.notifyInconsistency(ctx, "malformed_pack_session",
			"paid signature pack session carries unusable metadata",
			map[string]string{"session_id": session.ID})
		return nil
	}

	expiresAt := time.Time{}
	if raw := session.Metadata[metadataExpiresAt]; raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			expiresAt = parsed
		}
	}

	grant := &lexbill.SignatureCreditGrant{
		DedupKey:       session.ID,
		CabinetID:      cabinetID,
		MemberID:       memberID,
		Quantity:       quantity,
		UnitPriceCents: unitPrice,
		GrantedAt:      eventTime,
		ExpiresAt:      expiresAt,
	}

	inserted, err := p.store.InsertCreditGrant(ctx, grant)
	if err != nil {
		return fmt.Errorf("insert credit grant: %w", err)
	}
	if !inserted {
		p.metrics.RecordWebhookEvent(providerName, "checkout.session.completed", "skipped_duplicate")
		return nil
	}

	p.logger.Info("signature pack credited",
		lexbill.Field{Key: "cabinet_id", Value: cabinetID},
		lexbill.Field{Key: "member_id", Value: memberID},
		lexbill.Field{Key: "quantity", Value: quantity})
	return nil
}

// handleSubscriptionChanged processes subscription created and updated
// events through the same path: both re-derive the full record from the
// subscription payload.
func (p *Provider) handleSubscriptionChanged(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", payments.ErrInvalidWebhookPayload, err)
	}

	rec, err := p.resolveRecordForSubscription(ctx, &sub)
	if err != nil {
		if errors.Is(err, lexbill.ErrDataInconsistency) {
			p.notifyInconsistency(ctx, "unmatched_event",
				"subscription event references no known tenant",
				map[string]string{"event_id": event.ID, "subscription_id": sub.ID})
			return nil
		}
		return err
	}

	if rec.Status.Terminal() {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "skipped_stale")
		return nil
	}

	applied, err := p.applySubscription(ctx, rec.Clone(), &sub, eventTime)
	if err != nil {
		return err
	}
	if !applied {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "skipped_stale")
	}
	return nil
}

// handleSubscriptionDeleted marks the record canceled. Canceled is
// terminal: no later event may resurrect the record, which the store's
// event-time guard and the terminal check together enforce.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("%w: subscription: %v", payments.ErrInvalidWebhookPayload, err)
	}

	rec, err := p.resolveRecordForSubscription(ctx, &sub)
	if err != nil {
		if errors.Is(err, lexbill.ErrDataInconsistency) {
			p.logger.Warn("deletion event for unknown subscription",
				lexbill.Field{Key: "subscription_id", Value: sub.ID})
			return nil
		}
		return err
	}

	next := rec.Clone()
	next.Status = lexbill.StatusCanceled
	next.LastEventAt = eventTime
	next.UpdatedAt = p.clock().UTC()

	if _, err := p.store.UpsertRecord(ctx, next); err != nil {
		return fmt.Errorf("cancel record: %w", err)
	}
	return nil
}

// handleInvoicePaid resets the tenant's rolling signature-usage counter.
// Resetting to zero is naturally idempotent, so no event-time guard is
// needed here.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event) error {
	customerID, err := extractInvoiceCustomer(event.Data.Raw)
	if err != nil {
		return err
	}
	if customerID == "" {
		return nil
	}

	rec, err := p.store.FindRecordByCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, lexbill.ErrRecordNotFound) {
			p.notifyInconsistency(ctx, "unmatched_event",
				"paid invoice references an unknown customer",
				map[string]string{"event_id": event.ID, "customer_id": customerID})
			return nil
		}
		return err
	}

	if err := p.store.ResetSignatureUsage(ctx, rec.TenantID); err != nil {
		return fmt.Errorf("reset signature usage: %w", err)
	}

	p.logger.Info("signature usage reset on renewal",
		lexbill.Field{Key: "tenant_id", Value: rec.TenantID})
	return nil
}

// handleInvoiceFailed marks the tenant past_due. The subscription itself
// stays as-is until the provider cancels it.
func (p *Provider) handleInvoiceFailed(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	customerID, err := extractInvoiceCustomer(event.Data.Raw)
	if err != nil {
		return err
	}
	if customerID == "" {
		return nil
	}

	rec, err := p.store.FindRecordByCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, lexbill.ErrRecordNotFound) {
			p.logger.Warn("failed invoice for unknown customer",
				lexbill.Field{Key: "customer_id", Value: customerID})
			return nil
		}
		return err
	}

	if rec.Status.Terminal() {
		return nil
	}

	next := rec.Clone()
	next.Status = lexbill.StatusPastDue
	next.LastEventAt = eventTime
	next.UpdatedAt = p.clock().UTC()

	if _, err := p.store.UpsertRecord(ctx, next); err != nil {
		return fmt.Errorf("mark past_due: %w", err)
	}
	return nil
}

// resolveRecordForSubscription finds the billing record for a subscription
// event, by external subscription id first and subscription metadata second
// (created events can arrive before the checkout handler linked the ids).
func (p *Provider) resolveRecordForSubscription(ctx context.Context, sub *stripe.Subscription) (*lexbill.TenantBillingRecord, error) {
	rec, err := p.store.FindRecordBySubscription(ctx, sub.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, lexbill.ErrRecordNotFound) {
		return nil, err
	}

	if sub.Metadata != nil {
		if tenantID := sub.Metadata[metadataTenantID]; tenantID != "" {
			rec, err = p.store.GetRecord(ctx, tenantID)
			if err == nil {
				return rec, nil
			}
			if !errors.Is(err, lexbill.ErrRecordNotFound) {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w: subscription %s", lexbill.ErrDataInconsistency, sub.ID)
}

// grantTrialBonus credits each active member free signatures expiring at
// trial end. Failures are logged, never propagated: the subscription link
// already succeeded and must stay acknowledged.
func (p *Provider) grantTrialBonus(ctx context.Context, rec *lexbill.TenantBillingRecord, sub *stripe.Subscription) {
	if p.memberResolver == nil || p.trialBonus <= 0 {
		return
	}

	members, err := p.memberResolver(ctx, rec.TenantID)
	if err != nil {
		p.logger.Warn("trial bonus skipped, member resolution failed",
			lexbill.Field{Key: "tenant_id", Value: rec.TenantID},
			lexbill.Field{Key: "error", Value: err.Error()})
		return
	}

	expiresAt := time.Time{}
	if sub.TrialEnd > 0 {
		expiresAt = time.Unix(sub.TrialEnd, 0).UTC()
	}

	for _, memberID := range members {
		grant := &lexbill.SignatureCreditGrant{
			DedupKey:  sub.ID + ":trial:" + memberID,
			CabinetID: rec.TenantID,
			MemberID:  memberID,
			Quantity:  p.trialBonus,
			GrantedAt: p.clock().UTC(),
			ExpiresAt: expiresAt,
		}
		if _, err := p.store.InsertCreditGrant(ctx, grant); err != nil {
			p.logger.Warn("trial bonus grant failed",
				lexbill.Field{Key: "tenant_id", Value: rec.TenantID},
				lexbill.Field{Key: "member_id", Value: memberID},
				lexbill.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (p *Provider) notifyInconsistency(ctx context.Context, kind, summary string, fields map[string]string) {
	p.metrics.RecordWebhookError(providerName, kind)
	p.logger.Warn(summary, lexbill.Field{Key: "kind", Value: kind})
	p.notifier.Notify(ctx, payments.Alert{
		Kind:    kind,
		Summary: summary,
		Fields:  fields,
	})
}

// extractInvoiceCustomer pulls the customer reference out of a raw invoice
// payload. The field arrives either as an id string or an expanded object.
func extractInvoiceCustomer(raw json.RawMessage) (string, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("%w: invoice: %v", payments.ErrInvalidWebhookPayload, err)
	}
	switch v := data["customer"].(type) {
	case string:
		return v, nil
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, nil
		}
	}
	return "", nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
