package stripe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
)

const reconcileConcurrency = 8

// ReconcileTenant forces one tenant's billing record back in sync with the
// provider. A record that already carries a subscription id is refreshed
// from it; a record without one is resolved by billing email, the path for
// tenants whose checkout webhook was lost.
func (p *Provider) ReconcileTenant(ctx context.Context, tenantID string) error {
	startTime := time.Now()

	rec, err := p.store.GetRecord(ctx, tenantID)
	if err != nil {
		p.metrics.RecordReconcile(providerName, "error")
		return err
	}

	outcome, err := p.reconcileRecord(ctx, rec)
	p.metrics.RecordReconcile(providerName, outcome)
	p.metrics.RecordReconcileDuration(providerName, time.Since(startTime))
	return err
}

// ReconcileAll sweeps every record lacking a subscription link and tries to
// relink it. The sweep runs concurrently with bounded parallelism and is
// safe against live webhook traffic: every write goes through the same
// event-time-guarded upsert, so the two paths converge instead of racing.
func (p *Provider) ReconcileAll(ctx context.Context) (payments.ReconcileReport, error) {
	records, err := p.store.ListRecordsWithoutSubscription(ctx)
	if err != nil {
		return payments.ReconcileReport{}, fmt.Errorf("list unlinked records: %w", err)
	}

	var (
		mu     sync.Mutex
		report = payments.ReconcileReport{Scanned: len(records)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)

	for _, rec := range records {
		g.Go(func() error {
			startTime := time.Now()
			outcome, err := p.reconcileRecord(gctx, rec)
			p.metrics.RecordReconcile(providerName, outcome)
			p.metrics.RecordReconcileDuration(providerName, time.Since(startTime))

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "relinked":
				report.Relinked++
			case "skipped":
				report.Skipped++
			default:
				report.Failed++
			}
			if err != nil {
				p.logger.Warn("tenant reconciliation failed",
					lexbill.Field{Key: "tenant_id", Value: rec.TenantID},
					lexbill.Field{Key: "error", Value: err.Error()})
			}
			// Per-tenant failures are recorded, not propagated: one bad
			// tenant must not abort the sweep.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// reconcileRecord relinks or refreshes one record. Returns an outcome
// label for metrics: "relinked", "skipped", or "error".
func (p *Provider) reconcileRecord(ctx context.Context, rec *lexbill.TenantBillingRecord) (string, error) {
	if rec.Status.Terminal() {
		return "skipped", nil
	}

	if rec.HasSubscription() {
		sub, err := p.api.RetrieveSubscription(ctx, rec.ExternalSubscriptionID)
		if err != nil {
			return "error", fmt.Errorf("%w: fetch subscription: %v", lexbill.ErrUpstreamProvider, err)
		}
		if _, err := p.applySubscription(ctx, rec.Clone(), sub, p.clock().UTC()); err != nil {
			return "error", err
		}
		return "relinked", nil
	}

	if rec.BillingEmail == "" {
		return "skipped", nil
	}

	sub, err := p.lookupSubscriptionByEmail(ctx, rec.BillingEmail)
	if err != nil {
		return "error", err
	}
	if sub == nil {
		// No live subscription at the provider either: nothing drifted.
		return "skipped", nil
	}

	// Same derivation as the webhook path, so the record converges to what
	// the lost checkout webhook would have produced.
	if _, err := p.applySubscription(ctx, rec.Clone(), sub, p.clock().UTC()); err != nil {
		return "error", err
	}

	p.logger.Info("drifted record relinked",
		lexbill.Field{Key: "tenant_id", Value: rec.TenantID},
		lexbill.Field{Key: "subscription_id", Value: sub.ID})
	return "relinked", nil
}

// lookupSubscriptionByEmail resolves billing email to provider customers
// and picks the most recently created active or trialing subscription.
func (p *Provider) lookupSubscriptionByEmail(ctx context.Context, email string) (*stripe.Subscription, error) {
	customers, err := p.api.ListCustomersByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: list customers: %v", lexbill.ErrUpstreamProvider, err)
	}

	var best *stripe.Subscription
	for _, cust := range customers {
		subs, err := p.api.ListSubscriptionsByCustomer(ctx, cust.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: list subscriptions: %v", lexbill.ErrUpstreamProvider, err)
		}
		for _, sub := range subs {
			status := mapStatus(sub.Status)
			if status != lexbill.StatusActive && status != lexbill.StatusTrialing {
				continue
			}
			if best == nil || sub.Created > best.Created {
				best = sub
			}
		}
	}
	return best, nil
}
