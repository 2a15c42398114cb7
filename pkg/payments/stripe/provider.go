package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/jurisuite/lexbill/pkg/lexbill"
	"github.com/jurisuite/lexbill/pkg/payments"
	"github.com/jurisuite/lexbill/pkg/payments/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultLockInMonths      = 12
	defaultTrialBonus        = 5
	maxWebhookBody           = 256 * 1024
	eventLogTTL              = 72 * time.Hour
	packValidityMonths       = 12
)

// PlanPrice maps one Stripe price to a plan tier and billing interval.
type PlanPrice struct {
	PlanID   lexbill.PlanID
	Interval lexbill.BillingInterval
}

// Config extends payments.Config with Stripe-specific options.
type Config struct {
	payments.Config // Base config (Store, Catalog, Metrics, etc.)

	// Stripe-specific credentials. Empty values fall back to the base
	// config's APIKey and WebhookSecret.
	StripeAPIKey        string
	StripeWebhookSecret string

	// PriceMapping maps Stripe price ids to plans. Required: webhooks
	// re-derive the plan from the subscription item's price, and checkout
	// resolves the price from the requested plan via the reverse lookup.
	PriceMapping map[string]PlanPrice

	// LockInMonths is the minimum-commitment window started at first
	// activation. Defaults to 12.
	LockInMonths int

	// TrialBonusSignatures is the free signature credit granted to each
	// active member when a tenant's first activation starts in trial.
	// 0 uses the default of 5; negative disables the bonus.
	TrialBonusSignatures int64

	// MemberResolver lists a tenant's active member ids. Optional; the
	// trial bonus is skipped when nil.
	MemberResolver MemberResolverFunc

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time
}

// MemberResolverFunc resolves the active member ids of a cabinet.
type MemberResolverFunc func(ctx context.Context, tenantID string) ([]string, error)

// Provider implements the payments.Provider interface for Stripe.
type Provider struct {
	store          lexbill.Store
	catalog        *lexbill.Catalog
	eventLog       lexbill.EventLog
	config         Config
	httpClient     *http.Client
	rateLimiter    *internal.RateLimiter
	priceMapping   map[string]PlanPrice
	lockInMonths   int
	trialBonus     int64
	memberResolver MemberResolverFunc
	webhookSecret  []byte
	api            apiClient
	logger         lexbill.Logger
	metrics        payments.Metrics
	notifier       payments.Notifier
	clock          func() time.Time
}

// NewProvider creates a new Stripe payments provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, payments.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, payments.ErrProviderNotConfigured
	}
	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}
	if len(config.PriceMapping) == 0 {
		return nil, payments.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	catalog := config.Catalog
	if catalog == nil {
		catalog = lexbill.DefaultCatalog()
	}

	priceMapping := make(map[string]PlanPrice, len(config.PriceMapping))
	for priceID, pp := range config.PriceMapping {
		priceMapping[strings.TrimSpace(priceID)] = pp
	}

	lockIn := config.LockInMonths
	if lockIn <= 0 {
		lockIn = defaultLockInMonths
	}

	trialBonus := config.TrialBonusSignatures
	if trialBonus == 0 {
		trialBonus = defaultTrialBonus
	}
	if trialBonus < 0 {
		trialBonus = 0
	}

	logger := config.Logger
	if logger == nil {
		logger = &lexbill.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &payments.NoopMetrics{}
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = payments.NoopNotifier{}
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Provider{
		store:          config.Store,
		catalog:        catalog,
		eventLog:       config.EventLog,
		config:         config,
		httpClient:     httpClient,
		rateLimiter:    internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		priceMapping:   priceMapping,
		lockInMonths:   lockIn,
		trialBonus:     trialBonus,
		memberResolver: config.MemberResolver,
		webhookSecret:  []byte(webhookSecret),
		api:            newRealClient(apiKey),
		logger:         logger,
		metrics:        metrics,
		notifier:       notifier,
		clock:          clock,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// planForPrice maps a Stripe price id to its plan and interval.
func (p *Provider) planForPrice(priceID string) (PlanPrice, bool) {
	pp, ok := p.priceMapping[priceID]
	return pp, ok
}

// priceForPlan is the reverse of planForPrice. Exactly one price exists
// per (plan, interval) pair by construction of the mapping.
func (p *Provider) priceForPlan(planID lexbill.PlanID, interval lexbill.BillingInterval) (string, bool) {
	for priceID, pp := range p.priceMapping {
		if pp.PlanID == planID && pp.Interval == interval {
			return priceID, true
		}
	}
	return "", false
}

// mapStatus converts a Stripe subscription status to the internal one.
func mapStatus(s stripe.SubscriptionStatus) lexbill.SubscriptionStatus {
	switch s {
	case stripe.SubscriptionStatusActive:
		return lexbill.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return lexbill.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return lexbill.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return lexbill.StatusCanceled
	default:
		return lexbill.StatusIncomplete
	}
}
