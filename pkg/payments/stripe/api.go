package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"
)

// apiClient is the narrow slice of the Stripe API this provider calls.
// The real implementation wraps *stripe.Client; tests substitute a fake,
// which the SDK's concrete client does not allow.
type apiClient interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	UpdateSubscriptionItem(ctx context.Context, id string, params *stripe.SubscriptionItemUpdateParams) (*stripe.SubscriptionItem, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	ListCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error)
}

type realClient struct {
	client *stripe.Client
}

func newRealClient(apiKey string) *realClient {
	return &realClient{client: stripe.NewClient(apiKey)}
}

func (c *realClient) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c *realClient) UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Update(ctx, id, params)
}

func (c *realClient) UpdateSubscriptionItem(ctx context.Context, id string, params *stripe.SubscriptionItemUpdateParams) (*stripe.SubscriptionItem, error) {
	return c.client.V1SubscriptionItems.Update(ctx, id, params)
}

func (c *realClient) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *realClient) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	// "all" includes trialing and past_due, which the drift job filters itself.
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (c *realClient) ListCustomersByEmail(ctx context.Context, email string) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{}
	params.Email = stripe.String(email)

	var customers []*stripe.Customer
	for cust, err := range c.client.V1Customers.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		customers = append(customers, cust)
	}
	return customers, nil
}
