package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/janschill/licensed/models"
)

// CheckoutSession is the result of creating a hosted checkout page.
type CheckoutSession struct {
	ID  string
	URL string
}

// SubscriptionDetails is the provider's live view of a subscription.
type SubscriptionDetails struct {
	ID                 string
	CustomerID         string
	Status             models.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
	PriceID            string
	PlanName           string
	BillingCycle       string
}

// Provider is the outbound billing boundary. The synchronizer and the
// checkout handlers only ever talk to this interface.
type Provider interface {
	CreateCustomer(ctx context.Context, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, customerID, successURL, cancelURL string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetails, error)
}

type StripeProvider struct {
	priceID string
}

func NewStripeProvider(secretKey, priceID string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{priceID: priceID}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx

	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, customerID, successURL, cancelURL string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(customerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(p.priceID),
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(successURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(cancelURL),
	}
	params.Context = ctx

	s, err := checkoutsession.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return s.URL, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetails, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription: %w", err)
	}

	status, ok := models.ParseSubscriptionStatus(string(sub.Status))
	if !ok {
		return nil, fmt.Errorf("unknown subscription status %q", sub.Status)
	}

	details := &SubscriptionDetails{
		ID:                sub.ID,
		Status:            status,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		details.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		details.TrialEnd = unixTime(sub.TrialEnd)
	}

	// Billing periods live on the subscription items.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			details.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		}
		if item.CurrentPeriodEnd > 0 {
			details.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		}
		if item.Price != nil {
			details.PriceID = item.Price.ID
			details.PlanName = item.Price.Nickname
			if item.Price.Recurring != nil {
				details.BillingCycle = cycleLabel(string(item.Price.Recurring.Interval))
			}
		}
	}

	return details, nil
}

func unixTime(ts int64) *time.Time {
	t := time.Unix(ts, 0).UTC()
	return &t
}

func cycleLabel(interval string) string {
	switch interval {
	case "month":
		return "monthly"
	case "year":
		return "yearly"
	default:
		return interval
	}
}
