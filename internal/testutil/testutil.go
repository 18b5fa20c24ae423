// Package testutil holds shared fixtures for storage, billing, and
// handler tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/janschill/licensed/billing"
	"github.com/janschill/licensed/internal/keys"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

// User creates a test user wired to a billing customer.
func User(id, email string) *models.User {
	now := time.Now().UTC()
	return &models.User{
		ID:               id,
		Email:            email,
		StripeCustomerID: "cus_" + id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// License creates an active, unsuspended license for the user. The raw
// key is returned on the model so tests can validate against it.
func License(id, key, userID string) *models.License {
	now := time.Now().UTC()
	return &models.License{
		ID:        id,
		Key:       key,
		KeyHash:   keys.Hash(key),
		UserID:    userID,
		IsActive:  true,
		CreatedAt: now,
	}
}

// Subscription creates an active monthly subscription with a billing
// period ending in roughly thirty days.
func Subscription(id, userID string) *models.Subscription {
	now := time.Now().UTC()
	start := now.Add(-24 * time.Hour)
	end := now.Add(30 * 24 * time.Hour)
	return &models.Subscription{
		ID:                   id,
		StripeSubscriptionID: "sub_" + id,
		UserID:               userID,
		Status:               models.StatusActive,
		PlanName:             "Pro",
		BillingCycle:         "monthly",
		CurrentPeriodStart:   &start,
		CurrentPeriodEnd:     &end,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Key returns a well-formed license key of the default length. The
// pattern is deterministic per seed.
func Key(seed byte) string {
	buf := make([]byte, keys.DefaultLength)
	for i := range buf {
		buf[i] = keys.Alphabet[(int(seed)+i)%len(keys.Alphabet)]
	}
	return string(buf)
}

// Seed stores a user, license, and subscription triple and returns the
// models as stored.
func Seed(store storage.Storage, n int) (*models.User, *models.License, *models.Subscription, error) {
	ctx := context.Background()

	user := User(fmt.Sprintf("user%d", n), fmt.Sprintf("user%d@example.com", n))
	if err := store.SaveUser(ctx, user); err != nil {
		return nil, nil, nil, err
	}

	license := License(fmt.Sprintf("license%d", n), Key(byte(n)), user.ID)
	if err := store.SaveLicense(ctx, license); err != nil {
		return nil, nil, nil, err
	}

	sub := Subscription(fmt.Sprintf("sub%d", n), user.ID)
	if err := store.SaveSubscription(ctx, sub); err != nil {
		return nil, nil, nil, err
	}

	return user, license, sub, nil
}

// FakeProvider is an in-memory billing.Provider. Subscriptions maps a
// billing reference to the details GetSubscription should return.
type FakeProvider struct {
	mu sync.Mutex

	Subscriptions map[string]*billing.SubscriptionDetails
	Err           error

	CustomersCreated []string
	CheckoutCalls    int
	PortalCalls      int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{Subscriptions: make(map[string]*billing.SubscriptionDetails)}
}

// SetSubscription installs an active subscription under ref with a
// period ending in thirty days.
func (f *FakeProvider) SetSubscription(ref string, status models.SubscriptionStatus) {
	now := time.Now().UTC()
	start := now.Add(-24 * time.Hour)
	end := now.Add(30 * 24 * time.Hour)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions[ref] = &billing.SubscriptionDetails{
		ID:                 ref,
		Status:             status,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		PriceID:            "price_test",
		PlanName:           "Pro",
		BillingCycle:       "monthly",
	}
}

func (f *FakeProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	id := fmt.Sprintf("cus_fake%d", len(f.CustomersCreated)+1)
	f.CustomersCreated = append(f.CustomersCreated, email)
	return id, nil
}

func (f *FakeProvider) CreateCheckoutSession(ctx context.Context, customerID, successURL, cancelURL string) (*billing.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.CheckoutCalls++
	return &billing.CheckoutSession{
		ID:  fmt.Sprintf("cs_fake%d", f.CheckoutCalls),
		URL: "https://checkout.example.com/session",
	}, nil
}

func (f *FakeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.PortalCalls++
	return "https://billing.example.com/portal", nil
}

func (f *FakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	details, ok := f.Subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", subscriptionID)
	}
	copied := *details
	return &copied, nil
}
