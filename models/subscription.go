package models

import "time"

// SubscriptionStatus is the closed set of billing states a subscription
// can be in. Transitions are driven by billing events or administrative
// override only; elapsed time never flips a stored status.
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusEnded             SubscriptionStatus = "ended"
)

// GrantsAccess reports whether the status allows license validation to
// succeed. Only active and trialing do.
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == StatusActive || s == StatusTrialing
}

// ParseSubscriptionStatus maps a provider status string onto the closed
// set. Unknown strings are rejected rather than defaulted.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, bool) {
	switch SubscriptionStatus(raw) {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled,
		StatusUnpaid, StatusIncomplete, StatusIncompleteExpired, StatusEnded:
		return SubscriptionStatus(raw), true
	}
	return "", false
}

// Subscription tracks a recurring billing relationship. A user may have
// several subscription records over time; validation only consults the
// most recently created one.
type Subscription struct {
	ID                   string
	StripeSubscriptionID string
	UserID               string

	Status             SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	// EndTime, when set, is the sole authoritative expiry for every
	// computation. CurrentPeriodEnd is ignored whenever it is present.
	EndTime           *time.Time
	CancelAtPeriodEnd bool

	StripePriceID string
	PlanName      string
	BillingCycle  string
	TrialEnd      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveExpiry returns the single timestamp used for all expiry
// computations: EndTime if set, else CurrentPeriodEnd. Nil when neither
// is known.
func (s *Subscription) EffectiveExpiry() *time.Time {
	if s.EndTime != nil {
		return s.EndTime
	}
	return s.CurrentPeriodEnd
}
