package models

import "time"

// User anchors licenses and subscriptions to an identity. Users are
// created on first license grant or first checkout and never deleted by
// normal flows.
type User struct {
	ID               string
	Email            string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
