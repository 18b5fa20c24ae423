package storage

import (
	"context"
	"errors"
	"time"

	"github.com/janschill/licensed/models"
)

// ErrNotFound is returned by mutating operations aimed at a record that
// does not exist. Lookups instead return a nil record and no error.
var ErrNotFound = errors.New("record not found")

// Storage is the persistence boundary for users, licenses,
// subscriptions, and the validation audit trail.
//
// The implementation must provide unique constraints on license key
// hashes and subscription billing references, atomic counter updates,
// and multi-row transactions via WithTx.
type Storage interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByStripeCustomer(ctx context.Context, customerID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKeyHash(ctx context.Context, keyHash string) (*models.License, error)
	FindLicensesByUser(ctx context.Context, userID string) ([]*models.License, error)
	ListLicenses(ctx context.Context, offset, limit int) ([]*models.License, error)
	SaveLicense(ctx context.Context, license *models.License) error
	DeleteLicense(ctx context.Context, id string) error

	// SuspendLicense sets is_suspended. Suspending an already-suspended
	// license is a no-op success.
	SuspendLicense(ctx context.Context, id string) error
	// ActivateLicense clears both administrative blocks.
	ActivateLicense(ctx context.Context, id string) error
	// DeactivateLicense sets is_active to false only.
	DeactivateLicense(ctx context.Context, id string) error

	// RecordValidation bumps the validation counter atomically and
	// refreshes last-validated metadata. Callers treat it as
	// best-effort.
	RecordValidation(ctx context.Context, id, ip, extensionVersion, deviceFingerprint string) error

	// CascadeSuspendForUser suspends every license of the user that is
	// currently active and not already suspended. Returns the number of
	// licenses suspended.
	CascadeSuspendForUser(ctx context.Context, userID string) (int, error)
	// ReactivateSuspendedForUser un-suspends every license of the user
	// that is suspended but not deactivated.
	ReactivateSuspendedForUser(ctx context.Context, userID string) (int, error)

	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	// LatestSubscriptionForUser returns the most recently created
	// subscription regardless of status, or nil.
	LatestSubscriptionForUser(ctx context.Context, userID string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, offset, limit int) ([]*models.Subscription, error)
	SaveSubscription(ctx context.Context, subscription *models.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	// SetSubscriptionEndTime sets or clears the override end time.
	SetSubscriptionEndTime(ctx context.Context, id string, endTime *time.Time) error

	// ExpiredTerminalSubscriptions returns subscriptions in a terminal
	// status whose effective expiry lies before now.
	ExpiredTerminalSubscriptions(ctx context.Context, now time.Time) ([]*models.Subscription, error)
	SubscriptionsWithStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error)

	AppendAPILog(ctx context.Context, entry *models.APILog) error
	PruneAPILogs(ctx context.Context, before time.Time) (int64, error)

	// WithTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back entirely
	// otherwise.
	WithTx(ctx context.Context, fn func(Storage) error) error

	Close() error
}
