package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/licensing"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

// SubscriptionUpdate carries the fields of a subscription change event
// that the synchronizer applies to the stored record.
type SubscriptionUpdate struct {
	Status             models.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// Synchronizer applies billing provider events to local state. Every
// handler is idempotent with respect to redelivered events.
type Synchronizer struct {
	store     storage.Storage
	provider  Provider
	keyLength int

	// Notify delivers a freshly issued key to the purchaser. Delivery
	// failures never fail the checkout. Nil disables delivery.
	Notify func(email, key string) error
}

func NewSynchronizer(store storage.Storage, provider Provider, keyLength int) *Synchronizer {
	return &Synchronizer{store: store, provider: provider, keyLength: keyLength}
}

// HandleCheckoutCompleted records the new subscription and issues exactly
// one license for it. A redelivered event for an already known
// subscription is a no-op.
func (s *Synchronizer) HandleCheckoutCompleted(ctx context.Context, customerRef, subscriptionRef string) error {
	if customerRef == "" || subscriptionRef == "" {
		return fmt.Errorf("checkout event missing customer or subscription reference")
	}

	existing, err := s.store.FindSubscriptionByStripeID(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}
	if existing != nil {
		logger.Info("Checkout event already processed", map[string]interface{}{
			"subscription_ref": subscriptionRef,
		})
		return nil
	}

	user, err := s.store.FindUserByStripeCustomer(ctx, customerRef)
	if err != nil {
		return fmt.Errorf("failed to look up customer: %w", err)
	}
	if user == nil {
		return fmt.Errorf("no user for customer reference %s", customerRef)
	}

	details, err := s.provider.GetSubscription(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription details: %w", err)
	}

	var license *models.License
	err = s.store.WithTx(ctx, func(tx storage.Storage) error {
		now := time.Now().UTC()
		sub := &models.Subscription{
			ID:                   uuid.New().String(),
			StripeSubscriptionID: subscriptionRef,
			UserID:               user.ID,
			Status:               details.Status,
			PlanName:             details.PlanName,
			BillingCycle:         details.BillingCycle,
			StripePriceID:        details.PriceID,
			CurrentPeriodStart:   details.CurrentPeriodStart,
			CurrentPeriodEnd:     details.CurrentPeriodEnd,
			CancelAtPeriodEnd:    details.CancelAtPeriodEnd,
			TrialEnd:             details.TrialEnd,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		license, err = licensing.Issue(ctx, tx, user.ID, s.keyLength)
		if err != nil {
			return fmt.Errorf("failed to issue license: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Info("Checkout completed", map[string]interface{}{
		"user_id":          user.ID,
		"subscription_ref": subscriptionRef,
		"license_id":       license.ID,
	})

	if s.Notify != nil {
		if err := s.Notify(user.Email, license.Key); err != nil {
			logger.Error("Failed to deliver license key", map[string]interface{}{
				"user_id": user.ID,
				"error":   err.Error(),
			})
		}
	}
	return nil
}

// HandleSubscriptionUpdated applies a status change. Licenses are
// cascade-suspended only when the subscription lands in a terminal
// non-paying state.
func (s *Synchronizer) HandleSubscriptionUpdated(ctx context.Context, subscriptionRef string, update SubscriptionUpdate) error {
	sub, err := s.store.FindSubscriptionByStripeID(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}
	if sub == nil {
		logger.Info("Update for unknown subscription ignored", map[string]interface{}{
			"subscription_ref": subscriptionRef,
		})
		return nil
	}

	return s.store.WithTx(ctx, func(tx storage.Storage) error {
		sub.Status = update.Status
		if update.CurrentPeriodStart != nil {
			sub.CurrentPeriodStart = update.CurrentPeriodStart
		}
		if update.CurrentPeriodEnd != nil {
			sub.CurrentPeriodEnd = update.CurrentPeriodEnd
		}
		sub.CancelAtPeriodEnd = update.CancelAtPeriodEnd
		sub.UpdatedAt = time.Now().UTC()
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		if update.Status == models.StatusCanceled || update.Status == models.StatusUnpaid {
			n, err := tx.CascadeSuspendForUser(ctx, sub.UserID)
			if err != nil {
				return fmt.Errorf("failed to suspend licenses: %w", err)
			}
			logger.Info("Suspended licenses for lapsed subscription", map[string]interface{}{
				"user_id":   sub.UserID,
				"status":    string(update.Status),
				"suspended": n,
			})
		}
		return nil
	})
}

// HandleSubscriptionDeleted marks the subscription canceled and suspends
// the user's licenses unconditionally.
func (s *Synchronizer) HandleSubscriptionDeleted(ctx context.Context, subscriptionRef string) error {
	sub, err := s.store.FindSubscriptionByStripeID(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}
	if sub == nil {
		logger.Info("Deletion for unknown subscription ignored", map[string]interface{}{
			"subscription_ref": subscriptionRef,
		})
		return nil
	}

	return s.store.WithTx(ctx, func(tx storage.Storage) error {
		sub.Status = models.StatusCanceled
		sub.UpdatedAt = time.Now().UTC()
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		n, err := tx.CascadeSuspendForUser(ctx, sub.UserID)
		if err != nil {
			return fmt.Errorf("failed to suspend licenses: %w", err)
		}
		logger.Info("Subscription deleted, licenses suspended", map[string]interface{}{
			"user_id":   sub.UserID,
			"suspended": n,
		})
		return nil
	})
}

// HandleInvoicePaymentFailed marks the subscription past due. Licenses
// stay active through the grace period.
func (s *Synchronizer) HandleInvoicePaymentFailed(ctx context.Context, subscriptionRef string) error {
	sub, err := s.store.FindSubscriptionByStripeID(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}
	if sub == nil {
		logger.Info("Payment failure for unknown subscription ignored", map[string]interface{}{
			"subscription_ref": subscriptionRef,
		})
		return nil
	}

	sub.Status = models.StatusPastDue
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	logger.Warn("Subscription past due", map[string]interface{}{
		"user_id":          sub.UserID,
		"subscription_ref": subscriptionRef,
	})
	return nil
}

// HandleInvoicePaymentSucceeded recovers a past-due subscription. The
// live status is confirmed with the provider before anything is
// reactivated.
func (s *Synchronizer) HandleInvoicePaymentSucceeded(ctx context.Context, subscriptionRef string) error {
	sub, err := s.store.FindSubscriptionByStripeID(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}
	if sub == nil || sub.Status != models.StatusPastDue {
		return nil
	}

	details, err := s.provider.GetSubscription(ctx, subscriptionRef)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription details: %w", err)
	}
	if details.Status != models.StatusActive {
		logger.Info("Payment succeeded but subscription not active yet", map[string]interface{}{
			"subscription_ref": subscriptionRef,
			"live_status":      string(details.Status),
		})
		return nil
	}

	return s.store.WithTx(ctx, func(tx storage.Storage) error {
		sub.Status = models.StatusActive
		sub.CurrentPeriodStart = details.CurrentPeriodStart
		sub.CurrentPeriodEnd = details.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = details.CancelAtPeriodEnd
		sub.UpdatedAt = time.Now().UTC()
		if err := tx.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to save subscription: %w", err)
		}

		n, err := tx.ReactivateSuspendedForUser(ctx, sub.UserID)
		if err != nil {
			return fmt.Errorf("failed to reactivate licenses: %w", err)
		}
		logger.Info("Subscription recovered from past due", map[string]interface{}{
			"user_id":     sub.UserID,
			"reactivated": n,
		})
		return nil
	})
}
