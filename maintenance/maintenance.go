// Package maintenance holds the periodic housekeeping sweep: suspending
// licenses of lapsed subscriptions, pruning old audit logs, and
// re-syncing stored subscription statuses against the billing provider.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/janschill/licensed/billing"
	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

const DefaultLogRetention = 30 * 24 * time.Hour

type Sweeper struct {
	Store    storage.Storage
	Provider billing.Provider

	// LogRetention bounds the audit trail. Zero means
	// DefaultLogRetention.
	LogRetention time.Duration
}

// Run executes all housekeeping tasks. Each task runs to completion
// even when an earlier one fails; the errors are aggregated.
func (s *Sweeper) Run(ctx context.Context) error {
	var result *multierror.Error

	if err := s.suspendLapsed(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("suspend lapsed: %w", err))
	}
	if err := s.pruneLogs(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("prune logs: %w", err))
	}
	if err := s.resyncStatuses(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("resync statuses: %w", err))
	}

	return result.ErrorOrNil()
}

// suspendLapsed finds subscriptions that are both terminally inactive
// and past their effective expiry, and suspends their users' licenses.
func (s *Sweeper) suspendLapsed(ctx context.Context) error {
	subs, err := s.Store.ExpiredTerminalSubscriptions(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	var total int
	for _, sub := range subs {
		n, err := s.Store.CascadeSuspendForUser(ctx, sub.UserID)
		if err != nil {
			return fmt.Errorf("user %s: %w", sub.UserID, err)
		}
		total += n
	}

	if total > 0 {
		logger.Info("Suspended licenses for lapsed subscriptions", map[string]interface{}{
			"subscriptions": len(subs),
			"suspended":     total,
		})
	}
	return nil
}

func (s *Sweeper) pruneLogs(ctx context.Context) error {
	retention := s.LogRetention
	if retention <= 0 {
		retention = DefaultLogRetention
	}

	pruned, err := s.Store.PruneAPILogs(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		logger.Info("Pruned audit logs", map[string]interface{}{"pruned": pruned})
	}
	return nil
}

// resyncStatuses reconciles non-terminal stored statuses against the
// provider. Individual lookup failures are logged and skipped so one
// bad record cannot stall the sweep.
func (s *Sweeper) resyncStatuses(ctx context.Context) error {
	if s.Provider == nil {
		return nil
	}

	subs, err := s.Store.SubscriptionsWithStatus(ctx,
		models.StatusActive, models.StatusTrialing, models.StatusPastDue)
	if err != nil {
		return err
	}

	var updated int
	for _, sub := range subs {
		if sub.StripeSubscriptionID == "" {
			continue
		}

		details, err := s.Provider.GetSubscription(ctx, sub.StripeSubscriptionID)
		if err != nil {
			logger.Warn("Failed to fetch live subscription", map[string]interface{}{
				"error":            err.Error(),
				"subscription_ref": sub.StripeSubscriptionID,
			})
			continue
		}

		if details.Status == sub.Status &&
			equalTimes(details.CurrentPeriodEnd, sub.CurrentPeriodEnd) {
			continue
		}

		sub.Status = details.Status
		sub.CurrentPeriodStart = details.CurrentPeriodStart
		sub.CurrentPeriodEnd = details.CurrentPeriodEnd
		sub.CancelAtPeriodEnd = details.CancelAtPeriodEnd
		sub.UpdatedAt = time.Now().UTC()
		if err := s.Store.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		updated++
	}

	if updated > 0 {
		logger.Info("Re-synced subscription statuses", map[string]interface{}{
			"checked": len(subs),
			"updated": updated,
		})
	}
	return nil
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
