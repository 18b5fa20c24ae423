package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/janschill/licensed/models"
)

const subscriptionColumns = `id, stripe_subscription_id, user_id, status,
	current_period_start, current_period_end, end_time, cancel_at_period_end,
	stripe_price_id, plan_name, billing_cycle, trial_end, created_at, updated_at`

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return scanSubscription(s.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
}

func (s *SQLiteStorage) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	return scanSubscription(s.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = ?`, stripeSubscriptionID))
}

func (s *SQLiteStorage) LatestSubscriptionForUser(ctx context.Context, userID string) (*models.Subscription, error) {
	return scanSubscription(s.q.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID))
}

func (s *SQLiteStorage) ListSubscriptions(ctx context.Context, offset, limit int) ([]*models.Subscription, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func scanSubscriptionRow(row rowScanner) (*models.Subscription, error) {
	var sub models.Subscription
	var status string
	var stripeID sql.NullString
	var periodStart, periodEnd, endTime, trialEnd sql.NullTime
	err := row.Scan(
		&sub.ID,
		&stripeID,
		&sub.UserID,
		&status,
		&periodStart,
		&periodEnd,
		&endTime,
		&sub.CancelAtPeriodEnd,
		&sub.StripePriceID,
		&sub.PlanName,
		&sub.BillingCycle,
		&trialEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.StripeSubscriptionID = stripeID.String
	sub.CurrentPeriodStart = timePtr(periodStart)
	sub.CurrentPeriodEnd = timePtr(periodEnd)
	sub.EndTime = timePtr(endTime)
	sub.TrialEnd = timePtr(trialEnd)
	return &sub, nil
}

func scanSubscription(row *sql.Row) (*models.Subscription, error) {
	sub, err := scanSubscriptionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*models.Subscription, error) {
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscriptionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SQLiteStorage) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO subscriptions (id, stripe_subscription_id, user_id, status,
			current_period_start, current_period_end, end_time, cancel_at_period_end,
			stripe_price_id, plan_name, billing_cycle, trial_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			end_time = excluded.end_time,
			cancel_at_period_end = excluded.cancel_at_period_end,
			stripe_price_id = excluded.stripe_price_id,
			plan_name = excluded.plan_name,
			billing_cycle = excluded.billing_cycle,
			trial_end = excluded.trial_end,
			updated_at = excluded.updated_at`,
		sub.ID, nullString(sub.StripeSubscriptionID), sub.UserID, string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd),
		nullTime(sub.EndTime), sub.CancelAtPeriodEnd,
		sub.StripePriceID, sub.PlanName, sub.BillingCycle,
		nullTime(sub.TrialEnd), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteSubscription(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) SetSubscriptionEndTime(ctx context.Context, id string, endTime *time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE subscriptions SET end_time = ?, updated_at = ? WHERE id = ?`,
		nullTime(endTime), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set subscription end time: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) ExpiredTerminalSubscriptions(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status IN (?, ?, ?)
		   AND COALESCE(end_time, current_period_end) < ?`,
		string(models.StatusCanceled), string(models.StatusEnded), string(models.StatusUnpaid), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (s *SQLiteStorage) SubscriptionsWithStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(statuses))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}

	rows, err := s.q.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions by status: %w", err)
	}
	return collectSubscriptions(rows)
}

// Audit log

func (s *SQLiteStorage) AppendAPILog(ctx context.Context, entry *models.APILog) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO api_logs (license_key_hash, endpoint, method, outcome, ip_address, user_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.LicenseKeyHash, entry.Endpoint, entry.Method, entry.Outcome,
		entry.IPAddress, entry.UserAgent, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append api log: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) PruneAPILogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM api_logs WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune api logs: %w", err)
	}
	return result.RowsAffected()
}
