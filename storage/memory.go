package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/janschill/licensed/models"
)

// MemoryStorage is an in-memory Storage used by tests. It enforces the
// same uniqueness guarantees as the SQLite implementation. WithTx runs
// the callback directly; tests that need rollback semantics exercise
// SQLite instead.
type MemoryStorage struct {
	mu sync.Mutex

	Users         map[string]models.User
	Licenses      map[string]models.License
	Subscriptions map[string]models.Subscription
	APILogs       []models.APILog

	nextLogID int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Users:         make(map[string]models.User),
		Licenses:      make(map[string]models.License),
		Subscriptions: make(map[string]models.Subscription),
	}
}

func (m *MemoryStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, exists := m.Users[id]
	if !exists {
		return nil, nil
	}
	return &user, nil
}

func (m *MemoryStorage) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.Users {
		if user.Email == email {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindUserByStripeCustomer(ctx context.Context, customerID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.Users {
		if user.StripeCustomerID != "" && user.StripeCustomerID == customerID {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.Users {
		if id != user.ID && existing.Email == user.Email {
			return fmt.Errorf("email %s already taken", user.Email)
		}
	}
	m.Users[user.ID] = *user
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	license, exists := m.Licenses[id]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseByKeyHash(ctx context.Context, keyHash string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, license := range m.Licenses {
		if license.KeyHash == keyHash {
			l := license
			return &l, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLicensesByUser(ctx context.Context, userID string) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var licenses []*models.License
	for _, license := range m.Licenses {
		if license.UserID == userID {
			l := license
			licenses = append(licenses, &l)
		}
	}
	sort.Slice(licenses, func(i, j int) bool {
		return licenses[i].CreatedAt.Before(licenses[j].CreatedAt)
	})
	return licenses, nil
}

func (m *MemoryStorage) ListLicenses(ctx context.Context, offset, limit int) ([]*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var licenses []*models.License
	for _, license := range m.Licenses {
		l := license
		licenses = append(licenses, &l)
	}
	sort.Slice(licenses, func(i, j int) bool {
		return licenses[i].CreatedAt.After(licenses[j].CreatedAt)
	})
	return paginate(licenses, offset, limit), nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Users[license.UserID]; !exists {
		return fmt.Errorf("user %s not found", license.UserID)
	}
	for id, existing := range m.Licenses {
		if id != license.ID && existing.KeyHash == license.KeyHash {
			return fmt.Errorf("license key hash already exists")
		}
	}
	m.Licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) DeleteLicense(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Licenses[id]; !exists {
		return ErrNotFound
	}
	delete(m.Licenses, id)
	return nil
}

func (m *MemoryStorage) SuspendLicense(ctx context.Context, id string) error {
	return m.updateLicense(id, func(l *models.License) {
		l.IsSuspended = true
	})
}

func (m *MemoryStorage) ActivateLicense(ctx context.Context, id string) error {
	return m.updateLicense(id, func(l *models.License) {
		l.IsSuspended = false
		l.IsActive = true
	})
}

func (m *MemoryStorage) DeactivateLicense(ctx context.Context, id string) error {
	return m.updateLicense(id, func(l *models.License) {
		l.IsActive = false
	})
}

func (m *MemoryStorage) updateLicense(id string, apply func(*models.License)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	license, exists := m.Licenses[id]
	if !exists {
		return ErrNotFound
	}
	apply(&license)
	m.Licenses[id] = license
	return nil
}

func (m *MemoryStorage) RecordValidation(ctx context.Context, id, ip, extensionVersion, deviceFingerprint string) error {
	now := time.Now().UTC()
	return m.updateLicense(id, func(l *models.License) {
		l.ValidationCount++
		l.LastValidated = &now
		if ip != "" {
			l.LastIP = ip
		}
		if extensionVersion != "" {
			l.ExtensionVersion = extensionVersion
		}
		if deviceFingerprint != "" {
			l.DeviceFingerprint = deviceFingerprint
		}
	})
}

func (m *MemoryStorage) CascadeSuspendForUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, license := range m.Licenses {
		if license.UserID == userID && license.IsActive && !license.IsSuspended {
			license.IsSuspended = true
			m.Licenses[id] = license
			count++
		}
	}
	return count, nil
}

func (m *MemoryStorage) ReactivateSuspendedForUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, license := range m.Licenses {
		if license.UserID == userID && license.IsSuspended && license.IsActive {
			license.IsSuspended = false
			m.Licenses[id] = license
			count++
		}
	}
	return count, nil
}

func (m *MemoryStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, exists := m.Subscriptions[id]
	if !exists {
		return nil, nil
	}
	return &sub, nil
}

func (m *MemoryStorage) FindSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.Subscriptions {
		if sub.StripeSubscriptionID == stripeSubscriptionID {
			s := sub
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) LatestSubscriptionForUser(ctx context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Subscription
	for _, sub := range m.Subscriptions {
		if sub.UserID != userID {
			continue
		}
		s := sub
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = &s
		}
	}
	return latest, nil
}

func (m *MemoryStorage) ListSubscriptions(ctx context.Context, offset, limit int) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []*models.Subscription
	for _, sub := range m.Subscriptions {
		s := sub
		subs = append(subs, &s)
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.After(subs[j].CreatedAt)
	})
	return paginate(subs, offset, limit), nil
}

func (m *MemoryStorage) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Users[sub.UserID]; !exists {
		return fmt.Errorf("user %s not found", sub.UserID)
	}
	for id, existing := range m.Subscriptions {
		if id != sub.ID && sub.StripeSubscriptionID != "" &&
			existing.StripeSubscriptionID == sub.StripeSubscriptionID {
			return fmt.Errorf("subscription reference already exists")
		}
	}
	m.Subscriptions[sub.ID] = *sub
	return nil
}

func (m *MemoryStorage) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Subscriptions[id]; !exists {
		return ErrNotFound
	}
	delete(m.Subscriptions, id)
	return nil
}

func (m *MemoryStorage) SetSubscriptionEndTime(ctx context.Context, id string, endTime *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, exists := m.Subscriptions[id]
	if !exists {
		return ErrNotFound
	}
	sub.EndTime = endTime
	sub.UpdatedAt = time.Now().UTC()
	m.Subscriptions[id] = sub
	return nil
}

func (m *MemoryStorage) ExpiredTerminalSubscriptions(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*models.Subscription
	for _, sub := range m.Subscriptions {
		switch sub.Status {
		case models.StatusCanceled, models.StatusEnded, models.StatusUnpaid:
		default:
			continue
		}
		s := sub
		if expiry := s.EffectiveExpiry(); expiry != nil && expiry.Before(now) {
			expired = append(expired, &s)
		}
	}
	return expired, nil
}

func (m *MemoryStorage) SubscriptionsWithStatus(ctx context.Context, statuses ...models.SubscriptionStatus) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.Subscription
	for _, sub := range m.Subscriptions {
		for _, status := range statuses {
			if sub.Status == status {
				s := sub
				matched = append(matched, &s)
				break
			}
		}
	}
	return matched, nil
}

func (m *MemoryStorage) AppendAPILog(ctx context.Context, entry *models.APILog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	logged := *entry
	logged.ID = m.nextLogID
	m.APILogs = append(m.APILogs, logged)
	return nil
}

func (m *MemoryStorage) PruneAPILogs(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []models.APILog
	var pruned int64
	for _, entry := range m.APILogs {
		if entry.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	m.APILogs = kept
	return pruned, nil
}

func (m *MemoryStorage) WithTx(ctx context.Context, fn func(Storage) error) error {
	return fn(m)
}

func (m *MemoryStorage) Close() error {
	return nil
}

func paginate[T any](items []*T, offset, limit int) []*T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
