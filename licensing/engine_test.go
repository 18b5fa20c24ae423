package licensing_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/janschill/licensed/internal/testutil"
	"github.com/janschill/licensed/licensing"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

func validate(t *testing.T, engine *licensing.Engine, key string) licensing.Verdict {
	t.Helper()
	return engine.Validate(context.Background(), licensing.Request{
		Key:       key,
		IP:        "203.0.113.9",
		UserAgent: "test-agent",
	})
}

func seededEngine(t *testing.T) (*storage.MemoryStorage, *licensing.Engine, *models.License, *models.Subscription) {
	t.Helper()
	store := storage.NewMemoryStorage()
	_, license, sub, err := testutil.Seed(store, 1)
	if err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}
	return store, licensing.NewEngine(store, 0), license, sub
}

func TestValidateMalformedKey(t *testing.T) {
	_, engine, _, _ := seededEngine(t)

	for name, key := range map[string]string{
		"empty":     "",
		"too short": "abc",
		"bad chars": strings.Repeat("!", 32),
	} {
		verdict := validate(t, engine, key)
		if verdict.Valid || verdict.Reason != licensing.ReasonMalformed {
			t.Errorf("%s: expected malformed, got %+v", name, verdict)
		}
	}
}

func TestValidateUnknownKey(t *testing.T) {
	_, engine, _, _ := seededEngine(t)

	verdict := validate(t, engine, testutil.Key(200))
	if verdict.Valid || verdict.Reason != licensing.ReasonNotFound {
		t.Errorf("Expected not_found, got %+v", verdict)
	}
}

func TestValidateInactiveLicense(t *testing.T) {
	store, engine, license, _ := seededEngine(t)

	if err := store.DeactivateLicense(context.Background(), license.ID); err != nil {
		t.Fatalf("DeactivateLicense failed: %v", err)
	}
	// Suspend as well: the inactive gate runs first.
	if err := store.SuspendLicense(context.Background(), license.ID); err != nil {
		t.Fatalf("SuspendLicense failed: %v", err)
	}

	verdict := validate(t, engine, license.Key)
	if verdict.Valid || verdict.Reason != licensing.ReasonInactive {
		t.Errorf("Expected inactive, got %+v", verdict)
	}
}

func TestValidateSuspendedLicense(t *testing.T) {
	store, engine, license, _ := seededEngine(t)

	if err := store.SuspendLicense(context.Background(), license.ID); err != nil {
		t.Fatalf("SuspendLicense failed: %v", err)
	}

	verdict := validate(t, engine, license.Key)
	if verdict.Valid || verdict.Reason != licensing.ReasonSuspended {
		t.Errorf("Expected suspended, got %+v", verdict)
	}
}

func TestValidateNoSubscription(t *testing.T) {
	store, engine, license, sub := seededEngine(t)

	if err := store.DeleteSubscription(context.Background(), sub.ID); err != nil {
		t.Fatalf("DeleteSubscription failed: %v", err)
	}

	verdict := validate(t, engine, license.Key)
	if verdict.Valid || verdict.Reason != licensing.ReasonNoSubscription {
		t.Errorf("Expected no_subscription, got %+v", verdict)
	}
}

func TestValidateSubscriptionInactive(t *testing.T) {
	store, engine, license, sub := seededEngine(t)

	for _, status := range []models.SubscriptionStatus{
		models.StatusPastDue, models.StatusCanceled, models.StatusUnpaid,
		models.StatusIncomplete, models.StatusIncompleteExpired, models.StatusEnded,
	} {
		sub.Status = status
		if err := store.SaveSubscription(context.Background(), sub); err != nil {
			t.Fatalf("SaveSubscription failed: %v", err)
		}

		verdict := validate(t, engine, license.Key)
		if verdict.Valid || verdict.Reason != licensing.ReasonSubscriptionInactive {
			t.Errorf("%s: expected subscription_inactive, got %+v", status, verdict)
		}
		if !strings.Contains(verdict.Message, string(status)) {
			t.Errorf("%s: expected status in message, got %q", status, verdict.Message)
		}
	}
}

func TestValidateSuccess(t *testing.T) {
	store, engine, license, sub := seededEngine(t)

	verdict := validate(t, engine, license.Key)
	if !verdict.Valid {
		t.Fatalf("Expected valid verdict, got %+v", verdict)
	}
	if verdict.Reason != "" {
		t.Errorf("Expected empty reason, got %s", verdict.Reason)
	}
	if verdict.SubscriptionStatus != models.StatusActive {
		t.Errorf("Expected active status, got %s", verdict.SubscriptionStatus)
	}
	if verdict.Plan != "Pro (Monthly)" {
		t.Errorf("Expected plan display, got %q", verdict.Plan)
	}
	if verdict.ExpiresAt == nil || !verdict.ExpiresAt.Equal(*sub.CurrentPeriodEnd) {
		t.Errorf("Expected expiry at period end, got %v", verdict.ExpiresAt)
	}
	if verdict.DaysUntilExpiry == nil || *verdict.DaysUntilExpiry != 29 {
		t.Errorf("Expected 29 days until expiry, got %v", verdict.DaysUntilExpiry)
	}
	if verdict.NextRenewal == nil || !verdict.NextRenewal.Equal(*sub.CurrentPeriodEnd) {
		t.Errorf("Expected renewal at period end, got %v", verdict.NextRenewal)
	}

	stored, _ := store.GetLicense(context.Background(), license.ID)
	if stored.ValidationCount != 1 {
		t.Errorf("Expected validation recorded, count = %d", stored.ValidationCount)
	}
}

func TestValidateTrialingGrantsAccess(t *testing.T) {
	store, engine, license, sub := seededEngine(t)

	sub.Status = models.StatusTrialing
	if err := store.SaveSubscription(context.Background(), sub); err != nil {
		t.Fatalf("SaveSubscription failed: %v", err)
	}

	verdict := validate(t, engine, license.Key)
	if !verdict.Valid {
		t.Errorf("Expected trialing subscription to grant access, got %+v", verdict)
	}
}

func TestValidateCancelAtPeriodEnd(t *testing.T) {
	store, engine, license, sub := seededEngine(t)

	sub.CancelAtPeriodEnd = true
	if err := store.SaveSubscription(context.Background(), sub); err != nil {
		t.Fatalf("SaveSubscription failed: %v", err)
	}

	verdict := validate(t, engine, license.Key)
	if !verdict.Valid {
		t.Fatalf("Expected valid verdict, got %+v", verdict)
	}
	if verdict.NextRenewal != nil {
		t.Errorf("Expected no renewal when cancellation is pending, got %v", verdict.NextRenewal)
	}
	if !verdict.CancelAtPeriodEnd {
		t.Error("Expected cancel flag surfaced")
	}
}

func TestValidateEndTimeOverride(t *testing.T) {
	store, engine, license, sub := seededEngine(t)
	ctx := context.Background()

	// Later than the period end: extends access.
	later := time.Now().UTC().Add(100 * 24 * time.Hour)
	sub.EndTime = &later
	if err := store.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription failed: %v", err)
	}
	verdict := validate(t, engine, license.Key)
	if verdict.ExpiresAt == nil || !verdict.ExpiresAt.Equal(later) {
		t.Errorf("Expected override expiry, got %v", verdict.ExpiresAt)
	}
	if verdict.DaysUntilExpiry == nil || *verdict.DaysUntilExpiry != 99 {
		t.Errorf("Expected 99 days, got %v", verdict.DaysUntilExpiry)
	}

	// Earlier than the period end: shortens access. Still the winner.
	earlier := time.Now().UTC().Add(5*24*time.Hour + time.Hour)
	sub.EndTime = &earlier
	if err := store.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription failed: %v", err)
	}
	verdict = validate(t, engine, license.Key)
	if verdict.ExpiresAt == nil || !verdict.ExpiresAt.Equal(earlier) {
		t.Errorf("Expected earlier override expiry, got %v", verdict.ExpiresAt)
	}
	if verdict.DaysUntilExpiry == nil || *verdict.DaysUntilExpiry != 5 {
		t.Errorf("Expected 5 days, got %v", verdict.DaysUntilExpiry)
	}
}

func TestValidatePastExpiryStillGrants(t *testing.T) {
	store, engine, license, sub := seededEngine(t)

	// Stored status stays active even though the period has lapsed; only
	// billing events or the maintenance sweep move the status.
	past := time.Now().UTC().Add(-72 * time.Hour)
	sub.CurrentPeriodEnd = &past
	if err := store.SaveSubscription(context.Background(), sub); err != nil {
		t.Fatalf("SaveSubscription failed: %v", err)
	}

	verdict := validate(t, engine, license.Key)
	if !verdict.Valid {
		t.Fatalf("Expected access while stored status is active, got %+v", verdict)
	}
	if verdict.DaysUntilExpiry == nil || *verdict.DaysUntilExpiry != -3 {
		t.Errorf("Expected -3 days until expiry, got %v", verdict.DaysUntilExpiry)
	}
}

func TestValidateAppendsAuditTrail(t *testing.T) {
	store, engine, license, _ := seededEngine(t)

	validate(t, engine, license.Key)
	validate(t, engine, testutil.Key(200))
	validate(t, engine, "nope")

	if len(store.APILogs) != 3 {
		t.Fatalf("Expected 3 audit entries, got %d", len(store.APILogs))
	}
	outcomes := make(map[string]int)
	for _, entry := range store.APILogs {
		outcomes[entry.Outcome]++
	}
	if outcomes["valid"] != 1 || outcomes["not_found"] != 1 || outcomes["malformed"] != 1 {
		t.Errorf("Unexpected outcomes: %v", outcomes)
	}
}

// flakyStore fails the best-effort writes while leaving reads intact.
type flakyStore struct {
	storage.Storage
}

func (f *flakyStore) AppendAPILog(ctx context.Context, entry *models.APILog) error {
	return errors.New("audit sink down")
}

func (f *flakyStore) RecordValidation(ctx context.Context, id, ip, extensionVersion, deviceFingerprint string) error {
	return errors.New("metadata sink down")
}

func TestValidateSideEffectFailuresDoNotChangeVerdict(t *testing.T) {
	store := storage.NewMemoryStorage()
	_, license, _, err := testutil.Seed(store, 1)
	if err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	engine := licensing.NewEngine(&flakyStore{Storage: store}, 0)

	verdict := validate(t, engine, license.Key)
	if !verdict.Valid {
		t.Errorf("Expected valid verdict despite side effect failures, got %+v", verdict)
	}

	audits, records := engine.DroppedSideEffects()
	if audits != 1 || records != 1 {
		t.Errorf("Expected drop counters 1/1, got %d/%d", audits, records)
	}
}
