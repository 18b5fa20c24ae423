package licensing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/janschill/licensed/internal/keys"
	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

// Request carries one validation attempt. IP and UserAgent come from
// the transport layer; the rest is client-reported.
type Request struct {
	Key               string
	IP                string
	UserAgent         string
	ExtensionVersion  string
	DeviceFingerprint string
}

// Engine decides whether a license key grants access, combining the
// license's own administrative flags with its owning subscription's
// status and effective expiry.
type Engine struct {
	store     storage.Storage
	keyLength int

	// Best-effort side effects that failed. Usage metrics only.
	droppedAudits  atomic.Int64
	droppedRecords atomic.Int64
}

func NewEngine(store storage.Storage, keyLength int) *Engine {
	if keyLength <= 0 {
		keyLength = keys.DefaultLength
	}
	return &Engine{store: store, keyLength: keyLength}
}

// Validate runs the gating checks in strict order, short-circuiting on
// the first failure:
//
//	format -> lookup -> inactive -> suspended -> no subscription ->
//	subscription status -> expiry computation
//
// A past effective expiry does not by itself deny access; stored
// subscription status alone gates until a billing event or maintenance
// sweep moves it.
func (e *Engine) Validate(ctx context.Context, req Request) Verdict {
	if !keys.IsFormatValid(req.Key, e.keyLength) {
		return e.finish(ctx, req, "", invalid(ReasonMalformed, "Invalid license key format"))
	}

	keyHash := keys.Hash(req.Key)

	license, err := e.store.FindLicenseByKeyHash(ctx, keyHash)
	if err != nil {
		logger.Error("License lookup failed", map[string]interface{}{"error": err.Error()})
		return e.finish(ctx, req, keyHash, invalid(ReasonUnavailable, "Validation service unavailable"))
	}
	if license == nil {
		return e.finish(ctx, req, keyHash, invalid(ReasonNotFound, "Invalid license key"))
	}

	// License-level blocks strictly precede any subscription check.
	if !license.IsActive {
		return e.finish(ctx, req, keyHash, invalid(ReasonInactive, "License key is inactive"))
	}
	if license.IsSuspended {
		return e.finish(ctx, req, keyHash, invalid(ReasonSuspended, "License key is suspended"))
	}

	subscription, err := e.store.LatestSubscriptionForUser(ctx, license.UserID)
	if err != nil {
		logger.Error("Subscription lookup failed", map[string]interface{}{
			"error":   err.Error(),
			"user_id": license.UserID,
		})
		return e.finish(ctx, req, keyHash, invalid(ReasonUnavailable, "Validation service unavailable"))
	}
	if subscription == nil {
		return e.finish(ctx, req, keyHash, invalid(ReasonNoSubscription, "No subscription found"))
	}

	if !subscription.Status.GrantsAccess() {
		return e.finish(ctx, req, keyHash,
			invalid(ReasonSubscriptionInactive, fmt.Sprintf("Subscription is %s", subscription.Status)))
	}

	verdict := validVerdict(subscription, time.Now().UTC())
	e.recordValidation(ctx, license.ID, req)
	return e.finish(ctx, req, keyHash, verdict)
}

func validVerdict(sub *models.Subscription, now time.Time) Verdict {
	verdict := Verdict{
		Valid:              true,
		Message:            "License key is valid",
		SubscriptionStatus: sub.Status,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		EndTime:            sub.EndTime,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Plan:               planDisplay(sub),
	}

	// Override end time, when present, always wins over the current
	// period end, in both chronological directions.
	if expiry := sub.EffectiveExpiry(); expiry != nil {
		verdict.ExpiresAt = expiry
		days := wholeDays(expiry.Sub(now))
		verdict.DaysUntilExpiry = &days
		if !sub.CancelAtPeriodEnd {
			verdict.NextRenewal = sub.CurrentPeriodEnd
		}
	}

	return verdict
}

// wholeDays truncates toward zero; a past expiry yields a negative
// count.
func wholeDays(d time.Duration) int {
	return int(d.Hours() / 24)
}

func planDisplay(sub *models.Subscription) string {
	plan := sub.PlanName
	if plan == "" {
		plan = "Unknown Plan"
	}
	if sub.BillingCycle != "" {
		plan += " (" + capitalize(sub.BillingCycle) + ")"
	}
	return plan
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// recordValidation updates usage metadata. Best-effort: a failure is
// counted and logged but never changes the verdict.
func (e *Engine) recordValidation(ctx context.Context, licenseID string, req Request) {
	err := e.store.RecordValidation(ctx, licenseID, req.IP, req.ExtensionVersion, req.DeviceFingerprint)
	if err != nil {
		e.droppedRecords.Inc()
		logger.Warn("Failed to record validation metadata", map[string]interface{}{
			"error":      err.Error(),
			"license_id": licenseID,
		})
	}
}

// finish appends the audit entry for the attempt and returns the
// verdict unchanged. Audit failures are swallowed.
func (e *Engine) finish(ctx context.Context, req Request, keyHash string, verdict Verdict) Verdict {
	outcome := "valid"
	if !verdict.Valid {
		outcome = string(verdict.Reason)
	}

	err := e.store.AppendAPILog(ctx, &models.APILog{
		LicenseKeyHash: keyHash,
		Endpoint:       "validate",
		Method:         "POST",
		Outcome:        outcome,
		IPAddress:      req.IP,
		UserAgent:      req.UserAgent,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		e.droppedAudits.Inc()
		logger.Warn("Failed to append audit log", map[string]interface{}{"error": err.Error()})
	}

	return verdict
}

// DroppedSideEffects reports how many audit appends and metadata
// updates have been silently dropped since startup.
func (e *Engine) DroppedSideEffects() (audits, records int64) {
	return e.droppedAudits.Load(), e.droppedRecords.Load()
}
