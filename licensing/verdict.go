package licensing

import (
	"time"

	"github.com/janschill/licensed/models"
)

// Reason is the coarse error code returned on a failed validation. It
// never reveals more than which gate failed.
type Reason string

const (
	ReasonMalformed            Reason = "malformed"
	ReasonNotFound             Reason = "not_found"
	ReasonInactive             Reason = "inactive"
	ReasonSuspended            Reason = "suspended"
	ReasonNoSubscription       Reason = "no_subscription"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonUnavailable          Reason = "service_unavailable"
)

// Verdict is the structured result of a validation call.
type Verdict struct {
	Valid   bool
	Message string
	// Reason is empty on a valid verdict.
	Reason Reason

	ExpiresAt          *time.Time
	SubscriptionStatus models.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	EndTime            *time.Time
	NextRenewal        *time.Time
	CancelAtPeriodEnd  bool
	Plan               string
	DaysUntilExpiry    *int
}

func invalid(reason Reason, message string) Verdict {
	return Verdict{Valid: false, Reason: reason, Message: message}
}
