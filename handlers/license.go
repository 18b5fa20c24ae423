package handlers

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/janschill/licensed/licensing"
)

type ValidateRequest struct {
	LicenseKey        string `json:"license_key"`
	ExtensionVersion  string `json:"extension_version,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`

	ErrorCode string `json:"error_code,omitempty"`

	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	NextRenewalDate    *time.Time `json:"next_renewal_date,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end,omitempty"`
	SubscriptionPlan   string     `json:"subscription_plan,omitempty"`
	DaysUntilExpiry    *int       `json:"days_until_expiry,omitempty"`
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	verdict := s.Engine.Validate(r.Context(), licensing.Request{
		Key:               req.LicenseKey,
		IP:                clientIP(r),
		UserAgent:         r.Header.Get("User-Agent"),
		ExtensionVersion:  req.ExtensionVersion,
		DeviceFingerprint: req.DeviceFingerprint,
	})

	status := http.StatusOK
	if verdict.Reason == licensing.ReasonUnavailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, verdictResponse(verdict))
}

func verdictResponse(v licensing.Verdict) ValidateResponse {
	resp := ValidateResponse{
		Valid:   v.Valid,
		Message: v.Message,
	}
	if !v.Valid {
		resp.ErrorCode = string(v.Reason)
		return resp
	}

	resp.ExpiresAt = v.ExpiresAt
	resp.SubscriptionStatus = string(v.SubscriptionStatus)
	resp.CurrentPeriodStart = v.CurrentPeriodStart
	resp.CurrentPeriodEnd = v.CurrentPeriodEnd
	resp.EndTime = v.EndTime
	resp.NextRenewalDate = v.NextRenewal
	resp.CancelAtPeriodEnd = v.CancelAtPeriodEnd
	resp.SubscriptionPlan = v.Plan
	resp.DaysUntilExpiry = v.DaysUntilExpiry
	return resp
}

// clientIP strips the port from RemoteAddr. RealIP middleware has
// already folded forwarding headers in.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().String()
	}
	if host := strings.Split(addr, ":"); len(host) > 0 {
		return host[0]
	}
	return addr
}
