package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

type subscriptionView struct {
	ID                 string     `json:"id"`
	StripeSubscription string     `json:"stripe_subscription_id,omitempty"`
	UserID             string     `json:"user_id"`
	Status             string     `json:"status"`
	PlanName           string     `json:"plan_name,omitempty"`
	BillingCycle       string     `json:"billing_cycle,omitempty"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	CreatedAt          time.Time  `json:"created_at"`
}

func subscriptionToView(sub *models.Subscription) subscriptionView {
	return subscriptionView{
		ID:                 sub.ID,
		StripeSubscription: sub.StripeSubscriptionID,
		UserID:             sub.UserID,
		Status:             string(sub.Status),
		PlanName:           sub.PlanName,
		BillingCycle:       sub.BillingCycle,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		EndTime:            sub.EndTime,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CreatedAt:          sub.CreatedAt,
	}
}

func (s *Server) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	subs, err := s.Store.ListSubscriptions(r.Context(), offset, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to list subscriptions")
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, subscriptionToView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": views})
}

type CreateSubscriptionRequest struct {
	Email            string     `json:"email"`
	Status           string     `json:"status"`
	PlanName         string     `json:"plan_name"`
	BillingCycle     string     `json:"billing_cycle"`
	CurrentPeriodEnd *time.Time `json:"current_period_end"`
	EndTime          *time.Time `json:"end_time"`
}

// CreateSubscription records a subscription without a billing provider
// behind it, for manually granted access.
func (s *Server) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		writeErrorResponse(w, http.StatusBadRequest, "A valid email is required")
		return
	}

	status := models.StatusActive
	if req.Status != "" {
		parsed, ok := models.ParseSubscriptionStatus(req.Status)
		if !ok {
			writeErrorResponse(w, http.StatusBadRequest, "Unknown subscription status")
			return
		}
		status = parsed
	}

	user, err := s.Store.FindUserByEmail(ctx, email)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}
	if user == nil {
		writeErrorResponse(w, http.StatusNotFound, "No user for this email")
		return
	}

	now := time.Now().UTC()
	sub := &models.Subscription{
		ID:               uuid.New().String(),
		UserID:           user.ID,
		Status:           status,
		PlanName:         req.PlanName,
		BillingCycle:     req.BillingCycle,
		CurrentPeriodEnd: req.CurrentPeriodEnd,
		EndTime:          req.EndTime,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.SaveSubscription(ctx, sub); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create subscription")
		return
	}

	writeJSON(w, http.StatusCreated, subscriptionToView(sub))
}

type UpdateSubscriptionRequest struct {
	Status             string     `json:"status"`
	PlanName           *string    `json:"plan_name"`
	BillingCycle       *string    `json:"billing_cycle"`
	CurrentPeriodStart *time.Time `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  *bool      `json:"cancel_at_period_end"`
}

// UpdateSubscription overwrites the provided fields. Omitted fields
// keep their stored values. Status changes here do not cascade to
// licenses; that is reserved for billing events and the maintenance
// sweep.
func (s *Server) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := s.Store.GetSubscription(ctx, id)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to update subscription")
		return
	}
	if sub == nil {
		writeErrorResponse(w, http.StatusNotFound, "Subscription not found")
		return
	}

	if req.Status != "" {
		parsed, ok := models.ParseSubscriptionStatus(req.Status)
		if !ok {
			writeErrorResponse(w, http.StatusBadRequest, "Unknown subscription status")
			return
		}
		sub.Status = parsed
	}
	if req.PlanName != nil {
		sub.PlanName = *req.PlanName
	}
	if req.BillingCycle != nil {
		sub.BillingCycle = *req.BillingCycle
	}
	if req.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = req.CurrentPeriodStart
	}
	if req.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = req.CurrentPeriodEnd
	}
	if req.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *req.CancelAtPeriodEnd
	}
	sub.UpdatedAt = time.Now().UTC()

	if err := s.Store.SaveSubscription(ctx, sub); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to update subscription")
		return
	}

	writeJSON(w, http.StatusOK, subscriptionToView(sub))
}

type SetEndTimeRequest struct {
	EndTime time.Time `json:"end_time"`
}

// SetEndTime installs an override expiry that takes precedence over the
// billing period in every expiry computation.
func (s *Server) SetEndTime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req SetEndTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EndTime.IsZero() {
		writeErrorResponse(w, http.StatusBadRequest, "A valid end_time is required")
		return
	}

	endTime := req.EndTime.UTC()
	err := s.Store.SetSubscriptionEndTime(r.Context(), id, &endTime)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to set end time")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "end_time": endTime})
}

func (s *Server) ClearEndTime(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.Store.SetSubscriptionEndTime(r.Context(), id, nil)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to clear end time")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.Store.DeleteSubscription(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "Subscription not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to delete subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
