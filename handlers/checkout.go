package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/models"
)

type CheckoutRequest struct {
	Email string `json:"email"`
}

// CreateCheckout starts a hosted subscription checkout for the given
// email, creating the local user and the billing customer on first
// contact.
func (s *Server) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeErrorResponse(w, http.StatusBadRequest, "A valid email is required")
		return
	}

	user, err := s.resolveUser(ctx, email)
	if err != nil {
		logger.Error("Failed to resolve user for checkout", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to start checkout")
		return
	}

	session, err := s.Provider.CreateCheckoutSession(ctx, user.StripeCustomerID, s.Config.SuccessURL, s.Config.CancelURL)
	if err != nil {
		logger.Error("Failed to create checkout session", map[string]interface{}{
			"error":   err.Error(),
			"user_id": user.ID,
		})
		writeErrorResponse(w, http.StatusBadGateway, "Failed to start checkout")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"checkout_url": session.URL,
		"session_id":   session.ID,
	})
}

// CreatePortal opens the billing portal for an existing user.
func (s *Server) CreatePortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		writeErrorResponse(w, http.StatusBadRequest, "A valid email is required")
		return
	}

	user, err := s.Store.FindUserByEmail(ctx, email)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to open portal")
		return
	}
	if user == nil || user.StripeCustomerID == "" {
		writeErrorResponse(w, http.StatusNotFound, "No billing account for this email")
		return
	}

	url, err := s.Provider.CreatePortalSession(ctx, user.StripeCustomerID, s.Config.PortalReturnURL)
	if err != nil {
		logger.Error("Failed to create portal session", map[string]interface{}{
			"error":   err.Error(),
			"user_id": user.ID,
		})
		writeErrorResponse(w, http.StatusBadGateway, "Failed to open portal")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"portal_url": url})
}

// resolveUser returns the user for the email, creating the user and its
// billing customer as needed.
func (s *Server) resolveUser(ctx context.Context, email string) (*models.User, error) {
	user, err := s.Store.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if user == nil {
		user = &models.User{
			ID:        uuid.New().String(),
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if user.StripeCustomerID == "" {
		customerID, err := s.Provider.CreateCustomer(ctx, email)
		if err != nil {
			return nil, err
		}
		user.StripeCustomerID = customerID
		user.UpdatedAt = now
	}

	if err := s.Store.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
