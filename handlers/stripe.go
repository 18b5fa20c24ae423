package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/janschill/licensed/billing"
	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/models"
)

const maxWebhookBytes = int64(65536)

// subscriptionPayload is the slice of a subscription event the
// synchronizer needs. Billing periods may arrive at the top level or on
// the subscription items depending on the API version.
type subscriptionPayload struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (p *subscriptionPayload) periodStart() int64 {
	if p.CurrentPeriodStart > 0 {
		return p.CurrentPeriodStart
	}
	if len(p.Items.Data) > 0 {
		return p.Items.Data[0].CurrentPeriodStart
	}
	return 0
}

func (p *subscriptionPayload) periodEnd() int64 {
	if p.CurrentPeriodEnd > 0 {
		return p.CurrentPeriodEnd
	}
	if len(p.Items.Data) > 0 {
		return p.Items.Data[0].CurrentPeriodEnd
	}
	return 0
}

// invoicePayload carries the subscription reference of an invoice
// event. Newer API versions nest it under parent.subscription_details.
type invoicePayload struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (p *invoicePayload) subscriptionRef() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	return p.Parent.SubscriptionDetails.Subscription
}

func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.Config.StripeWebhookSecret)
	if err != nil {
		logger.Error("Webhook signature verification failed", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	logger.Info("Stripe event received", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Malformed checkout session")
			return
		}
		if session.Mode != stripe.CheckoutSessionModeSubscription {
			break
		}
		if session.Customer == nil || session.Subscription == nil {
			writeErrorResponse(w, http.StatusBadRequest, "Checkout session missing references")
			return
		}
		if err := s.ensureUserForCustomer(ctx, &session); err != nil {
			logger.Error("Failed to resolve purchasing user", map[string]interface{}{
				"error":      err.Error(),
				"session_id": session.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := s.Sync.HandleCheckoutCompleted(ctx, session.Customer.ID, session.Subscription.ID); err != nil {
			logger.Error("Failed to handle checkout completion", map[string]interface{}{
				"error":      err.Error(),
				"session_id": session.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "customer.subscription.updated":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Malformed subscription payload")
			return
		}
		status, ok := models.ParseSubscriptionStatus(sub.Status)
		if !ok {
			writeErrorResponse(w, http.StatusBadRequest, "Unknown subscription status")
			return
		}
		update := billingUpdate(status, sub.periodStart(), sub.periodEnd(), sub.CancelAtPeriodEnd)
		if err := s.Sync.HandleSubscriptionUpdated(ctx, sub.ID, update); err != nil {
			logger.Error("Failed to handle subscription update", map[string]interface{}{
				"error":            err.Error(),
				"subscription_ref": sub.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Malformed subscription payload")
			return
		}
		if err := s.Sync.HandleSubscriptionDeleted(ctx, sub.ID); err != nil {
			logger.Error("Failed to handle subscription deletion", map[string]interface{}{
				"error":            err.Error(),
				"subscription_ref": sub.ID,
			})
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

	case "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Malformed invoice payload")
			return
		}
		if ref := inv.subscriptionRef(); ref != "" {
			if err := s.Sync.HandleInvoicePaymentFailed(ctx, ref); err != nil {
				logger.Error("Failed to handle payment failure", map[string]interface{}{
					"error":            err.Error(),
					"subscription_ref": ref,
				})
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

	case "invoice.payment_succeeded":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "Malformed invoice payload")
			return
		}
		if ref := inv.subscriptionRef(); ref != "" {
			if err := s.Sync.HandleInvoicePaymentSucceeded(ctx, ref); err != nil {
				logger.Error("Failed to handle payment recovery", map[string]interface{}{
					"error":            err.Error(),
					"subscription_ref": ref,
				})
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

	default:
		logger.Debug("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

func billingUpdate(status models.SubscriptionStatus, start, end int64, cancel bool) billing.SubscriptionUpdate {
	update := billing.SubscriptionUpdate{Status: status, CancelAtPeriodEnd: cancel}
	if start > 0 {
		t := time.Unix(start, 0).UTC()
		update.CurrentPeriodStart = &t
	}
	if end > 0 {
		t := time.Unix(end, 0).UTC()
		update.CurrentPeriodEnd = &t
	}
	return update
}

// ensureUserForCustomer guarantees a local user exists for the session's
// customer before the synchronizer runs. Purchases made through hosted
// payment links arrive here without a prior local account.
func (s *Server) ensureUserForCustomer(ctx context.Context, session *stripe.CheckoutSession) error {
	user, err := s.Store.FindUserByStripeCustomer(ctx, session.Customer.ID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}

	if email != "" {
		user, err = s.Store.FindUserByEmail(ctx, email)
		if err != nil {
			return err
		}
		if user != nil {
			user.StripeCustomerID = session.Customer.ID
			user.UpdatedAt = time.Now().UTC()
			return s.Store.SaveUser(ctx, user)
		}
	}

	now := time.Now().UTC()
	return s.Store.SaveUser(ctx, &models.User{
		ID:               uuid.New().String(),
		Email:            email,
		StripeCustomerID: session.Customer.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}
