package handlers_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/janschill/licensed/handlers"
	"github.com/janschill/licensed/models"
)

// signedWebhookRequest builds an event envelope and signs it the way
// Stripe does, so the handler's real signature verification runs.
func signedWebhookRequest(t *testing.T, server *handlers.Server, eventType string, object map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test",
		"type":        eventType,
		"api_version": "2025-04-30.basil",
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	now := time.Now()
	signature := webhook.ComputeSignature(now, payload, testWebhookSecret)
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", header)

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	server, store, _ := newTestServer(t)
	seedLicensed(t, store)

	payload := []byte(`{"id":"evt_test","type":"customer.subscription.deleted","data":{"object":{"id":"sub_sub1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	// Nothing changed.
	sub, _ := store.FindSubscriptionByStripeID(context.Background(), "sub_sub1")
	if sub.Status != models.StatusActive {
		t.Errorf("Unverified event must not mutate state, status = %s", sub.Status)
	}
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	server, store, provider := newTestServer(t)
	provider.SetSubscription("sub_new", models.StatusActive)

	w := signedWebhookRequest(t, server, "checkout.session.completed", map[string]interface{}{
		"id":           "cs_test",
		"mode":         "subscription",
		"customer":     "cus_fresh",
		"subscription": "sub_new",
		"customer_details": map[string]interface{}{
			"email": "buyer@example.com",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	user, err := store.FindUserByStripeCustomer(ctx, "cus_fresh")
	if err != nil || user == nil {
		t.Fatalf("Expected user created from session: %v, %v", user, err)
	}
	if user.Email != "buyer@example.com" {
		t.Errorf("Expected email from session details, got %q", user.Email)
	}

	sub, _ := store.FindSubscriptionByStripeID(ctx, "sub_new")
	if sub == nil || sub.Status != models.StatusActive {
		t.Fatalf("Expected subscription stored, got %+v", sub)
	}
	licenses, _ := store.FindLicensesByUser(ctx, user.ID)
	if len(licenses) != 1 {
		t.Errorf("Expected one license issued, got %d", len(licenses))
	}
}

func TestWebhookSubscriptionUpdated(t *testing.T) {
	server, store, _ := newTestServer(t)
	_, license, sub := seedLicensed(t, store)

	newEnd := time.Now().UTC().Add(14 * 24 * time.Hour).Unix()
	w := signedWebhookRequest(t, server, "customer.subscription.updated", map[string]interface{}{
		"id":     sub.StripeSubscriptionID,
		"status": "canceled",
		"items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"current_period_end": newEnd},
			},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	updated, _ := store.GetSubscription(ctx, sub.ID)
	if updated.Status != models.StatusCanceled {
		t.Errorf("Expected canceled, got %s", updated.Status)
	}
	if updated.CurrentPeriodEnd == nil || updated.CurrentPeriodEnd.Unix() != newEnd {
		t.Errorf("Expected period end from items, got %v", updated.CurrentPeriodEnd)
	}
	stored, _ := store.GetLicense(ctx, license.ID)
	if !stored.IsSuspended {
		t.Error("Expected cascade suspension")
	}
}

func TestWebhookUnknownStatusRejected(t *testing.T) {
	server, store, _ := newTestServer(t)
	_, _, sub := seedLicensed(t, store)

	w := signedWebhookRequest(t, server, "customer.subscription.updated", map[string]interface{}{
		"id":     sub.StripeSubscriptionID,
		"status": "paused",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown status, got %d", w.Code)
	}

	updated, _ := store.GetSubscription(context.Background(), sub.ID)
	if updated.Status != models.StatusActive {
		t.Errorf("Expected status untouched, got %s", updated.Status)
	}
}

func TestWebhookInvoicePaymentFailed(t *testing.T) {
	server, store, _ := newTestServer(t)
	_, license, sub := seedLicensed(t, store)

	// Subscription reference nested the way newer API versions send it.
	w := signedWebhookRequest(t, server, "invoice.payment_failed", map[string]interface{}{
		"id": "in_test",
		"parent": map[string]interface{}{
			"subscription_details": map[string]interface{}{
				"subscription": sub.StripeSubscriptionID,
			},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	ctx := context.Background()
	updated, _ := store.GetSubscription(ctx, sub.ID)
	if updated.Status != models.StatusPastDue {
		t.Errorf("Expected past_due, got %s", updated.Status)
	}
	stored, _ := store.GetLicense(ctx, license.ID)
	if stored.IsSuspended {
		t.Error("Grace period must not suspend licenses")
	}
}

func TestWebhookUnhandledEventAcknowledged(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := signedWebhookRequest(t, server, "customer.created", map[string]interface{}{
		"id": "cus_new",
	})
	if w.Code != http.StatusOK {
		t.Errorf("Expected unhandled events acknowledged with 200, got %d", w.Code)
	}

	var body map[string]string
	decodeBody(t, w, &body)
	if body["received"] != "true" {
		t.Errorf("Expected received ack, got %v", body)
	}
}
