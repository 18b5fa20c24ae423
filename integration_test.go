package main

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
	"github.com/janschill/licensed/internal/auth"
	"github.com/janschill/licensed/internal/config"
	"github.com/janschill/licensed/internal/testutil"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

// End-to-end workflows over the full router: checkout, validation, and
// the billing transitions that gate access.

const integrationWebhookSecret = "whsec_integration"

func integrationServer(t *testing.T) (*handlers.Server, *storage.MemoryStorage, *testutil.FakeProvider) {
	t.Helper()

	passwordHash, err := auth.HashPassword("integration-password")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	cfg := &config.Config{
		Port:                "8080",
		StripeWebhookSecret: integrationWebhookSecret,
		AuthSecret:          "integration-secret",
		AdminUsername:       "admin",
		AdminPasswordHash:   passwordHash,
		LicenseKeyLength:    32,
		SuccessURL:          "http://localhost:8080/success",
		CancelURL:           "http://localhost:8080/cancel",
		PortalReturnURL:     "http://localhost:8080/account",
	}

	store := storage.NewMemoryStorage()
	provider := testutil.NewFakeProvider()
	return handlers.NewServer(cfg, store, provider), store, provider
}

func sendEvent(t *testing.T, server *handlers.Server, eventType string, object map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_integration",
		"type":        eventType,
		"api_version": "2025-04-30.basil",
		"data":        map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	now := time.Now()
	signature := webhook.ComputeSignature(now, payload, integrationWebhookSecret)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature",
		fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature)))

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func validateKey(t *testing.T, server *handlers.Server, key string) *handlers.ValidateResponse {
	t.Helper()

	body, _ := json.Marshal(handlers.ValidateRequest{LicenseKey: key})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/licenses/validate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	var resp handlers.ValidateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return &resp
}

func TestCheckoutToValidationToCancellation(t *testing.T) {
	server, store, provider := integrationServer(t)
	ctx := context.Background()
	provider.SetSubscription("sub_flow", models.StatusActive)

	// Purchase completes.
	w := sendEvent(t, server, "checkout.session.completed", map[string]interface{}{
		"id":           "cs_flow",
		"mode":         "subscription",
		"customer":     "cus_flow",
		"subscription": "sub_flow",
		"customer_details": map[string]interface{}{
			"email": "flow@example.com",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Checkout webhook failed with %d: %s", w.Code, w.Body.String())
	}

	user, err := store.FindUserByStripeCustomer(ctx, "cus_flow")
	if err != nil || user == nil {
		t.Fatalf("Expected purchasing user: %v, %v", user, err)
	}
	licenses, _ := store.FindLicensesByUser(ctx, user.ID)
	if len(licenses) != 1 {
		t.Fatalf("Expected one license, got %d", len(licenses))
	}
	key := licenses[0].Key

	// The fresh key validates.
	resp := validateKey(t, server, key)
	if !resp.Valid {
		t.Fatalf("Expected fresh key valid, got %+v", resp)
	}
	if resp.SubscriptionStatus != "active" {
		t.Errorf("Expected active status, got %s", resp.SubscriptionStatus)
	}

	// The subscription is canceled; access ends.
	w = sendEvent(t, server, "customer.subscription.deleted", map[string]interface{}{
		"id": "sub_flow",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Deletion webhook failed with %d", w.Code)
	}

	resp = validateKey(t, server, key)
	if resp.Valid || resp.ErrorCode != "suspended" {
		t.Errorf("Expected suspended after cancellation, got %+v", resp)
	}
}

func TestPastDueRecoveryRestoresAccess(t *testing.T) {
	server, store, provider := integrationServer(t)
	ctx := context.Background()
	provider.SetSubscription("sub_flow", models.StatusActive)

	w := sendEvent(t, server, "checkout.session.completed", map[string]interface{}{
		"id":           "cs_flow",
		"mode":         "subscription",
		"customer":     "cus_flow",
		"subscription": "sub_flow",
		"customer_details": map[string]interface{}{
			"email": "flow@example.com",
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Checkout webhook failed with %d: %s", w.Code, w.Body.String())
	}

	user, err := store.FindUserByStripeCustomer(ctx, "cus_flow")
	if err != nil || user == nil {
		t.Fatalf("Expected purchasing user: %v, %v", user, err)
	}
	licenses, err := store.FindLicensesByUser(ctx, user.ID)
	if err != nil || len(licenses) != 1 {
		t.Fatalf("Expected one license, got %d (%v)", len(licenses), err)
	}
	key := licenses[0].Key

	// Payment fails: the grace period denies validation but does not
	// suspend the license.
	sendEvent(t, server, "invoice.payment_failed", map[string]interface{}{
		"id":           "in_flow",
		"subscription": "sub_flow",
	})
	resp := validateKey(t, server, key)
	if resp.Valid || resp.ErrorCode != "subscription_inactive" {
		t.Errorf("Expected subscription_inactive during grace, got %+v", resp)
	}
	license, _ := store.GetLicense(ctx, licenses[0].ID)
	if license.IsSuspended {
		t.Error("Grace period must not suspend the license")
	}

	// The retry succeeds and the provider confirms the recovery.
	sendEvent(t, server, "invoice.payment_succeeded", map[string]interface{}{
		"id":           "in_flow2",
		"subscription": "sub_flow",
	})
	resp = validateKey(t, server, key)
	if !resp.Valid {
		t.Errorf("Expected access restored after recovery, got %+v", resp)
	}
}
