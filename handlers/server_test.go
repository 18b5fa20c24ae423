package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/janschill/licensed/handlers"
	"github.com/janschill/licensed/internal/auth"
	"github.com/janschill/licensed/internal/config"
	"github.com/janschill/licensed/internal/testutil"
	"github.com/janschill/licensed/storage"
)

const (
	testWebhookSecret = "whsec_test"
	testAuthSecret    = "test-auth-secret"
	testAdminPassword = "correct-horse-battery"
)

func newTestServer(t *testing.T) (*handlers.Server, *storage.MemoryStorage, *testutil.FakeProvider) {
	t.Helper()

	passwordHash, err := auth.HashPassword(testAdminPassword)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	cfg := &config.Config{
		Port:                "8080",
		StripeWebhookSecret: testWebhookSecret,
		AuthSecret:          testAuthSecret,
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

func doJSON(t *testing.T, server *handlers.Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(into); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var body map[string]string
	decodeBody(t, w, &body)
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body)
	}
}

func TestCreateCheckout(t *testing.T) {
	server, store, provider := newTestServer(t)

	w := doJSON(t, server, http.MethodPost, "/api/v1/checkout",
		handlers.CheckoutRequest{Email: "Buyer@Example.com"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	decodeBody(t, w, &body)
	if body["checkout_url"] == "" || body["session_id"] == "" {
		t.Errorf("Expected session URL and id, got %v", body)
	}

	// The user is created with a billing customer, email normalized.
	user, err := store.FindUserByEmail(context.Background(), "buyer@example.com")
	if err != nil || user == nil {
		t.Fatalf("Expected user created: %v, %v", user, err)
	}
	if user.StripeCustomerID == "" {
		t.Error("Expected billing customer attached")
	}
	if len(provider.CustomersCreated) != 1 {
		t.Errorf("Expected one customer created, got %d", len(provider.CustomersCreated))
	}

	// A second checkout reuses the same user and customer.
	doJSON(t, server, http.MethodPost, "/api/v1/checkout",
		handlers.CheckoutRequest{Email: "buyer@example.com"}, nil)
	if len(provider.CustomersCreated) != 1 {
		t.Errorf("Expected customer reused, got %d", len(provider.CustomersCreated))
	}
}

func TestCreateCheckoutRejectsBadEmail(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, email := range []string{"", "not-an-email"} {
		w := doJSON(t, server, http.MethodPost, "/api/v1/checkout",
			handlers.CheckoutRequest{Email: email}, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", email, w.Code)
		}
	}
}

func TestCreatePortal(t *testing.T) {
	server, store, _ := newTestServer(t)

	if err := store.SaveUser(context.Background(), testutil.User("user1", "user1@example.com")); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	w := doJSON(t, server, http.MethodPost, "/api/v1/portal",
		handlers.CheckoutRequest{Email: "user1@example.com"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var body map[string]string
	decodeBody(t, w, &body)
	if body["portal_url"] == "" {
		t.Errorf("Expected portal URL, got %v", body)
	}

	w = doJSON(t, server, http.MethodPost, "/api/v1/portal",
		handlers.CheckoutRequest{Email: "stranger@example.com"}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown email, got %d", w.Code)
	}
}
