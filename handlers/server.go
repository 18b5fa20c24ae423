package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/janschill/licensed/billing"
	"github.com/janschill/licensed/internal/config"
	"github.com/janschill/licensed/licensing"
	"github.com/janschill/licensed/storage"
)

type Server struct {
	Router   chi.Router
	Store    storage.Storage
	Engine   *licensing.Engine
	Sync     *billing.Synchronizer
	Provider billing.Provider
	Config   *config.Config
}

func NewServer(cfg *config.Config, store storage.Storage, provider billing.Provider) *Server {
	s := &Server{
		Store:    store,
		Engine:   licensing.NewEngine(store, cfg.LicenseKeyLength),
		Sync:     billing.NewSynchronizer(store, provider, cfg.LicenseKeyLength),
		Provider: provider,
		Config:   cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/licenses/validate", s.ValidateLicense)
		r.Post("/checkout", s.CreateCheckout)
		r.Post("/portal", s.CreatePortal)
		r.Post("/webhooks/stripe", s.StripeWebhook)
		r.Post("/auth/login", s.Login)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/licenses", s.ListLicenses)
			r.Post("/licenses", s.CreateLicense)
			r.Post("/licenses/{id}/suspend", s.SuspendLicense)
			r.Post("/licenses/{id}/activate", s.ActivateLicense)
			r.Post("/licenses/{id}/deactivate", s.DeactivateLicense)
			r.Post("/licenses/{id}/rotate", s.RotateLicense)
			r.Delete("/licenses/{id}", s.DeleteLicense)

			r.Get("/subscriptions", s.ListSubscriptions)
			r.Post("/subscriptions", s.CreateSubscription)
			r.Put("/subscriptions/{id}", s.UpdateSubscription)
			r.Post("/subscriptions/{id}/end-time", s.SetEndTime)
			r.Delete("/subscriptions/{id}/end-time", s.ClearEndTime)
			r.Delete("/subscriptions/{id}", s.DeleteSubscription)
		})
	})

	s.Router = r
	return s
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
