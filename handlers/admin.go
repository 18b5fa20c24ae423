package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/janschill/licensed/internal/auth"
	"github.com/janschill/licensed/internal/keys"
	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/licensing"
	"github.com/janschill/licensed/models"
	"github.com/janschill/licensed/storage"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	if s.Config.AdminUsername == "" || s.Config.AdminPasswordHash == "" {
		writeErrorResponse(w, http.StatusNotFound, "Admin access is not configured")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username != s.Config.AdminUsername ||
		!auth.CheckPassword(req.Password, s.Config.AdminPasswordHash) {
		logger.Warn("Failed admin login attempt", map[string]interface{}{
			"username": req.Username,
		})
		writeErrorResponse(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := auth.IssueToken(s.Config.AuthSecret, req.Username)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_in": int(auth.TokenTTL.Seconds()),
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		username, err := auth.VerifyToken(s.Config.AuthSecret, raw)
		if err != nil || username != s.Config.AdminUsername {
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type licenseView struct {
	ID              string     `json:"id"`
	Key             string     `json:"key"`
	UserID          string     `json:"user_id"`
	IsActive        bool       `json:"is_active"`
	IsSuspended     bool       `json:"is_suspended"`
	ValidationCount int64      `json:"validation_count"`
	LastValidated   *time.Time `json:"last_validated,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func maskedView(l *models.License) licenseView {
	return licenseView{
		ID:              l.ID,
		Key:             keys.Mask(l.Key),
		UserID:          l.UserID,
		IsActive:        l.IsActive,
		IsSuspended:     l.IsSuspended,
		ValidationCount: l.ValidationCount,
		LastValidated:   l.LastValidated,
		CreatedAt:       l.CreatedAt,
	}
}

func (s *Server) ListLicenses(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)
	licenses, err := s.Store.ListLicenses(r.Context(), offset, limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to list licenses")
		return
	}

	views := make([]licenseView, 0, len(licenses))
	for _, l := range licenses {
		views = append(views, maskedView(l))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"licenses": views})
}

type CreateLicenseRequest struct {
	Email string `json:"email"`
}

// CreateLicense issues a key for the given email without a billing
// flow, creating the user on first grant. The raw key appears in this
// response only; every later listing shows it masked.
func (s *Server) CreateLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateLicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeErrorResponse(w, http.StatusBadRequest, "A valid email is required")
		return
	}

	user, err := s.Store.FindUserByEmail(ctx, email)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create license")
		return
	}
	if user == nil {
		now := time.Now().UTC()
		user = &models.User{
			ID:        uuid.New().String(),
			Email:     email,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.Store.SaveUser(ctx, user); err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to create license")
			return
		}
	}

	license, err := licensing.Issue(ctx, s.Store, user.ID, s.Config.LicenseKeyLength)
	if err != nil {
		logger.Error("Failed to issue license", map[string]interface{}{
			"error":   err.Error(),
			"user_id": user.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create license")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      license.ID,
		"key":     license.Key,
		"user_id": user.ID,
	})
}

func (s *Server) SuspendLicense(w http.ResponseWriter, r *http.Request) {
	s.licenseAction(w, r, s.Store.SuspendLicense, "suspended")
}

func (s *Server) ActivateLicense(w http.ResponseWriter, r *http.Request) {
	s.licenseAction(w, r, s.Store.ActivateLicense, "activated")
}

func (s *Server) DeactivateLicense(w http.ResponseWriter, r *http.Request) {
	s.licenseAction(w, r, s.Store.DeactivateLicense, "deactivated")
}

func (s *Server) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	s.licenseAction(w, r, s.Store.DeleteLicense, "deleted")
}

func (s *Server) licenseAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error, outcome string) {
	id := chi.URLParam(r, "id")

	err := action(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "License update failed")
		return
	}

	logger.Info("License "+outcome, map[string]interface{}{"license_id": id})
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": outcome})
}

func (s *Server) RotateLicense(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	key, err := licensing.Rotate(r.Context(), s.Store, id, s.Config.LicenseKeyLength)
	if errors.Is(err, storage.ErrNotFound) {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to rotate license")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": id, "key": key})
}

func pagination(r *http.Request) (offset, limit int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return offset, limit
}
