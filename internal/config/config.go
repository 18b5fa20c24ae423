package config

import (
	"errors"
	"os"
	"strconv"
)

type Config struct {
	Port string

	DatabaseURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string

	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	LicenseKeyLength int

	AdminUsername     string
	AdminPasswordHash string
	AuthSecret        string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	SentryDSN string
}

// New resolves the full configuration from the environment in one pass.
// Database resolution order: DATABASE_URL if set, else a local
// licensed.db file. No other variables are consulted for the store.
func New() (*Config, error) {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "licensed.db"
	}

	stripeSecret := os.Getenv("STRIPE_SECRET_KEY")
	if stripeSecret == "" {
		return nil, errors.New("STRIPE_SECRET_KEY environment variable is required")
	}

	stripeWebhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if stripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	authSecret := os.Getenv("AUTH_SECRET")
	if authSecret == "" {
		return nil, errors.New("AUTH_SECRET environment variable is required")
	}

	keyLength := 32
	if raw := os.Getenv("LICENSE_KEY_LENGTH"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, errors.New("LICENSE_KEY_LENGTH must be a positive integer")
		}
		keyLength = parsed
	}

	successURL := os.Getenv("CHECKOUT_SUCCESS_URL")
	if successURL == "" {
		successURL = "http://localhost:8080/success"
	}
	cancelURL := os.Getenv("CHECKOUT_CANCEL_URL")
	if cancelURL == "" {
		cancelURL = "http://localhost:8080/cancel"
	}
	portalReturnURL := os.Getenv("PORTAL_RETURN_URL")
	if portalReturnURL == "" {
		portalReturnURL = "http://localhost:8080/account"
	}

	emailFrom := os.Getenv("EMAIL_FROM")
	if emailFrom == "" {
		emailFrom = "licenses@localhost"
	}

	return &Config{
		Port:                port,
		DatabaseURL:         dbURL,
		StripeSecretKey:     stripeSecret,
		StripeWebhookSecret: stripeWebhookSecret,
		StripePriceID:       os.Getenv("STRIPE_PRICE_ID"),
		SuccessURL:          successURL,
		CancelURL:           cancelURL,
		PortalReturnURL:     portalReturnURL,
		LicenseKeyLength:    keyLength,
		AdminUsername:       os.Getenv("ADMIN_USERNAME"),
		AdminPasswordHash:   os.Getenv("ADMIN_PASSWORD_HASH"),
		AuthSecret:          authSecret,
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            os.Getenv("SMTP_PORT"),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		EmailFrom:           emailFrom,
		SentryDSN:           os.Getenv("SENTRY_DSN"),
	}, nil
}
