package email

import (
	"strings"
	"testing"

	"github.com/janschill/licensed/internal/config"
)

func TestConfigured(t *testing.T) {
	full := &config.Config{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     "587",
		SMTPUsername: "mailer",
		SMTPPassword: "secret",
		EmailFrom:    "licenses@example.com",
	}
	if !NewMailer(full).Configured() {
		t.Error("Expected fully configured mailer")
	}

	partial := *full
	partial.SMTPPassword = ""
	if NewMailer(&partial).Configured() {
		t.Error("Expected mailer without password unconfigured")
	}

	if NewMailer(&config.Config{}).Configured() {
		t.Error("Expected empty config unconfigured")
	}
}

func TestFromFallsBackToUsername(t *testing.T) {
	cfg := &config.Config{
		SMTPHost:     "smtp.example.com",
		SMTPPort:     "587",
		SMTPUsername: "mailer@example.com",
		SMTPPassword: "secret",
	}
	m := NewMailer(cfg)
	if m.from != "mailer@example.com" {
		t.Errorf("Expected from to fall back to the username, got %q", m.from)
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	m := NewMailer(&config.Config{})
	err := m.Send("user@example.com", "subject", "body")
	if err == nil || !strings.Contains(err.Error(), "SMTP configuration missing") {
		t.Errorf("Expected configuration error, got %v", err)
	}
}
