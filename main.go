package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/janschill/licensed/billing"
	"github.com/janschill/licensed/handlers"
	"github.com/janschill/licensed/internal/config"
	"github.com/janschill/licensed/internal/email"
	"github.com/janschill/licensed/internal/logger"
	"github.com/janschill/licensed/maintenance"
	"github.com/janschill/licensed/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %s", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
		}); err != nil {
			log.Fatalf("sentry.Init: %s", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("storage: %s", err)
	}
	defer store.Close()

	provider := billing.NewStripeProvider(cfg.StripeSecretKey, cfg.StripePriceID)

	if len(os.Args) > 1 && os.Args[1] == "sweep" {
		sweeper := &maintenance.Sweeper{Store: store, Provider: provider}
		if err := sweeper.Run(context.Background()); err != nil {
			log.Fatalf("sweep: %s", err)
		}
		logger.Info("Maintenance sweep finished")
		return
	}

	server := handlers.NewServer(cfg, store, provider)
	if mailer := email.NewMailer(cfg); mailer.Configured() {
		server.Sync.Notify = mailer.SendLicenseKey
	}

	logger.Info("Licensed API starting", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
	})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, server.Router))
}
