package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/stripe/stripe-go/v79"

	"github.com/sunfac/flavr-sub002/internal/config"
	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/services"
	"github.com/sunfac/flavr-sub002/internal/infrastructure/database"
	"github.com/sunfac/flavr-sub002/internal/infrastructure/googleauth"
)

func main() {
	cfg := config.Load()

	stripe.Key = cfg.Billing.StripeSecret
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.NewPostgresConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	entitlementRepo := database.NewEntitlementRepository(db)

	verifiers := map[models.Provider]services.Verifier{
		models.ProviderStripe: services.NewStripeVerifier(),
		models.ProviderApple:  services.NewAppleVerifier(cfg.Apple.SharedSecret, cfg.Apple.ProdURL, cfg.Apple.SandboxURL),
	}

	if cfg.Google.ServiceAccountJSON != "" {
		creds, err := googleauth.ParseCredentials([]byte(cfg.Google.ServiceAccountJSON))
		if err != nil {
			log.Fatalf("Failed to parse google service account: %v", err)
		}
		tokens := googleauth.NewTokenSource(creds, services.AndroidPublisherScope)
		verifiers[models.ProviderGoogle] = services.NewGoogleVerifier(tokens, cfg.Google.PackageName)
	} else {
		logger.Warn("google service account not configured, play subscriptions will not reconcile")
	}

	reconciler := services.NewReconciler(entitlementRepo, verifiers, logger)
	syncService := services.NewSyncService(entitlementRepo, reconciler, cfg.Sync.Interval, cfg.Sync.Concurrency, logger)

	ctx, cancel := context.WithCancel(context.Background())

	go syncService.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	log.Println("Sync worker stopped")
}
