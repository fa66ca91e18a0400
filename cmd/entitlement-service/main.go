package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"

	"github.com/sunfac/flavr-sub002/internal/config"
	"github.com/sunfac/flavr-sub002/internal/domain/models"
	"github.com/sunfac/flavr-sub002/internal/domain/services"
	"github.com/sunfac/flavr-sub002/internal/infrastructure/cache"
	"github.com/sunfac/flavr-sub002/internal/infrastructure/database"
	"github.com/sunfac/flavr-sub002/internal/infrastructure/googleauth"
	"github.com/sunfac/flavr-sub002/internal/interfaces/http/handlers"
	"github.com/sunfac/flavr-sub002/internal/interfaces/http/middleware"
)

func main() {
	cfg := config.Load()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	stripe.Key = cfg.Billing.StripeSecret
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	db, err := database.NewPostgresConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(getEnvDefault("MIGRATIONS_PATH", "migrations")); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	redisClient, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	entitlementRepo := database.NewEntitlementRepository(db)
	pseudoRepo := cache.NewPseudoIdentityStore(redisClient)

	appleVerifier := services.NewAppleVerifier(cfg.Apple.SharedSecret, cfg.Apple.ProdURL, cfg.Apple.SandboxURL)

	verifiers := map[models.Provider]services.Verifier{
		models.ProviderStripe: services.NewStripeVerifier(),
		models.ProviderApple:  appleVerifier,
	}

	var googleVerifier *services.GoogleVerifier
	if cfg.Google.ServiceAccountJSON != "" {
		creds, err := googleauth.ParseCredentials([]byte(cfg.Google.ServiceAccountJSON))
		if err != nil {
			log.Fatalf("Failed to parse google service account: %v", err)
		}
		tokens := googleauth.NewTokenSource(creds, services.AndroidPublisherScope)
		googleVerifier = services.NewGoogleVerifier(tokens, cfg.Google.PackageName)
		verifiers[models.ProviderGoogle] = googleVerifier
	} else {
		logger.Warn("google service account not configured, play purchases disabled")
	}

	reconciler := services.NewReconciler(entitlementRepo, verifiers, logger)
	quotaService := services.NewQuotaService(entitlementRepo, pseudoRepo, reconciler, logger)

	prices := map[models.Tier]string{
		models.TierMonthly: cfg.Billing.MonthlyPriceID,
		models.TierAnnual:  cfg.Billing.AnnualPriceID,
	}
	billingService := services.NewBillingService(entitlementRepo, reconciler, prices, logger)

	jwtService := services.NewJWTService(cfg.JWT.Secret, time.Duration(cfg.JWT.Expiration)*time.Second)

	webhookHandler, err := handlers.NewWebhookHandler(
		reconciler, entitlementRepo, billingService,
		cfg.Billing.StripeWebhookSecret, cfg.Apple.SharedSecret, cfg.Google.RTDNSecret,
		logger,
	)
	if err != nil {
		log.Fatalf("Webhook handler misconfigured: %v", err)
	}

	entitlementHandler := handlers.NewEntitlementHandler(
		reconciler, quotaService, billingService, entitlementRepo,
		appleVerifier, googleVerifier, logger,
	)

	router := gin.Default()

	router.GET("/health", handlers.Health)

	router.POST("/webhooks/stripe", webhookHandler.HandleStripe)
	router.POST("/webhooks/apple", webhookHandler.HandleApple)
	router.POST("/webhooks/google", webhookHandler.HandleGoogle)

	quotaGroup := router.Group("/api/quota")
	quotaGroup.Use(middleware.OptionalJWTAuthMiddleware(jwtService))
	quotaGroup.POST("/check", entitlementHandler.CheckQuota)
	quotaGroup.POST("/consume", entitlementHandler.ConsumeQuota)

	apiGroup := router.Group("/api")
	apiGroup.Use(middleware.JWTAuthMiddleware(jwtService))
	apiGroup.GET("/entitlement", entitlementHandler.GetEntitlement)
	apiGroup.POST("/entitlement/sync", entitlementHandler.SyncEntitlement)
	apiGroup.POST("/billing/checkout", entitlementHandler.CreateCheckout)
	apiGroup.POST("/billing/cancel", entitlementHandler.CancelSubscription)
	apiGroup.POST("/billing/apple/link", entitlementHandler.LinkAppleReceipt)
	apiGroup.POST("/billing/google/link", entitlementHandler.LinkGooglePurchase)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Entitlement service stopped")
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
