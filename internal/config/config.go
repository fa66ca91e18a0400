package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Billing  BillingConfig
	Apple    AppleConfig
	Google   GoogleConfig
	Sync     SyncConfig
}

type ServerConfig struct {
	Port        string
	Environment string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int
}

type BillingConfig struct {
	StripeSecret        string
	StripeWebhookSecret string
	MonthlyPriceID      string
	AnnualPriceID       string
}

type AppleConfig struct {
	SharedSecret string
	ProdURL      string
	SandboxURL   string
}

type GoogleConfig struct {
	ServiceAccountJSON string
	PackageName        string
	RTDNSecret         string
}

type SyncConfig struct {
	Interval    time.Duration
	Concurrency int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExp, _ := strconv.Atoi(getEnv("JWT_EXPIRATION", "3600"))
	syncHours, _ := strconv.Atoi(getEnv("SYNC_INTERVAL_HOURS", "24"))
	syncConc, _ := strconv.Atoi(getEnv("SYNC_CONCURRENCY", "8"))

	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "flavr"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", ""),
			Expiration: jwtExp,
		},
		Billing: BillingConfig{
			StripeSecret:        getEnv("STRIPE_SECRET", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			MonthlyPriceID:      getEnv("STRIPE_MONTHLY_PRICE_ID", ""),
			AnnualPriceID:       getEnv("STRIPE_ANNUAL_PRICE_ID", ""),
		},
		Apple: AppleConfig{
			SharedSecret: getEnv("APPLE_SHARED_SECRET", ""),
			ProdURL:      getEnv("APPLE_VERIFY_URL", "https://buy.itunes.apple.com/verifyReceipt"),
			SandboxURL:   getEnv("APPLE_SANDBOX_VERIFY_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
		},
		Google: GoogleConfig{
			ServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
			PackageName:        getEnv("GOOGLE_PACKAGE_NAME", ""),
			RTDNSecret:         getEnv("GOOGLE_RTDN_SECRET", ""),
		},
		Sync: SyncConfig{
			Interval:    time.Duration(syncHours) * time.Hour,
			Concurrency: syncConc,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
