package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr                  string
	DatabaseURL           string
	RedisURL              string
	JWTSecret             string
	Environment           string
	MigrationsDir         string
	RunMigrations         bool
	RunSeed               bool
	SeedTreasuryName      string
	SeedTreasuryAddress   string
	SeedTreasuryBalance   string
	MaxBodyBytes          int64
	MetricsEnabled        bool
	ChainGatewayURL       string
	ProofrailsURL         string
	ProofrailsAPIKey      string
	FXRatesURL            string
	FXCacheTTL            time.Duration
	SettlementNetwork     string
	SettlementCurrency    string
	Confirmations         int
	NetworkConfirmations  map[string]int
	SubmitMaxAttempts     int
	SubmitBackoffBase     time.Duration
	SubmitBackoffMax      time.Duration
	ChainCallTimeout      time.Duration
	StuckTimeout          time.Duration
	ResumePendingAfter    time.Duration
	SettlementConcurrency int
	VerifyTimeout         time.Duration
	ConfirmationInterval  time.Duration
	ReceiptSweepInterval  time.Duration
	RunRefreshInterval    time.Duration
	PendingResumeInterval time.Duration
	SMTPHost              string
	SMTPPort              int
	SMTPUser              string
	SMTPPassword          string
	SMTPUseTLS            bool
	AlertFrom             string
	AlertTo               string
}

func Load() Config {
	return Config{
		Addr:                  getEnv("APP_ADDR", ":8080"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		JWTSecret:             getEnv("JWT_SECRET", ""),
		Environment:           getEnv("APP_ENV", "development"),
		MigrationsDir:         getEnv("MIGRATIONS_DIR", "migrations"),
		RunMigrations:         getEnvBool("RUN_MIGRATIONS", true),
		RunSeed:               getEnvBool("RUN_SEED", true),
		SeedTreasuryName:      getEnv("SEED_TREASURY_NAME", "operational"),
		SeedTreasuryAddress:   getEnv("SEED_TREASURY_ADDRESS", ""),
		SeedTreasuryBalance:   getEnv("SEED_TREASURY_BALANCE", "0"),
		MaxBodyBytes:          int64(getEnvInt("MAX_BODY_BYTES", 1048576)),
		MetricsEnabled:        getEnvBool("METRICS_ENABLED", true),
		ChainGatewayURL:       getEnv("CHAIN_GATEWAY_URL", ""),
		ProofrailsURL:         getEnv("PROOFRAILS_URL", ""),
		ProofrailsAPIKey:      getEnv("PROOFRAILS_API_KEY", ""),
		FXRatesURL:            getEnv("FX_RATES_URL", ""),
		FXCacheTTL:            getEnvDuration("FX_CACHE_TTL", 5*time.Minute),
		SettlementNetwork:     getEnv("SETTLEMENT_NETWORK", "flare"),
		SettlementCurrency:    getEnv("SETTLEMENT_CURRENCY", "USDC"),
		Confirmations:         getEnvInt("CONFIRMATIONS", 12),
		NetworkConfirmations:  getEnvCounts("NETWORK_CONFIRMATIONS"),
		SubmitMaxAttempts:     getEnvInt("SUBMIT_MAX_ATTEMPTS", 3),
		SubmitBackoffBase:     getEnvDuration("SUBMIT_BACKOFF_BASE", 500*time.Millisecond),
		SubmitBackoffMax:      getEnvDuration("SUBMIT_BACKOFF_MAX", 10*time.Second),
		ChainCallTimeout:      getEnvDuration("CHAIN_CALL_TIMEOUT", 15*time.Second),
		StuckTimeout:          getEnvDuration("STUCK_TIMEOUT", 30*time.Minute),
		ResumePendingAfter:    getEnvDuration("RESUME_PENDING_AFTER", 2*time.Minute),
		SettlementConcurrency: getEnvInt("SETTLEMENT_CONCURRENCY", 4),
		VerifyTimeout:         getEnvDuration("VERIFY_TIMEOUT", 20*time.Second),
		ConfirmationInterval:  getEnvDuration("CONFIRMATION_POLL_INTERVAL", 15*time.Second),
		ReceiptSweepInterval:  getEnvDuration("RECEIPT_SWEEP_INTERVAL", 5*time.Minute),
		RunRefreshInterval:    getEnvDuration("RUN_REFRESH_INTERVAL", time.Minute),
		PendingResumeInterval: getEnvDuration("PENDING_RESUME_INTERVAL", time.Minute),
		SMTPHost:              getEnv("SMTP_HOST", ""),
		SMTPPort:              getEnvInt("SMTP_PORT", 587),
		SMTPUser:              getEnv("SMTP_USER", ""),
		SMTPPassword:          getEnv("SMTP_PASSWORD", ""),
		SMTPUseTLS:            getEnvBool("SMTP_USE_TLS", true),
		AlertFrom:             getEnv("ALERT_EMAIL_FROM", "payrail@localhost"),
		AlertTo:               getEnv("ALERT_EMAIL_TO", ""),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvCounts reads "flare=10,songbird=5". Malformed pairs are skipped.
func getEnvCounts(key string) map[string]int {
	out := map[string]int{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Environment == "production" {
		if strings.TrimSpace(c.JWTSecret) == "" {
			return fmt.Errorf("JWT_SECRET must be set to a strong value in production")
		}
		if c.ChainGatewayURL == "" || c.ProofrailsURL == "" {
			return fmt.Errorf("CHAIN_GATEWAY_URL and PROOFRAILS_URL must be set in production")
		}
	}
	if c.MaxBodyBytes < 1024 {
		return fmt.Errorf("MAX_BODY_BYTES must be at least 1024")
	}
	if c.Confirmations <= 0 {
		return fmt.Errorf("CONFIRMATIONS must be positive")
	}
	if c.SubmitMaxAttempts <= 0 {
		return fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be positive")
	}
	if c.SubmitBackoffMax < c.SubmitBackoffBase {
		return fmt.Errorf("SUBMIT_BACKOFF_MAX must not be below SUBMIT_BACKOFF_BASE")
	}
	if c.SettlementConcurrency <= 0 {
		return fmt.Errorf("SETTLEMENT_CONCURRENCY must be positive")
	}
	if len(strings.TrimSpace(c.SettlementCurrency)) != 3 && len(strings.TrimSpace(c.SettlementCurrency)) != 4 {
		return fmt.Errorf("SETTLEMENT_CURRENCY must be a 3 or 4 letter code")
	}
	return nil
}
