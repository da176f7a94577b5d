// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment names. Debug behavior is honored only outside production.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for all databases (always absolute)
	Environment string // development or production
	Port        int
	DevMode     bool
	LogLevel    string

	// CORS
	AllowedOrigins []string

	// Auth surface (verified by the gateway; the key length is still a
	// boot requirement because webhook handlers mint task tokens with it)
	JWTSigningKey string

	// Symmetric key for encrypting custodian access tokens at rest
	TokenEncryptionKey string

	// Broker (order execution venue)
	BrokerBaseURL   string
	BrokerStreamURL string
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerTimeout   time.Duration

	// Custodian aggregation (link flow)
	PlaidBaseURL     string
	PlaidClientID    string
	PlaidSecret      string
	PlaidEnv         string
	CustodianTimeout time.Duration

	// Webhook shared secrets keyed by custodian slug
	WebhookSecrets map[string]string

	// FX rates for multi-currency aggregation
	BaseCurrency       string
	ExchangeRateAPIURL string

	// Account provisioned at boot so link flows work out of the box
	DefaultUserEmail string

	// Market session clock
	MarketTimezone string

	// Scheduler
	SchedulerWorkers int

	// Alerting
	AlertWebhookURL string

	// Cloud backup (S3-compatible object storage)
	Backup *BackupConfig
}

// BackupConfig holds cloud backup configuration
type BackupConfig struct {
	Enabled         bool
	Endpoint        string // S3-compatible endpoint URL
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetainDaily     int
	RetainWeekly    int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("MONETA_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	environment := getEnv("ENVIRONMENT", EnvDevelopment)

	cfg := &Config{
		DataDir:     absDataDir,
		Environment: environment,
		Port:        getEnvAsInt("PORT", 8000),
		// Debug flags are ignored in production regardless of env value
		DevMode:  environment != EnvProduction && getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"*"}),

		JWTSigningKey:      getEnv("JWT_SIGNING_KEY", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		BrokerBaseURL:   getEnv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),
		BrokerStreamURL: getEnv("BROKER_STREAM_URL", "wss://paper-api.alpaca.markets/stream"),
		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		BrokerTimeout:   getEnvAsDuration("BROKER_TIMEOUT", 10*time.Second),

		PlaidBaseURL:     getEnv("PLAID_BASE_URL", "https://sandbox.plaid.com"),
		PlaidClientID:    getEnv("PLAID_CLIENT_ID", ""),
		PlaidSecret:      getEnv("PLAID_SECRET", ""),
		PlaidEnv:         getEnv("PLAID_ENV", "sandbox"),
		CustodianTimeout: getEnvAsDuration("CUSTODIAN_TIMEOUT", 30*time.Second),

		WebhookSecrets: map[string]string{
			"plaid":  getEnv("PLAID_WEBHOOK_SECRET", ""),
			"alpaca": getEnv("BROKER_WEBHOOK_SECRET", ""),
		},

		BaseCurrency:       getEnv("BASE_CURRENCY", "USD"),
		ExchangeRateAPIURL: getEnv("EXCHANGE_RATE_API_URL", "https://open.er-api.com/v6"),

		DefaultUserEmail: getEnv("DEFAULT_USER_EMAIL", "owner@moneta.local"),

		MarketTimezone: getEnv("MARKET_TIMEZONE", "America/New_York"),

		SchedulerWorkers: getEnvAsInt("SCHEDULER_WORKERS", 4),

		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		Backup: loadBackupConfig(),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes, got %d", len(c.JWTSigningKey))
	}

	if len(c.TokenEncryptionKey) < 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be at least 32 bytes, got %d", len(c.TokenEncryptionKey))
	}

	// A configured custodian without a webhook secret is a configuration
	// error, not a verification bypass.
	if c.PlaidClientID != "" && c.WebhookSecrets["plaid"] == "" {
		return fmt.Errorf("PLAID_WEBHOOK_SECRET is required when PLAID_CLIENT_ID is set")
	}
	if c.BrokerAPIKey != "" && c.WebhookSecrets["alpaca"] == "" {
		return fmt.Errorf("BROKER_WEBHOOK_SECRET is required when BROKER_API_KEY is set")
	}

	if c.Backup != nil && c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			return fmt.Errorf("BACKUP_BUCKET is required when backups are enabled")
		}
		if c.Backup.AccessKeyID == "" || c.Backup.SecretAccessKey == "" {
			return fmt.Errorf("backup credentials are required when backups are enabled")
		}
	}

	if c.SchedulerWorkers < 1 {
		return fmt.Errorf("SCHEDULER_WORKERS must be at least 1, got %d", c.SchedulerWorkers)
	}

	return nil
}

// IsProduction reports whether the service runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// WebhookSecret returns the shared secret for a custodian slug, or "" when
// the custodian is not configured.
func (c *Config) WebhookSecret(custodian string) string {
	return c.WebhookSecrets[strings.ToLower(custodian)]
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// loadBackupConfig loads cloud backup configuration
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
		Region:          getEnv("BACKUP_REGION", "auto"),
		Bucket:          getEnv("BACKUP_BUCKET", ""),
		AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		RetainDaily:     getEnvAsInt("BACKUP_RETAIN_DAILY", 7),
		RetainWeekly:    getEnvAsInt("BACKUP_RETAIN_WEEKLY", 4),
	}
}
