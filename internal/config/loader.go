// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
//  5. Apply cross-field checks that struct tags cannot express (backend
//     requires its connection settings; non-local requires a webhook secret).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// localEnv is the APP_ENV value that relaxes secret requirements.
const localEnv = "local"

// LoadConfig loads and validates the channelgate configuration from the
// environment. Any missing required value or failed validation returns an
// error; callers are expected to treat that as fatal.
func LoadConfig() (*Config, error) {
	// Enforce UTC: every window and calendar-day computation in the service
	// (broadcast ceilings, expiry comparisons) is specified in UTC.
	time.Local = time.UTC

	// godotenv.Load silently succeeds if no .env file exists and does NOT
	// override variables already present in the environment.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing environment configuration: %w", err)
	}

	v := validator.New()
	if err := v.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	if err := crossFieldChecks(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// crossFieldChecks enforces constraints between fields that struct tags
// cannot express.
func crossFieldChecks(cfg *Config) error {
	if cfg.Store.Backend == BackendPostgres && cfg.Database.URL.Unmask() == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}
	if cfg.Store.Backend == BackendFile && cfg.Store.FilePath == "" {
		return fmt.Errorf("STORE_FILE_PATH is required when STORE_BACKEND=file")
	}

	// The payment webhook carries no caller identity beyond the transaction
	// ID; outside local development the HMAC secret is mandatory so an
	// attacker who learns a pending transaction ID cannot grant themselves
	// access.
	if cfg.Environment != localEnv && cfg.Payments.WebhookSecret.Unmask() == "" {
		return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required when APP_ENV=%s", cfg.Environment)
	}

	return nil
}
