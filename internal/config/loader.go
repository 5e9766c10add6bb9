// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig loads and validates the engine configuration from the
// environment. A .env file in the working directory is loaded first when
// present; real environment variables take precedence over dotenv values.
func LoadConfig() (*Config, error) {
	// Enforce UTC to keep calendar-month keys and session expiries stable
	// across deployment regions.
	time.Local = time.UTC

	// Non-fatal if absent: production injects real env vars.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate runs struct validation and a handful of cross-field checks that
// tags cannot express.
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Metering.SessionMaxMessages < 1 {
		return fmt.Errorf("invalid configuration: METERING_SESSION_MAX_MESSAGES must be >= 1")
	}
	if cfg.Metering.SessionDuration <= 0 {
		return fmt.Errorf("invalid configuration: METERING_SESSION_DURATION must be positive")
	}
	if !cfg.Billing.StubProvider && cfg.Billing.StripeSecretKey == "" {
		return fmt.Errorf("invalid configuration: STRIPE_SECRET_KEY is required unless BILLING_STUB_PROVIDER=true")
	}

	return nil
}
