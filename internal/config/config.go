// Package config defines the global configuration structure for the credit
// metering engine. Configuration is loaded once at process initialization and
// is immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import "time"

// Config is the top-level configuration struct for the metering engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"lexcredit-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Auth     AuthConfig
	Metering MeteringConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds payment provider (Stripe) configuration.
type BillingConfig struct {
	StripeSecretKey string `envconfig:"STRIPE_SECRET_KEY"`
	// StubProvider replaces the Stripe client with an in-memory stub; used
	// for local development without provider credentials.
	StubProvider bool `envconfig:"BILLING_STUB_PROVIDER" default:"false"`
}

// AuthConfig holds identity and admin-allowlist configuration.
type AuthConfig struct {
	// AdminUserIDs is the fixed administrator set; members resolve to the
	// unlimited plan regardless of all other records.
	AdminUserIDs []string `envconfig:"ADMIN_USER_IDS"`
}

// MeteringConfig holds the tunables of the consumption engine. Defaults
// match the product's fixed values; they are configurable for testing and
// staged rollout only.
type MeteringConfig struct {
	SessionDuration    time.Duration `envconfig:"METERING_SESSION_DURATION" default:"30m"`
	SessionMaxMessages int           `envconfig:"METERING_SESSION_MAX_MESSAGES" default:"10"`
	IdempotencyWindow  time.Duration `envconfig:"METERING_IDEMPOTENCY_WINDOW" default:"60s"`
	ResyncDebounce     time.Duration `envconfig:"METERING_RESYNC_DEBOUNCE" default:"30s"`

	// SweepInterval paces the background maintenance loops (monthly refill
	// grants, expiring-override warnings). Both loops are idempotent, so
	// the interval trades freshness against query load only.
	SweepInterval time.Duration `envconfig:"METERING_SWEEP_INTERVAL" default:"1h"`
}

// AWSConfig holds AWS regional configuration for the telemetry recorder.
type AWSConfig struct {
	Region         string `envconfig:"AWS_REGION" default:"us-east-1"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
}
