// Package config defines the global configuration structure for the
// channelgate service. Configuration is loaded once at process
// initialization and is immutable thereafter. It follows 12-Factor App
// principles by strictly separating code from configuration: values come
// from the OS environment, optionally seeded by a .env file.
//
// Any missing required value or invalid format causes the application to
// fail immediately on startup.
package config

import (
	"time"

	"channelgate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Messenger MessengerConfig
	Payments  PaymentsConfig
	Sweeper   SweeperConfig
	Broadcast BroadcastConfig
	Admin     AdminConfig

	// PlanCatalogJSON is the static plan catalog as a JSON array of plan
	// objects: [{"id":"monthly","display_name":"Monthly Adventure",
	// "price":"$24.99","duration_days":30,"payment_link_id":"LNK_..."}].
	PlanCatalogJSON string `envconfig:"PLAN_CATALOG_JSON" validate:"required,json"`

	// ChannelIDs lists the numeric identifiers of every gated distribution
	// channel. All plans grant access to the same channel set.
	ChannelIDs []int64 `envconfig:"CHANNEL_IDS" validate:"required,min=1"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// StoreBackend selects the persistence implementation.
type StoreBackend string

const (
	// BackendPostgres uses the pgx-backed repositories. Required for
	// multi-instance deployments.
	BackendPostgres StoreBackend = "postgres"
	// BackendFile uses the JSON-file store. Single-process deployments only.
	BackendFile StoreBackend = "file"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  StoreBackend `envconfig:"STORE_BACKEND" default:"postgres" validate:"required,oneof=postgres file"`
	FilePath string       `envconfig:"STORE_FILE_PATH" default:"data/channelgate.json"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// Only consulted when the postgres backend is selected.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// MessengerConfig holds the chat-platform bot credentials and outbound
// client tuning.
type MessengerConfig struct {
	BotToken   SecretString  `envconfig:"BOT_TOKEN" validate:"required"`
	APIBaseURL string        `envconfig:"MESSENGER_API_BASE_URL" default:"https://api.telegram.org" validate:"url"`
	Timeout    time.Duration `envconfig:"MESSENGER_TIMEOUT" default:"10s"`

	// InviteTTL bounds the validity of generated channel invite links.
	InviteTTL time.Duration `envconfig:"MESSENGER_INVITE_TTL" default:"24h"`
}

// PaymentsConfig holds the hosted-checkout provider settings and the webhook
// shared secret.
type PaymentsConfig struct {
	// CheckoutBaseURL is the hosted payment page prefix; the per-plan link ID
	// and callback metadata are appended to it.
	CheckoutBaseURL string       `envconfig:"CHECKOUT_BASE_URL" validate:"required,url"`
	IdentityKey     SecretString `envconfig:"CHECKOUT_IDENTITY_KEY" validate:"required"`

	// WebhookSecret signs and verifies payment confirmation callbacks
	// (HMAC-SHA256 over the raw body). Required outside local development.
	WebhookSecret SecretString `envconfig:"PAYMENT_WEBHOOK_SECRET"`
}

// SweeperConfig tunes the expiry reconciliation loop.
type SweeperConfig struct {
	Interval time.Duration `envconfig:"SWEEP_INTERVAL" default:"24h" validate:"min=1m"`
}

// BroadcastConfig tunes outbound fan-out and the scheduling policy.
type BroadcastConfig struct {
	// SendDelay is the fixed pause between consecutive recipient sends, a
	// crude outbound rate limiter.
	SendDelay time.Duration `envconfig:"BROADCAST_SEND_DELAY" default:"50ms"`

	// ScheduleWindow bounds how far into the future a broadcast may be
	// scheduled.
	ScheduleWindow time.Duration `envconfig:"BROADCAST_SCHEDULE_WINDOW" default:"72h"`

	// DailyCeiling caps pending broadcasts per UTC calendar day.
	DailyCeiling int `envconfig:"BROADCAST_DAILY_CEILING" default:"12" validate:"min=1"`
}

// AdminConfig protects the operator endpoints (stats, broadcasts, manual
// entitlement management).
type AdminConfig struct {
	Token SecretString `envconfig:"ADMIN_TOKEN" validate:"required"`
}
