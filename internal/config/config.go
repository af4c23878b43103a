// Package config defines the reminderd configuration. It is loaded once at
// startup and treated as immutable afterwards.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"reminders/internal/types"
)

// SecretString is an alias for types.SecretString so secrets never reach
// logs in clear text.
type SecretString = types.SecretString

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Provider names.
const (
	ProviderStub     = "stub"
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
	ProviderTwilio   = "twilio"
)

// Config is the top-level configuration. Sub-components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Store         StoreConfig
	Scheduler     SchedulerConfig
	Delivery      DeliveryConfig
	Email         EmailConfig
	SMS           SMSConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	Ops           OpsConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// StoreConfig selects and tunes the durable reminder store.
type StoreConfig struct {
	Driver string `envconfig:"STORE_DRIVER" default:"postgres" validate:"oneof=postgres sqlite memory"`

	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required_if=Driver postgres"`

	SQLitePath        string        `envconfig:"SQLITE_PATH" default:"data/reminders.db" validate:"required_if=Driver sqlite"`
	SQLiteBusyTimeout time.Duration `envconfig:"SQLITE_BUSY_TIMEOUT" default:"5s"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0,ltefield=MaxConns"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// SchedulerConfig controls the two periodic jobs.
type SchedulerConfig struct {
	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"60s" validate:"min=1s"`
	RetentionSchedule string        `envconfig:"RETENTION_SCHEDULE" default:"0 0 * * *" validate:"required"`
	RetentionWindow   time.Duration `envconfig:"RETENTION_WINDOW" default:"720h" validate:"min=1h"`
	RetentionBatch    int           `envconfig:"RETENTION_BATCH" default:"500" validate:"min=1"`
}

// DeliveryConfig bounds the delivery pipeline.
type DeliveryConfig struct {
	Workers     int64         `envconfig:"DELIVERY_WORKERS" default:"8" validate:"min=1"`
	MaxAttempts int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"3" validate:"min=1,max=10"`
	BaseDelay   time.Duration `envconfig:"DELIVERY_BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"DELIVERY_MAX_DELAY" default:"10s" validate:"gtefield=BaseDelay"`
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"20s" validate:"min=1s"`
}

// EmailConfig selects the email provider.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"stub" validate:"oneof=stub ses sendgrid"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" default:"reminders@example.com" validate:"required,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Reminders"`
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SESConfigSet   string       `envconfig:"SES_CONFIGURATION_SET"`
}

// SMSConfig selects the SMS provider.
type SMSConfig struct {
	Provider         string       `envconfig:"SMS_PROVIDER" default:"stub" validate:"oneof=stub twilio"`
	TwilioAccountSID string       `envconfig:"TWILIO_ACCOUNT_SID" validate:"required_if=Provider twilio"`
	TwilioAuthToken  SecretString `envconfig:"TWILIO_AUTH_TOKEN" validate:"required_if=Provider twilio"`
	TwilioFrom       string       `envconfig:"TWILIO_FROM" validate:"required_if=Provider twilio"`
}

// AWSConfig holds regional configuration and resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ArchiveBucket receives purged reminders before deletion. Empty disables archiving.
	ArchiveBucket string `envconfig:"ARCHIVE_BUCKET"`
	ArchivePrefix string `envconfig:"ARCHIVE_PREFIX" default:"reminders"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Reminders"`
}

// OpsConfig configures the operational HTTP listener.
type OpsConfig struct {
	Port            string        `envconfig:"OPS_PORT" default:"8081"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// NeedsAWS reports whether any configured component talks to AWS.
func (c *Config) NeedsAWS() bool {
	return c.Email.Provider == ProviderSES ||
		c.AWS.ArchiveBucket != "" ||
		c.Observability.MetricsEnabled
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates an environment value could not be parsed.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
