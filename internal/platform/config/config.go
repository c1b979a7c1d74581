package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Webhooks      WebhooksConfig      `mapstructure:"webhooks"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path" validate:"required"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1"`
	BusyTimeoutMs  int    `mapstructure:"busy_timeout_ms" validate:"min=0"`
	AutoMigrate    bool   `mapstructure:"auto_migrate"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret" validate:"required"`
	Issuer string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	EventsPerMinute   int `mapstructure:"events_per_minute" validate:"min=1"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute" validate:"min=1"`
}

type WebhooksConfig struct {
	DefaultMaxAttempts    int    `mapstructure:"default_max_attempts" validate:"min=1,ltefield=MaxAttemptsLimit"`
	DefaultTimeoutSeconds int    `mapstructure:"default_timeout_seconds" validate:"min=1,ltefield=MaxTimeoutSeconds"`
	MaxAttemptsLimit      int    `mapstructure:"max_attempts_limit" validate:"min=1"`
	MaxTimeoutSeconds     int    `mapstructure:"max_timeout_seconds" validate:"min=1"`
	MaxResponseBodyBytes  int    `mapstructure:"max_response_body_bytes" validate:"min=0"`
	// SecretKey is a hex encoded 32 byte key used to seal webhook secrets at rest.
	SecretKey      string        `mapstructure:"secret_key" validate:"omitempty,hexadecimal,len=64"`
	UserAgent      string        `mapstructure:"user_agent"`
	RecoverOnStart bool          `mapstructure:"recover_on_start"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	// PendingRecoveryAfter is how long a delivery may sit in pending before
	// the sweeper attempts it again. Zero disables pending recovery.
	PendingRecoveryAfter time.Duration `mapstructure:"pending_recovery_after" validate:"min=0"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format   string `mapstructure:"format" validate:"omitempty,oneof=json text"`
	Output   string `mapstructure:"output" validate:"omitempty,oneof=stdout file"`
	FilePath string `mapstructure:"file_path"`
}

type ObservabilityConfig struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	// TracingURL is the OTLP/HTTP collector endpoint. Tracing is off when empty.
	TracingURL string `mapstructure:"tracing_url"`
}

type IngestConfig struct {
	AMQPURL     string `mapstructure:"amqp_url" validate:"omitempty,url"`
	Queue       string `mapstructure:"queue" validate:"required_with=AMQPURL"`
	Prefetch    int    `mapstructure:"prefetch" validate:"min=0"`
	ConsumerTag string `mapstructure:"consumer_tag"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.path", "data/beacon.db")
	v.SetDefault("database.max_connections", 4)
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "beacon")

	v.SetDefault("rate_limit.events_per_minute", 600)
	v.SetDefault("rate_limit.api_write_per_minute", 100)

	v.SetDefault("webhooks.default_max_attempts", 3)
	v.SetDefault("webhooks.default_timeout_seconds", 30)
	v.SetDefault("webhooks.max_attempts_limit", 10)
	v.SetDefault("webhooks.max_timeout_seconds", 300)
	v.SetDefault("webhooks.max_response_body_bytes", 1024)
	v.SetDefault("webhooks.secret_key", "")
	v.SetDefault("webhooks.user_agent", "beacon-webhooks/1.0")
	v.SetDefault("webhooks.recover_on_start", true)
	v.SetDefault("webhooks.sweep_interval", 5*time.Minute)
	v.SetDefault("webhooks.pending_recovery_after", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")

	v.SetDefault("observability.service_name", "beacon")
	v.SetDefault("observability.tracing_url", "")

	v.SetDefault("ingest.amqp_url", "")
	v.SetDefault("ingest.queue", "")
	v.SetDefault("ingest.prefetch", 16)
	v.SetDefault("ingest.consumer_tag", "beacon-ingest")
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Load reads the YAML file at path. Every key can be overridden from the
// environment, e.g. BEACON_DATABASE_PATH. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BEACON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}
