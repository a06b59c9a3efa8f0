// Package config loads gateway configuration from the environment (and an
// optional .env file for local development), validates it, and renders it
// for startup logs.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
//
// Tags:
//
//	env:        Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// HTTP / WS surface
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Kafka / log client
	KafkaBrokers      string `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaSSL          bool   `env:"KAFKA_SSL" envDefault:"false"`
	KafkaSASLEnabled  bool   `env:"KAFKA_SASL_ENABLED" envDefault:"false"`
	KafkaAPIKey       string `env:"KAFKA_API_KEY" envDefault:""`
	KafkaAPISecret    string `env:"KAFKA_API_SECRET" envDefault:""`
	RequestTopic      string `env:"KAFKA_REQUEST_TOPIC" envDefault:"velivolant.event-requests.v1"`
	ResultTopic       string `env:"KAFKA_RESULT_TOPIC" envDefault:"velivolant.computation-results.v1"`
	ConsumerGroup     string `env:"KAFKA_CONSUMER_GROUP" envDefault:"velivolant-middle-results"`
	ProducerTxnID     string `env:"KAFKA_PRODUCER_TRANSACTIONAL_ID" envDefault:"velivolant-producer"`
	MaxInFlight       int    `env:"KAFKA_MAX_IN_FLIGHT" envDefault:"5"`

	// Schema registry
	SchemaRegistryURL     string `env:"SCHEMA_REGISTRY_URL" envDefault:""`
	SchemaRegistryKey     string `env:"SCHEMA_REGISTRY_KEY" envDefault:""`
	SchemaRegistrySecret  string `env:"SCHEMA_REGISTRY_SECRET" envDefault:""`
	SchemaRegistrySubject string `env:"SCHEMA_REGISTRY_SUBJECT" envDefault:""`

	// Ledger (Postgres)
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"velivolant"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"velivolant"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:""`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"20"`

	// WS auth
	JWTSecret string `env:"JWT_SECRET" envDefault:""`

	// Dispatcher
	SubmitAndWaitTimeout time.Duration `env:"DISPATCH_DEFAULT_TIMEOUT" envDefault:"30s"`
	WaiterTTL            time.Duration `env:"DISPATCH_WAITER_TTL" envDefault:"5m"`
	PendingEntryTTL      time.Duration `env:"DISPATCH_PENDING_TTL" envDefault:"10m"`
	SweepInterval        time.Duration `env:"DISPATCH_SWEEP_INTERVAL" envDefault:"5s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.SchemaRegistrySubject == "" {
		cfg.SchemaRegistrySubject = cfg.RequestTopic + "-value"
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("KAFKA_MAX_IN_FLIGHT must be > 0, got %d", c.MaxInFlight)
	}
	if c.PostgresMaxConns < 1 {
		return fmt.Errorf("POSTGRES_MAX_CONNS must be > 0, got %d", c.PostgresMaxConns)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	if c.KafkaSASLEnabled && (c.KafkaAPIKey == "" || c.KafkaAPISecret == "") {
		return fmt.Errorf("KAFKA_API_KEY and KAFKA_API_SECRET are required when KAFKA_SASL_ENABLED=true")
	}

	return nil
}

// PostgresDSN renders a libpq connection string from the discrete fields.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresUser, c.PostgresPassword)
}

// Print renders the configuration in a human-readable form for startup logs.
func (c *Config) Print() {
	fmt.Println("=== Gateway Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("HTTP Address:    %s\n", c.HTTPAddr)
	fmt.Printf("Kafka Brokers:   %s\n", c.KafkaBrokers)
	fmt.Printf("Request Topic:   %s\n", c.RequestTopic)
	fmt.Printf("Result Topic:    %s\n", c.ResultTopic)
	fmt.Printf("Consumer Group:  %s\n", c.ConsumerGroup)
	fmt.Printf("Postgres:        %s:%d/%s (max %d conns)\n", c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresMaxConns)
	fmt.Printf("Log Level:       %s (%s)\n", c.LogLevel, c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("http_addr", c.HTTPAddr).
		Str("kafka_brokers", c.KafkaBrokers).
		Str("request_topic", c.RequestTopic).
		Str("result_topic", c.ResultTopic).
		Str("consumer_group", c.ConsumerGroup).
		Str("postgres_host", c.PostgresHost).
		Int32("postgres_max_conns", c.PostgresMaxConns).
		Str("log_level", c.LogLevel).
		Msg("gateway configuration loaded")
}
