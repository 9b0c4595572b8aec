package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all proxy configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	ListenAddr string `env:"PIXIU_LISTEN_ADDR" envDefault:":8080"`

	// Admission
	MaxConnections       int `env:"PIXIU_MAX_CONNECTIONS" envDefault:"1000"`
	MaxFiltersPerSession int `env:"PIXIU_MAX_FILTERS_PER_SESSION" envDefault:"64"`

	// Liveness
	PingInterval      time.Duration `env:"PIXIU_PING_INTERVAL" envDefault:"30s"`
	IdleTimeout       time.Duration `env:"PIXIU_IDLE_TIMEOUT" envDefault:"90s"`
	WriteStallTimeout time.Duration `env:"PIXIU_WRITE_STALL_TIMEOUT" envDefault:"15s"`

	// Queues and frames
	SendQueueHighWater int `env:"PIXIU_SEND_QUEUE_HIGH_WATER" envDefault:"1024"`
	MaxFrameBytes      int `env:"PIXIU_MAX_FRAME_BYTES" envDefault:"1048576"`

	// Shutdown. CloseGrace bounds a single session's queue drain once it
	// enters Closing; DrainTimeout bounds the whole process shutdown.
	CloseGrace   time.Duration `env:"PIXIU_CLOSE_GRACE" envDefault:"5s"`
	DrainTimeout time.Duration `env:"PIXIU_DRAIN_TIMEOUT" envDefault:"30s"`

	// Protocol abuse
	ProtocolErrorBudget int `env:"PIXIU_PROTOCOL_ERROR_BUDGET" envDefault:"10"` // malformed frames per minute before close

	// Connection rate limiting (disabled unless enabled explicitly)
	ConnRateLimitEnabled     bool    `env:"PIXIU_CONN_RATE_LIMIT_ENABLED" envDefault:"false"`
	ConnRateLimitIPBurst     int     `env:"PIXIU_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
	ConnRateLimitIPRate      float64 `env:"PIXIU_CONN_RATE_LIMIT_IP_RATE" envDefault:"1.0"`
	ConnRateLimitGlobalBurst int     `env:"PIXIU_CONN_RATE_LIMIT_GLOBAL_BURST" envDefault:"300"`
	ConnRateLimitGlobalRate  float64 `env:"PIXIU_CONN_RATE_LIMIT_GLOBAL_RATE" envDefault:"50.0"`

	// Upstream ingest. Either source may be enabled; both may run at once
	// and feed the same dispatch path.
	NATSEnabled bool   `env:"PIXIU_NATS_ENABLED" envDefault:"false"`
	NATSURL     string `env:"PIXIU_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubject string `env:"PIXIU_NATS_SUBJECT" envDefault:"md.>"`

	KafkaEnabled       bool   `env:"PIXIU_KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers       string `env:"PIXIU_KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaTopics        string `env:"PIXIU_KAFKA_TOPICS" envDefault:"market-data"`
	KafkaConsumerGroup string `env:"PIXIU_KAFKA_CONSUMER_GROUP" envDefault:"pixiu-proxy"`

	// Monitoring
	MetricsInterval time.Duration `env:"PIXIU_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and environment
// variables. Priority: ENV vars > .env file > defaults.
func Load() (*Config, error) {
	// .env is a development convenience; in containers the environment
	// is injected directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("PIXIU_LISTEN_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("PIXIU_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxFiltersPerSession < 1 {
		return fmt.Errorf("PIXIU_MAX_FILTERS_PER_SESSION must be > 0, got %d", c.MaxFiltersPerSession)
	}
	if c.SendQueueHighWater < 1 {
		return fmt.Errorf("PIXIU_SEND_QUEUE_HIGH_WATER must be > 0, got %d", c.SendQueueHighWater)
	}
	if c.MaxFrameBytes < 1 {
		return fmt.Errorf("PIXIU_MAX_FRAME_BYTES must be > 0, got %d", c.MaxFrameBytes)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("PIXIU_PING_INTERVAL must be positive, got %s", c.PingInterval)
	}
	if c.IdleTimeout <= c.PingInterval {
		return fmt.Errorf("PIXIU_IDLE_TIMEOUT (%s) must exceed PIXIU_PING_INTERVAL (%s)",
			c.IdleTimeout, c.PingInterval)
	}
	if c.WriteStallTimeout <= 0 {
		return fmt.Errorf("PIXIU_WRITE_STALL_TIMEOUT must be positive, got %s", c.WriteStallTimeout)
	}
	if c.CloseGrace <= 0 {
		return fmt.Errorf("PIXIU_CLOSE_GRACE must be positive, got %s", c.CloseGrace)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("PIXIU_DRAIN_TIMEOUT must not be negative, got %s", c.DrainTimeout)
	}
	if c.ProtocolErrorBudget < 1 {
		return fmt.Errorf("PIXIU_PROTOCOL_ERROR_BUDGET must be > 0, got %d", c.ProtocolErrorBudget)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if c.KafkaEnabled && len(c.KafkaBrokerList()) == 0 {
		return fmt.Errorf("PIXIU_KAFKA_BROKERS must list at least one broker when Kafka ingest is enabled")
	}
	return nil
}

// KafkaBrokerList splits the comma-separated broker string.
func (c *Config) KafkaBrokerList() []string {
	return splitList(c.KafkaBrokers)
}

// KafkaTopicList splits the comma-separated topic string.
func (c *Config) KafkaTopicList() []string {
	return splitList(c.KafkaTopics)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
