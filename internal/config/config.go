// Package config loads the control plane's runtime configuration from
// environment variables into a single struct.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every recognized control-plane configuration option.
type Config struct {
	// Mode selects the runtime mode: "api" or "worker".
	Mode string `env:"AUTOQA_MODE" envDefault:"api"`

	// Server
	Host string `env:"AUTOQA_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"AUTOQA_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsPath  string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Worker concurrency: bounds the Orchestrator's worker pool and
	// the ContainerManager's CleanupAll teardown pool.
	Concurrency int `env:"AUTOQA_CONCURRENCY" envDefault:"4"`

	// FlowController
	FlowMaxBufferSize         int           `env:"FLOW_MAX_BUFFER_SIZE" envDefault:"1000"`
	FlowMaxMemoryUsage        int64         `env:"FLOW_MAX_MEMORY_USAGE" envDefault:"536870912"` // 512 MiB
	FlowHighWaterMark         float64       `env:"FLOW_HIGH_WATER_MARK" envDefault:"0.9"`
	FlowLowWaterMark          float64       `env:"FLOW_LOW_WATER_MARK" envDefault:"0.6"`
	FlowProcessingRate        int           `env:"FLOW_PROCESSING_RATE" envDefault:"50"`
	FlowSlowConsumerThreshold time.Duration `env:"FLOW_SLOW_CONSUMER_THRESHOLD" envDefault:"5s"`

	// SubscriptionBus
	PubsubMaxSubscriptionsPerUser    int           `env:"PUBSUB_MAX_SUBSCRIPTIONS_PER_USER" envDefault:"20"`
	PubsubMaxSubscriptionsPerChannel int           `env:"PUBSUB_MAX_SUBSCRIPTIONS_PER_CHANNEL" envDefault:"500"`
	PubsubSubscriptionTimeout        time.Duration `env:"PUBSUB_SUBSCRIPTION_TIMEOUT" envDefault:"10m"`

	// ContainerManager
	ContainerMemoryCapBytes int64 `env:"CONTAINER_MEMORY_CAP_BYTES" envDefault:"2147483648"` // 2 GiB
	ContainerCPUCapMillis   int64 `env:"CONTAINER_CPU_CAP_MILLIS" envDefault:"2000"`

	// TokenBucket
	RateLimitPerMinute float64 `env:"RATE_LIMIT_PER_MINUTE" envDefault:"60"`

	// CircuitBreaker
	BreakerFailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`

	// HealingEngine
	HealingMaxAttempts         int     `env:"HEALING_MAX_ATTEMPTS" envDefault:"5"`
	HealingConfidenceThreshold float64 `env:"HEALING_CONFIDENCE_THRESHOLD" envDefault:"0.7"`

	// Redis (optional — enables the distributed SubscriptionBus relay, D.2)
	RedisURL string `env:"REDIS_URL"`

	// Slack (optional — if not set, Slack notification delivery is disabled)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	// Notification feed
	NotificationFeedCapPerUser int `env:"NOTIFICATION_FEED_CAP_PER_USER" envDefault:"100"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
