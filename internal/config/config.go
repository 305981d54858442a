package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api", "worker", or "all".
	Mode string `env:"REPORTOWL_MODE" envDefault:"all"`

	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3000"`

	// Environment is "production" or "development". Outside production the
	// Tableau client skips TLS certificate verification.
	Environment string `env:"NODE_ENV" envDefault:"development"`

	// Redis
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`

	// Queue
	QueueConcurrency int `env:"QUEUE_CONCURRENCY" envDefault:"5"`
	QueueAttempts    int `env:"QUEUE_ATTEMPTS" envDefault:"3"`

	// Tableau server
	RemoteBaseURL string `env:"REMOTE_BASE_URL"`
	PATName       string `env:"PAT_NAME"`
	PATSecret     string `env:"PAT_SECRET"`

	// Email gateway
	NotificationAPIURL string `env:"NOTIFICATION_API_URL"`
	APIGatewayToken    string `env:"API_GATEWAY_TOKEN"`
	EmailFrom          string `env:"EMAIL_FROM" envDefault:"reports@wisbric.io"`
	EmailTeamTag       string `env:"EMAIL_TEAM_TAG"`
	EmailProductTag    string `env:"EMAIL_PRODUCT_TAG"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Manifests
	ConfigDir string `env:"CONFIG_DIR" envDefault:"config"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Slack (optional — if not set, ops failure notifications are disabled)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`
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

// RedisAddr returns the host:port address of the Redis server.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
