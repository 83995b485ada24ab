// Package config loads ConsultEase's process configuration once at
// startup from environment variables, following the teacher's
// env-tag-driven Config struct.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables. The database, MQTT, consultation and service-lifecycle keys
// correspond to rows of spec.md §6's configuration table; the migration,
// Redis, logging and operator HTTP keys are additions of this repository.
type Config struct {
	// Database
	DBURL                string `env:"DB_URL,required"`
	DBPoolSize           int    `env:"DB_POOL_SIZE" envDefault:"5"`
	DBMaxOverflow        int    `env:"DB_MAX_OVERFLOW" envDefault:"10"`
	DBHealthIntervalSec  int    `env:"DB_HEALTH_INTERVAL_SEC" envDefault:"120"`
	DBRestartCooldownSec int    `env:"DB_RESTART_COOLDOWN_SEC" envDefault:"600"`

	// Migrations
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// MQTT
	MQTTBrokerHost       string `env:"MQTT_BROKER_HOST,required"`
	MQTTBrokerPort       int    `env:"MQTT_BROKER_PORT,required"`
	MQTTUsername         string `env:"MQTT_USERNAME"`
	MQTTPassword         string `env:"MQTT_PASSWORD"`
	MQTTBatchSize        int    `env:"MQTT_BATCH_SIZE" envDefault:"10"`
	MQTTBatchTimeoutMs   int    `env:"MQTT_BATCH_TIMEOUT_MS" envDefault:"100"`
	MQTTOfflineQueueSize int    `env:"MQTT_OFFLINE_QUEUE_SIZE" envDefault:"20"`

	// Consultation
	ConsultationExpirySec        int `env:"CONSULTATION_EXPIRY_SEC" envDefault:"300"`
	ConsultationSweepIntervalSec int `env:"CONSULTATION_SWEEP_INTERVAL_SEC" envDefault:"60"`

	// Service lifecycle
	ServiceRestartBudget int `env:"SERVICE_RESTART_BUDGET" envDefault:"5"`

	// Redis (Cache Coordinator)
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Operator HTTP surface
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"8080"`
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the operator HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BrokerURL returns the MQTT broker dial address in tcp://host:port form.
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTBrokerHost, c.MQTTBrokerPort)
}

// IsSQLite reports whether DBURL names an embedded-file database rather
// than a networked backend.
func (c *Config) IsSQLite() bool {
	return strings.HasPrefix(c.DBURL, "sqlite:")
}
