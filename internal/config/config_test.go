package config

import (
	"testing"
)

func withRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_URL", "sqlite:/tmp/consultease_test.db")
	t.Setenv("MQTT_BROKER_HOST", "localhost")
	t.Setenv("MQTT_BROKER_PORT", "1883")
}

func TestLoadDefaults(t *testing.T) {
	withRequiredEnv(t)

	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "default db pool size",
			check:  func(c *Config) bool { return c.DBPoolSize == 5 },
			expect: "5",
		},
		{
			name:   "default mqtt batch size",
			check:  func(c *Config) bool { return c.MQTTBatchSize == 10 },
			expect: "10",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestLoadMissingRequired(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DB_URL and MQTT_BROKER_HOST are unset")
	}
}

func TestBrokerURL(t *testing.T) {
	withRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.BrokerURL(); got != "tcp://localhost:1883" {
		t.Errorf("BrokerURL() = %q, want tcp://localhost:1883", got)
	}
}

func TestIsSQLite(t *testing.T) {
	withRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.IsSQLite() {
		t.Error("expected IsSQLite() to be true for a sqlite: DSN")
	}
}
