package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
device:
  id: "panel-7"
mqtt:
  broker:
    host: "broker.example.com"
    port: 8883
    client_id: "test-client"
  tls:
    cert_file: "/etc/ams/device.pem"
    key_file: "/etc/ams/device.key"
    root_ca_file: "/etc/ams/root-CA.crt"
  session:
    keep_alive: 30
    clean_session: true
  reconnect:
    base_delay_ms: 500
    unit_delay_ms: 250
    cap_attempts: 4
    max_attempts: 6
reporting:
  cooldown_ms: 1500
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ID != "panel-7" {
		t.Errorf("Device.ID = %q, want %q", cfg.Device.ID, "panel-7")
	}
	if cfg.MQTT.Broker.ClientID != "test-client" {
		t.Errorf("MQTT.Broker.ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, "test-client")
	}
	if !cfg.MQTT.Session.CleanSession {
		t.Error("MQTT.Session.CleanSession = false, want true")
	}
	if got := cfg.GetKeepAlive(); got != 30*time.Second {
		t.Errorf("GetKeepAlive() = %v, want 30s", got)
	}
	if got := cfg.GetReconnectBaseDelay(); got != 500*time.Millisecond {
		t.Errorf("GetReconnectBaseDelay() = %v, want 500ms", got)
	}
	if got := cfg.GetPublishCooldown(); got != 1500*time.Millisecond {
		t.Errorf("GetPublishCooldown() = %v, want 1.5s", got)
	}
	if cfg.MQTT.Reconnect.MaxAttempts != 6 {
		t.Errorf("MQTT.Reconnect.MaxAttempts = %d, want 6", cfg.MQTT.Reconnect.MaxAttempts)
	}

	// Unset values keep their defaults.
	if cfg.MQTT.Topics.BrightnessControl != "AMS/brightness/control" {
		t.Errorf("Topics.BrightnessControl = %q, want default", cfg.MQTT.Topics.BrightnessControl)
	}
	if got := cfg.GetSubscribeStabilizationDelay(); got != time.Second {
		t.Errorf("GetSubscribeStabilizationDelay() = %v, want 1s", got)
	}
	if cfg.BrokerAddress() != "broker.example.com:8883" {
		t.Errorf("BrokerAddress() = %q", cfg.BrokerAddress())
	}
}

func TestLoad_DerivesClientID(t *testing.T) {
	configPath := writeConfig(t, `
device:
  id: "panel-7"
mqtt:
  broker:
    host: "broker.example.com"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := DeriveClientID("panel-7")
	if cfg.MQTT.Broker.ClientID != want {
		t.Errorf("ClientID = %q, want %q", cfg.MQTT.Broker.ClientID, want)
	}
	if !strings.HasPrefix(want, "ams-") {
		t.Errorf("DeriveClientID() = %q, want ams- prefix", want)
	}
	if DeriveClientID("panel-7") != want {
		t.Error("DeriveClientID() is not stable")
	}
	if DeriveClientID("panel-8") == want {
		t.Error("DeriveClientID() returned the same id for different devices")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	configPath := writeConfig(t, `
device:
  id: "panel-7"
mqtt:
  broker:
    host: "file-host"
`)
	t.Setenv("AMS_MQTT_HOST", "env-host")
	t.Setenv("AMS_MQTT_PORT", "9883")
	t.Setenv("AMS_MQTT_KEY_FILE", "/run/secrets/key.pem")
	t.Setenv("AMS_LOG_LEVEL", "debug")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "env-host" {
		t.Errorf("Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "env-host")
	}
	if cfg.MQTT.Broker.Port != 9883 {
		t.Errorf("Broker.Port = %d, want 9883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.TLS.KeyFile != "/run/secrets/key.pem" {
		t.Errorf("TLS.KeyFile = %q", cfg.MQTT.TLS.KeyFile)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
device:
  id: "panel-7"
mqtt:
  broker:
    host: ""
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty broker host, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Device.ID = "panel-7"
	cfg.MQTT.Broker.Host = "broker.example.com"
	cfg.MQTT.Broker.ClientID = "client"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing device id",
			mutate:  func(c *Config) { c.Device.ID = "" },
			wantErr: "device.id is required",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.MQTT.Broker.Port = 70000 },
			wantErr: "mqtt.broker.port",
		},
		{
			name:    "missing key file",
			mutate:  func(c *Config) { c.MQTT.TLS.KeyFile = "" },
			wantErr: "mqtt.tls.cert_file",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "zero max attempts",
			mutate:  func(c *Config) { c.MQTT.Reconnect.MaxAttempts = 0 },
			wantErr: "max_attempts",
		},
		{
			name:    "negative unit delay",
			mutate:  func(c *Config) { c.MQTT.Reconnect.UnitDelayMS = -1 },
			wantErr: "mqtt.reconnect delays",
		},
		{
			name:    "wildcard topic",
			mutate:  func(c *Config) { c.MQTT.Topics.Status = "AMS/#" },
			wantErr: "mqtt.topics.status must not contain wildcards",
		},
		{
			name:    "empty topic",
			mutate:  func(c *Config) { c.MQTT.Topics.Wifi = "" },
			wantErr: "mqtt.topics.wifi is required",
		},
		{
			name:    "unknown signal source",
			mutate:  func(c *Config) { c.Signals.Source = "android" },
			wantErr: "signals.source",
		},
		{
			name: "influxdb enabled without bucket",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.URL = "http://localhost:8086"
				c.InfluxDB.Org = "ams"
			},
			wantErr: "influxdb.url, org and bucket",
		},
		{
			name: "database enabled without path",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Path = ""
			},
			wantErr: "database.path",
		},
		{
			name: "api metrics path without slash",
			mutate: func(c *Config) {
				c.API.Enabled = true
				c.API.MetricsPath = "metrics"
			},
			wantErr: "api.metrics_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Broker.Host = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil, want error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "mqtt.broker.host") || !strings.Contains(msg, "mqtt.qos") {
		t.Errorf("Validate() error = %q, want both failures reported", msg)
	}
}
