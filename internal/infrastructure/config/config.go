package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Signal source names accepted in signals.source.
const (
	SignalSourceStatic = "static"
	SignalSourceLinux  = "linux"
)

// Config is the root configuration structure for the AMS agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Reporting ReportingConfig `yaml:"reporting"`
	Network   NetworkConfig   `yaml:"network"`
	Signals   SignalsConfig   `yaml:"signals"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies the device this agent reports for.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	TLS       MQTTTLSConfig       `yaml:"tls"`
	Session   MQTTSessionConfig   `yaml:"session"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
	Subscribe MQTTSubscribeConfig `yaml:"subscribe"`
	Topics    TopicsConfig        `yaml:"topics"`

	// QoS is used for outbound status reports.
	QoS int `yaml:"qos"`

	// ControlQoS is used for the inbound brightness control subscription.
	ControlQoS int `yaml:"control_qos"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ClientID       string `yaml:"client_id"`
	ConnectTimeout int    `yaml:"connect_timeout"` // seconds
}

// MQTTTLSConfig points at the PEM files used for mutual TLS.
type MQTTTLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	RootCAFile string `yaml:"root_ca_file"`

	// ServerName overrides the name used for certificate verification.
	// Defaults to the broker host.
	ServerName string `yaml:"server_name,omitempty"`
}

// MQTTSessionConfig holds the session knobs that used to drift between deployments.
type MQTTSessionConfig struct {
	KeepAlive    int  `yaml:"keep_alive"` // seconds
	CleanSession bool `yaml:"clean_session"`
}

// MQTTReconnectConfig contains the linear backoff parameters.
//
// The delay before reconnect attempt n is min(n, cap_attempts)*unit_delay + base_delay.
type MQTTReconnectConfig struct {
	BaseDelayMS int `yaml:"base_delay_ms"`
	UnitDelayMS int `yaml:"unit_delay_ms"`
	CapAttempts int `yaml:"cap_attempts"`
	MaxAttempts int `yaml:"max_attempts"`
}

// MQTTSubscribeConfig contains subscription timing.
type MQTTSubscribeConfig struct {
	StabilizationDelayMS int `yaml:"stabilization_delay_ms"`
	RetryDelayMS         int `yaml:"retry_delay_ms"`
}

// TopicsConfig lists every topic the agent publishes to or subscribes on.
type TopicsConfig struct {
	Wifi              string `yaml:"wifi"`
	Bluetooth         string `yaml:"bluetooth"`
	Brightness        string `yaml:"brightness"`
	Status            string `yaml:"status"`
	Init              string `yaml:"init"`
	BrightnessControl string `yaml:"brightness_control"`
	Online            string `yaml:"online"`
}

// ReportingConfig contains status reporting settings.
type ReportingConfig struct {
	CooldownMS     int `yaml:"cooldown_ms"`
	InitialDelayMS int `yaml:"initial_delay_ms"`

	// Interval is the period of full status reports in seconds. 0 disables them.
	Interval int `yaml:"interval"`
}

// NetworkConfig contains network reachability settings.
type NetworkConfig struct {
	StabilizationDelayMS int `yaml:"stabilization_delay_ms"`

	// Watch enables the platform connectivity feed (NetworkManager on Linux).
	Watch bool `yaml:"watch"`
}

// SignalsConfig selects where device signals come from.
type SignalsConfig struct {
	Source           string `yaml:"source"`
	BacklightDevice  string `yaml:"backlight_device"`
	BacklightPollMS  int    `yaml:"backlight_poll_ms"`
	BluetoothAdapter string `yaml:"bluetooth_adapter"`
}

// DatabaseConfig contains the SQLite connection history settings.
type DatabaseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	WALMode       bool   `yaml:"wal_mode"`
	BusyTimeout   int    `yaml:"busy_timeout"`
	RetentionDays int    `yaml:"retention_days"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains the local HTTP endpoint settings (health, status, metrics).
type APIConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Listen      string           `yaml:"listen"`
	MetricsPath string           `yaml:"metrics_path"`
	Timeouts    APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//  4. Derived values (client id from the host name when unset)
//
// Environment variables follow the pattern: AMS_SECTION_KEY
// For example: AMS_MQTT_HOST, AMS_MQTT_CERT_FILE
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDerived(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the values the device shipped with.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "ams-device",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Port:           8883,
				ConnectTimeout: 30,
			},
			TLS: MQTTTLSConfig{
				CertFile:   "./certs/cc9.cert.pem",
				KeyFile:    "./certs/cc9.private.key",
				RootCAFile: "./certs/root-CA.crt",
			},
			Session: MQTTSessionConfig{
				KeepAlive:    600,
				CleanSession: false,
			},
			Reconnect: MQTTReconnectConfig{
				BaseDelayMS: 3000,
				UnitDelayMS: 1000,
				CapAttempts: 7,
				MaxAttempts: 10,
			},
			Subscribe: MQTTSubscribeConfig{
				StabilizationDelayMS: 1000,
				RetryDelayMS:         3000,
			},
			Topics: TopicsConfig{
				Wifi:              "AMS/wifi",
				Bluetooth:         "AMS/bluetooth",
				Brightness:        "AMS/brightness",
				Status:            "AMS/device/status",
				Init:              "AMS/device/init",
				BrightnessControl: "AMS/brightness/control",
				Online:            "AMS/device/online",
			},
			QoS:        1,
			ControlQoS: 0,
		},
		Reporting: ReportingConfig{
			CooldownMS:     2000,
			InitialDelayMS: 2000,
		},
		Network: NetworkConfig{
			StabilizationDelayMS: 2000,
		},
		Signals: SignalsConfig{
			Source:          SignalSourceStatic,
			BacklightPollMS: 1000,
		},
		Database: DatabaseConfig{
			Path:          "./data/ams-agent.db",
			WALMode:       true,
			BusyTimeout:   5,
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Listen:      "127.0.0.1:9464",
			MetricsPath: "/metrics",
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: AMS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AMS_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	// MQTT
	if v := os.Getenv("AMS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("AMS_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("AMS_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("AMS_MQTT_CERT_FILE"); v != "" {
		cfg.MQTT.TLS.CertFile = v
	}
	if v := os.Getenv("AMS_MQTT_KEY_FILE"); v != "" {
		cfg.MQTT.TLS.KeyFile = v
	}
	if v := os.Getenv("AMS_MQTT_ROOT_CA_FILE"); v != "" {
		cfg.MQTT.TLS.RootCAFile = v
	}

	if v := os.Getenv("AMS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("AMS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("AMS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyDerived fills values that depend on the host.
// A persistent session needs a client id that survives restarts, so the
// default is a name-based UUID of the host name rather than a random one.
func applyDerived(cfg *Config) {
	if cfg.Device.ID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Device.ID = host
		}
	}
	if cfg.MQTT.Broker.ClientID == "" && cfg.Device.ID != "" {
		cfg.MQTT.Broker.ClientID = DeriveClientID(cfg.Device.ID)
	}
}

// DeriveClientID returns a stable MQTT client id for a device id.
func DeriveClientID(deviceID string) string {
	return "ams-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(deviceID)).String()
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required (set AMS_DEVICE_ID environment variable)")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	if c.MQTT.Broker.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.broker.connect_timeout must be positive")
	}
	if c.MQTT.TLS.CertFile == "" || c.MQTT.TLS.KeyFile == "" || c.MQTT.TLS.RootCAFile == "" {
		errs = append(errs, "mqtt.tls.cert_file, key_file and root_ca_file are required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.ControlQoS < 0 || c.MQTT.ControlQoS > 2 {
		errs = append(errs, "mqtt.control_qos must be 0, 1, or 2")
	}
	if c.MQTT.Session.KeepAlive < 0 {
		errs = append(errs, "mqtt.session.keep_alive must not be negative")
	}

	r := c.MQTT.Reconnect
	if r.BaseDelayMS < 0 || r.UnitDelayMS < 0 || r.CapAttempts < 0 {
		errs = append(errs, "mqtt.reconnect delays and cap_attempts must not be negative")
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, "mqtt.reconnect.max_attempts must be at least 1")
	}
	if c.MQTT.Subscribe.StabilizationDelayMS < 0 || c.MQTT.Subscribe.RetryDelayMS < 0 {
		errs = append(errs, "mqtt.subscribe delays must not be negative")
	}

	errs = append(errs, c.MQTT.Topics.validate()...)

	// Reporting validation
	if c.Reporting.CooldownMS < 0 || c.Reporting.InitialDelayMS < 0 || c.Reporting.Interval < 0 {
		errs = append(errs, "reporting values must not be negative")
	}
	if c.Network.StabilizationDelayMS < 0 {
		errs = append(errs, "network.stabilization_delay_ms must not be negative")
	}

	switch c.Signals.Source {
	case SignalSourceStatic, SignalSourceLinux:
	default:
		errs = append(errs, fmt.Sprintf("signals.source must be %q or %q", SignalSourceStatic, SignalSourceLinux))
	}
	if c.Signals.Source == SignalSourceLinux && c.Signals.BacklightPollMS <= 0 {
		errs = append(errs, "signals.backlight_poll_ms must be positive")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, org and bucket are required when influxdb is enabled")
		}
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			errs = append(errs, "api.listen is required when the api is enabled")
		}
		if !strings.HasPrefix(c.API.MetricsPath, "/") {
			errs = append(errs, "api.metrics_path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (t TopicsConfig) validate() []string {
	var errs []string
	named := []struct {
		key   string
		value string
	}{
		{"wifi", t.Wifi},
		{"bluetooth", t.Bluetooth},
		{"brightness", t.Brightness},
		{"status", t.Status},
		{"init", t.Init},
		{"brightness_control", t.BrightnessControl},
		{"online", t.Online},
	}
	for _, n := range named {
		switch {
		case n.value == "":
			errs = append(errs, fmt.Sprintf("mqtt.topics.%s is required", n.key))
		case strings.ContainsAny(n.value, "+#"):
			errs = append(errs, fmt.Sprintf("mqtt.topics.%s must not contain wildcards", n.key))
		}
	}
	return errs
}

// BrokerAddress returns host:port of the broker.
func (c *Config) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.MQTT.Broker.Host, c.MQTT.Broker.Port)
}

// GetConnectTimeout returns the broker connect timeout as a Duration.
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.Broker.ConnectTimeout) * time.Second
}

// GetKeepAlive returns the MQTT keep-alive interval as a Duration.
func (c *Config) GetKeepAlive() time.Duration {
	return time.Duration(c.MQTT.Session.KeepAlive) * time.Second
}

// GetReconnectBaseDelay returns the fixed part of the reconnect delay.
func (c *Config) GetReconnectBaseDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.BaseDelayMS) * time.Millisecond
}

// GetReconnectUnitDelay returns the per-attempt part of the reconnect delay.
func (c *Config) GetReconnectUnitDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.UnitDelayMS) * time.Millisecond
}

// GetSubscribeStabilizationDelay returns the wait between connect and subscribe.
func (c *Config) GetSubscribeStabilizationDelay() time.Duration {
	return time.Duration(c.MQTT.Subscribe.StabilizationDelayMS) * time.Millisecond
}

// GetSubscribeRetryDelay returns the wait before a failed subscription is retried.
func (c *Config) GetSubscribeRetryDelay() time.Duration {
	return time.Duration(c.MQTT.Subscribe.RetryDelayMS) * time.Millisecond
}

// GetPublishCooldown returns the minimum interval between publishes on one stream.
func (c *Config) GetPublishCooldown() time.Duration {
	return time.Duration(c.Reporting.CooldownMS) * time.Millisecond
}

// GetInitialReportDelay returns the wait between connect and the initial report.
func (c *Config) GetInitialReportDelay() time.Duration {
	return time.Duration(c.Reporting.InitialDelayMS) * time.Millisecond
}

// GetReportInterval returns the period of full status reports, 0 if disabled.
func (c *Config) GetReportInterval() time.Duration {
	return time.Duration(c.Reporting.Interval) * time.Second
}

// GetNetworkStabilizationDelay returns the wait after the network returns before reconnecting.
func (c *Config) GetNetworkStabilizationDelay() time.Duration {
	return time.Duration(c.Network.StabilizationDelayMS) * time.Millisecond
}

// GetBacklightPollInterval returns how often the backlight is sampled.
func (c *Config) GetBacklightPollInterval() time.Duration {
	return time.Duration(c.Signals.BacklightPollMS) * time.Millisecond
}

// GetAPIReadTimeout returns the HTTP read timeout.
func (c *Config) GetAPIReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetAPIWriteTimeout returns the HTTP write timeout.
func (c *Config) GetAPIWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetAPIIdleTimeout returns the HTTP idle timeout.
func (c *Config) GetAPIIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetRetention returns how long connection history is kept.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}
