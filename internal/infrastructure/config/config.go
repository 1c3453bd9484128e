package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the echem host.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Broker     BrokerConfig     `yaml:"broker"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Instrument InstrumentConfig `yaml:"instrument"`
}

// SiteConfig identifies the deployment (one lab bench / one host process).
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// BrokerConfig contains the channel-reservation broker settings.
type BrokerConfig struct {
	// ChannelIDs lists the reservable instrument channels pre-registered
	// at startup (e.g. one per potentiostat channel).
	ChannelIDs []string `yaml:"channel_ids"`

	// DefaultLeaseSeconds is the lease duration applied when a reservation
	// request does not specify one.
	DefaultLeaseSeconds int `yaml:"default_lease_seconds"`

	// SweepIntervalSeconds is how often the expiry sweep reclaims
	// reservations whose deadline has passed.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// BeaconIntervalSeconds is how often the presence beacon announces
	// that the host is alive.
	BeaconIntervalSeconds int `yaml:"beacon_interval_seconds"`
}

// DatabaseConfig contains SQLite settings for the invocation history store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for device telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// InstrumentConfig selects and configures the instrument driver.
type InstrumentConfig struct {
	// Driver selects the instrument backend: "sim" for the simulator,
	// "serial" for a hardware driver supplied at wiring time.
	Driver string `yaml:"driver"`

	// Port is the device port for hardware drivers (e.g. "USB0").
	Port string `yaml:"port"`

	// Sim configures the simulator driver.
	Sim SimConfig `yaml:"sim"`
}

// SimConfig contains simulator driver settings.
type SimConfig struct {
	// TickMS is the interval between emitted data points in milliseconds.
	TickMS int `yaml:"tick_ms"`

	// Points is the number of data points emitted per technique run.
	Points int `yaml:"points"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ECHEM_SECTION_KEY
// For example: ECHEM_MQTT_HOST, ECHEM_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "bench-001",
			Name: "Echem Host",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "echem-host",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Broker: BrokerConfig{
			ChannelIDs:            []string{"chan-1"},
			DefaultLeaseSeconds:   300,
			SweepIntervalSeconds:  5,
			BeaconIntervalSeconds: 10,
		},
		Database: DatabaseConfig{
			Path:        "./data/echem.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Instrument: InstrumentConfig{
			Driver: "sim",
			Port:   "USB0",
			Sim: SimConfig{
				TickMS: 100,
				Points: 50,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ECHEM_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// MQTT
	if v := os.Getenv("ECHEM_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ECHEM_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ECHEM_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Database
	if v := os.Getenv("ECHEM_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// InfluxDB
	if v := os.Getenv("ECHEM_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}

	if len(c.Broker.ChannelIDs) == 0 {
		errs = append(errs, "broker.channel_ids must list at least one channel")
	}
	seen := make(map[string]bool, len(c.Broker.ChannelIDs))
	for _, id := range c.Broker.ChannelIDs {
		if id == "" {
			errs = append(errs, "broker.channel_ids must not contain empty ids")
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("broker.channel_ids contains duplicate %q", id))
		}
		seen[id] = true
	}
	if c.Broker.DefaultLeaseSeconds <= 0 {
		errs = append(errs, "broker.default_lease_seconds must be positive")
	}
	if c.Broker.SweepIntervalSeconds <= 0 {
		errs = append(errs, "broker.sweep_interval_seconds must be positive")
	}
	if c.Broker.BeaconIntervalSeconds <= 0 {
		errs = append(errs, "broker.beacon_interval_seconds must be positive")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	switch c.Instrument.Driver {
	case "sim", "serial":
	default:
		errs = append(errs, fmt.Sprintf("instrument.driver %q is not recognised (sim, serial)", c.Instrument.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DefaultLease returns the default reservation lease as a Duration.
func (c *Config) DefaultLease() time.Duration {
	return time.Duration(c.Broker.DefaultLeaseSeconds) * time.Second
}

// SweepInterval returns the expiry sweep interval as a Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Broker.SweepIntervalSeconds) * time.Second
}

// BeaconInterval returns the presence beacon interval as a Duration.
func (c *Config) BeaconInterval() time.Duration {
	return time.Duration(c.Broker.BeaconIntervalSeconds) * time.Second
}
