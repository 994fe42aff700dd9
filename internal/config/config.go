// Package config provides configuration parsing and validation for the
// Bluetooth server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultMaxPacketSize bounds the plaintext size of a single
// application packet. Nothing in the protocol needs more than a few
// GATT MTUs; larger packets are refused on send and dropped on receive.
const DefaultMaxPacketSize = 4096

// Config represents the complete server configuration.
type Config struct {
	// AdvertiseName is the BLE local name. Empty means the host name.
	AdvertiseName string `yaml:"advertise_name"`

	// Adapter selects the peripheral backend ("loopback" in this build;
	// HCI adapters come from the embedding product).
	Adapter string `yaml:"adapter"`

	// MachineIDPath is the file the serial number is derived from.
	MachineIDPath string `yaml:"machine_id_path"`

	DeviceInfo DeviceInfoConfig `yaml:"device_info"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Limits     LimitsConfig     `yaml:"limits"`
}

// DeviceInfoConfig holds the static strings of the Device Information
// service. SerialNumber overrides the machine-id derived value.
type DeviceInfoConfig struct {
	ModelNumber      string `yaml:"model_number"`
	SerialNumber     string `yaml:"serial_number"`
	FirmwareRevision string `yaml:"firmware_revision"`
	HardwareRevision string `yaml:"hardware_revision"`
	SoftwareRevision string `yaml:"software_revision"`
	ManufacturerName string `yaml:"manufacturer_name"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LimitsConfig bounds the data path.
type LimitsConfig struct {
	// MaxPacketSize is the maximum plaintext packet size in bytes.
	MaxPacketSize int `yaml:"max_packet_size"`

	// ChunkInterval paces outbound notification chunks; zero disables
	// pacing. Useful when the platform stack queues faster than the
	// connection interval drains.
	ChunkInterval time.Duration `yaml:"chunk_interval"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	return &Config{
		Adapter:       "loopback",
		MachineIDPath: "/etc/machine-id",
		DeviceInfo: DeviceInfoConfig{
			ModelNumber:      "nymea Bluetooth Server",
			FirmwareRevision: "1.0.0",
			HardwareRevision: "-",
			SoftwareRevision: "1.0.0",
			ManufacturerName: "nymea GmbH",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
		Limits: LimitsConfig{
			MaxPacketSize: DefaultMaxPacketSize,
		},
	}
}

// Load reads and parses a configuration file, applying defaults for
// unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, applying defaults for unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields an explicit config may have zeroed.
func (c *Config) applyDefaults() {
	if c.Adapter == "" {
		c.Adapter = "loopback"
	}
	if c.MachineIDPath == "" {
		c.MachineIDPath = "/etc/machine-id"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Limits.MaxPacketSize == 0 {
		c.Limits.MaxPacketSize = DefaultMaxPacketSize
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging format %q", c.Logging.Format)
	}

	if c.Limits.MaxPacketSize < 1 || c.Limits.MaxPacketSize > 65535 {
		return fmt.Errorf("max_packet_size %d out of range 1..65535", c.Limits.MaxPacketSize)
	}
	if c.Limits.ChunkInterval < 0 {
		return fmt.Errorf("chunk_interval must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled but no listen address configured")
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
