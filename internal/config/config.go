package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mil-ad/bandlog/internal/band"
)

// Config holds the complete application configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	BlueZ   BlueZConfig   `mapstructure:"bluez"`
	Sim     SimConfig     `mapstructure:"sim"`
	Sensors []string      `mapstructure:"sensors"`
	Startup StartupConfig `mapstructure:"startup"`
	Consent ConsentConfig `mapstructure:"consent"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// DeviceConfig selects the backend and the band
type DeviceConfig struct {
	Backend        string `mapstructure:"backend"` // "bluez" or "sim"
	Address        string `mapstructure:"address"` // empty: first paired band
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// BlueZConfig defines the D-Bus backend settings
type BlueZConfig struct {
	Adapter           string `mapstructure:"adapter"`
	HeartRateUUID     string `mapstructure:"heart_rate_uuid"`
	AccelerometerUUID string `mapstructure:"accelerometer_uuid"`
}

// SimConfig defines the simulated band
type SimConfig struct {
	Interval string `mapstructure:"interval"`
}

// StartupConfig decides what a failed sensor does to startup
type StartupConfig struct {
	Policy string `mapstructure:"policy"` // "abort" or "degrade"
}

// ConsentConfig defines how consent questions are answered
type ConsentConfig struct {
	Mode    string   `mapstructure:"mode"`    // "prompt", "grant" or "deny"
	Granted []string `mapstructure:"granted"` // sensors consented to in advance
}

// OutputConfig defines where reading logs go
type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Buffer int    `mapstructure:"buffer"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DefaultPath returns $XDG_CONFIG_HOME/bandlog/config.yaml.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "bandlog", "config.yaml")
}

// DocumentsDir returns $XDG_DOCUMENTS_DIR, falling back to $HOME/Documents.
func DocumentsDir() string {
	if dir := os.Getenv("XDG_DOCUMENTS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.Getenv("HOME"), "Documents")
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("BANDLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no config file: defaults and environment only
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("device.backend", "bluez")
	v.SetDefault("device.address", "")
	v.SetDefault("device.connect_timeout", "30s")

	v.SetDefault("bluez.adapter", "hci0")
	v.SetDefault("bluez.heart_rate_uuid", "00002a37-0000-1000-8000-00805f9b34fb")
	v.SetDefault("bluez.accelerometer_uuid", "")

	v.SetDefault("sim.interval", "1s")

	v.SetDefault("sensors", []string{string(band.HeartRate), string(band.Accelerometer)})
	v.SetDefault("startup.policy", "abort")

	v.SetDefault("consent.mode", "prompt")
	v.SetDefault("consent.granted", []string{})

	v.SetDefault("output.dir", DocumentsDir())
	v.SetDefault("output.buffer", 64)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
}

// validate checks configuration for errors
func validate(c *Config) error {
	switch c.Device.Backend {
	case "bluez", "sim":
	default:
		return fmt.Errorf("device.backend must be \"bluez\" or \"sim\", got %q", c.Device.Backend)
	}
	if _, err := time.ParseDuration(c.Device.ConnectTimeout); err != nil {
		return fmt.Errorf("device.connect_timeout: %w", err)
	}
	if c.Device.Backend == "sim" {
		if d, err := time.ParseDuration(c.Sim.Interval); err != nil || d <= 0 {
			return fmt.Errorf("sim.interval must be a positive duration, got %q", c.Sim.Interval)
		}
	}

	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor must be configured")
	}
	if _, err := parseKinds(c.Sensors); err != nil {
		return fmt.Errorf("sensors: %w", err)
	}
	if _, err := parseKinds(c.Consent.Granted); err != nil {
		return fmt.Errorf("consent.granted: %w", err)
	}

	switch c.Startup.Policy {
	case "abort", "degrade":
	default:
		return fmt.Errorf("startup.policy must be \"abort\" or \"degrade\", got %q", c.Startup.Policy)
	}
	switch c.Consent.Mode {
	case "prompt", "grant", "deny":
	default:
		return fmt.Errorf("consent.mode must be \"prompt\", \"grant\" or \"deny\", got %q", c.Consent.Mode)
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Output.Buffer <= 0 {
		return fmt.Errorf("output.buffer must be positive")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

func parseKinds(names []string) ([]band.SensorKind, error) {
	kinds := make([]band.SensorKind, 0, len(names))
	for _, n := range names {
		k, err := band.ParseSensorKind(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		if slices.Contains(kinds, k) {
			return nil, fmt.Errorf("duplicate sensor %q", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// SensorKinds returns the configured sensors.
func (c *Config) SensorKinds() []band.SensorKind {
	kinds, _ := parseKinds(c.Sensors)
	return kinds
}

// GrantedKinds returns the sensors consented to in advance.
func (c *Config) GrantedKinds() []band.SensorKind {
	kinds, _ := parseKinds(c.Consent.Granted)
	return kinds
}

// ConnectTimeout parses device.connect_timeout.
func (c *Config) ConnectTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Device.ConnectTimeout)
	return d
}

// SimInterval parses sim.interval.
func (c *Config) SimInterval() time.Duration {
	d, _ := time.ParseDuration(c.Sim.Interval)
	return d
}
