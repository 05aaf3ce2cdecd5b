package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MasonRambo/skybridge/internal/ble"
)

// EnvAPIKey is the environment variable that overrides weather.api_key, so
// the credential can stay out of the config file.
const EnvAPIKey = "SKYBRIDGE_API_KEY"

// Config holds all application configuration.
type Config struct {
	Weather  WeatherConfig `yaml:"weather"`
	BLE      BLEConfig     `yaml:"ble"`
	LogLevel string        `yaml:"log_level"`
	AppEnv   string        `yaml:"app_env"` // "dev" or "prod"
}

// WeatherConfig holds the fetch side of the pipeline.
type WeatherConfig struct {
	APIKey       string        `yaml:"api_key"`
	Location     string        `yaml:"location"`
	PollInterval time.Duration `yaml:"poll_interval"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
}

// BLEConfig holds the link side.
type BLEConfig struct {
	ServiceUUID         string        `yaml:"service_uuid"`
	CharacteristicUUID  string        `yaml:"characteristic_uuid"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout    time.Duration `yaml:"discovery_timeout"`
	ReconnectMaxSeconds int           `yaml:"reconnect_max_seconds"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "skybridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Weather: WeatherConfig{
			Location:     "auto:ip",
			PollInterval: 15 * time.Minute,
			CycleTimeout: 30 * time.Second,
		},
		BLE: BLEConfig{
			ServiceUUID:         ble.DefaultServiceUUID,
			CharacteristicUUID:  ble.DefaultCharacteristicUUID,
			ConnectTimeout:      10 * time.Second,
			DiscoveryTimeout:    30 * time.Second,
			ReconnectMaxSeconds: 30,
		},
		LogLevel: "info",
		AppEnv:   "dev",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults; the API key environment variable, if set, wins over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.ApplyEnv()

	return cfg, nil
}

// ApplyEnv overlays environment overrides onto the config.
func (c *Config) ApplyEnv() {
	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		c.Weather.APIKey = key
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Weather.APIKey == "" {
		return fmt.Errorf("weather.api_key must be set (or %s exported)", EnvAPIKey)
	}
	if strings.TrimSpace(c.Weather.Location) == "" {
		return fmt.Errorf("weather.location must not be empty")
	}
	if c.Weather.PollInterval < time.Minute {
		return fmt.Errorf("weather.poll_interval must be >= 1m, got %v", c.Weather.PollInterval)
	}
	if c.Weather.CycleTimeout <= 0 {
		return fmt.Errorf("weather.cycle_timeout must be > 0, got %v", c.Weather.CycleTimeout)
	}
	if c.Weather.CycleTimeout >= c.Weather.PollInterval {
		return fmt.Errorf("weather.cycle_timeout (%v) must be shorter than weather.poll_interval (%v)",
			c.Weather.CycleTimeout, c.Weather.PollInterval)
	}

	if c.BLE.ServiceUUID == "" {
		return fmt.Errorf("ble.service_uuid must not be empty")
	}
	if c.BLE.CharacteristicUUID == "" {
		return fmt.Errorf("ble.characteristic_uuid must not be empty")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0, got %v", c.BLE.ConnectTimeout)
	}
	if c.BLE.DiscoveryTimeout <= 0 {
		return fmt.Errorf("ble.discovery_timeout must be > 0, got %v", c.BLE.DiscoveryTimeout)
	}
	if c.BLE.ReconnectMaxSeconds <= 0 {
		return fmt.Errorf("ble.reconnect_max_seconds must be > 0, got %d", c.BLE.ReconnectMaxSeconds)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.AppEnv {
	case "dev", "prod":
	default:
		return fmt.Errorf("app_env must be \"dev\" or \"prod\", got %q", c.AppEnv)
	}

	return nil
}

// SlogLevel maps the validated log_level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
