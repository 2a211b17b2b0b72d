// Package config provides configuration management for the go-wattdog application.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/resident-x/go-wattdog/internal/decoder"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Target device settings
	Device struct {
		Address string `mapstructure:"address"`
		Name    string `mapstructure:"name"`
	} `mapstructure:"device"`

	// Connection management settings. Defaults reflect the observed
	// behavior of real devices: data is pushed roughly once a second,
	// so the tick is a watchdog, not a poll.
	Connection struct {
		CheckInterval         time.Duration `mapstructure:"check_interval"`
		StaleTimeout          time.Duration `mapstructure:"stale_timeout"`
		ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
		MaxAttempts           int           `mapstructure:"max_attempts"`
		InitialDelay          time.Duration `mapstructure:"initial_delay"`
		MaxDelay              time.Duration `mapstructure:"max_delay"`
		DelayReduction        float64       `mapstructure:"delay_reduction"`
		DataCollectionTimeout time.Duration `mapstructure:"data_collection_timeout"`
	} `mapstructure:"connection"`

	// Heuristics for recovering Line 2 data from modern frames. The
	// bounds were reverse engineered and may need per-model tuning.
	Heuristics decoder.Bounds `mapstructure:"heuristics"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled            bool   `mapstructure:"enabled"`
			DiscoveryPrefix    string `mapstructure:"discovery_prefix"`
			DeviceName         string `mapstructure:"device_name"`
			DeviceManufacturer string `mapstructure:"device_manufacturer"`
			RetainDiscovery    bool   `mapstructure:"retain_discovery"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default connection settings
	cfg.Connection.CheckInterval = 30 * time.Second
	cfg.Connection.StaleTimeout = 60 * time.Second
	cfg.Connection.ConnectTimeout = 20 * time.Second
	cfg.Connection.MaxAttempts = 3
	cfg.Connection.InitialDelay = time.Second
	cfg.Connection.MaxDelay = 6 * time.Second
	cfg.Connection.DelayReduction = 0.75
	cfg.Connection.DataCollectionTimeout = 3 * time.Second

	cfg.Heuristics = decoder.DefaultBounds()

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/wattdog"
	cfg.MQTT.Retain = false
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Power Watchdog"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Hughes Autoformers"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true

	return cfg
}

// HeuristicBounds returns the configured Line 2 plausibility bounds.
func (c *Config) HeuristicBounds() decoder.Bounds {
	return c.Heuristics
}

// Validate checks the configuration for required settings.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return errors.New("device.address is required")
	}
	if c.Connection.MaxAttempts < 1 {
		return fmt.Errorf("connection.max_attempts must be positive, got %d", c.Connection.MaxAttempts)
	}
	if c.Connection.DelayReduction <= 0 || c.Connection.DelayReduction >= 1 {
		return fmt.Errorf("connection.delay_reduction must be in (0, 1), got %f", c.Connection.DelayReduction)
	}
	return nil
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults. Viper reports a missing
		// explicit file as a plain path error, not ConfigFileNotFoundError.
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) || os.IsNotExist(err) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("WATTDOG")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-wattdog Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("address", c.Device.Address).
		Str("name", c.Device.Name).
		Msg("Device")

	logger.Info().
		Dur("check_interval", c.Connection.CheckInterval).
		Dur("stale_timeout", c.Connection.StaleTimeout).
		Int("max_attempts", c.Connection.MaxAttempts).
		Dur("max_delay", c.Connection.MaxDelay).
		Msg("Connection")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
