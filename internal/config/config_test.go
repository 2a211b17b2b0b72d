package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Connection.CheckInterval)
	assert.Equal(t, 60*time.Second, cfg.Connection.StaleTimeout)
	assert.Equal(t, 3, cfg.Connection.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Connection.InitialDelay)
	assert.Equal(t, 6*time.Second, cfg.Connection.MaxDelay)
	assert.Equal(t, 0.75, cfg.Connection.DelayReduction)
	assert.Equal(t, 3*time.Second, cfg.Connection.DataCollectionTimeout)

	assert.Equal(t, 90.0, cfg.Heuristics.DualVoltageMin)
	assert.Equal(t, 1.25, cfg.Heuristics.PowerMarginRatio)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 8080, cfg.API.Port)

	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "energy/wattdog", cfg.MQTT.Topic)
	assert.Equal(t, "homeassistant", cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	assert.Equal(t, "Hughes Autoformers", cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device.Address = "aa:bb:cc:dd:ee:ff"
	require.NoError(t, cfg.Validate())

	t.Run("missing address", func(t *testing.T) {
		bad := DefaultConfig()
		assert.Error(t, bad.Validate())
	})

	t.Run("bad max attempts", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Device.Address = "aa:bb:cc:dd:ee:ff"
		bad.Connection.MaxAttempts = 0
		assert.Error(t, bad.Validate())
	})

	t.Run("bad delay reduction", func(t *testing.T) {
		bad := DefaultConfig()
		bad.Device.Address = "aa:bb:cc:dd:ee:ff"
		bad.Connection.DelayReduction = 1.5
		assert.Error(t, bad.Validate())
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `
log_level: debug
device:
  address: "aa:bb:cc:dd:ee:ff"
  name: "WD_V5_TEST"
connection:
  stale_timeout: 90s
  max_attempts: 5
heuristics:
  dual_voltage_max: 150
mqtt:
  enabled: true
  host: broker.local
  port: 1884
  topic: rv/power
  homeassistant_autodiscovery:
    enabled: true
    device_name: "Test Watchdog"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", cfg.Device.Address)
	assert.Equal(t, "WD_V5_TEST", cfg.Device.Name)

	// Overridden values
	assert.Equal(t, 90*time.Second, cfg.Connection.StaleTimeout)
	assert.Equal(t, 5, cfg.Connection.MaxAttempts)
	assert.Equal(t, 150.0, cfg.Heuristics.DualVoltageMax)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, 1884, cfg.MQTT.Port)
	assert.Equal(t, "rv/power", cfg.MQTT.Topic)
	assert.True(t, cfg.MQTT.HomeAssistantAutoDiscovery.Enabled)
	assert.Equal(t, "Test Watchdog", cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName)

	// Untouched values keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Connection.CheckInterval)
	assert.Equal(t, 90.0, cfg.Heuristics.DualVoltageMin)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: [unclosed"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}
