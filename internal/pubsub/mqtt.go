// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-wattdog/internal/config"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config            *config.Config
	client            mqtt.Client
	connected         bool
	logger            zerolog.Logger
	clientFactory     func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool // Track which sensors have been discovered
	deviceModel       string
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()
	return &MQTTPublisher{
		config:            cfg,
		clientFactory:     createMQTTClient,
		discoveredSensors: make(map[string]bool),
		connected:         false,
		logger:            logger,
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()
	return &MQTTPublisher{
		config:            cfg,
		client:            client,
		connected:         false,
		discoveredSensors: make(map[string]bool),
		logger:            logger,
	}
}

// SetDeviceModel records the detected device model for discovery messages.
// Must be called before the first Publish to take effect.
func (p *MQTTPublisher) SetDeviceModel(model string) {
	p.deviceModel = model
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-wattdog-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (for testing)
	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.connected = true
	return nil
}

// Publish sends data to the specified topic.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.connected {
		return nil
	}

	// Snapshots get Home Assistant auto-discovery handling
	if snapshot, ok := data.(*domain.Snapshot); ok {
		return p.publishSnapshotWithDiscovery(ctx, topic, snapshot)
	}

	// For everything else, use simple JSON publish
	return p.publishGeneric(ctx, topic, data)
}

// publishGeneric handles simple JSON publishing.
func (p *MQTTPublisher) publishGeneric(ctx context.Context, topic string, data interface{}) error {
	// Convert data to JSON
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	// Publish with context for timeout
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, p.config.MQTT.Retain, jsonData)

	// Wait for publication or context timeout
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

// publishSnapshotWithDiscovery publishes a snapshot preceded by any
// pending Home Assistant discovery messages.
func (p *MQTTPublisher) publishSnapshotWithDiscovery(ctx context.Context, topic string, snapshot *domain.Snapshot) error {
	if topic == "" {
		topic = p.config.MQTT.Topic
	}

	// Convert the snapshot to a map so discovery can match fields by name.
	// Nil pointer fields drop out here, which keeps a 30A device from
	// announcing Line 2 sensors it will never report.
	dataMap := make(map[string]interface{})
	dataJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot for processing: %w", err)
	}
	if err := json.Unmarshal(dataJSON, &dataMap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot for processing: %w", err)
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if p.haDiscovery == nil {
			if err := p.setupHomeAssistantDiscovery(topic); err != nil {
				return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
			}
		}
		if err := p.publishHomeAssistantDiscovery(dataMap); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	return p.publishGeneric(ctx, topic, dataMap)
}

// setupHomeAssistantDiscovery initializes Home Assistant auto-discovery.
func (p *MQTTPublisher) setupHomeAssistantDiscovery(baseTopic string) error {
	haConfig := homeassistant.Config{
		Enabled:            p.config.MQTT.HomeAssistantAutoDiscovery.Enabled,
		DiscoveryPrefix:    p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix,
		DeviceName:         p.config.MQTT.HomeAssistantAutoDiscovery.DeviceName,
		DeviceManufacturer: p.config.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer,
		DeviceModel:        p.deviceModel,
		RetainDiscovery:    p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery,
	}

	deviceID := deviceIDFromAddress(p.config.Device.Address)

	var err error
	p.haDiscovery, err = homeassistant.New(haConfig, baseTopic, deviceID)
	return err
}

// deviceIDFromAddress turns a BLE address into a stable discovery ID.
func deviceIDFromAddress(address string) string {
	id := strings.ToLower(address)
	id = strings.ReplaceAll(id, ":", "")
	id = strings.ReplaceAll(id, "-", "")
	if id == "" {
		id = "unknown"
	}
	return "wattdog_" + id
}

// publishHomeAssistantDiscovery publishes Home Assistant auto-discovery messages.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(data map[string]interface{}) error {
	if p.haDiscovery == nil {
		return nil
	}

	// Generate discovery messages for all sensors present in the data
	discoveryMessages := p.haDiscovery.GenerateDiscoveryMessages(data)

	// Publish each discovery message once
	for topic, message := range discoveryMessages {
		if p.discoveredSensors[topic] {
			continue
		}

		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}

		token := p.client.Publish(topic, 0, p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery, messageJSON)
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, token.Error())
		}

		p.discoveredSensors[topic] = true
	}

	// Publish availability message
	availTopic := p.haDiscovery.GetAvailabilityTopic()
	availMessage := p.haDiscovery.CreateAvailabilityMessage(true)
	token := p.client.Publish(availTopic, 0, p.config.MQTT.Retain, availMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish availability message: %w", token.Error())
	}

	return nil
}

// PublishAvailability publishes an explicit availability state, used on
// shutdown to mark the device offline.
func (p *MQTTPublisher) PublishAvailability(available bool) error {
	if !p.connected || p.haDiscovery == nil {
		return nil
	}

	availTopic := p.haDiscovery.GetAvailabilityTopic()
	availMessage := p.haDiscovery.CreateAvailabilityMessage(available)
	token := p.client.Publish(availTopic, 0, p.config.MQTT.Retain, availMessage)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish availability message: %w", token.Error())
	}
	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.connected {
		if err := p.PublishAvailability(false); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to publish offline availability")
		}
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.connected = false
	}
	return nil
}
