package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-wattdog/internal/config"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/pubsub"
)

// MQTTMessage represents a received MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
}

func TestE2E_SnapshotPublishing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E MQTT test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Start test MQTT broker
	broker, brokerPort := startTestMQTTBroker(t)
	defer broker.Close()

	// Capture both state and discovery traffic
	stateMessages := make(chan MQTTMessage, 5)
	discoveryMessages := make(chan MQTTMessage, 32)
	subscribeToMQTTMessages(t, brokerPort, "energy/#", stateMessages)
	subscribeToMQTTMessages(t, brokerPort, "homeassistant/#", discoveryMessages)

	// Publisher under test, pointed at the embedded broker
	cfg := config.DefaultConfig()
	cfg.Device.Address = "aa:bb:cc:dd:ee:ff"
	cfg.Device.Name = "WD_V5_TEST"
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = brokerPort
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true

	publisher := pubsub.NewMQTTPublisher(cfg)
	publisher.SetDeviceModel("Power Watchdog V5")
	require.NoError(t, publisher.Connect(ctx), "publisher must connect to the embedded broker")
	defer publisher.Close()

	// Publish a dual-line snapshot
	v1, i1, p1 := 120.0, 10.0, 1200.0
	v2, i2, p2 := 118.0, 20.0, 2360.0
	combined, energy := 3560.0, 5.25
	snapshot := &domain.Snapshot{
		Timestamp:     time.Now(),
		VoltageL1:     &v1,
		CurrentL1:     &i1,
		PowerL1:       &p1,
		VoltageL2:     &v2,
		CurrentL2:     &i2,
		PowerL2:       &p2,
		CombinedPower: &combined,
		TotalEnergy:   &energy,
		ErrorCode:     0,
		ErrorText:     "No Error",
	}
	require.NoError(t, publisher.Publish(ctx, cfg.MQTT.Topic, snapshot))

	// Verify the state message
	waitFor := func(ch <-chan MQTTMessage, match func(MQTTMessage) bool, what string) MQTTMessage {
		deadline := time.After(10 * time.Second)
		for {
			select {
			case msg := <-ch:
				if match(msg) {
					return msg
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s", what)
			}
		}
	}

	// The publisher sends discovery, then availability, then state, so
	// consume the energy/# channel in that order.
	availMsg := waitFor(stateMessages, func(m MQTTMessage) bool {
		return m.Topic == "energy/wattdog/availability"
	}, "availability message")
	assert.Equal(t, "online", string(availMsg.Payload))

	stateMsg := waitFor(stateMessages, func(m MQTTMessage) bool {
		return m.Topic == "energy/wattdog"
	}, "snapshot state message")

	var state map[string]interface{}
	require.NoError(t, json.Unmarshal(stateMsg.Payload, &state), "state message should be valid JSON")
	assert.Equal(t, 120.0, state["voltage_line_1"])
	assert.Equal(t, 118.0, state["voltage_line_2"])
	assert.Equal(t, 3560.0, state["combined_power"])
	assert.Equal(t, 5.25, state["total_energy"])
	assert.Equal(t, "No Error", state["error_text"])

	// Verify a discovery config message arrived for line 1 voltage
	discoveryMsg := waitFor(discoveryMessages, func(m MQTTMessage) bool {
		return m.Topic == "homeassistant/sensor/wattdog_aabbccddeeff/voltage_line_1/config"
	}, "voltage discovery message")

	var discovery map[string]interface{}
	require.NoError(t, json.Unmarshal(discoveryMsg.Payload, &discovery))
	assert.Equal(t, "energy/wattdog", discovery["state_topic"])
	assert.Equal(t, "{{ value_json.voltage_line_1 }}", discovery["value_template"])
	assert.Equal(t, "voltage", discovery["device_class"])
}

func TestE2E_PublisherDisabledIsNoop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MQTT.Enabled = false

	publisher := pubsub.NewMQTTPublisher(cfg)
	ctx := context.Background()

	// Disabled publisher never dials the broker, so nothing can fail.
	require.NoError(t, publisher.Connect(ctx))
	require.NoError(t, publisher.Publish(ctx, "energy/wattdog", &domain.Snapshot{}))
	require.NoError(t, publisher.Close())
}

// startTestMQTTBroker starts an embedded MQTT broker for testing
func startTestMQTTBroker(t *testing.T) (*mqttserver.Server, int) {
	// Find available port
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	// Create MQTT server
	broker := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
	})

	// Allow all connections
	_ = broker.AddHook(new(auth.AllowHook), nil)

	// Create TCP listener
	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: fmt.Sprintf(":%d", port),
	})

	err = broker.AddListener(tcp)
	require.NoError(t, err, "Failed to add TCP listener to MQTT broker")

	// Start server
	go func() {
		if err := broker.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()

	// Give broker time to start
	time.Sleep(100 * time.Millisecond)

	t.Logf("Test MQTT broker started on port %d", port)
	return broker, port
}

// subscribeToMQTTMessages subscribes to MQTT topics and forwards messages to channel
func subscribeToMQTTMessages(t *testing.T, brokerPort int, topicPattern string, msgChan chan<- MQTTMessage) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://localhost:%d", brokerPort))
	opts.SetClientID(fmt.Sprintf("test-subscriber-%s", topicPattern))
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to connect MQTT subscriber")
	require.NoError(t, token.Error(), "MQTT subscriber connection error")

	// Subscribe to topics
	token = client.Subscribe(topicPattern, 0, func(client mqtt.Client, msg mqtt.Message) {
		select {
		case msgChan <- MQTTMessage{
			Topic:   msg.Topic(),
			Payload: msg.Payload(),
		}:
		default:
			t.Logf("MQTT message channel full, dropping message")
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to subscribe to MQTT topic")
	require.NoError(t, token.Error(), "MQTT subscribe error")

	t.Cleanup(func() { client.Disconnect(250) })
}
