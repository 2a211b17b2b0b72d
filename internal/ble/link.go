// Package ble adapts the go-ble stack to the narrow link capability the
// coordinator consumes. The session never touches BLE types directly.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Link implements domain.Link on top of a platform BLE device. The
// underlying device is created lazily on the first connect and reused;
// recreating it per connection fails on Linux.
type Link struct {
	mu     sync.Mutex
	device ble.Device
	logger zerolog.Logger
}

// NewLink creates a BLE link factory.
func NewLink() *Link {
	return &Link{
		logger: log.With().Str("component", "ble").Logger(),
	}
}

// Connect dials the device at the given address and discovers its full
// GATT profile.
func (l *Link) Connect(ctx context.Context, address string) (domain.LinkConn, error) {
	device, err := l.ensureDevice()
	if err != nil {
		return nil, err
	}

	client, err := device.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %w", address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("ble: failed to discover profile of %s: %w", address, err)
	}

	l.logger.Debug().
		Str("address", address).
		Int("services", len(profile.Services)).
		Msg("Connected and discovered profile")

	return &conn{
		client:  client,
		profile: profile,
		logger:  l.logger.With().Str("address", address).Logger(),
	}, nil
}

// Close stops the underlying BLE device. Existing connections must be
// torn down separately.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return nil
	}
	err := l.device.Stop()
	l.device = nil
	return err
}

func (l *Link) ensureDevice() (ble.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device != nil {
		return l.device, nil
	}
	device, err := newDevice()
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enable device: %w", err)
	}
	l.device = device
	return device, nil
}

// conn is one live link handle.
type conn struct {
	client  ble.Client
	profile *ble.Profile
	logger  zerolog.Logger
}

func (c *conn) findCharacteristic(uuidStr string) (*ble.Characteristic, error) {
	target, err := ble.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid characteristic uuid %q: %w", uuidStr, err)
	}
	for _, svc := range c.profile.Services {
		for _, char := range svc.Characteristics {
			if char.UUID.Equal(target) {
				return char, nil
			}
		}
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", uuidStr)
}

func (c *conn) Subscribe(characteristicUUID string, handler func(data []byte)) error {
	char, err := c.findCharacteristic(characteristicUUID)
	if err != nil {
		return err
	}
	if err := c.client.Subscribe(char, false, ble.NotificationHandler(handler)); err != nil {
		return fmt.Errorf("ble: subscribe %s: %w", characteristicUUID, err)
	}
	return nil
}

func (c *conn) Unsubscribe(characteristicUUID string) error {
	char, err := c.findCharacteristic(characteristicUUID)
	if err != nil {
		return err
	}
	if err := c.client.Unsubscribe(char, false); err != nil {
		return fmt.Errorf("ble: unsubscribe %s: %w", characteristicUUID, err)
	}
	return nil
}

func (c *conn) Write(characteristicUUID string, payload []byte, withResponse bool) error {
	char, err := c.findCharacteristic(characteristicUUID)
	if err != nil {
		return err
	}
	if err := c.client.WriteCharacteristic(char, payload, !withResponse); err != nil {
		return fmt.Errorf("ble: write %s: %w", characteristicUUID, err)
	}
	return nil
}

func (c *conn) Connected() bool {
	select {
	case <-c.client.Disconnected():
		return false
	default:
		return true
	}
}

func (c *conn) ServiceUUIDs() []string {
	uuids := make([]string, 0, len(c.profile.Services))
	for _, svc := range c.profile.Services {
		uuids = append(uuids, canonicalUUID(svc.UUID))
	}
	return uuids
}

func (c *conn) Disconnect() error {
	_ = c.client.ClearSubscriptions()
	return c.client.CancelConnection()
}

// canonicalUUID renders a BLE UUID in the dashed 128-bit form used
// throughout the protocol package. 16-bit UUIDs are expanded with the
// Bluetooth base UUID.
func canonicalUUID(u ble.UUID) string {
	hex := strings.ToLower(u.String())
	if len(hex) == 4 {
		return fmt.Sprintf("0000%s-0000-1000-8000-00805f9b34fb", hex)
	}
	if len(hex) != 32 {
		return hex
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", hex[0:8], hex[8:12], hex[12:16], hex[16:20], hex[20:32])
}
