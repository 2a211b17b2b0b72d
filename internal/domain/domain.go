// Package domain provides core domain models and interfaces for the go-wattdog application.
package domain

import (
	"context"
	"time"
)

// Line identifies one monitored electrical circuit. Line 1 is always
// present; Line 2 exists only on dual-circuit (50A) devices.
type Line int

const (
	Line1 Line = 1
	Line2 Line = 2
)

// String returns the string representation of the line.
func (l Line) String() string {
	switch l {
	case Line1:
		return "line_1"
	case Line2:
		return "line_2"
	default:
		return "unknown"
	}
}

// LineReading holds the decoded measurements for one electrical line.
// Energy is cumulative and optional: some frame variants omit it, in
// which case the previously known value must be carried forward.
type LineReading struct {
	Voltage float64  `json:"voltage"`
	Current float64  `json:"current"`
	Power   float64  `json:"power"`
	Energy  *float64 `json:"energy,omitempty"`
}

// Snapshot is the consumer-facing projection of the current readings.
// Line 2 fields are nil on single-circuit devices. It is rebuilt on
// demand and never mutated in place.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	VoltageL1 *float64 `json:"voltage_line_1,omitempty"`
	CurrentL1 *float64 `json:"current_line_1,omitempty"`
	PowerL1   *float64 `json:"power_line_1,omitempty"`

	VoltageL2 *float64 `json:"voltage_line_2,omitempty"`
	CurrentL2 *float64 `json:"current_line_2,omitempty"`
	PowerL2   *float64 `json:"power_line_2,omitempty"`

	CombinedPower *float64 `json:"combined_power,omitempty"`
	TotalEnergy   *float64 `json:"total_energy,omitempty"`

	ErrorCode int    `json:"error_code"`
	ErrorText string `json:"error_text"`
}

// errorCodes maps device fault codes to descriptions, per the
// PWD-3050EPO installation and operating instructions.
var errorCodes = map[int]string{
	0: "No Error",
	1: "Line 1 voltage exceeded 132V or dropped below 104V",
	2: "Line 2 voltage exceeded 132V or dropped below 104V",
	3: "Line 1 amperage rating exceeded",
	4: "Line 2 amperage rating exceeded",
	5: "Line 1 hot and neutral wires reversed",
	6: "Line 2 hot and neutral wires reversed",
	7: "Ground connection lost",
	8: "No neutral circuit detected",
	9: "Surge protection capacity depleted - replace surge board",
}

// ErrorText returns the fault description for a device error code.
// Unknown codes map to a generic description, never an error.
func ErrorText(code int) string {
	if text, ok := errorCodes[code]; ok {
		return text
	}
	return "Unknown Error"
}

// Command is a device-directed write submitted by a collaborator.
// Characteristic may be empty, in which case the session picks the
// command characteristic of the active protocol.
type Command struct {
	Characteristic string `json:"characteristic,omitempty"`
	Payload        []byte `json:"payload"`
	WithResponse   bool   `json:"with_response"`
}

// Link is the narrow capability through which the session reaches the
// wireless transport. Establishing the link itself is external.
type Link interface {
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, address string) (LinkConn, error)
}

// LinkConn is a live link handle owned by at most one session.
type LinkConn interface {
	// Subscribe registers a push notification handler on a characteristic.
	Subscribe(characteristicUUID string, handler func(data []byte)) error

	// Unsubscribe removes a notification subscription.
	Unsubscribe(characteristicUUID string) error

	// Write sends bytes to a characteristic, optionally waiting for a
	// write response from the device.
	Write(characteristicUUID string, payload []byte, withResponse bool) error

	// Connected reports whether the link is still alive.
	Connected() bool

	// ServiceUUIDs returns the service identifiers discovered on the
	// connected device, lowercased.
	ServiceUUIDs() []string

	// Disconnect tears down the link.
	Disconnect() error
}

// MessagePublisher defines the interface for publishing snapshots.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}
