// Package protocol defines the wire-level constants of the two Power
// Watchdog BLE protocols and the logic that decides which one a device
// speaks.
package protocol

import "strings"

// Kind identifies which of the two incompatible protocols a device
// speaks. It is determined once per session and may be corrected
// exactly once when service discovery contradicts the name guess.
type Kind int

const (
	// Legacy is the fixed-packet protocol of PMD/PWS/PMS devices.
	Legacy Kind = iota
	// Modern is the framed variable-length protocol of WD_V5/WD_E5 devices.
	Modern
)

// String returns the string representation of the protocol kind.
func (k Kind) String() string {
	switch k {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern_v5"
	default:
		return "unknown"
	}
}

// ModelName returns a human-readable model family name, used in the
// published device metadata.
func (k Kind) ModelName() string {
	if k == Modern {
		return "Power Watchdog V5"
	}
	return "Power Watchdog"
}

// BLE service and characteristic UUIDs. The legacy UUIDs come from the
// ESPHome implementation; the modern ones from Bluetooth captures.
const (
	LegacyServiceUUID = "0000ffe0-0000-1000-8000-00805f9b34fb"
	LegacyTXCharUUID  = "0000ffe2-0000-1000-8000-00805f9b34fb" // device transmits data
	LegacyRXCharUUID  = "0000fff5-0000-1000-8000-00805f9b34fb" // device receives commands

	ModernServiceUUID = "000000ff-0000-1000-8000-00805f9b34fb"
	ModernCharUUID    = "0000ff01-0000-1000-8000-00805f9b34fb" // bidirectional
)

// Legacy wire format: 40 bytes per cycle, delivered as two 20-byte
// notification chunks.
const (
	LegacyChunkSize  = 20
	LegacyPacketSize = 40

	LegacyByteVoltage   = 3
	LegacyByteCurrent   = 7
	LegacyBytePower     = 11
	LegacyByteEnergy    = 15
	LegacyByteErrorCode = 19
	LegacyByteLineID    = 37
)

// LegacyHeader is the 3-byte constant opening a legacy data packet.
// Other headers are non-data traffic and are skipped, not errors.
var LegacyHeader = []byte{0x01, 0x03, 0x20}

// Line identifier constants at bytes 37-39 of a legacy packet. The
// modern protocol reuses them in some line-specific frame variants.
var (
	Line1ID = []byte{0x00, 0x00, 0x00}
	Line2ID = []byte{0x01, 0x01, 0x01}
)

// Modern wire format: variable-length frames.
const (
	ModernByteMsgType  = 6
	ModernByteSequence = 5
	ModernByteVoltage  = 9
	ModernByteCurrent  = 13
	ModernBytePower    = 17
	ModernByteEnergy   = 21
	ModernByteL2Block  = 25 // speculative embedded Line 2 block
	ModernByteDualL2   = 43 // Line 2 block in dual-block frames

	ModernMinDataSize   = 21 // L1 V/I/P
	ModernMinEnergySize = 25 // L1 V/I/P/E
	ModernMinL2Size     = 37 // embedded L2 V/I/P
	ModernMinLineIDSize = 40 // legacy-style trailing line id
	ModernMinDualSize   = 55 // dual-block L2 V/I/P

	ModernMsgTypeData    = 0x01
	ModernMsgTypeStatus  = 0x02
	ModernMsgTypeControl = 0x06
)

var (
	// ModernHeader opens every modern frame ("$yw@").
	ModernHeader = []byte{0x24, 0x79, 0x77, 0x40}
	// ModernEndMarker closes a frame ("q!"). The device is not strict
	// about it and neither is the decoder.
	ModernEndMarker = []byte{0x71, 0x21}
	// ModernInitCommand must be written once per connection before the
	// device starts streaming.
	ModernInitCommand = []byte("!%!%,protocol,open,")
	// ModernDualBlockLength is the payload length marker (bytes 7-8)
	// of frames carrying two 34-byte data blocks.
	ModernDualBlockLength = []byte{0x00, 0x44}
)

// ConversionFactor scales raw big-endian 32-bit integers to physical
// units in both protocols.
const ConversionFactor = 10000

// Device name prefixes seen in advertisements.
var (
	legacyNamePrefixes = []string{"PMD", "PWS", "PMS"}
	modernNamePrefixes = []string{"WD_V5", "WD_E5"}
)

// DetectByName guesses the protocol from the advertised device name.
// This is the fast path used before the device is connected.
func DetectByName(deviceName string) Kind {
	for _, prefix := range modernNamePrefixes {
		if strings.HasPrefix(deviceName, prefix) {
			return Modern
		}
	}
	return Legacy
}

// DetectByServices determines the protocol from discovered service
// identifiers. An exact modern service match wins, then legacy; when
// neither service is present the name-based fallback is returned and
// confirmed reports false so the caller can log the caveat.
func DetectByServices(serviceUUIDs []string, fallback Kind) (kind Kind, confirmed bool) {
	for _, uuid := range serviceUUIDs {
		if strings.EqualFold(uuid, ModernServiceUUID) {
			return Modern, true
		}
	}
	for _, uuid := range serviceUUIDs {
		if strings.EqualFold(uuid, LegacyServiceUUID) {
			return Legacy, true
		}
	}
	return fallback, false
}

// DataCharacteristic returns the characteristic that streams readings
// for the given protocol.
func (k Kind) DataCharacteristic() string {
	if k == Modern {
		return ModernCharUUID
	}
	return LegacyTXCharUUID
}

// CommandCharacteristic returns the characteristic device-directed
// commands are written to.
func (k Kind) CommandCharacteristic() string {
	if k == Modern {
		return ModernCharUUID
	}
	return LegacyRXCharUUID
}
