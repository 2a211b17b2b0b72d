package decoder

import (
	"encoding/binary"
	"testing"

	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildLegacyPacket assembles a complete 40-byte measurement packet.
func buildLegacyPacket(voltage, current, power, energy float64, errorCode byte, lineID []byte) []byte {
	packet := make([]byte, protocol.LegacyPacketSize)
	copy(packet, protocol.LegacyHeader)
	binary.BigEndian.PutUint32(packet[protocol.LegacyByteVoltage:], uint32(voltage*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(packet[protocol.LegacyByteCurrent:], uint32(current*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(packet[protocol.LegacyBytePower:], uint32(power*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(packet[protocol.LegacyByteEnergy:], uint32(energy*protocol.ConversionFactor))
	packet[protocol.LegacyByteErrorCode] = errorCode
	copy(packet[protocol.LegacyByteLineID:], lineID)
	return packet
}

func TestLegacyDecodeLine1(t *testing.T) {
	sink := &captureSink{}
	d := NewLegacy(sink, zerolog.Nop())

	packet := buildLegacyPacket(120.5, 10.25, 1235.125, 1.5, 0, protocol.Line1ID)

	// Devices deliver the packet as two 20-byte chunks.
	d.Feed(packet[:protocol.LegacyChunkSize])
	require.Empty(t, sink.updates, "half a packet must not produce a reading")
	d.Feed(packet[protocol.LegacyChunkSize:])

	require.Len(t, sink.updates, 1)
	assert.Equal(t, domain.Line1, sink.updates[0].line)

	reading := sink.updates[0].reading
	assert.InDelta(t, 120.5, reading.Voltage, 0.0001)
	assert.InDelta(t, 10.25, reading.Current, 0.0001)
	assert.InDelta(t, 1235.125, reading.Power, 0.0001)
	require.NotNil(t, reading.Energy)
	assert.InDelta(t, 1.5, *reading.Energy, 0.0001)

	require.Len(t, sink.errorCodes, 1)
	assert.Equal(t, uint8(0), sink.errorCodes[0])
}

func TestLegacyDecodeLine2(t *testing.T) {
	sink := &captureSink{}
	d := NewLegacy(sink, zerolog.Nop())

	d.Feed(buildLegacyPacket(118.0, 24.0, 2832.0, 12.75, 0, protocol.Line2ID))

	require.Len(t, sink.updates, 1)
	assert.Equal(t, domain.Line2, sink.updates[0].line)
	assert.InDelta(t, 118.0, sink.updates[0].reading.Voltage, 0.0001)
}

func TestLegacyErrorCodeReported(t *testing.T) {
	sink := &captureSink{}
	d := NewLegacy(sink, zerolog.Nop())

	d.Feed(buildLegacyPacket(95.0, 30.5, 2897.5, 0.25, 3, protocol.Line1ID))

	require.Len(t, sink.errorCodes, 1)
	assert.Equal(t, uint8(3), sink.errorCodes[0])
}

func TestLegacySkipsNonDataPacket(t *testing.T) {
	sink := &captureSink{}
	d := NewLegacy(sink, zerolog.Nop())

	garbage := make([]byte, protocol.LegacyPacketSize)
	garbage[0] = 0xAA
	d.Feed(garbage)

	assert.Empty(t, sink.updates)
	assert.Empty(t, sink.errorCodes)

	// The buffer must be cleared after the failed attempt so the next
	// full packet decodes cleanly.
	d.Feed(buildLegacyPacket(120.0, 10.0, 1200.0, 1.0, 0, protocol.Line1ID))
	require.Len(t, sink.updates, 1)
	assert.InDelta(t, 120.0, sink.updates[0].reading.Voltage, 0.0001)
}

func TestLegacyUnknownLineIDDiscarded(t *testing.T) {
	sink := &captureSink{}
	d := NewLegacy(sink, zerolog.Nop())

	d.Feed(buildLegacyPacket(120.0, 10.0, 1200.0, 1.0, 7, []byte{0x02, 0x02, 0x02}))

	assert.Empty(t, sink.updates, "unknown line id must not be attributed")
	// The error code is trusted even when the line id is not.
	require.Len(t, sink.errorCodes, 1)
	assert.Equal(t, uint8(7), sink.errorCodes[0])
}

func TestLegacyResetDiscardsPartial(t *testing.T) {
	sink := &captureSink{}
	d := NewLegacy(sink, zerolog.Nop())

	packet := buildLegacyPacket(120.0, 10.0, 1200.0, 1.0, 0, protocol.Line1ID)
	d.Feed(packet[:protocol.LegacyChunkSize])
	d.Reset()

	// A fresh packet after the reset decodes on its own; the stale first
	// chunk must not shift the frame.
	d.Feed(packet[:protocol.LegacyChunkSize])
	d.Feed(packet[protocol.LegacyChunkSize:])

	require.Len(t, sink.updates, 1)
	assert.InDelta(t, 1200.0, sink.updates[0].reading.Power, 0.0001)
}
