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

// buildModernFrame assembles a data frame of the given length with L1
// values at the primary offsets.
func buildModernFrame(length int, voltage, current, power float64) []byte {
	frame := make([]byte, length)
	copy(frame, protocol.ModernHeader)
	frame[protocol.ModernByteMsgType] = protocol.ModernMsgTypeData
	binary.BigEndian.PutUint32(frame[protocol.ModernByteVoltage:], uint32(voltage*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteCurrent:], uint32(current*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernBytePower:], uint32(power*protocol.ConversionFactor))
	return frame
}

func newModernForTest(sink Sink) *Modern {
	return NewModern(sink, DefaultBounds(), zerolog.Nop())
}

func TestModernDecodeMinimalDataFrame(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	d.Feed(buildModernFrame(protocol.ModernMinDataSize, 121.3, 8.5, 1031.05))

	require.Len(t, sink.updates, 1)
	assert.Equal(t, domain.Line1, sink.updates[0].line)

	reading := sink.updates[0].reading
	assert.InDelta(t, 121.3, reading.Voltage, 0.0001)
	assert.InDelta(t, 8.5, reading.Current, 0.0001)
	assert.InDelta(t, 1031.05, reading.Power, 0.0001)
	assert.Nil(t, reading.Energy, "21-byte frames carry no energy field")

	// Error code is cleared after every data frame.
	require.Len(t, sink.errorCodes, 1)
	assert.Equal(t, uint8(0), sink.errorCodes[0])
}

func TestModernDecodeEnergyFrame(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinEnergySize, 120.0, 10.0, 1200.0)
	binary.BigEndian.PutUint32(frame[protocol.ModernByteEnergy:], uint32(42.5*protocol.ConversionFactor))
	d.Feed(frame)

	require.Len(t, sink.updates, 1)
	require.NotNil(t, sink.updates[0].reading.Energy)
	assert.InDelta(t, 42.5, *sink.updates[0].reading.Energy, 0.0001)
}

func TestModernSkipsStatusAndControlFrames(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	for _, msgType := range []byte{protocol.ModernMsgTypeStatus, protocol.ModernMsgTypeControl} {
		frame := buildModernFrame(protocol.ModernMinEnergySize, 120.0, 10.0, 1200.0)
		frame[protocol.ModernByteMsgType] = msgType
		d.Feed(frame)
	}

	assert.Empty(t, sink.updates)
	assert.Empty(t, sink.errorCodes)
}

func TestModernSkipsShortFrame(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinDataSize, 120.0, 10.0, 1200.0)
	d.Feed(frame[:protocol.ModernMinDataSize-1])

	assert.Empty(t, sink.updates)
}

func TestModernLineIDAttribution(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinLineIDSize, 119.2, 22.0, 2622.4)
	copy(frame[protocol.LegacyByteLineID:], protocol.Line2ID)
	d.Feed(frame)

	reading, ok := sink.lastFor(domain.Line2)
	require.True(t, ok, "line id 010101 must attribute the frame to line 2")
	assert.InDelta(t, 119.2, reading.Voltage, 0.0001)

	_, hasLine1 := sink.lastFor(domain.Line1)
	assert.False(t, hasLine1)
}

func TestModernDualBlockLine2(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinDualSize, 120.0, 10.0, 1200.0)
	copy(frame[7:9], protocol.ModernDualBlockLength)
	binary.BigEndian.PutUint32(frame[protocol.ModernByteDualL2:], uint32(118.0*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteDualL2+4:], uint32(20.0*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteDualL2+8:], uint32(2360.0*protocol.ConversionFactor))
	d.Feed(frame)

	reading, ok := sink.lastFor(domain.Line2)
	require.True(t, ok)
	assert.InDelta(t, 118.0, reading.Voltage, 0.0001)
	assert.InDelta(t, 20.0, reading.Current, 0.0001)
	assert.InDelta(t, 2360.0, reading.Power, 0.0001)
}

func TestModernDualBlockRejectsImplausibleValues(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinDualSize, 120.0, 10.0, 1200.0)
	copy(frame[7:9], protocol.ModernDualBlockLength)
	// 400 "volts" is outside the dual-block plausibility window.
	binary.BigEndian.PutUint32(frame[protocol.ModernByteDualL2:], uint32(400.0*protocol.ConversionFactor))
	d.Feed(frame)

	_, hasLine2 := sink.lastFor(domain.Line2)
	assert.False(t, hasLine2)
}

func TestModernEmbeddedLine2Heuristic(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinL2Size, 121.0, 9.0, 1089.0)
	// Big-endian, scale 10000: 120 V / 10 A / 1150 W. The power is close
	// enough to apparent power to survive the sanity margin, and the
	// alternative decodings of the same bytes land outside the bounds.
	binary.BigEndian.PutUint32(frame[protocol.ModernByteL2Block:], uint32(120.0*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteL2Block+4:], uint32(10.0*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteL2Block+8:], uint32(1150.0*protocol.ConversionFactor))
	d.Feed(frame)

	reading, ok := sink.lastFor(domain.Line2)
	require.True(t, ok)
	assert.InDelta(t, 120.0, reading.Voltage, 0.0001)
	assert.InDelta(t, 10.0, reading.Current, 0.0001)
	assert.InDelta(t, 1150.0, reading.Power, 0.0001)
	assert.Nil(t, reading.Energy)
}

func TestModernEmbeddedLine2RejectsPowerFactorViolation(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	frame := buildModernFrame(protocol.ModernMinL2Size, 121.0, 9.0, 1089.0)
	// 5000 W claimed against 1200 VA apparent fails the margin check.
	binary.BigEndian.PutUint32(frame[protocol.ModernByteL2Block:], uint32(120.0*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteL2Block+4:], uint32(10.0*protocol.ConversionFactor))
	binary.BigEndian.PutUint32(frame[protocol.ModernByteL2Block+8:], uint32(5000.0*protocol.ConversionFactor))
	d.Feed(frame)

	_, hasLine2 := sink.lastFor(domain.Line2)
	assert.False(t, hasLine2)
}

func TestModernEmbeddedLine2RejectsZeroBlock(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	// All-zero speculative block, as sent by 30A devices.
	d.Feed(buildModernFrame(protocol.ModernMinL2Size, 121.0, 9.0, 1089.0))

	_, hasLine2 := sink.lastFor(domain.Line2)
	assert.False(t, hasLine2)
	_, hasLine1 := sink.lastFor(domain.Line1)
	assert.True(t, hasLine1)
}

func TestModernBuffersContinuationWithoutHeader(t *testing.T) {
	sink := &captureSink{}
	d := newModernForTest(sink)

	d.Feed([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	assert.Empty(t, sink.updates)

	// A proper frame afterwards still decodes.
	d.Feed(buildModernFrame(protocol.ModernMinDataSize, 120.0, 10.0, 1200.0))
	require.Len(t, sink.updates, 1)

	d.Reset()
}
