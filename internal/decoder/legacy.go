package decoder

import (
	"bytes"
	"encoding/hex"

	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/protocol"
	"github.com/rs/zerolog"
)

// Legacy decodes the fixed-packet protocol of PMD/PWS/PMS devices. The
// device streams 40 bytes per cycle as two 20-byte notification chunks;
// Feed accumulates chunks and parses once a full packet is buffered.
//
// The buffer is cleared unconditionally after every parse attempt,
// recognized packet or not, so a stray chunk cannot desynchronize the
// stream permanently.
type Legacy struct {
	buf    []byte
	sink   Sink
	logger zerolog.Logger
}

// NewLegacy creates a legacy protocol decoder feeding the given sink.
func NewLegacy(sink Sink, logger zerolog.Logger) *Legacy {
	return &Legacy{
		sink:   sink,
		logger: logger.With().Str("component", "legacy_decoder").Logger(),
	}
}

// Reset discards any partially accumulated packet.
func (d *Legacy) Reset() {
	d.buf = d.buf[:0]
}

// Feed appends one notification delivery and parses when a complete
// packet is available.
func (d *Legacy) Feed(data []byte) {
	d.buf = append(d.buf, data...)
	if len(d.buf) < protocol.LegacyPacketSize {
		return
	}
	d.parsePacket(d.buf)
	d.buf = d.buf[:0]
}

// parsePacket extracts one line's readings from a complete 40-byte
// buffer and stores them under the line named by the trailing id.
func (d *Legacy) parsePacket(packet []byte) {
	if !bytes.Equal(packet[:3], protocol.LegacyHeader) {
		// Non-data traffic, expected and skipped silently.
		d.logger.Debug().
			Str("header", hex.EncodeToString(packet[:3])).
			Msg("Skipping non-data packet")
		return
	}

	reading := domain.LineReading{
		Voltage: scaledInt32(packet, protocol.LegacyByteVoltage),
		Current: scaledInt32(packet, protocol.LegacyByteCurrent),
		Power:   scaledInt32(packet, protocol.LegacyBytePower),
		Energy:  floatPtr(scaledInt32(packet, protocol.LegacyByteEnergy)),
	}
	errorCode := packet[protocol.LegacyByteErrorCode]
	d.sink.SetErrorCode(errorCode)

	lineID := packet[protocol.LegacyByteLineID : protocol.LegacyByteLineID+3]
	var line domain.Line
	switch {
	case bytes.Equal(lineID, protocol.Line1ID):
		line = domain.Line1
	case bytes.Equal(lineID, protocol.Line2ID):
		line = domain.Line2
	default:
		d.logger.Warn().
			Str("line_id", hex.EncodeToString(lineID)).
			Msg("Unknown line identifier, discarding reading")
		return
	}

	d.logger.Debug().
		Str("line", line.String()).
		Float64("voltage", reading.Voltage).
		Float64("current", reading.Current).
		Float64("power", reading.Power).
		Uint8("error_code", errorCode).
		Msg("Parsed legacy packet")

	d.sink.UpdateLine(line, reading)
}
