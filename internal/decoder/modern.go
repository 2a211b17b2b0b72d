package decoder

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/resident-x/go-wattdog/internal/domain"
	"github.com/resident-x/go-wattdog/internal/protocol"
	"github.com/rs/zerolog"
)

// Bounds holds the plausibility ranges used to accept or reject a
// heuristically decoded Line 2 block. The values were reverse
// engineered from captures and may need per-model tuning, so they are
// configuration rather than constants.
type Bounds struct {
	// Dual-block decode (fixed layout, tight bounds).
	DualVoltageMin float64 `mapstructure:"dual_voltage_min"`
	DualVoltageMax float64 `mapstructure:"dual_voltage_max"`
	DualCurrentMax float64 `mapstructure:"dual_current_max"`
	DualPowerMax   float64 `mapstructure:"dual_power_max"`

	// Embedded candidate search (wider bounds plus a power-factor
	// sanity margin of ratio*apparent + watts).
	EmbeddedVoltageMin float64 `mapstructure:"embedded_voltage_min"`
	EmbeddedVoltageMax float64 `mapstructure:"embedded_voltage_max"`
	EmbeddedCurrentMax float64 `mapstructure:"embedded_current_max"`
	EmbeddedPowerMax   float64 `mapstructure:"embedded_power_max"`
	PowerMarginRatio   float64 `mapstructure:"power_margin_ratio"`
	PowerMarginWatts   float64 `mapstructure:"power_margin_watts"`
}

// DefaultBounds returns the empirically chosen plausibility ranges for
// RV shore power.
func DefaultBounds() Bounds {
	return Bounds{
		DualVoltageMin:     90.0,
		DualVoltageMax:     145.0,
		DualCurrentMax:     80.0,
		DualPowerMax:       20000.0,
		EmbeddedVoltageMin: 90.0,
		EmbeddedVoltageMax: 260.0,
		EmbeddedCurrentMax: 70.0,
		EmbeddedPowerMax:   15000.0,
		PowerMarginRatio:   1.25,
		PowerMarginWatts:   250.0,
	}
}

// Modern decodes the framed protocol of WD_V5/WD_E5 devices. A
// notification normally carries one complete frame; buffers that do not
// open with the header are appended to a carry-over buffer as a
// best-effort fallback, not guaranteed reassembly.
type Modern struct {
	carry  []byte
	sink   Sink
	bounds Bounds
	logger zerolog.Logger
}

// NewModern creates a modern protocol decoder feeding the given sink.
func NewModern(sink Sink, bounds Bounds, logger zerolog.Logger) *Modern {
	return &Modern{
		sink:   sink,
		bounds: bounds,
		logger: logger.With().Str("component", "modern_decoder").Logger(),
	}
}

// Reset discards any carried-over bytes.
func (d *Modern) Reset() {
	d.carry = d.carry[:0]
}

// Feed processes one notification buffer.
func (d *Modern) Feed(data []byte) {
	if len(data) >= 4 && bytes.Equal(data[:4], protocol.ModernHeader) {
		d.parseFrame(data)
		return
	}
	d.carry = append(d.carry, data...)
	d.logger.Debug().
		Int("carry_bytes", len(d.carry)).
		Msg("Buffered continuation without frame header")
}

// parseFrame validates a frame and extracts the primary line data plus,
// when present, a second line via the layered heuristics.
func (d *Modern) parseFrame(data []byte) {
	if len(data) < protocol.ModernMinDataSize {
		d.logger.Debug().Int("length", len(data)).Msg("Frame too short")
		return
	}

	msgType := data[protocol.ModernByteMsgType]
	if msgType != protocol.ModernMsgTypeData {
		// Status and control frames are valid traffic, just not readings.
		d.logger.Debug().
			Uint8("msg_type", msgType).
			Uint8("sequence", data[protocol.ModernByteSequence]).
			Msg("Skipping non-data frame")
		return
	}

	reading := domain.LineReading{
		Voltage: scaledUint32(data, protocol.ModernByteVoltage),
		Current: scaledUint32(data, protocol.ModernByteCurrent),
		Power:   scaledUint32(data, protocol.ModernBytePower),
	}
	if len(data) >= protocol.ModernMinEnergySize {
		reading.Energy = floatPtr(scaledUint32(data, protocol.ModernByteEnergy))
	}

	// Some 50A devices send line-specific frames that reuse the primary
	// offsets and carry a legacy-style line id at bytes 37-39.
	line := domain.Line1
	if len(data) >= protocol.ModernMinLineIDSize {
		lineID := data[protocol.LegacyByteLineID : protocol.LegacyByteLineID+3]
		if bytes.Equal(lineID, protocol.Line2ID) {
			line = domain.Line2
		}
	}

	d.logger.Debug().
		Str("line", line.String()).
		Float64("voltage", reading.Voltage).
		Float64("current", reading.Current).
		Float64("power", reading.Power).
		Int("length", len(data)).
		Msg("Parsed modern frame")

	d.sink.UpdateLine(line, reading)

	// Dual-block layout takes precedence over the embedded candidate
	// search; both are independent of the explicit line id above.
	line2 := d.decodeDualBlockLine2(data)
	if line2 == nil {
		line2 = d.decodeEmbeddedLine2(data)
	}
	if line2 != nil {
		d.sink.UpdateLine(domain.Line2, *line2)
	}

	// Error code is not yet reverse engineered for this protocol.
	d.sink.SetErrorCode(0)
}

// decodeDualBlockLine2 handles frames carrying two 34-byte data blocks,
// as seen on Gen 2 50A devices: block 1 at byte 9 (Line 1), block 2 at
// byte 43 (Line 2). The payload length marker at bytes 7-8 identifies
// the layout.
func (d *Modern) decodeDualBlockLine2(data []byte) *domain.LineReading {
	if len(data) < protocol.ModernMinDualSize {
		return nil
	}
	if !bytes.Equal(data[7:9], protocol.ModernDualBlockLength) {
		return nil
	}

	reading := domain.LineReading{
		Voltage: scaledUint32(data, protocol.ModernByteDualL2),
		Current: scaledUint32(data, protocol.ModernByteDualL2+4),
		Power:   scaledUint32(data, protocol.ModernByteDualL2+8),
	}

	b := d.bounds
	if reading.Voltage < b.DualVoltageMin || reading.Voltage > b.DualVoltageMax {
		return nil
	}
	if reading.Current < 0 || reading.Current > b.DualCurrentMax {
		return nil
	}
	if reading.Power < 0 || reading.Power > b.DualPowerMax {
		return nil
	}

	d.logger.Debug().
		Str("raw", hex.EncodeToString(data[protocol.ModernByteDualL2:protocol.ModernByteDualL2+12])).
		Msg("Accepted dual-block line 2")
	return &reading
}

// embeddedCandidate describes one attempted decoding of the speculative
// Line 2 block at bytes 25-36.
type embeddedCandidate struct {
	name         string
	littleEndian bool
	scale        float64
}

var embeddedCandidates = []embeddedCandidate{
	{"be_10000", false, protocol.ConversionFactor},
	{"le_10000", true, protocol.ConversionFactor},
	{"be_100", false, 100},
	{"le_100", true, 100},
}

// decodeEmbeddedLine2 attempts four candidate decodings of the block at
// bytes 25-36 and returns the best plausible one, or nil. Candidates
// must fall within the configured bounds and must not claim more real
// power than apparent power allows; among survivors the one minimizing
// the apparent-vs-claimed power gap wins.
func (d *Modern) decodeEmbeddedLine2(data []byte) *domain.LineReading {
	if len(data) < protocol.ModernMinL2Size {
		return nil
	}

	b := d.bounds
	var best *domain.LineReading
	bestError := math.Inf(1)

	for _, candidate := range embeddedCandidates {
		var voltage, current, power float64
		if candidate.littleEndian {
			voltage = scaledUint32LE(data, protocol.ModernByteL2Block, candidate.scale)
			current = scaledUint32LE(data, protocol.ModernByteL2Block+4, candidate.scale)
			power = scaledUint32LE(data, protocol.ModernByteL2Block+8, candidate.scale)
		} else {
			voltage = float64(binary.BigEndian.Uint32(data[protocol.ModernByteL2Block:protocol.ModernByteL2Block+4])) / candidate.scale
			current = float64(binary.BigEndian.Uint32(data[protocol.ModernByteL2Block+4:protocol.ModernByteL2Block+8])) / candidate.scale
			power = float64(binary.BigEndian.Uint32(data[protocol.ModernByteL2Block+8:protocol.ModernByteL2Block+12])) / candidate.scale
		}

		if voltage < b.EmbeddedVoltageMin || voltage > b.EmbeddedVoltageMax {
			continue
		}
		if current < 0 || current > b.EmbeddedCurrentMax {
			continue
		}
		if power < 0 || power > b.EmbeddedPowerMax {
			continue
		}

		// Power-factor sanity: claimed power may not exceed apparent
		// power beyond the configured margin.
		apparent := voltage * current
		if power > apparent*b.PowerMarginRatio+b.PowerMarginWatts {
			continue
		}

		gap := math.Abs(apparent - power)
		if best == nil || gap < bestError {
			bestError = gap
			best = &domain.LineReading{Voltage: voltage, Current: current, Power: power}
			d.logger.Debug().
				Str("candidate", candidate.name).
				Float64("voltage", voltage).
				Float64("current", current).
				Float64("power", power).
				Msg("Accepted embedded line 2 candidate")
		}
	}

	return best
}
