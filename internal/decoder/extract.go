package decoder

import (
	"encoding/binary"

	"github.com/resident-x/go-wattdog/internal/protocol"
)

// scaledInt32 reads a big-endian signed 32-bit integer at offset and
// converts it to physical units.
func scaledInt32(data []byte, offset int) float64 {
	raw := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	return float64(raw) / protocol.ConversionFactor
}

// scaledUint32 reads a big-endian unsigned 32-bit integer at offset and
// converts it to physical units.
func scaledUint32(data []byte, offset int) float64 {
	raw := binary.BigEndian.Uint32(data[offset : offset+4])
	return float64(raw) / protocol.ConversionFactor
}

// scaledUint32LE is the little-endian variant used by the embedded
// Line 2 heuristic.
func scaledUint32LE(data []byte, offset int, scale float64) float64 {
	raw := binary.LittleEndian.Uint32(data[offset : offset+4])
	return float64(raw) / scale
}

func floatPtr(v float64) *float64 { return &v }
