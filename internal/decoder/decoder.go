// Package decoder parses the binary telemetry streams of Power Watchdog
// devices. Two incompatible schemes exist: a fixed 40-byte two-chunk
// packet ("legacy") and a framed variable-length protocol with
// heuristic dual-line decoding ("modern").
package decoder

import "github.com/resident-x/go-wattdog/internal/domain"

// Sink receives decoded readings. Implementations own the per-line
// slots; an update with a nil Energy must preserve the previously known
// energy figure for that line (carry-forward invariant).
type Sink interface {
	UpdateLine(line domain.Line, reading domain.LineReading)
	SetErrorCode(code uint8)
}
