// wattdog-sim generates synthetic Power Watchdog notification traffic as
// hex lines on stdout. The output can be replayed against the decoders
// or used as fixture data: legacy output is chunked the way the device
// notifies (20 bytes at a time), modern output is one frame per line.
package main

import (
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/resident-x/go-wattdog/internal/protocol"
)

type simConfig struct {
	protocol string
	lines    int
	voltage  float64
	current  float64
	energy   float64
	jitter   float64
	interval time.Duration
	count    int
}

func main() {
	cfg := simConfig{}
	flag.StringVar(&cfg.protocol, "protocol", "legacy", "Protocol to simulate: legacy or modern")
	flag.IntVar(&cfg.lines, "lines", 2, "Number of lines (1 for 30A, 2 for 50A devices)")
	flag.Float64Var(&cfg.voltage, "voltage", 120.0, "Nominal line voltage in volts")
	flag.Float64Var(&cfg.current, "current", 10.0, "Nominal line current in amps")
	flag.Float64Var(&cfg.energy, "energy", 1.5, "Starting cumulative energy in kWh")
	flag.Float64Var(&cfg.jitter, "jitter", 0.02, "Relative jitter applied to voltage and current")
	flag.DurationVar(&cfg.interval, "interval", time.Second, "Delay between cycles (0 for none)")
	flag.IntVar(&cfg.count, "count", 10, "Number of measurement cycles to emit (0 for unlimited)")
	flag.Parse()

	if cfg.lines < 1 || cfg.lines > 2 {
		log.Fatalf("invalid -lines %d: must be 1 or 2", cfg.lines)
	}

	switch cfg.protocol {
	case "legacy":
		runLegacy(cfg)
	case "modern":
		runModern(cfg)
	default:
		log.Fatalf("unknown -protocol %q: must be legacy or modern", cfg.protocol)
	}
}

func runLegacy(cfg simConfig) {
	energy := cfg.energy
	for cycle := 0; cfg.count == 0 || cycle < cfg.count; cycle++ {
		for line := 0; line < cfg.lines; line++ {
			v, i := jittered(cfg)
			packet := legacyPacket(line, v, i, v*i, energy)
			// Devices notify in 20-byte chunks.
			emit(packet[:protocol.LegacyChunkSize])
			emit(packet[protocol.LegacyChunkSize:])
		}
		energy += cfg.voltage * cfg.current * float64(cfg.lines) / 1000 / 3600
		pause(cfg.interval)
	}
}

func runModern(cfg simConfig) {
	energy := cfg.energy
	for cycle := 0; cfg.count == 0 || cycle < cfg.count; cycle++ {
		v1, i1 := jittered(cfg)
		if cfg.lines == 2 {
			v2, i2 := jittered(cfg)
			emit(modernDualFrame(v1, i1, v1*i1, energy, v2, i2, v2*i2))
		} else {
			emit(modernSingleFrame(v1, i1, v1*i1, energy))
		}
		energy += cfg.voltage * cfg.current * float64(cfg.lines) / 1000 / 3600
		pause(cfg.interval)
	}
}

// legacyPacket builds one 40-byte legacy measurement packet.
func legacyPacket(line int, voltage, current, power, energy float64) []byte {
	packet := make([]byte, protocol.LegacyPacketSize)
	copy(packet, protocol.LegacyHeader)
	putScaled(packet, protocol.LegacyByteVoltage, voltage)
	putScaled(packet, protocol.LegacyByteCurrent, current)
	putScaled(packet, protocol.LegacyBytePower, power)
	putScaled(packet, protocol.LegacyByteEnergy, energy)
	if line == 1 {
		copy(packet[protocol.LegacyByteLineID:], protocol.Line2ID)
	}
	return packet
}

// modernSingleFrame builds a 25-byte data frame carrying L1 V/I/P/E.
func modernSingleFrame(voltage, current, power, energy float64) []byte {
	frame := make([]byte, protocol.ModernMinEnergySize)
	copy(frame, protocol.ModernHeader)
	frame[protocol.ModernByteMsgType] = protocol.ModernMsgTypeData
	putScaled(frame, protocol.ModernByteVoltage, voltage)
	putScaled(frame, protocol.ModernByteCurrent, current)
	putScaled(frame, protocol.ModernBytePower, power)
	putScaled(frame, protocol.ModernByteEnergy, energy)
	return frame
}

// modernDualFrame builds a 55-byte dual-block data frame carrying both
// lines, with the 0x0044 payload length marker at bytes 7-8.
func modernDualFrame(v1, i1, p1, energy, v2, i2, p2 float64) []byte {
	frame := make([]byte, protocol.ModernMinDualSize)
	copy(frame, protocol.ModernHeader)
	frame[protocol.ModernByteMsgType] = protocol.ModernMsgTypeData
	copy(frame[7:9], protocol.ModernDualBlockLength)
	putScaled(frame, protocol.ModernByteVoltage, v1)
	putScaled(frame, protocol.ModernByteCurrent, i1)
	putScaled(frame, protocol.ModernBytePower, p1)
	putScaled(frame, protocol.ModernByteEnergy, energy)
	putScaled(frame, protocol.ModernByteDualL2, v2)
	putScaled(frame, protocol.ModernByteDualL2+4, i2)
	putScaled(frame, protocol.ModernByteDualL2+8, p2)
	return frame
}

func putScaled(buf []byte, offset int, value float64) {
	binary.BigEndian.PutUint32(buf[offset:], uint32(value*protocol.ConversionFactor))
}

func jittered(cfg simConfig) (voltage, current float64) {
	voltage = cfg.voltage * (1 + cfg.jitter*(rand.Float64()*2-1))
	current = cfg.current * (1 + cfg.jitter*(rand.Float64()*2-1))
	return voltage, current
}

func emit(data []byte) {
	fmt.Fprintln(os.Stdout, hex.EncodeToString(data))
}

func pause(interval time.Duration) {
	if interval > 0 {
		time.Sleep(interval)
	}
}
