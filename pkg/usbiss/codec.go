package usbiss

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	STATUS_FRAME_SIZE = 100
	STATUS_ACK_SIZE   = 10
	CRC_SPAN          = 60
	CELL_COUNT        = 9

	OFFSET_MOSFET_TEMP = 6
	OFFSET_PACK_TEMP   = 10
	OFFSET_CELLS       = 14
	OFFSET_CURRENT     = 50
	OFFSET_SERIAL      = 56
)

var (
	ErrShortFrame  = errors.New("status frame too short")
	ErrCRCMismatch = errors.New("status frame crc mismatch")
	ErrBadReading  = errors.New("status frame holds a non-finite reading")
)

var (
	// KeepAliveCommands switch the pack on. The pack drops out unless they are
	// resent at least every 10 seconds.
	KeepAliveCommands = [][]byte{
		{0x57, 0x01, 0x35, 0x40, 0x04, 0x01, 0x03, 0x00, 0x48, 0x03},
		{0x57, 0x01, 0x30, 0x41, 0x20, 0x03},
	}
	StatusCommand = []byte{0x57, 0x01, 0x34, 0x40, 0x01, 0x00, 0x00, 0x41, 0x03}
	// ReadCommand makes the bridge return the buffered 100 byte reply.
	ReadCommand = []byte{0x54, 0x41, 0x3E}
)

type Flag uint16

const (
	FlagOverVoltageL1 Flag = 1 << iota
	FlagUnderVoltageL1
	FlagOverVoltageL2
	FlagUnderVoltageL2
	FlagOverCurrent
	FlagOverTempMosfet
	FlagOverTempCells
	FlagNotSafeL1
	FlagNotSafeL2
	FlagBadReading
)

var flagNames = map[Flag]string{
	FlagOverVoltageL1:  "cell_overvoltage_level_1",
	FlagUnderVoltageL1: "cell_undervoltage_level_1",
	FlagOverVoltageL2:  "cell_overvoltage_level_2",
	FlagUnderVoltageL2: "cell_undervoltage_level_2",
	FlagOverCurrent:    "pack_overcurrent",
	FlagOverTempMosfet: "overtemperature_mosfets",
	FlagOverTempCells:  "overtemperature_cells",
	FlagNotSafeL1:      "not_safe_level_1",
	FlagNotSafeL2:      "not_safe_level_2",
	FlagBadReading:     "non_finite_reading",
}

func (f Flag) Has(other Flag) bool {
	return f&other == other
}

func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return "flags"
}

type Telemetry struct {
	SerialNumber uint32
	Cells        [CELL_COUNT]float64
	CellMin      float64
	CellMax      float64
	MosfetTemp   float64
	PackTemp     float64
	Current      float64
	Flags        Flag
	LastUpdate   time.Time
}

// Validate compares the sum of the first 60 bytes with the little endian
// CRC held in the last two bytes.
func Validate(frame []byte) error {
	if len(frame) < STATUS_FRAME_SIZE {
		return ErrShortFrame
	}
	var sum uint32
	for _, b := range frame[:CRC_SPAN] {
		sum += uint32(b)
	}
	received := binary.LittleEndian.Uint16(frame[STATUS_FRAME_SIZE-2 : STATUS_FRAME_SIZE])
	if uint32(received) != sum {
		return ErrCRCMismatch
	}
	return nil
}

// Decode extracts the measured fields of a validated frame. Flags and
// LastUpdate are left zero. A NaN or infinite reading rejects the frame.
func Decode(frame []byte) (Telemetry, error) {
	if len(frame) < STATUS_FRAME_SIZE {
		return Telemetry{}, ErrShortFrame
	}
	var t Telemetry
	for i := 0; i < CELL_COUNT; i++ {
		t.Cells[i] = cellVoltage(frame[OFFSET_CELLS+4*i : OFFSET_CELLS+4*i+4])
		if !IsFinite(t.Cells[i]) {
			return Telemetry{}, fmt.Errorf("cell %d: %w", i+1, ErrBadReading)
		}
	}
	t.CellMin, t.CellMax = t.Cells[0], t.Cells[0]
	for _, v := range t.Cells[1:] {
		t.CellMin = math.Min(t.CellMin, v)
		t.CellMax = math.Max(t.CellMax, v)
	}
	t.Current = leFloat(frame[OFFSET_CURRENT:])
	t.MosfetTemp = leFloat(frame[OFFSET_MOSFET_TEMP:])
	t.PackTemp = leFloat(frame[OFFSET_PACK_TEMP:])
	for name, v := range map[string]float64{"current": t.Current, "mosfet_temp": t.MosfetTemp, "pack_temp": t.PackTemp} {
		if !IsFinite(v) {
			return Telemetry{}, fmt.Errorf("%s: %w", name, ErrBadReading)
		}
	}
	t.SerialNumber = binary.LittleEndian.Uint32(frame[OFFSET_SERIAL:])
	return t, nil
}

func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Finite reports whether every measured value of t is a real number.
func (t Telemetry) Finite() bool {
	for _, v := range t.Cells {
		if !IsFinite(v) {
			return false
		}
	}
	for _, v := range []float64{t.CellMin, t.CellMax, t.Current, t.MosfetTemp, t.PackTemp} {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}

// cellVoltage reverses the group and reads it as a big endian float.
func cellVoltage(group []byte) float64 {
	swapped := [4]byte{group[3], group[2], group[1], group[0]}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(swapped[:])))
}

func leFloat(b []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[:4])))
}
