package vebus

import "encoding/binary"

const (
	SYNC_BYTE_0  = 0x0F
	SYNC_BYTE_1  = 0x20
	PAYLOAD_SIZE = 15

	FRAME_KIND_OFFSET = 6
	FRAME_KIND_DC     = 12
	FRAME_KIND_AC     = 8

	STATE_ON  = 0x03
	STATE_OFF = 0x04
)

type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameDC
	FrameAC
)

func (k FrameKind) String() string {
	switch k {
	case FrameDC:
		return "DC"
	case FrameAC:
		return "AC"
	default:
		return "unknown"
	}
}

var setpointTemplate = [14]byte{0x05, 0xFF, 0x57, 0x32, 0x81, 0x00, 0xF2, 0x05, 0xFF, 0x57, 0x34, 0x00, 0x00, 0x00}

var (
	requestDCFrame = []byte{0x03, 0xFF, 0x46, 0x00, 0xB8}
	requestACFrame = []byte{0x03, 0xFF, 0x46, 0x01, 0xB7}
)

// InitSequence is written once when a run takes over the bus. It selects the
// first device, switches it on and resets the interface.
var InitSequence = [][]byte{
	{0x04, 0xFF, 0x41, 0x01, 0x00, 0xBB},
	{0x09, 0xFF, 0x53, 0x03, 0x00, 0xFF, 0x01, 0x00, 0x00, 0x04, 0x9E},
	{0x02, 0xFF, 0x52, 0xAD},
	{0x04, 0xFF, 0x41, 0x01, 0x00, 0xBB},
}

// Checksum walks frame[to] down to frame[from] subtracting each byte mod 256.
func Checksum(frame []byte, from, to int) byte {
	var chk byte
	for i := to; i >= from; i-- {
		chk -= frame[i]
	}
	return chk
}

// EncodeSetpoint builds the 14 byte setpoint frame. Negative values are folded
// into their unsigned 16 bit wire form.
func EncodeSetpoint(value int) []byte {
	if value < 0 {
		value += 65536
	}
	frame := setpointTemplate
	frame[11] = byte(value % 256)
	frame[12] = byte((value >> 8) & 0xFF)
	frame[13] = Checksum(frame[:], 7, 12)
	return frame[:]
}

// EncodeState builds the switch state frame; the checksum covers every byte before it.
func EncodeState(on bool) []byte {
	sel := byte(STATE_OFF)
	if on {
		sel = STATE_ON
	}
	frame := []byte{0x09, 0xFF, 0x53, sel, 0x00, 0xFF, 0x01, 0x00, 0x00, 0x04, 0x00}
	frame[len(frame)-1] = Checksum(frame, 0, len(frame)-2)
	return frame
}

// RequestFrame returns the request literal for the given frame kind.
func RequestFrame(kind FrameKind) []byte {
	if kind == FrameAC {
		return append([]byte(nil), requestACFrame...)
	}
	return append([]byte(nil), requestDCFrame...)
}

// Classify inspects the kind byte of a reply payload.
func Classify(payload []byte) FrameKind {
	if len(payload) != PAYLOAD_SIZE {
		return FrameUnknown
	}
	switch payload[FRAME_KIND_OFFSET] {
	case FRAME_KIND_DC:
		return FrameDC
	case FRAME_KIND_AC:
		return FrameAC
	default:
		return FrameUnknown
	}
}

type DCReading struct {
	Voltage float64
	// Current is discharge minus charge; positive means energy leaves the battery.
	Current float64
}

type ACReading struct {
	Voltage float64
	Current float64
}

func DecodeDC(payload []byte) DCReading {
	voltage := binary.LittleEndian.Uint16(payload[7:9])
	discharge := uint24(payload[9:12])
	charge := uint24(payload[12:15])
	return DCReading{
		Voltage: float64(voltage) / 100,
		Current: float64(int32(discharge)-int32(charge)) / 10,
	}
}

func DecodeAC(payload []byte) ACReading {
	voltage := binary.LittleEndian.Uint16(payload[7:9])
	current := int16(binary.LittleEndian.Uint16(payload[9:11]))
	return ACReading{
		Voltage: float64(voltage) / 100,
		Current: float64(current) / 100,
	}
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}
