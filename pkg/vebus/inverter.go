package vebus

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/berfenger/battrig/pkg/serialio"
	"go.uber.org/zap"
)

const (
	DEFAULT_FRAME_TIMEOUT = 2 * time.Second
	INIT_GAP              = 100 * time.Millisecond
	SETPOINT_MIN          = math.MinInt16
	SETPOINT_MAX          = math.MaxInt16
)

var (
	ErrFrameTimeout  = errors.New("inverter frame read timed out")
	ErrSetpointRange = errors.New("setpoint out of range")
)

// State is the last decoded view of the inverter.
type State struct {
	On         bool
	Setpoint   int
	ACVoltage  float64
	ACCurrent  float64
	DCVoltage  float64
	DCCurrent  float64
	Capacity   float64 // Ah, integral of |DCCurrent|
	LastSample time.Time
}

type Inverter struct {
	port string
	rw   io.ReadWriter

	mu     sync.Mutex
	state  State
	parser Parser

	ChargeSetpoint int
	InvertSetpoint int
	FrameTimeout   time.Duration
	Now            func() time.Time

	logger     *zap.Logger
	instrument []serialio.Instrument
}

// NewInverter wraps an open channel. Callers must serialize access; the
// returned link does not lock the channel, only its state.
func NewInverter(port string, rw io.ReadWriter, chargeSetpoint, invertSetpoint int, logger *zap.Logger, instrument []serialio.Instrument) *Inverter {
	return &Inverter{
		port:           port,
		rw:             rw,
		ChargeSetpoint: chargeSetpoint,
		InvertSetpoint: invertSetpoint,
		FrameTimeout:   DEFAULT_FRAME_TIMEOUT,
		Now:            time.Now,
		logger:         logger.With(zap.String("port", port)),
		instrument:     instrument,
	}
}

func (inv *Inverter) Port() string {
	return inv.port
}

func (inv *Inverter) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Configure writes the bus init sequence.
func (inv *Inverter) Configure() error {
	defer serialio.RecordTimer("Configure", inv.instrument)()
	if err := serialio.WriteAll(inv.rw, INIT_GAP, InitSequence...); err != nil {
		inv.logger.Error("inverter: configure failed", zap.Error(err))
		return fmt.Errorf("configure ve.bus: %w", err)
	}
	inv.mu.Lock()
	inv.state.On = true
	inv.mu.Unlock()
	inv.logger.Info("inverter: ve.bus configured")
	return nil
}

// SetSetpoint stores value and writes it to the device.
func (inv *Inverter) SetSetpoint(value int) error {
	if value < SETPOINT_MIN || value > SETPOINT_MAX {
		return fmt.Errorf("%w: %d", ErrSetpointRange, value)
	}
	inv.mu.Lock()
	inv.state.Setpoint = value
	inv.mu.Unlock()
	return inv.PushSetpoint()
}

// PushSetpoint resends the stored setpoint.
func (inv *Inverter) PushSetpoint() error {
	defer serialio.RecordTimer("PushSetpoint", inv.instrument)()
	inv.mu.Lock()
	value := inv.state.Setpoint
	inv.mu.Unlock()
	if _, err := inv.rw.Write(EncodeSetpoint(value)); err != nil {
		inv.logger.Warn("inverter: could not send setpoint", zap.Int("setpoint", value), zap.Error(err))
		return fmt.Errorf("send setpoint: %w", err)
	}
	return nil
}

func (inv *Inverter) SetState(on bool) error {
	defer serialio.RecordTimer("SetState", inv.instrument)()
	if _, err := inv.rw.Write(EncodeState(on)); err != nil {
		inv.logger.Warn("inverter: could not send state", zap.Bool("on", on), zap.Error(err))
		return fmt.Errorf("send state: %w", err)
	}
	inv.mu.Lock()
	inv.state.On = on
	inv.mu.Unlock()
	inv.logger.Info("inverter: switched state", zap.Bool("on", on))
	return nil
}

func (inv *Inverter) Charge() error {
	return inv.command(inv.ChargeSetpoint, true)
}

func (inv *Inverter) Invert() error {
	return inv.command(inv.InvertSetpoint, true)
}

func (inv *Inverter) Rest() error {
	return inv.command(0, true)
}

func (inv *Inverter) Stop() error {
	return inv.command(0, false)
}

func (inv *Inverter) command(setpoint int, on bool) error {
	if err := inv.SetSetpoint(setpoint); err != nil {
		return err
	}
	return inv.SetState(on)
}

// RefreshFrames requests an AC and a DC frame and parses replies until both
// kinds arrived or FrameTimeout expired.
func (inv *Inverter) RefreshFrames() error {
	defer serialio.RecordTimer("RefreshFrames", inv.instrument)()
	if err := serialio.WriteAll(inv.rw, 0, RequestFrame(FrameAC), RequestFrame(FrameDC)); err != nil {
		inv.logger.Warn("inverter: could not request frames", zap.Error(err))
		return fmt.Errorf("request frames: %w", err)
	}

	deadline := time.Now().Add(inv.FrameTimeout)
	var gotAC, gotDC bool
	buf := make([]byte, 64)
	for !(gotAC && gotDC) {
		if !time.Now().Before(deadline) {
			inv.logger.Debug("inverter: frame timeout", zap.Bool("ac", gotAC), zap.Bool("dc", gotDC))
			return ErrFrameTimeout
		}
		n, err := inv.rw.Read(buf)
		for _, b := range buf[:n] {
			payload, ok := inv.parser.Feed(b)
			if !ok {
				continue
			}
			switch inv.Apply(payload) {
			case FrameAC:
				gotAC = true
			case FrameDC:
				gotDC = true
			}
		}
		if err != nil && !serialio.IsTimeout(err) && !errors.Is(err, io.EOF) {
			inv.logger.Warn("inverter: read failed", zap.Error(err))
			return fmt.Errorf("read frames: %w", err)
		}
	}
	return nil
}

// Apply decodes one reply payload into the state and reports its kind.
// Unknown payloads leave the state untouched.
func (inv *Inverter) Apply(payload []byte) FrameKind {
	kind := Classify(payload)
	switch kind {
	case FrameDC:
		dc := DecodeDC(payload)
		now := inv.Now()
		inv.mu.Lock()
		if !inv.state.LastSample.IsZero() {
			elapsed := now.Sub(inv.state.LastSample).Seconds()
			if elapsed > 0 {
				inv.state.Capacity += math.Abs(dc.Current) * elapsed / 3600
			}
		}
		inv.state.DCVoltage = dc.Voltage
		inv.state.DCCurrent = dc.Current
		inv.state.LastSample = now
		inv.mu.Unlock()
	case FrameAC:
		ac := DecodeAC(payload)
		inv.mu.Lock()
		inv.state.ACVoltage = ac.Voltage
		inv.state.ACCurrent = ac.Current
		inv.mu.Unlock()
	default:
		inv.logger.Debug("inverter: discarded unrecognized frame", zap.Binary("payload", payload))
	}
	return kind
}
