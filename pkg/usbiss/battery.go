package usbiss

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/berfenger/battrig/pkg/serialio"
	"go.uber.org/zap"
)

const (
	DEFAULT_REPLY_TIMEOUT = time.Second
	COMMAND_GAP           = 10 * time.Millisecond
	STATUS_SETTLE         = 100 * time.Millisecond
)

type Battery struct {
	port string
	rw   io.ReadWriter

	mu        sync.Mutex
	telemetry Telemetry

	ReplyTimeout time.Duration
	Settle       time.Duration
	Now          func() time.Time

	logger     *zap.Logger
	instrument []serialio.Instrument
}

func NewBattery(port string, rw io.ReadWriter, logger *zap.Logger, instrument []serialio.Instrument) *Battery {
	return &Battery{
		port:         port,
		rw:           rw,
		ReplyTimeout: DEFAULT_REPLY_TIMEOUT,
		Settle:       STATUS_SETTLE,
		Now:          time.Now,
		logger:       logger.With(zap.String("port", port)),
		instrument:   instrument,
	}
}

func (b *Battery) Port() string {
	return b.port
}

// KeepAlive switches the pack on.
func (b *Battery) KeepAlive() error {
	defer serialio.RecordTimer("KeepAlive", b.instrument)()
	if err := serialio.WriteAll(b.rw, COMMAND_GAP, KeepAliveCommands...); err != nil {
		b.logger.Warn("battery: keep-alive failed", zap.Error(err))
		return fmt.Errorf("keep-alive: %w", err)
	}
	return nil
}

// RequestStatus asks the bridge for a status frame and reads the 100 byte reply.
func (b *Battery) RequestStatus() ([]byte, error) {
	defer serialio.RecordTimer("RequestStatus", b.instrument)()
	if _, err := b.rw.Write(StatusCommand); err != nil {
		return nil, fmt.Errorf("write status command: %w", err)
	}
	time.Sleep(b.Settle)
	// the bridge acknowledges the command; its content is not used
	serialio.Drain(b.rw, STATUS_ACK_SIZE, time.Now().Add(b.Settle))

	if _, err := b.rw.Write(ReadCommand); err != nil {
		return nil, fmt.Errorf("write read command: %w", err)
	}
	time.Sleep(b.Settle)
	frame := make([]byte, STATUS_FRAME_SIZE)
	n, err := serialio.ReadFull(b.rw, frame, time.Now().Add(b.ReplyTimeout))
	if err != nil {
		return nil, fmt.Errorf("read status frame (%d bytes): %w", n, err)
	}
	return frame, nil
}

// Poll refreshes the telemetry. On any failure the previous telemetry is kept.
func (b *Battery) Poll() error {
	frame, err := b.RequestStatus()
	if err != nil {
		b.logger.Warn("battery: status request failed", zap.Error(err))
		return err
	}
	return b.Apply(frame)
}

// Apply validates and decodes a status frame into the telemetry.
func (b *Battery) Apply(frame []byte) error {
	if err := Validate(frame); err != nil {
		b.logger.Info("battery: status frame discarded", zap.Error(err))
		return err
	}
	decoded, err := Decode(frame)
	if err != nil {
		b.logger.Info("battery: status frame discarded", zap.Error(err))
		return err
	}
	b.mu.Lock()
	decoded.Flags = b.telemetry.Flags
	decoded.LastUpdate = b.Now()
	b.telemetry = decoded
	b.mu.Unlock()
	b.logger.Debug("battery: telemetry updated",
		zap.Uint32("serial", decoded.SerialNumber),
		zap.Float64s("cells", decoded.Cells[:]),
		zap.Float64("current", decoded.Current))
	return nil
}

func (b *Battery) Telemetry() Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.telemetry
}

func (b *Battery) RaiseFlags(flags Flag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.telemetry.Flags |= flags
}

// ClearLevel1 acknowledges a level 1 breach.
func (b *Battery) ClearLevel1() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.telemetry.Flags &^= FlagNotSafeL1
}
