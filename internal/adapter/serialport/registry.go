package serialport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/berfenger/battrig/internal/config"

	"go.uber.org/zap"
)

var ErrEmptyPort = errors.New("serial port name is empty")

// Registry hands out one DeviceChannel per port, however many times it is acquired.
type Registry struct {
	opener Opener
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	channel *DeviceChannel
	refs    int
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		opener:  OpenSerial,
		logger:  logger.With(zap.String("component", "serial-registry")),
		entries: map[string]*entry{},
	}
}

// WithOpener replaces the function used to open ports.
func (r *Registry) WithOpener(opener Opener) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opener = opener
	return r
}

// Acquire opens the port on first use. Later calls for the same port return
// the same channel and add a reference.
func (r *Registry) Acquire(cfg config.SerialConfig) (*DeviceChannel, error) {
	if cfg.Port == "" {
		return nil, ErrEmptyPort
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[cfg.Port]; ok {
		e.refs++
		return e.channel, nil
	}
	rw, err := r.opener(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	ch := &DeviceChannel{port: cfg.Port, rw: rw}
	r.entries[cfg.Port] = &entry{channel: ch, refs: 1}
	r.logger.Info("serial port opened", zap.String("port", cfg.Port), zap.Int("baud_rate", cfg.BaudRate))
	return ch, nil
}

// Release drops a reference and closes the port when none is left.
// Unknown ports are ignored.
func (r *Registry) Release(port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, port)
	if err := e.channel.Close(); err != nil {
		r.logger.Warn("serial port close failed", zap.String("port", port), zap.Error(err))
		return fmt.Errorf("close %s: %w", port, err)
	}
	r.logger.Info("serial port closed", zap.String("port", port))
	return nil
}

func (r *Registry) Open(port string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[port]
	return ok
}
