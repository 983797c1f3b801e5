package serialport

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/pkg/serialio"

	"github.com/goburrow/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type timeoutPort struct {
	serialio.ScriptedPort
}

func (p *timeoutPort) Read(b []byte) (int, error) {
	return 0, serial.ErrTimeout
}

func newTestRegistry(opened *[]string) *Registry {
	logger, _ := zap.NewDevelopment()
	return NewRegistry(logger).WithOpener(func(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
		*opened = append(*opened, cfg.Port)
		return serialio.NewScriptedPort(), nil
	})
}

func TestAcquireSharesChannel(t *testing.T) {
	assert := assert.New(t)
	var opened []string
	r := newTestRegistry(&opened)

	a, err := r.Acquire(config.SerialConfig{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)
	b, err := r.Acquire(config.SerialConfig{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)

	assert.Same(a, b)
	assert.Equal([]string{"/dev/ttyUSB0"}, opened)
	assert.Equal("/dev/ttyUSB0", a.Port())

	assert.NoError(r.Release("/dev/ttyUSB0"))
	assert.True(r.Open("/dev/ttyUSB0"))
	assert.NoError(r.Release("/dev/ttyUSB0"))
	assert.False(r.Open("/dev/ttyUSB0"))
	assert.True(a.rw.(*serialio.ScriptedPort).Closed())

	// already closed and unknown ports are a no-op
	assert.NoError(r.Release("/dev/ttyUSB0"))
	assert.NoError(r.Release("/dev/ttyUSB9"))
}

func TestAcquireErrors(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	failure := errors.New("permission denied")
	r := NewRegistry(logger).WithOpener(func(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
		return nil, failure
	})

	_, err := r.Acquire(config.SerialConfig{})
	assert.ErrorIs(t, err, ErrEmptyPort)

	_, err = r.Acquire(config.SerialConfig{Port: "/dev/ttyUSB0"})
	assert.ErrorIs(t, err, failure)
	assert.False(t, r.Open("/dev/ttyUSB0"))
}

func TestChannelMapsTimeout(t *testing.T) {
	ch := &DeviceChannel{port: "x", rw: &timeoutPort{}}
	_, err := ch.Read(make([]byte, 4))
	assert.True(t, serialio.IsTimeout(err))

	n, err := serialio.ReadFull(ch, make([]byte, 4), time.Now().Add(20*time.Millisecond))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, serialio.ErrDeadline)
}
