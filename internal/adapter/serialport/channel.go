package serialport

import (
	"errors"
	"io"

	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/pkg/serialio"

	"github.com/goburrow/serial"
)

// DeviceChannel is an open serial port. It is not safe for concurrent use;
// every access goes through the lane of its port.
type DeviceChannel struct {
	port string
	rw   io.ReadWriteCloser
}

// Opener opens the raw device described by cfg.
type Opener func(cfg config.SerialConfig) (io.ReadWriteCloser, error)

var _ io.ReadWriteCloser = (*DeviceChannel)(nil)

// OpenSerial opens a real tty with goburrow/serial.
func OpenSerial(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	return serial.Open(&serial.Config{
		Address:  cfg.Port,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.ReadTimeout,
	})
}

func (c *DeviceChannel) Port() string {
	return c.port
}

// Read surfaces the port read timeout as serialio.ErrTimeout.
func (c *DeviceChannel) Read(p []byte) (int, error) {
	n, err := c.rw.Read(p)
	if errors.Is(err, serial.ErrTimeout) {
		return n, serialio.ErrTimeout
	}
	return n, err
}

func (c *DeviceChannel) Write(p []byte) (int, error) {
	return c.rw.Write(p)
}

func (c *DeviceChannel) Close() error {
	return c.rw.Close()
}
