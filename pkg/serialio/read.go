package serialio

import (
	"errors"
	"io"
	"time"
)

// ErrDeadline is returned when a bounded read could not complete before its deadline.
var ErrDeadline = errors.New("serial read deadline exceeded")

// ErrTimeout is the per-read timeout of a channel. It is transient: the
// caller may retry until its own deadline expires.
var ErrTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string   { return "serial read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// IsTimeout reports whether err is a per-read timeout of the underlying port.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var t interface{ Timeout() bool }
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

// ReadFull fills buf from r, retrying on read timeouts until deadline.
// It returns the number of bytes read and ErrDeadline if buf could not be filled in time.
func ReadFull(r io.Reader, buf []byte, deadline time.Time) (int, error) {
	n := 0
	for n < len(buf) {
		if !time.Now().Before(deadline) {
			return n, ErrDeadline
		}
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) && m > 0 {
				continue
			}
			return n, err
		}
	}
	return n, nil
}

// Drain reads and discards up to size bytes, returning as soon as the port
// goes quiet or deadline passes.
func Drain(r io.Reader, size int, deadline time.Time) int {
	buf := make([]byte, size)
	n := 0
	for n < size && time.Now().Before(deadline) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			break
		}
	}
	return n
}

// WriteAll writes every frame in order, pausing gap between frames.
func WriteAll(w io.Writer, gap time.Duration, frames ...[]byte) error {
	for i, frame := range frames {
		if i > 0 && gap > 0 {
			time.Sleep(gap)
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
	}
	return nil
}
