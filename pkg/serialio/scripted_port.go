package serialio

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// ScriptedPort is an in-memory port used by device tests. Bytes queued with
// Feed are returned by Read; writes are recorded and may trigger a scripted reply.
type ScriptedPort struct {
	mu          sync.Mutex
	rx          bytes.Buffer
	writes      [][]byte
	replies     map[string][]byte
	closed      bool
	ReadTimeout time.Duration
	WriteErr    error
}

var _ io.ReadWriteCloser = (*ScriptedPort)(nil)

func NewScriptedPort() *ScriptedPort {
	return &ScriptedPort{
		replies:     map[string][]byte{},
		ReadTimeout: 2 * time.Millisecond,
	}
}

// Feed queues bytes to be read.
func (p *ScriptedPort) Feed(b ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Write(b)
}

// OnWrite queues reply every time request is written.
func (p *ScriptedPort) OnWrite(request []byte, reply []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[string(request)] = reply
}

func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if p.rx.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(p.ReadTimeout)
		return 0, ErrTimeout
	}
	defer p.mu.Unlock()
	return p.rx.Read(b)
}

func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.WriteErr != nil {
		return 0, p.WriteErr
	}
	p.writes = append(p.writes, bytes.Clone(b))
	if reply, ok := p.replies[string(b)]; ok {
		p.rx.Write(reply)
	}
	return len(b), nil
}

func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Writes returns a copy of every frame written so far.
func (p *ScriptedPort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *ScriptedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
