package usbiss

import (
	"sync"
	"time"
)

// TestBattery serves telemetry set by the test instead of reading a pack.
type TestBattery struct {
	mu         sync.Mutex
	telemetry  Telemetry
	polls      int
	keepAlives int
}

func NewTestBattery(cellVoltage float64) *TestBattery {
	b := &TestBattery{}
	for i := range b.telemetry.Cells {
		b.telemetry.Cells[i] = cellVoltage
	}
	b.telemetry.CellMin = cellVoltage
	b.telemetry.CellMax = cellVoltage
	b.telemetry.PackTemp = 25
	b.telemetry.MosfetTemp = 25
	return b
}

func (b *TestBattery) Port() string {
	return "test-battery"
}

func (b *TestBattery) KeepAlive() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keepAlives++
	return nil
}

func (b *TestBattery) Poll() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	b.telemetry.LastUpdate = time.Now()
	return nil
}

func (b *TestBattery) Telemetry() Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.telemetry
}

// Update mutates the telemetry as if a new frame had been decoded.
func (b *TestBattery) Update(fn func(t *Telemetry)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.telemetry)
}

func (b *TestBattery) RaiseFlags(flags Flag) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.telemetry.Flags |= flags
}

func (b *TestBattery) ClearLevel1() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.telemetry.Flags &^= FlagNotSafeL1
}

func (b *TestBattery) Polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}
