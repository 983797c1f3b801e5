package vebus

import (
	"sync"
)

// TestInverter is an in-memory inverter that records every command it receives.
type TestInverter struct {
	mu       sync.Mutex
	state    State
	commands []string

	// CapacityStep is added to the capacity on every frame refresh while charging or inverting.
	CapacityStep float64
	FailCommand  error
}

func (inv *TestInverter) Port() string {
	return "test-inverter"
}

func (inv *TestInverter) Configure() error {
	return inv.record("configure", inv.state.Setpoint, true)
}

func (inv *TestInverter) Charge() error {
	return inv.record("charge", -1000, true)
}

func (inv *TestInverter) Invert() error {
	return inv.record("invert", 1000, true)
}

func (inv *TestInverter) Rest() error {
	return inv.record("rest", 0, true)
}

func (inv *TestInverter) Stop() error {
	return inv.record("stop", 0, false)
}

func (inv *TestInverter) PushSetpoint() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.commands = append(inv.commands, "setpoint")
	return nil
}

func (inv *TestInverter) RefreshFrames() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.commands = append(inv.commands, "refresh")
	if inv.state.On && inv.state.Setpoint != 0 {
		inv.state.Capacity += inv.CapacityStep
	}
	return nil
}

func (inv *TestInverter) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

func (inv *TestInverter) SetCapacity(capacity float64) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.state.Capacity = capacity
}

// Commands returns the recorded command names in order.
func (inv *TestInverter) Commands() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, len(inv.commands))
	copy(out, inv.commands)
	return out
}

func (inv *TestInverter) record(name string, setpoint int, on bool) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.commands = append(inv.commands, name)
	if inv.FailCommand != nil && name != "stop" {
		return inv.FailCommand
	}
	inv.state.Setpoint = setpoint
	inv.state.On = on
	return nil
}
