package port

import (
	"github.com/berfenger/battrig/pkg/usbiss"
	"github.com/berfenger/battrig/pkg/vebus"
)

// InverterLink drives the inverter. Implementations are not safe for
// concurrent use of the channel; callers serialize on the inverter lane.
type InverterLink interface {
	Port() string
	Configure() error
	Charge() error
	Invert() error
	Rest() error
	Stop() error
	PushSetpoint() error
	RefreshFrames() error
	State() vebus.State
}

// BatteryLink polls the battery pack. Telemetry and flag access is safe from any goroutine.
type BatteryLink interface {
	Port() string
	KeepAlive() error
	Poll() error
	Telemetry() usbiss.Telemetry
	RaiseFlags(flags usbiss.Flag)
	ClearLevel1()
}

var _ InverterLink = (*vebus.Inverter)(nil)
var _ InverterLink = (*vebus.TestInverter)(nil)
var _ BatteryLink = (*usbiss.Battery)(nil)
var _ BatteryLink = (*usbiss.TestBattery)(nil)
