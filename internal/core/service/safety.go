package service

import (
	"fmt"
	"time"

	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/pkg/usbiss"
)

const DEFAULT_GRACE_PERIOD = 10 * time.Second

// Verdict is the outcome of one safety level evaluation. Flag holds the
// specific flag plus the level's not-safe flag when Safe is false.
type Verdict struct {
	Safe    bool
	Flag    usbiss.Flag
	Value   float64
	Limit   float64
	Message string
}

var safe = Verdict{Safe: true}

type SafetyMonitor struct {
	Limits      config.SafetyConfig
	GracePeriod time.Duration
}

func NewSafetyMonitor(limits config.SafetyConfig) SafetyMonitor {
	return SafetyMonitor{
		Limits:      limits,
		GracePeriod: limits.GracePeriod,
	}
}

type check struct {
	tripped bool
	flag    usbiss.Flag
	what    string
	op      string
	value   float64
	limit   float64
}

// CheckLevel1 evaluates the soft cell voltage limits. elapsed is the run time,
// everything passes during the grace period.
func (m SafetyMonitor) CheckLevel1(t usbiss.Telemetry, elapsed time.Duration) Verdict {
	if elapsed < m.GracePeriod {
		return safe
	}
	if !t.Finite() {
		return badReading(usbiss.FlagNotSafeL1)
	}
	return firstTrip(usbiss.FlagNotSafeL1, []check{
		{t.CellMin < m.Limits.UVPLevel1, usbiss.FlagUnderVoltageL1, "cell undervoltage level 1", "<", t.CellMin, m.Limits.UVPLevel1},
		{t.CellMax > m.Limits.OVPLevel1, usbiss.FlagOverVoltageL1, "cell overvoltage level 1", ">", t.CellMax, m.Limits.OVPLevel1},
	})
}

// CheckLevel2 evaluates the hard limits in fixed precedence; the first match wins.
// A NaN or infinite value trips before any limit is compared.
func (m SafetyMonitor) CheckLevel2(t usbiss.Telemetry, elapsed time.Duration) Verdict {
	if elapsed < m.GracePeriod {
		return safe
	}
	if !t.Finite() {
		return badReading(usbiss.FlagNotSafeL2)
	}
	return firstTrip(usbiss.FlagNotSafeL2, []check{
		{t.CellMax > m.Limits.OVPLevel2, usbiss.FlagOverVoltageL2, "cell overvoltage level 2", ">", t.CellMax, m.Limits.OVPLevel2},
		{t.CellMin < m.Limits.UVPLevel2, usbiss.FlagUnderVoltageL2, "cell undervoltage level 2", "<", t.CellMin, m.Limits.UVPLevel2},
		{t.Current > m.Limits.OCP, usbiss.FlagOverCurrent, "pack overcurrent", ">", t.Current, m.Limits.OCP},
		{t.MosfetTemp > m.Limits.OVTMosfet, usbiss.FlagOverTempMosfet, "mosfet overtemperature", ">", t.MosfetTemp, m.Limits.OVTMosfet},
		{t.PackTemp > m.Limits.OVTCells, usbiss.FlagOverTempCells, "cell overtemperature", ">", t.PackTemp, m.Limits.OVTCells},
	})
}

func badReading(level usbiss.Flag) Verdict {
	return Verdict{
		Flag:    usbiss.FlagBadReading | level,
		Message: "non-finite battery reading",
	}
}

func firstTrip(level usbiss.Flag, checks []check) Verdict {
	for _, c := range checks {
		if c.tripped {
			return Verdict{
				Flag:    c.flag | level,
				Value:   c.value,
				Limit:   c.limit,
				Message: fmt.Sprintf("%s: %.3f %s limit %.3f", c.what, c.value, c.op, c.limit),
			}
		}
	}
	return safe
}
