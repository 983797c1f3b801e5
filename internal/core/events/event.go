package events

import (
	"fmt"
	"time"

	. "github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/pkg/usbiss"
	"github.com/berfenger/battrig/pkg/vebus"
)

const (
	FIELD_SETPOINT    = "setpoint"
	FIELD_AC_VOLTAGE  = "ac_voltage"
	FIELD_AC_CURRENT  = "ac_current"
	FIELD_DC_VOLTAGE  = "dc_voltage"
	FIELD_DC_CURRENT  = "dc_current"
	FIELD_DC_CAPACITY = "dc_capacity"

	FIELD_CV_MIN       = "cv_min"
	FIELD_CV_MAX       = "cv_max"
	FIELD_MOSFET_TEMP  = "mosfet_temp"
	FIELD_PACK_TEMP    = "pack_temp"
	FIELD_PACK_CURRENT = "pack_current"
)

type field[T any] struct {
	name  string
	value func(*T) float64
}

var inverterFields = []field[vebus.State]{
	{FIELD_SETPOINT, func(s *vebus.State) float64 { return float64(s.Setpoint) }},
	{FIELD_AC_VOLTAGE, func(s *vebus.State) float64 { return s.ACVoltage }},
	{FIELD_AC_CURRENT, func(s *vebus.State) float64 { return s.ACCurrent }},
	{FIELD_DC_VOLTAGE, func(s *vebus.State) float64 { return s.DCVoltage }},
	{FIELD_DC_CURRENT, func(s *vebus.State) float64 { return s.DCCurrent }},
	{FIELD_DC_CAPACITY, func(s *vebus.State) float64 { return s.Capacity }},
}

var batteryFields = func() []field[usbiss.Telemetry] {
	fields := make([]field[usbiss.Telemetry], 0, usbiss.CELL_COUNT+5)
	for i := 0; i < usbiss.CELL_COUNT; i++ {
		idx := i
		fields = append(fields, field[usbiss.Telemetry]{
			name:  CellField(idx),
			value: func(t *usbiss.Telemetry) float64 { return t.Cells[idx] },
		})
	}
	return append(fields,
		field[usbiss.Telemetry]{FIELD_CV_MIN, func(t *usbiss.Telemetry) float64 { return t.CellMin }},
		field[usbiss.Telemetry]{FIELD_CV_MAX, func(t *usbiss.Telemetry) float64 { return t.CellMax }},
		field[usbiss.Telemetry]{FIELD_MOSFET_TEMP, func(t *usbiss.Telemetry) float64 { return t.MosfetTemp }},
		field[usbiss.Telemetry]{FIELD_PACK_TEMP, func(t *usbiss.Telemetry) float64 { return t.PackTemp }},
		field[usbiss.Telemetry]{FIELD_PACK_CURRENT, func(t *usbiss.Telemetry) float64 { return t.Current }},
	)
}()

// CellField names the sample field of cell i (zero based).
func CellField(i int) string {
	return fmt.Sprintf("cv_%d", i+1)
}

func InverterStateToSamples(s vebus.State, ts time.Time) []ResultSample {
	return toSamples(inverterFields, &s, ts)
}

func BatteryTelemetryToSamples(t usbiss.Telemetry, ts time.Time) []ResultSample {
	return toSamples(batteryFields, &t, ts)
}

func toSamples[T any](fields []field[T], v *T, ts time.Time) []ResultSample {
	samples := make([]ResultSample, 0, len(fields))
	for _, f := range fields {
		samples = append(samples, ResultSample{
			Field:     f.name,
			Value:     f.value(v),
			Timestamp: ts,
		})
	}
	return samples
}
