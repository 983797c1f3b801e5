package service

import (
	"math"
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/util"
	"github.com/berfenger/battrig/pkg/usbiss"

	"github.com/stretchr/testify/assert"
)

func nominal() usbiss.Telemetry {
	return usbiss.Telemetry{CellMin: 3.6, CellMax: 3.7, MosfetTemp: 25, PackTemp: 25, Current: 1}
}

func TestSafetyNominal(t *testing.T) {
	assert := assert.New(t)
	m := NewSafetyMonitor(util.LoadTestConfig().Safety)

	assert.True(m.CheckLevel1(nominal(), time.Minute).Safe)
	assert.True(m.CheckLevel2(nominal(), time.Minute).Safe)
}

func TestSafetyLevel1(t *testing.T) {
	assert := assert.New(t)
	m := NewSafetyMonitor(util.LoadTestConfig().Safety)

	tel := nominal()
	tel.CellMax = 4.2
	v := m.CheckLevel1(tel, time.Minute)
	assert.False(v.Safe)
	assert.True(v.Flag.Has(usbiss.FlagOverVoltageL1))
	assert.True(v.Flag.Has(usbiss.FlagNotSafeL1))
	assert.False(v.Flag.Has(usbiss.FlagNotSafeL2))
	assert.Equal(4.2, v.Value)
	assert.Equal(4.15, v.Limit)
	// below the level 2 limit
	assert.True(m.CheckLevel2(tel, time.Minute).Safe)

	tel = nominal()
	tel.CellMin = 2.9
	v = m.CheckLevel1(tel, time.Minute)
	assert.False(v.Safe)
	assert.True(v.Flag.Has(usbiss.FlagUnderVoltageL1))
	assert.Contains(v.Message, "< limit")
}

func TestSafetyLevel1Precedence(t *testing.T) {
	m := NewSafetyMonitor(util.LoadTestConfig().Safety)

	// a spread pack reports the undervoltage first
	tel := nominal()
	tel.CellMin = 2.9
	tel.CellMax = 4.2
	v := m.CheckLevel1(tel, time.Minute)
	assert.False(t, v.Safe)
	assert.True(t, v.Flag.Has(usbiss.FlagUnderVoltageL1))
	assert.False(t, v.Flag.Has(usbiss.FlagOverVoltageL1))
}

func TestSafetyNonFiniteReadings(t *testing.T) {
	m := NewSafetyMonitor(util.LoadTestConfig().Safety)

	tests := []struct {
		name   string
		mutate func(t *usbiss.Telemetry)
	}{
		{"nan cell min and max", func(t *usbiss.Telemetry) {
			t.Cells[0] = 4.6
			t.Cells[1] = math.NaN()
			t.CellMin, t.CellMax = math.NaN(), math.NaN()
		}},
		{"inf cell", func(t *usbiss.Telemetry) { t.Cells[4] = math.Inf(1) }},
		{"nan current", func(t *usbiss.Telemetry) { t.Current = math.NaN() }},
		{"negative inf pack temp", func(t *usbiss.Telemetry) { t.PackTemp = math.Inf(-1) }},
		{"nan mosfet temp", func(t *usbiss.Telemetry) { t.MosfetTemp = math.NaN() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := assert.New(t)
			tel := nominal()
			tt.mutate(&tel)

			v2 := m.CheckLevel2(tel, time.Minute)
			assert.False(v2.Safe)
			assert.True(v2.Flag.Has(usbiss.FlagBadReading | usbiss.FlagNotSafeL2))
			assert.False(math.IsNaN(v2.Value))

			v1 := m.CheckLevel1(tel, time.Minute)
			assert.False(v1.Safe)
			assert.True(v1.Flag.Has(usbiss.FlagBadReading | usbiss.FlagNotSafeL1))
		})
	}
}

func TestSafetyLevel2Precedence(t *testing.T) {
	assert := assert.New(t)
	m := NewSafetyMonitor(util.LoadTestConfig().Safety)

	tel := nominal()
	tel.CellMax = 4.3
	tel.Current = 40
	tel.MosfetTemp = 90
	v := m.CheckLevel2(tel, time.Minute)
	assert.False(v.Safe)
	assert.True(v.Flag.Has(usbiss.FlagOverVoltageL2))
	assert.False(v.Flag.Has(usbiss.FlagOverCurrent))
	assert.True(v.Flag.Has(usbiss.FlagNotSafeL2))

	tel.CellMax = 3.7
	v = m.CheckLevel2(tel, time.Minute)
	assert.True(v.Flag.Has(usbiss.FlagOverCurrent))
	assert.Equal(40.0, v.Value)

	tel.Current = 1
	v = m.CheckLevel2(tel, time.Minute)
	assert.True(v.Flag.Has(usbiss.FlagOverTempMosfet))

	tel.MosfetTemp = 25
	tel.PackTemp = 60
	v = m.CheckLevel2(tel, time.Minute)
	assert.True(v.Flag.Has(usbiss.FlagOverTempCells))
}

func TestSafetyGracePeriod(t *testing.T) {
	assert := assert.New(t)
	cfg := util.LoadTestConfig().Safety
	cfg.GracePeriod = 10 * time.Second
	m := NewSafetyMonitor(cfg)

	tel := nominal()
	tel.CellMax = 4.5
	assert.True(m.CheckLevel1(tel, 5*time.Second).Safe)
	assert.True(m.CheckLevel2(tel, 5*time.Second).Safe)
	assert.False(m.CheckLevel2(tel, 10*time.Second).Safe)
}
