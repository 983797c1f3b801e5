package events

import (
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/pkg/usbiss"
	"github.com/berfenger/battrig/pkg/vebus"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
)

func TestBatteryTelemetryToSamples(t *testing.T) {
	assert := assert.New(t)

	tm := usbiss.Telemetry{CellMin: 3.6, CellMax: 3.8, PackTemp: 30, MosfetTemp: 35, Current: -4}
	for i := range tm.Cells {
		tm.Cells[i] = 3.6 + float64(i)*0.01
	}
	ts := time.Now()
	samples := BatteryTelemetryToSamples(tm, ts)
	assert.Len(samples, usbiss.CELL_COUNT+5)

	byField := map[string]float64{}
	for _, s := range samples {
		assert.Equal(ts, s.Timestamp)
		byField[s.Field] = s.Value
	}
	assert.InDelta(3.6, byField["cv_1"], 1e-9)
	assert.InDelta(3.68, byField["cv_9"], 1e-9)
	assert.Equal(-4.0, byField[FIELD_PACK_CURRENT])
	assert.Equal(30.0, byField[FIELD_PACK_TEMP])
}

func TestInverterStateToSamples(t *testing.T) {
	samples := InverterStateToSamples(vebus.State{Setpoint: -1000, Capacity: 1.5, DCVoltage: 26.4}, time.Now())
	assert.Len(t, samples, 6)
	assert.Equal(t, FIELD_SETPOINT, samples[0].Field)
	assert.Equal(t, -1000.0, samples[0].Value)
	assert.Equal(t, 1.5, samples[5].Value)
}

func TestPublisher(t *testing.T) {
	assert := assert.New(t)

	es := &eventstream.EventStream{}
	var got []any
	sub := es.Subscribe(func(evt interface{}) {
		got = append(got, evt)
	})
	defer es.Unsubscribe(sub)

	p := NewPublisher(es)
	run := domain.NewTestRun("rig", nil)
	p.RunState(run)
	ev := p.Event(run.ID, domain.EVENT_STOP, domain.TRIGGER_RECIPE, "done", 0)
	p.Samples(run.ID, nil)

	assert.Len(got, 2)
	assert.Equal(domain.RUN_STATE_PENDING, got[0].(domain.RunStateChanged).Run.State)
	assert.Equal(ev, got[1].(domain.TestEventRecorded).Event)

	NewPublisher(nil).Event(run.ID, domain.EVENT_STOP, domain.TRIGGER_RECIPE, "", 0)
}
