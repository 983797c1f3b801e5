package events

import (
	"time"

	"github.com/berfenger/battrig/internal/core/domain"

	"github.com/asynkron/protoactor-go/eventstream"
)

// Publisher puts run events on the event stream. A nil stream discards them.
type Publisher struct {
	stream *eventstream.EventStream
}

func NewPublisher(stream *eventstream.EventStream) Publisher {
	return Publisher{stream: stream}
}

func (p Publisher) RunState(run *domain.TestRun) {
	p.publish(domain.RunStateChanged{Run: run.Snapshot()})
}

func (p Publisher) Event(runID string, name domain.EventName, trigger domain.EventTrigger, message string, value float64) domain.TestEvent {
	ev := domain.TestEvent{
		RunID:     runID,
		Name:      name,
		Trigger:   trigger,
		Message:   message,
		Value:     value,
		Timestamp: time.Now(),
	}
	p.publish(domain.TestEventRecorded{Event: ev})
	return ev
}

func (p Publisher) Samples(runID string, samples []domain.ResultSample) {
	if len(samples) == 0 {
		return
	}
	p.publish(domain.ResultsSampled{RunID: runID, Samples: samples})
}

func (p Publisher) publish(msg any) {
	if p.stream != nil {
		p.stream.Publish(msg)
	}
}
