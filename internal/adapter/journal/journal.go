package journal

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/berfenger/battrig/internal/core/domain"

	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// Journal keeps the result rows, events and last known state of every run seen
// on the event stream. When a sink is set each record is also written to it as
// one JSON document per line.
type Journal struct {
	logger *zap.Logger
	sink   io.Writer

	mu      sync.RWMutex
	runs    map[string]domain.TestRunSnapshot
	results map[string][]domain.ResultSample
	events  map[string][]domain.TestEvent

	subMu  sync.Mutex
	stream *eventstream.EventStream
	sub    *eventstream.Subscription
}

type record struct {
	Kind   string                  `json:"kind"`
	RunID  string                  `json:"run_id"`
	Run    *domain.TestRunSnapshot `json:"run,omitempty"`
	Event  *domain.TestEvent       `json:"event,omitempty"`
	Sample *domain.ResultSample    `json:"sample,omitempty"`
}

func NewJournal(logger *zap.Logger) *Journal {
	return &Journal{
		logger:  logger.With(zap.String("component", "journal")),
		runs:    map[string]domain.TestRunSnapshot{},
		results: map[string][]domain.ResultSample{},
		events:  map[string][]domain.TestEvent{},
	}
}

func (j *Journal) WithSink(w io.Writer) *Journal {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sink = w
	return j
}

// Attach subscribes the journal to es. A second call is a no-op.
func (j *Journal) Attach(es *eventstream.EventStream) {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if j.sub != nil {
		return
	}
	j.stream = es
	j.sub = es.Subscribe(j.Handle)
}

func (j *Journal) Detach() {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	if j.sub == nil {
		return
	}
	j.stream.Unsubscribe(j.sub)
	j.sub = nil
	j.stream = nil
}

// Handle records one event stream message. Unrelated messages are ignored.
func (j *Journal) Handle(evt interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch msg := evt.(type) {
	case domain.RunStateChanged:
		j.runs[msg.Run.ID] = msg.Run
		j.write(record{Kind: "run", RunID: msg.Run.ID, Run: &msg.Run})
	case domain.TestEventRecorded:
		j.events[msg.Event.RunID] = append(j.events[msg.Event.RunID], msg.Event)
		j.write(record{Kind: "event", RunID: msg.Event.RunID, Event: &msg.Event})
	case domain.ResultsSampled:
		j.results[msg.RunID] = append(j.results[msg.RunID], msg.Samples...)
		for i := range msg.Samples {
			j.write(record{Kind: "result", RunID: msg.RunID, Sample: &msg.Samples[i]})
		}
	}
}

func (j *Journal) write(r record) {
	if j.sink == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		j.logger.Error("journal: marshal failed", zap.String("kind", r.Kind), zap.Error(err))
		return
	}
	if _, err := j.sink.Write(append(b, '\n')); err != nil {
		j.logger.Error("journal: write failed", zap.String("kind", r.Kind), zap.Error(err))
	}
}

func (j *Journal) Run(runID string) (domain.TestRunSnapshot, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	run, ok := j.runs[runID]
	return run, ok
}

func (j *Journal) Events(runID string) []domain.TestEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]domain.TestEvent(nil), j.events[runID]...)
}

// Results returns the sampled rows of a run, optionally only those of field.
func (j *Journal) Results(runID string, field string) []domain.ResultSample {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []domain.ResultSample
	for _, s := range j.results[runID] {
		if field == "" || s.Field == field {
			out = append(out, s)
		}
	}
	return out
}
