package domain

import (
	"time"
)

type EventName string

type EventTrigger string

const (
	EVENT_CHARGE    EventName = "CHARGE"
	EVENT_REST      EventName = "REST"
	EVENT_DISCHARGE EventName = "DISCHARGE"
	EVENT_STOP      EventName = "STOP"

	TRIGGER_RECIPE          EventTrigger = "RECIPE"
	TRIGGER_SAFETY_CHECK_L1 EventTrigger = "SAFETY_CHECK_L1"
	TRIGGER_SAFETY_CHECK_L2 EventTrigger = "SAFETY_CHECK_L2"
	TRIGGER_ERROR           EventTrigger = "ERROR"
	TRIGGER_OPERATOR        EventTrigger = "OPERATOR"
)

// TestEvent is appended on step transitions and safety triggers.
type TestEvent struct {
	RunID     string       `json:"run_id"`
	Name      EventName    `json:"name"`
	Trigger   EventTrigger `json:"trigger"`
	Message   string       `json:"message"`
	Value     float64      `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
}

// ResultSample is one TestResult row.
type ResultSample struct {
	Field     string
	Value     float64
	Timestamp time.Time
}

// Event stream messages

type RunStateChanged struct {
	Run TestRunSnapshot
}

type TestEventRecorded struct {
	Event TestEvent
}

type ResultsSampled struct {
	RunID   string
	Samples []ResultSample
}

type BridgeStateUpdateEvent struct {
	Online bool
}
