package domain

import "time"

type StepType string

const (
	STEP_CC_CHARGE    StepType = "CC_CHARGE"
	STEP_CC_DISCHARGE StepType = "CC_DISCHARGE"
	STEP_REST         StepType = "REST"
)

type Step struct {
	Type    StepType
	Timeout time.Duration
	// CapacityLimit in Ah, only used by CC_CHARGE. Zero disables it.
	CapacityLimit float64
}

// Recipe is the ordered list of steps of a test. It is not modified once loaded.
type Recipe []Step

// EventName returns the event recorded when the step starts.
func (t StepType) EventName() EventName {
	switch t {
	case STEP_CC_CHARGE:
		return EVENT_CHARGE
	case STEP_CC_DISCHARGE:
		return EVENT_DISCHARGE
	default:
		return EVENT_REST
	}
}
