package domain

import "fmt"

const (
	SWITCH_ID_TEST_RUN = "test_run"
)

// RigControlRequest is an operator command coming from outside the process.
type RigControlRequest interface {
	ActorRequest
	RigControlCommand() string
}

type RigControlRequestMixIn struct {
	ActorRequestMixIn
}

func (r RigControlRequestMixIn) RigControlCommand() string {
	return fmt.Sprintf("%T", r)
}

// StopTestRequest aborts the active run. The run ends STOPPED.
type StopTestRequest struct {
	RigControlRequestMixIn
	Reason string
}

type StopTestResponse struct {
	ActorResponseMixIn
	// Stopped is false when there was no active run.
	Stopped bool
}

// ensure interface compliance
var _ RigControlRequest = (*StopTestRequest)(nil)
