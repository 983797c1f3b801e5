package port

import (
	"fmt"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
)

type Action func() error

// DutyHandle controls one registered periodic duty.
type DutyHandle interface {
	Name() string
	// Cancel stops the duty. Calling it more than once is a no-op.
	Cancel()
	Active() bool
}

// DutyScheduler runs actions on named lanes. Actions on the same lane never overlap.
type DutyScheduler interface {
	Register(name string, interval time.Duration, lane string, action Action) (DutyHandle, error)
	// Submit runs a one-off action on lane. The future resolves to a domain.LaneCommandResponse.
	Submit(lane, name string, action Action, timeout time.Duration) *actor.Future
}

// Await blocks until a Submit future resolves and returns the action error.
func Await(f *actor.Future) error {
	res, err := f.Result()
	if err != nil {
		return err
	}
	if resp, ok := res.(domain.LaneCommandResponse); ok {
		return resp.GetResponseError()
	}
	return fmt.Errorf("unexpected lane response %T", res)
}
