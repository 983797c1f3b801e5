package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/events"
	"github.com/berfenger/battrig/internal/core/port"
	"github.com/berfenger/battrig/internal/core/service"
	. "github.com/berfenger/battrig/internal/util/actorutil"
	"github.com/berfenger/battrig/pkg/usbiss"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

// StepSequencerActor walks the recipe of one run, one step at a time. Device
// commands go through the inverter lane of the control loop, everything else
// is observed through the run state and the link records.
type StepSequencerActor struct {
	ActorWithStates
	scheduler  *scheduler.TimerScheduler
	cancelTick scheduler.CancelFunc

	run       *domain.TestRun
	loop      *service.ControlLoop
	inverter  port.InverterLink
	battery   port.BatteryLink
	publisher events.Publisher
	cfg       config.ControlConfig
	logger    *zap.Logger

	Now func() time.Time

	completed int
}

// SequenceFinished is sent to the parent when the sequencer stops driving the run.
type SequenceFinished struct {
	RunID string
	State domain.RunState
}

type sequencerTick struct {
}

func NewStepSequencerActor(run *domain.TestRun, loop *service.ControlLoop, inverter port.InverterLink, battery port.BatteryLink,
	publisher events.Publisher, cfg config.ControlConfig, logger *zap.Logger) *StepSequencerActor {
	act := &StepSequencerActor{
		run:       run,
		loop:      loop,
		inverter:  inverter,
		battery:   battery,
		publisher: publisher,
		cfg:       cfg,
		logger:    ActorLogger(domain.ACTOR_ID_SEQUENCER, logger).With(zap.String("run_id", run.ID)),
		Now:       time.Now,
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(SQStartingState{
		actor: act,
	})
	return act
}

func (state *StepSequencerActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

// Starting state

type SQStartingState struct {
	ActorState
	actor *StepSequencerActor
}

func (state SQStartingState) Name() string {
	return "starting"
}

func (state SQStartingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("sequencer@starting started", zap.Int("steps", len(state.actor.run.Recipe)))
		state.actor.scheduler = scheduler.NewTimerScheduler(ctx)
		state.actor.beginStep(ctx, 0)
	default:
		state.actor.common(ctx, state.Name(), msg)
	}
}

// Commanding state: the step command is queued on the inverter lane

type SQCommandingState struct {
	ActorState
	actor *StepSequencerActor
	index int
	step  domain.Step
}

func (state SQCommandingState) Name() string {
	return "commanding"
}

func (state SQCommandingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.LaneCommandResponse:
		err := msg.GetResponseError()
		switch {
		case errors.Is(err, service.ErrRunEnded):
			state.actor.logger.Info("sequencer@commanding run ended before step start", zap.Int("step", state.index+1))
			state.actor.interrupted(ctx)
		case err != nil:
			state.actor.stepFailed(ctx, state.index, err)
		default:
			state.actor.logger.Info("sequencer@commanding step started", zap.Int("step", state.index+1), zap.String("step_type", string(state.step.Type)))
			state.actor.Become(SQStepState{
				actor: state.actor,
				index: state.index,
				step:  state.step,
			}.OnEnter(ctx))
		}
	default:
		state.actor.common(ctx, state.Name(), msg)
	}
}

// Step state: polls the exit conditions on every tick

type SQStepState struct {
	ActorState
	actor    *StepSequencerActor
	index    int
	step     domain.Step
	started  time.Time
	baseline float64
}

func (state SQStepState) Name() string {
	return "step"
}

func (state SQStepState) OnEnter(ctx actor.Context) SQStepState {
	state.started = state.actor.Now()
	state.baseline = state.actor.inverter.State().Capacity
	interval := state.actor.cfg.SequencerPollInterval
	state.actor.cancelTick = state.actor.scheduler.SendRepeatedly(interval, interval, ctx.Self(), sequencerTick{})
	return state
}

func (state SQStepState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case sequencerTick:
		state.poll(ctx)
	default:
		state.actor.common(ctx, state.Name(), msg)
	}
}

func (state SQStepState) poll(ctx actor.Context) {
	a := state.actor
	if a.run.State().Terminal() {
		a.stopTick()
		a.logger.Info("sequencer@step run ended externally", zap.Int("step", state.index+1), zap.String("state", string(a.run.State())))
		a.interrupted(ctx)
		return
	}

	telemetry := a.battery.Telemetry()
	if telemetry.Flags.Has(usbiss.FlagNotSafeL1) {
		message := fmt.Sprintf("step %d ended early: %s", state.index+1, telemetry.Flags)
		a.logger.Warn("sequencer@step level 1 flag", zap.Int("step", state.index+1), zap.String("flags", telemetry.Flags.String()))
		a.publisher.Event(a.run.ID, domain.EVENT_REST, domain.TRIGGER_SAFETY_CHECK_L1, message, telemetry.CellMax)
		a.endStep(ctx, state.index, true)
		return
	}

	if state.step.Type == domain.STEP_CC_CHARGE && state.step.CapacityLimit > 0 {
		charged := a.inverter.State().Capacity - state.baseline
		if charged > state.step.CapacityLimit {
			a.logger.Info("sequencer@step capacity limit reached", zap.Int("step", state.index+1),
				zap.Float64("capacity", charged), zap.Float64("limit", state.step.CapacityLimit))
			a.endStep(ctx, state.index, true)
			return
		}
	}

	if a.Now().Sub(state.started) >= state.step.Timeout {
		a.logger.Debug("sequencer@step timeout reached", zap.Int("step", state.index+1))
		a.endStep(ctx, state.index, true)
	}
}

// Resting state: the inverter is being returned to rest after a step

type SQRestingState struct {
	ActorState
	actor     *StepSequencerActor
	index     int
	succeeded bool
}

func (state SQRestingState) Name() string {
	return "resting"
}

func (state SQRestingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.LaneCommandResponse:
		err := msg.GetResponseError()
		if errors.Is(err, service.ErrRunEnded) {
			state.actor.interrupted(ctx)
			return
		}
		if err != nil {
			state.actor.logger.Warn("sequencer@resting rest command failed", zap.Int("step", state.index+1), zap.Error(err))
		}
		state.actor.battery.ClearLevel1()
		if state.succeeded {
			state.actor.completed++
		}
		state.actor.beginStep(ctx, state.index+1)
	default:
		state.actor.common(ctx, state.Name(), msg)
	}
}

// Done state

type SQDoneState struct {
	ActorState
	actor *StepSequencerActor
}

func (state SQDoneState) Name() string {
	return "done"
}

func (state SQDoneState) Receive(ctx actor.Context) {
	state.actor.common(ctx, state.Name(), ctx.Message())
}

// common handles the messages every state answers the same way.
func (state *StepSequencerActor) common(ctx actor.Context, stateName string, msg any) {
	switch msg.(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_SEQUENCER,
			Healthy: true,
			State:   stateName,
		})
	case *actor.Stopping:
		state.stopTick()
	case sequencerTick:
		// stale tick from a finished step
	default:
		state.logger.Debug(fmt.Sprintf("sequencer@%s recv", stateName), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *StepSequencerActor) beginStep(ctx actor.Context, index int) {
	recipe := state.run.Recipe
	if index >= len(recipe) {
		state.complete(ctx)
		return
	}
	if state.run.State().Terminal() {
		state.interrupted(ctx)
		return
	}
	step := recipe[index]
	state.publisher.Event(state.run.ID, step.Type.EventName(), domain.TRIGGER_RECIPE,
		fmt.Sprintf("step %d/%d: %s", index+1, len(recipe), step.Type), float64(index+1))

	var action port.Action
	switch step.Type {
	case domain.STEP_CC_CHARGE:
		action = state.inverter.Charge
	case domain.STEP_CC_DISCHARGE:
		action = state.inverter.Invert
	default:
		action = state.inverter.Rest
	}
	state.submit(ctx, fmt.Sprintf("step-%d", index+1), action)
	state.Become(SQCommandingState{
		actor: state,
		index: index,
		step:  step,
	})
}

func (state *StepSequencerActor) endStep(ctx actor.Context, index int, succeeded bool) {
	state.stopTick()
	state.submit(ctx, fmt.Sprintf("step-%d-rest", index+1), state.inverter.Rest)
	state.Become(SQRestingState{
		actor:     state,
		index:     index,
		succeeded: succeeded,
	})
}

// stepFailed records a step fault and moves on to the next step.
func (state *StepSequencerActor) stepFailed(ctx actor.Context, index int, err error) {
	state.logger.Error("sequencer step failed", zap.Int("step", index+1), zap.Error(err))
	state.publisher.Event(state.run.ID, domain.EVENT_REST, domain.TRIGGER_ERROR,
		fmt.Sprintf("step %d failed: %v", index+1, err), float64(index+1))
	state.endStep(ctx, index, false)
}

func (state *StepSequencerActor) submit(ctx actor.Context, name string, action port.Action) {
	PipeToSelfWithRecover(ctx, state.loop.SubmitCommand(name, action), func(err error) any {
		return domain.LaneCommandResponse{
			ActorResponseMixIn: domain.ErrorResponse(err),
			Name:               name,
		}
	})
}

func (state *StepSequencerActor) complete(ctx actor.Context) {
	total := len(state.run.Recipe)
	result := fmt.Sprintf("completed %d/%d steps", state.completed, total)
	if state.run.Finish(domain.RUN_STATE_FINISHED, result, state.Now().Add(state.cfg.SettlingWindow)) {
		state.logger.Info("sequencer: run finished", zap.String("result", result))
		state.publisher.RunState(state.run)
		state.publisher.Event(state.run.ID, domain.EVENT_STOP, domain.TRIGGER_RECIPE, result, float64(state.completed))
	}
	state.done(ctx)
}

// interrupted stops driving a run that was ended by someone else. The
// inverter is left as the terminating party set it.
func (state *StepSequencerActor) interrupted(ctx actor.Context) {
	state.logger.Info("sequencer: run interrupted", zap.String("state", string(state.run.State())), zap.Int("completed", state.completed))
	state.done(ctx)
}

func (state *StepSequencerActor) done(ctx actor.Context) {
	state.stopTick()
	if parent := ctx.Parent(); parent != nil {
		ctx.Send(parent, SequenceFinished{
			RunID: state.run.ID,
			State: state.run.State(),
		})
	}
	state.Become(SQDoneState{
		actor: state,
	})
}

func (state *StepSequencerActor) stopTick() {
	if state.cancelTick != nil {
		state.cancelTick()
		state.cancelTick = nil
	}
}
