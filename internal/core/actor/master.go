package actor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	adactor "github.com/berfenger/battrig/internal/adapter/actor"
	"github.com/berfenger/battrig/internal/adapter/journal"
	"github.com/berfenger/battrig/internal/adapter/lane"
	"github.com/berfenger/battrig/internal/adapter/serialport"
	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/events"
	"github.com/berfenger/battrig/internal/core/port"
	"github.com/berfenger/battrig/internal/core/service"
	. "github.com/berfenger/battrig/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const INVERTER_STOP_COMMAND = "inverter-stop"

var (
	ErrEmptyRecipe   = errors.New("recipe has no steps")
	ErrOpenAbandoned = errors.New("device channels opened after the deadline")
)

// RigMasterActor owns the test runs: it opens the device channels, starts the
// control loop and the sequencer, and tears everything down when a run ends.
// Only one run is active at a time.
type RigMasterActor struct {
	config    config.Config
	behavior  actor.Behavior
	stash     *Stash
	stateName string

	eventStream *eventstream.EventStream
	publisher   events.Publisher
	journal     *journal.Journal
	registry    *serialport.Registry
	sched       *lane.Scheduler
	timers      *scheduler.TimerScheduler
	mqttActor   *actor.PID

	inverterProvider  InverterProvider
	batteryProvider   BatteryProvider
	mqttActorProvider MQTTActorProvider

	// current or last run
	run            *domain.TestRun
	loop           *service.ControlLoop
	inverter       port.InverterLink
	battery        port.BatteryLink
	sequencer      *actor.PID
	active         bool
	stopping       bool
	pendingStart   *pendingStart
	cancelTeardown scheduler.CancelFunc

	currentHealthCheck healthCheckResult
	logger             *zap.Logger
}

type pendingStart struct {
	request domain.StartTestRequest
	replyTo *actor.PID
}

// openAttempt settles the race between a channel open finishing and its deadline.
type openAttempt struct {
	mu        sync.Mutex
	abandoned bool
	completed bool
}

// complete reports false if the attempt was already abandoned.
func (a *openAttempt) complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.abandoned {
		return false
	}
	a.completed = true
	return true
}

// abandon reports true if the channels were acquired and must be released by the caller.
func (a *openAttempt) abandon() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.abandoned = true
	return a.completed
}

type linksOpened struct {
	inverter port.InverterLink
	battery  port.BatteryLink
	err      error
}

type runTerminated struct {
	runID string
	state domain.RunState
}

type teardownDue struct {
	runID string
}

type healthCheckResult struct {
	mqttActorHealthy bool
	respondTo        *actor.PID
}

// NewRigMasterActor builds the master. A nil mqttActorProvider disables the MQTT bridge.
func NewRigMasterActor(config config.Config, registry *serialport.Registry, inverterProvider InverterProvider,
	batteryProvider BatteryProvider, mqttActorProvider MQTTActorProvider, logger *zap.Logger) *RigMasterActor {
	eventStream := &eventstream.EventStream{}
	act := &RigMasterActor{
		config:            config,
		behavior:          actor.NewBehavior(),
		stash:             &Stash{},
		logger:            ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:       eventStream,
		publisher:         events.NewPublisher(eventStream),
		journal:           journal.NewJournal(logger),
		registry:          registry,
		inverterProvider:  inverterProvider,
		batteryProvider:   batteryProvider,
		mqttActorProvider: mqttActorProvider,
	}
	act.become("starting", act.StartingReceive)
	return act
}

func (state *RigMasterActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

// EventStream carries the run state, events and samples of every run.
func (state *RigMasterActor) EventStream() *eventstream.EventStream {
	return state.eventStream
}

func (state *RigMasterActor) Journal() *journal.Journal {
	return state.journal
}

func (state *RigMasterActor) become(name string, receive actor.ReceiveFunc) {
	state.stateName = name
	state.behavior.Become(receive)
}

func (state *RigMasterActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		state.sched = lane.NewScheduler(ctx.ActorSystem(), state.logger)
		state.timers = scheduler.NewTimerScheduler(ctx)
		state.journal.Attach(state.eventStream)

		if state.mqttActorProvider != nil {
			mqttActorPID, err := state.startMQTTActor(ctx)
			if err != nil {
				panic(err)
			}
			state.mqttActor = mqttActorPID
		}

		state.become("idle", state.IdleReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *RigMasterActor) IdleReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.StartTestRequest:
		state.logger.Info("master@idle StartTestRequest", zap.String("description", msg.Description), zap.Int("steps", len(msg.Recipe)))
		replyTo := ForRequest(msg).ReplyTo(ctx)
		if len(msg.Recipe) == 0 {
			state.send(ctx, replyTo, domain.StartTestResponse{ActorResponseMixIn: domain.ErrorResponse(ErrEmptyRecipe)})
			return
		}
		state.pendingStart = &pendingStart{request: msg, replyTo: replyTo}
		attempt := &openAttempt{}
		NewBackgroundTask(ctx, func() (*linksOpened, error) {
			return state.openLinks(attempt)
		}).
			WithTimeout(state.config.Control.CommandTimeout).
			Recover(func(err error) linksOpened {
				if attempt.abandon() {
					// the channels were acquired right as the deadline hit
					state.releaseChannels()
				}
				return linksOpened{err: err}
			}).
			PipeTo(ctx.Self())
		state.become("opening", state.OpeningReceive)
	case domain.StopTestRequest:
		ForRequest(msg).Respond(ctx, domain.StopTestResponse{Stopped: false})
	default:
		state.common(ctx, msg)
	}
}

func (state *RigMasterActor) OpeningReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case linksOpened:
		start := state.pendingStart
		if msg.err != nil {
			state.logger.Error("master@opening could not open device channels", zap.Error(msg.err))
			state.pendingStart = nil
			state.send(ctx, start.replyTo, domain.StartTestResponse{ActorResponseMixIn: domain.ErrorResponse(msg.err)})
			state.become("idle", state.IdleReceive)
			state.stash.UnstashAll(ctx)
			return
		}
		state.startRun(ctx, start.request, msg.inverter, msg.battery)
	case domain.LaneCommandResponse:
		// VE.Bus configuration outcome
		start := state.pendingStart
		state.pendingStart = nil
		if err := msg.GetResponseError(); err != nil {
			state.logger.Error("master@opening inverter configuration failed", zap.Error(err))
			state.failRun(ctx, fmt.Sprintf("inverter configuration failed: %v", err))
			state.send(ctx, start.replyTo, domain.StartTestResponse{ActorResponseMixIn: domain.ErrorResponse(err), RunID: state.run.ID})
			state.shutdownDevices(ctx)
			return
		}
		state.run.Start(time.Now())
		state.publisher.RunState(state.run)
		state.sequencer = state.startSequencer(ctx)
		state.logger.Info("master@opening run started", zap.String("run_id", state.run.ID))
		state.send(ctx, start.replyTo, domain.StartTestResponse{RunID: state.run.ID})
		state.become("running", state.RunningReceive)
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthRequest, domain.GetRunStatusRequest, *actor.Stopping:
		state.common(ctx, msg)
	default:
		state.logger.Debug("master@opening stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *RigMasterActor) RunningReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.StartTestRequest:
		ForRequest(msg).Respond(ctx, domain.StartTestResponse{ActorResponseMixIn: domain.ErrorResponse(domain.ErrRunActive)})
	case domain.StopTestRequest:
		reason := msg.Reason
		if reason == "" {
			reason = "stopped by operator"
		}
		stopped := state.run.Finish(domain.RUN_STATE_STOPPED, reason, time.Now())
		if stopped {
			state.logger.Info("master@running run stopped", zap.String("run_id", state.run.ID), zap.String("reason", reason))
			state.publisher.RunState(state.run)
			state.publisher.Event(state.run.ID, domain.EVENT_STOP, domain.TRIGGER_OPERATOR, reason, 0)
			state.shutdownDevices(ctx)
		} else if state.run.State() == domain.RUN_STATE_FINISHED {
			// skip the rest of the settling window
			state.shutdownDevices(ctx)
		}
		ForRequest(msg).Respond(ctx, domain.StopTestResponse{Stopped: stopped})
	case runTerminated:
		if msg.runID == state.run.ID {
			state.logger.Info("master@running run terminated by safety check", zap.String("state", string(msg.state)))
			state.shutdownDevices(ctx)
		}
	case SequenceFinished:
		if msg.RunID != state.run.ID {
			return
		}
		state.sequencer = nil
		if msg.State != domain.RUN_STATE_FINISHED {
			state.shutdownDevices(ctx)
			return
		}
		delay := time.Until(state.run.FinishedAt())
		state.logger.Info("master@running sequence finished, settling", zap.Duration("settling", delay))
		if delay <= 0 {
			state.shutdownDevices(ctx)
			return
		}
		state.cancelTeardown = state.timers.SendOnce(delay, ctx.Self(), teardownDue{runID: msg.RunID})
	case teardownDue:
		if msg.runID == state.run.ID {
			state.shutdownDevices(ctx)
		}
	case domain.LaneCommandResponse:
		if msg.Name != INVERTER_STOP_COMMAND {
			return
		}
		if err := msg.GetResponseError(); err != nil {
			state.logger.Error("master@running inverter stop failed", zap.Error(err))
		}
		state.teardown(ctx)
	default:
		state.common(ctx, msg)
	}
}

func (state *RigMasterActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// no answer means not healthy
		ctx.CancelReceiveTimeout()
		state.currentHealthCheck.respond(ctx, state.stateName)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		ctx.CancelReceiveTimeout()
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.mqttActorHealthy = msg.Healthy
		state.currentHealthCheck.respond(ctx, state.stateName)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// common handles the requests every state answers the same way.
func (state *RigMasterActor) common(ctx actor.Context, msg any) {
	switch msg := msg.(type) {
	case domain.GetRunStatusRequest:
		ForRequest(msg).Respond(ctx, state.status())
	case domain.ActorHealthRequest:
		state.logger.Debug(fmt.Sprintf("master@%s ActorHealthRequest", state.stateName))
		state.currentHealthCheck = healthCheckResult{respondTo: ctx.Sender()}
		if state.mqttActor == nil {
			state.currentHealthCheck.mqttActorHealthy = true
			state.currentHealthCheck.respond(ctx, state.stateName)
			return
		}
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
			return domain.ActorHealthResponse{
				Id:      domain.ACTOR_ID_MQTT,
				Healthy: false,
			}
		})
		ctx.SetReceiveTimeout(1 * time.Second)
		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case adactor.ParsedCommand:
		state.logger.Debug(fmt.Sprintf("master@%s parsedCommand", state.stateName), zap.Any("command", msg.Command))
		if msg.Command == nil {
			return
		}
		cmd, err := ParsedMQTTCommandToCommand(*msg.Command)
		if err != nil {
			state.logger.Warn("master: ignoring MQTT command", zap.Error(err))
			return
		}
		ctx.Send(ctx.Self(), cmd)
	case *actor.Stopping:
		state.stop()
	case *actor.Terminated:
		state.logger.Debug(fmt.Sprintf("master@%s child terminated", state.stateName), zap.String("who", msg.Who.Id))
	default:
		state.logger.Debug(fmt.Sprintf("master@%s recv", state.stateName), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// openLinks runs outside the actor. When the attempt was abandoned on timeout
// the channels it acquired late are released again.
func (state *RigMasterActor) openLinks(attempt *openAttempt) (*linksOpened, error) {
	invChannel, err := state.registry.Acquire(state.config.Inverter.SerialConfig)
	if err != nil {
		return nil, fmt.Errorf("inverter: %w", err)
	}
	batChannel, err := state.registry.Acquire(state.config.Battery.SerialConfig)
	if err != nil {
		state.registry.Release(state.config.Inverter.Port)
		return nil, fmt.Errorf("battery: %w", err)
	}
	if !attempt.complete() {
		state.logger.Warn("master: device channels opened after the deadline, releasing")
		state.releaseChannels()
		return nil, ErrOpenAbandoned
	}
	return &linksOpened{
		inverter: state.inverterProvider(state.config.Inverter, invChannel),
		battery:  state.batteryProvider(state.config.Battery, batChannel),
	}, nil
}

func (state *RigMasterActor) startRun(ctx actor.Context, req domain.StartTestRequest, inverter port.InverterLink, battery port.BatteryLink) {
	description := req.Description
	if description == "" {
		description = state.config.Description
	}
	run := domain.NewTestRun(description, req.Recipe)
	self := ctx.Self()
	root := ctx.ActorSystem().Root

	state.run = run
	state.inverter = inverter
	state.battery = battery
	state.active = true
	state.stopping = false
	state.loop = service.NewControlLoop(run, inverter, battery, state.sched,
		service.NewSafetyMonitor(state.config.Safety), state.publisher, state.config.Control, state.logger,
		func(s domain.RunState) {
			root.Send(self, runTerminated{runID: run.ID, state: s})
		})
	state.publisher.RunState(run)

	if err := state.loop.Start(); err != nil {
		state.logger.Error("master@opening duty registration failed", zap.Error(err))
		start := state.pendingStart
		state.pendingStart = nil
		state.failRun(ctx, fmt.Sprintf("duty registration failed: %v", err))
		state.send(ctx, start.replyTo, domain.StartTestResponse{ActorResponseMixIn: domain.ErrorResponse(err), RunID: run.ID})
		// no device was commanded yet
		state.teardown(ctx)
		return
	}

	PipeToSelfWithRecover(ctx, state.loop.SubmitCommand("configure", inverter.Configure), func(err error) any {
		return domain.LaneCommandResponse{
			ActorResponseMixIn: domain.ErrorResponse(err),
			Name:               "configure",
		}
	})
}

func (state *RigMasterActor) failRun(ctx actor.Context, reason string) {
	if state.run.Finish(domain.RUN_STATE_FAILED, reason, time.Now()) {
		state.publisher.RunState(state.run)
		state.publisher.Event(state.run.ID, domain.EVENT_STOP, domain.TRIGGER_ERROR, reason, 0)
	}
}

// shutdownDevices cancels the duties and switches the inverter off. The
// channels are released once the stop command went through.
func (state *RigMasterActor) shutdownDevices(ctx actor.Context) {
	if !state.active || state.stopping {
		return
	}
	state.stopping = true
	state.become("stopping", state.RunningReceive)
	state.loop.Stop()
	if state.cancelTeardown != nil {
		state.cancelTeardown()
		state.cancelTeardown = nil
	}
	if state.sequencer != nil {
		ctx.Stop(state.sequencer)
		state.sequencer = nil
	}
	PipeToSelfWithRecover(ctx, state.sched.Submit(state.loop.InverterLane(), INVERTER_STOP_COMMAND, state.inverter.Stop, state.config.Control.CommandTimeout),
		func(err error) any {
			return domain.LaneCommandResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Name:               INVERTER_STOP_COMMAND,
			}
		})
}

// teardown releases the run resources. Only the first call has an effect.
func (state *RigMasterActor) teardown(ctx actor.Context) {
	if !state.active {
		return
	}
	state.active = false
	state.stopping = false
	state.loop.Stop()
	if state.sequencer != nil {
		ctx.Stop(state.sequencer)
		state.sequencer = nil
	}
	state.releaseChannels()
	state.publisher.RunState(state.run)
	state.logger.Info("master: run closed", zap.String("run_id", state.run.ID), zap.String("state", string(state.run.State())))
	state.become("idle", state.IdleReceive)
	state.stash.UnstashAll(ctx)
}

func (state *RigMasterActor) releaseChannels() {
	for _, p := range []string{state.config.Inverter.Port, state.config.Battery.Port} {
		if err := state.registry.Release(p); err != nil {
			state.logger.Warn("master: channel release failed", zap.String("port", p), zap.Error(err))
		}
	}
}

func (state *RigMasterActor) status() domain.GetRunStatusResponse {
	resp := domain.GetRunStatusResponse{Active: state.active}
	if state.run == nil {
		return resp
	}
	snap := state.run.Snapshot()
	resp.Run = &snap
	resp.Events = state.journal.Events(snap.ID)
	if state.inverter != nil {
		resp.Inverter = state.inverter.State()
	}
	if state.battery != nil {
		resp.Battery = state.battery.Telemetry()
	}
	return resp
}

func (state *RigMasterActor) stop() {
	state.logger.Debug("master: stopping")
	if state.active {
		state.run.Finish(domain.RUN_STATE_STOPPED, "rig shutdown", time.Now())
		state.loop.Stop()
		if err := state.loop.StopInverter(); err != nil {
			state.logger.Error("master: inverter stop failed", zap.Error(err))
		}
		state.active = false
		state.releaseChannels()
		state.publisher.RunState(state.run)
	}
	if state.sched != nil {
		state.sched.Close()
	}
	state.journal.Detach()
}

func (state *RigMasterActor) send(ctx actor.Context, pid *actor.PID, msg any) {
	if pid != nil {
		ctx.Send(pid, msg)
	}
}

func (state *RigMasterActor) startSequencer(ctx actor.Context) *actor.PID {
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewStepSequencerActor(state.run, state.loop, state.inverter, state.battery, state.publisher, state.config.Control, state.logger)
	})
	return ctx.SpawnPrefix(props, domain.ACTOR_ID_SEQUENCER)
}

func (state *RigMasterActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *healthCheckResult) respond(ctx actor.Context, stateName string) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.mqttActorHealthy,
		State:   stateName,
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
