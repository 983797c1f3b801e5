package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/events"
	"github.com/berfenger/battrig/internal/core/port"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

const RESULTS_LANE = "results"

const (
	DUTY_SETPOINT = "inverter-setpoint"
	DUTY_BATTERY  = "battery-poll"
	DUTY_SAFETY   = "safety-check"
	DUTY_SAMPLING = "result-sampling"
)

// ErrRunEnded is returned by lane commands submitted after the run reached a terminal state.
var ErrRunEnded = errors.New("test run already ended")

// ControlLoop owns the four periodic duties of a run. Device access happens on
// the lane named after the device port so duties of one port never overlap.
type ControlLoop struct {
	run       *domain.TestRun
	inverter  port.InverterLink
	battery   port.BatteryLink
	sched     port.DutyScheduler
	monitor   SafetyMonitor
	publisher events.Publisher
	cfg       config.ControlConfig
	logger    *zap.Logger

	onTerminated func(state domain.RunState)

	Now func() time.Time

	mu      sync.Mutex
	handles []port.DutyHandle
	stopped bool
}

func NewControlLoop(
	run *domain.TestRun,
	inverter port.InverterLink,
	battery port.BatteryLink,
	sched port.DutyScheduler,
	monitor SafetyMonitor,
	publisher events.Publisher,
	cfg config.ControlConfig,
	logger *zap.Logger,
	onTerminated func(state domain.RunState),
) *ControlLoop {
	return &ControlLoop{
		run:          run,
		inverter:     inverter,
		battery:      battery,
		sched:        sched,
		monitor:      monitor,
		publisher:    publisher,
		cfg:          cfg,
		logger:       logger.With(zap.String("component", "control-loop"), zap.String("run_id", run.ID)),
		onTerminated: onTerminated,
		Now:          time.Now,
	}
}

func (l *ControlLoop) InverterLane() string {
	return l.inverter.Port()
}

func (l *ControlLoop) BatteryLane() string {
	return l.battery.Port()
}

// Start registers the duties. If any registration fails the ones already
// registered are cancelled and the error is returned.
func (l *ControlLoop) Start() error {
	duties := []struct {
		name     string
		interval time.Duration
		lane     string
		action   port.Action
	}{
		{DUTY_SETPOINT, l.cfg.SetpointInterval, l.InverterLane(), l.refreshInverter},
		{DUTY_BATTERY, l.cfg.BatteryInterval, l.BatteryLane(), l.pollBattery},
		{DUTY_SAFETY, l.cfg.SafetyInterval, l.BatteryLane(), l.checkSafety},
		{DUTY_SAMPLING, l.cfg.SamplingInterval, RESULTS_LANE, l.sample},
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return fmt.Errorf("control loop: %w", ErrRunEnded)
	}
	for _, d := range duties {
		h, err := l.sched.Register(d.name, d.interval, d.lane, d.action)
		if err != nil {
			l.cancelLocked()
			return fmt.Errorf("control loop: %w", err)
		}
		l.handles = append(l.handles, h)
	}
	l.logger.Info("control loop: duties registered", zap.Int("duties", len(l.handles)))
	return nil
}

// Stop cancels every duty. Only the first call has an effect.
func (l *ControlLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelLocked()
}

func (l *ControlLoop) cancelLocked() {
	if l.stopped {
		return
	}
	l.stopped = true
	for _, h := range l.handles {
		h.Cancel()
	}
	l.logger.Info("control loop: duties cancelled", zap.Int("duties", len(l.handles)))
}

// SubmitCommand queues a device command on the inverter lane. The command is
// skipped with ErrRunEnded if the run is already over when the lane gets to it.
func (l *ControlLoop) SubmitCommand(name string, action port.Action) *actor.Future {
	guarded := func() error {
		if l.run.State().Terminal() {
			return ErrRunEnded
		}
		return action()
	}
	return l.sched.Submit(l.InverterLane(), name, guarded, l.cfg.CommandTimeout)
}

// Command is SubmitCommand waiting for the outcome.
func (l *ControlLoop) Command(name string, action port.Action) error {
	return port.Await(l.SubmitCommand(name, action))
}

// StopInverter switches the inverter off regardless of the run state.
func (l *ControlLoop) StopInverter() error {
	return port.Await(l.sched.Submit(l.InverterLane(), "inverter-stop", l.inverter.Stop, l.cfg.CommandTimeout))
}

func (l *ControlLoop) refreshInverter() error {
	if !l.run.Sampling(l.Now()) {
		return nil
	}
	if err := l.inverter.PushSetpoint(); err != nil {
		l.logger.Warn("control loop: setpoint push failed", zap.Error(err))
		return err
	}
	if err := l.inverter.RefreshFrames(); err != nil {
		l.logger.Warn("control loop: frame refresh failed", zap.Error(err))
		return err
	}
	return nil
}

func (l *ControlLoop) pollBattery() error {
	if !l.run.Sampling(l.Now()) {
		return nil
	}
	if err := l.battery.KeepAlive(); err != nil {
		l.logger.Warn("control loop: battery keep-alive failed", zap.Error(err))
		return err
	}
	if err := l.battery.Poll(); err != nil {
		l.logger.Warn("control loop: battery poll failed", zap.Error(err))
		return err
	}
	return nil
}

func (l *ControlLoop) checkSafety() error {
	if !l.run.IsRunning() {
		return nil
	}
	now := l.Now()
	elapsed := l.run.Elapsed(now)
	telemetry := l.battery.Telemetry()

	if v := l.monitor.CheckLevel2(telemetry, elapsed); !v.Safe {
		l.battery.RaiseFlags(v.Flag)
		l.trip(v)
		return nil
	}
	if v := l.monitor.CheckLevel1(telemetry, elapsed); !v.Safe {
		l.battery.RaiseFlags(v.Flag)
		l.logger.Warn("control loop: level 1 limit exceeded", zap.String("flags", v.Flag.String()), zap.String("reason", v.Message))
	}
	return nil
}

func (l *ControlLoop) trip(v Verdict) {
	if !l.run.Finish(domain.RUN_STATE_FAILED, v.Message, l.Now()) {
		return
	}
	l.logger.Error("control loop: level 2 trip", zap.String("flags", v.Flag.String()), zap.String("reason", v.Message))
	l.Stop()
	if err := l.StopInverter(); err != nil {
		l.logger.Error("control loop: inverter stop failed", zap.Error(err))
	}
	l.publisher.RunState(l.run)
	l.publisher.Event(l.run.ID, domain.EVENT_STOP, domain.TRIGGER_SAFETY_CHECK_L2, v.Message, v.Value)
	if l.onTerminated != nil {
		l.onTerminated(domain.RUN_STATE_FAILED)
	}
}

func (l *ControlLoop) sample() error {
	now := l.Now()
	if !l.run.Sampling(now) {
		return nil
	}
	samples := events.InverterStateToSamples(l.inverter.State(), now)
	samples = append(samples, events.BatteryTelemetryToSamples(l.battery.Telemetry(), now)...)
	l.publisher.Samples(l.run.ID, samples)
	return nil
}
