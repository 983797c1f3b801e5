package lane

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/port"
	"github.com/berfenger/battrig/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

var (
	ErrSchedulerClosed = errors.New("scheduler is closed")
	ErrInvalidInterval = errors.New("duty interval must be positive")
	ErrInvalidAction   = errors.New("duty action is nil")
)

// Scheduler runs periodic duties and one-off commands on lanes. Each lane is
// an actor, so everything submitted to one lane runs strictly in sequence
// while different lanes run concurrently.
type Scheduler struct {
	root   *actor.RootContext
	timers *scheduler.TimerScheduler
	logger *zap.Logger

	mu      sync.Mutex
	lanes   map[string]*actor.PID
	handles []*Handle
	closed  bool
}

type Handle struct {
	name     string
	lane     string
	interval time.Duration
	action   port.Action
	active   atomic.Bool
	once     sync.Once
	cancel   scheduler.CancelFunc
	logger   *zap.Logger
}

type runDuty struct {
	handle *Handle
}

type runCommand struct {
	name   string
	action port.Action
}

var _ port.DutyScheduler = (*Scheduler)(nil)
var _ port.DutyHandle = (*Handle)(nil)

func NewScheduler(system *actor.ActorSystem, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		root:   system.Root,
		timers: scheduler.NewTimerScheduler(system.Root),
		logger: logger.With(zap.String("component", "scheduler")),
		lanes:  map[string]*actor.PID{},
	}
}

// Register runs action every interval on lane until the handle is cancelled.
func (s *Scheduler) Register(name string, interval time.Duration, lane string, action port.Action) (port.DutyHandle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("register %s: %w", name, ErrInvalidInterval)
	}
	if action == nil {
		return nil, fmt.Errorf("register %s: %w", name, ErrInvalidAction)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("register %s: %w", name, ErrSchedulerClosed)
	}
	pid := s.laneLocked(lane)

	h := &Handle{
		name:     name,
		lane:     lane,
		interval: interval,
		action:   action,
		logger:   s.logger,
	}
	h.active.Store(true)
	h.cancel = s.timers.SendRepeatedly(interval, interval, pid, runDuty{handle: h})
	s.handles = append(s.handles, h)
	s.logger.Debug("scheduler: duty registered", zap.String("duty", name), zap.String("lane", lane), zap.Duration("interval", interval))
	return h, nil
}

// Submit runs action once on lane.
func (s *Scheduler) Submit(lane, name string, action port.Action, timeout time.Duration) *actor.Future {
	s.mu.Lock()
	var pid *actor.PID
	if !s.closed {
		pid = s.laneLocked(lane)
	}
	s.mu.Unlock()

	if pid == nil {
		f := actor.NewFuture(s.root.ActorSystem(), timeout)
		s.root.Send(f.PID(), domain.LaneCommandResponse{
			ActorResponseMixIn: domain.ErrorResponse(ErrSchedulerClosed),
			Name:               name,
		})
		return f
	}
	return s.root.RequestFuture(pid, runCommand{name: name, action: action}, timeout)
}

// Do is Submit followed by Await.
func (s *Scheduler) Do(lane, name string, action port.Action, timeout time.Duration) error {
	return port.Await(s.Submit(lane, name, action, timeout))
}

// Close cancels every duty and stops the lanes once their pending work is done.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, h := range s.handles {
		h.Cancel()
	}
	for name, pid := range s.lanes {
		s.root.Poison(pid)
		delete(s.lanes, name)
	}
}

func (s *Scheduler) laneLocked(name string) *actor.PID {
	if pid, ok := s.lanes[name]; ok {
		return pid
	}
	props := actor.PropsFromProducer(func() actor.Actor {
		return newLaneActor(name, s.logger)
	})
	// lane names are device paths, the prefix keeps actor ids unique across schedulers
	pid := s.root.SpawnPrefix(props, "lane")
	s.lanes[name] = pid
	return pid
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) Lane() string {
	return h.lane
}

func (h *Handle) Active() bool {
	return h.active.Load()
}

func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.active.Store(false)
		if h.cancel != nil {
			h.cancel()
		}
		h.logger.Debug("scheduler: duty cancelled", zap.String("duty", h.name), zap.String("lane", h.lane))
	})
}

type laneActor struct {
	name   string
	logger *zap.Logger
}

func newLaneActor(name string, logger *zap.Logger) *laneActor {
	return &laneActor{
		name:   name,
		logger: actorutil.ActorLogger("lane:"+name, logger),
	}
}

func (state *laneActor) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case runDuty:
		if !msg.handle.Active() {
			state.logger.Debug("lane@default skip cancelled duty", zap.String("duty", msg.handle.name))
			return
		}
		state.run(msg.handle.name, msg.handle.action)
	case runCommand:
		err := state.run(msg.name, msg.action)
		ctx.Respond(domain.LaneCommandResponse{
			ActorResponseMixIn: domain.ErrorResponse(err),
			Name:               msg.name,
		})
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      "lane:" + state.name,
			Healthy: true,
			State:   "default",
		})
	}
}

func (state *laneActor) run(name string, action port.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			state.logger.Error("lane@default duty panicked", zap.String("duty", name), zap.Any("reason", r))
		}
	}()
	err = action()
	if err != nil {
		state.logger.Debug("lane@default duty error", zap.String("duty", name), zap.Error(err))
	}
	return err
}
