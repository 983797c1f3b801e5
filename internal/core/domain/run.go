package domain

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RunState string

const (
	RUN_STATE_PENDING  RunState = "PENDING"
	RUN_STATE_RUNNING  RunState = "RUNNING"
	RUN_STATE_STOPPED  RunState = "STOPPED"
	RUN_STATE_FAILED   RunState = "FAILED"
	RUN_STATE_FINISHED RunState = "FINISHED"
)

var ErrRunActive = errors.New("a test run is already active")

func (s RunState) Terminal() bool {
	return s == RUN_STATE_STOPPED || s == RUN_STATE_FAILED || s == RUN_STATE_FINISHED
}

// TestRun is shared by the sequencer, the safety duty and the control loop.
// State only moves forward and a terminal state is never left.
type TestRun struct {
	ID          string
	Description string
	Recipe      Recipe

	mu         sync.RWMutex
	state      RunState
	result     string
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
}

type TestRunSnapshot struct {
	ID          string
	Description string
	State       RunState
	Result      string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Steps       int
}

func NewTestRun(description string, recipe Recipe) *TestRun {
	return &TestRun{
		ID:          uuid.NewString(),
		Description: description,
		Recipe:      recipe,
		state:       RUN_STATE_PENDING,
		createdAt:   time.Now(),
	}
}

func (r *TestRun) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *TestRun) IsRunning() bool {
	return r.State() == RUN_STATE_RUNNING
}

// Start moves a pending run to RUNNING.
func (r *TestRun) Start(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RUN_STATE_PENDING {
		return false
	}
	r.state = RUN_STATE_RUNNING
	r.startedAt = now
	return true
}

// Finish moves the run into a terminal state. It reports false, and changes
// nothing, if the run already ended.
func (r *TestRun) Finish(state RunState, result string, finishedAt time.Time) bool {
	if !state.Terminal() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return false
	}
	r.state = state
	r.result = result
	r.finishedAt = finishedAt
	return true
}

// Elapsed is the time since the run started, zero if it never did.
func (r *TestRun) Elapsed(now time.Time) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return now.Sub(r.startedAt)
}

// Sampling reports whether telemetry should still be collected at now: while
// running, and for a finished run until its finish timestamp.
func (r *TestRun) Sampling(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch r.state {
	case RUN_STATE_RUNNING:
		return true
	case RUN_STATE_FINISHED:
		return now.Before(r.finishedAt)
	default:
		return false
	}
}

func (r *TestRun) FinishedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finishedAt
}

func (r *TestRun) Snapshot() TestRunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return TestRunSnapshot{
		ID:          r.ID,
		Description: r.Description,
		State:       r.state,
		Result:      r.result,
		CreatedAt:   r.createdAt,
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
		Steps:       len(r.Recipe),
	}
}
