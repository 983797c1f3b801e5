package lane

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/util/actorutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) *Scheduler {
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	s := NewScheduler(as, logger)
	t.Cleanup(func() {
		s.Close()
		as.Shutdown()
	})
	return s
}

func TestDutyRunsUntilCancelled(t *testing.T) {
	require := require.New(t)

	s := newTestScheduler(t)
	var runs atomic.Int32
	h, err := s.Register("tick", 20*time.Millisecond, "ttyA", func() error {
		runs.Add(1)
		return nil
	})
	require.NoError(err)
	require.True(h.Active())

	require.Eventually(func() bool { return runs.Load() >= 3 }, time.Second, 10*time.Millisecond)

	h.Cancel()
	h.Cancel()
	require.False(h.Active())
	time.Sleep(30 * time.Millisecond)
	after := runs.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(after, runs.Load())
}

func TestLaneSerializesDuties(t *testing.T) {
	s := newTestScheduler(t)

	var inside atomic.Int32
	var overlap atomic.Bool
	var runs atomic.Int32
	action := func() error {
		if inside.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(15 * time.Millisecond)
		inside.Add(-1)
		runs.Add(1)
		return nil
	}
	for _, name := range []string{"a", "b", "c"} {
		_, err := s.Register(name, 10*time.Millisecond, "ttyA", action)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return runs.Load() >= 10 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, overlap.Load())
}

func TestLanesRunConcurrently(t *testing.T) {
	s := newTestScheduler(t)

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	f := s.Submit("ttyA", "block", func() error {
		<-release
		return nil
	}, 2*time.Second)
	go func() {
		defer wg.Done()
		assert.NoError(t, s.Do("ttyB", "quick", func() error { return nil }, time.Second))
		close(release)
	}()
	wg.Wait()
	res, err := f.Result()
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestSubmitReportsActionError(t *testing.T) {
	s := newTestScheduler(t)

	boom := errors.New("boom")
	assert.ErrorIs(t, s.Do("ttyA", "fail", func() error { return boom }, time.Second), boom)
	assert.ErrorContains(t, s.Do("ttyA", "panic", func() error { panic("bad frame") }, time.Second), "panicked")
	// the lane survives a panicking action
	assert.NoError(t, s.Do("ttyA", "ok", func() error { return nil }, time.Second))
}

func TestRegisterErrors(t *testing.T) {
	s := newTestScheduler(t)

	_, err := s.Register("zero", 0, "ttyA", func() error { return nil })
	assert.ErrorIs(t, err, ErrInvalidInterval)
	_, err = s.Register("nil", time.Second, "ttyA", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	s.Close()
	_, err = s.Register("closed", time.Second, "ttyA", func() error { return nil })
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.ErrorIs(t, s.Do("ttyA", "closed", func() error { return nil }, time.Second), ErrSchedulerClosed)
}

func TestSchedulersShareDevicePathLanes(t *testing.T) {
	assert := assert.New(t)
	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	t.Cleanup(as.Shutdown)

	first := NewScheduler(as, logger)
	second := NewScheduler(as, logger)

	noop := func() error { return nil }
	assert.NoError(first.Do("/dev/ttyUSB0", "configure", noop, time.Second))
	assert.NoError(second.Do("/dev/ttyUSB0", "configure", noop, time.Second))

	// a closed scheduler answers without spawning a lane
	first.Close()
	assert.ErrorIs(first.Do("/dev/ttyUSB0", "stop", noop, time.Second), ErrSchedulerClosed)
	assert.NoError(second.Do("/dev/ttyUSB0", "stop", noop, time.Second))
	second.Close()
}
