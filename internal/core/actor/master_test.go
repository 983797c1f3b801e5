package actor

import (
	"io"
	"sync"
	"testing"
	"time"

	adactor "github.com/berfenger/battrig/internal/adapter/actor"
	"github.com/berfenger/battrig/internal/adapter/serialport"
	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/port"
	"github.com/berfenger/battrig/internal/mqtt"
	"github.com/berfenger/battrig/internal/util"
	"github.com/berfenger/battrig/pkg/serialio"
	"github.com/berfenger/battrig/pkg/usbiss"
	"github.com/berfenger/battrig/pkg/vebus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type masterFixture struct {
	cfg      config.Config
	context  *actor.RootContext
	pid      *actor.PID
	registry *serialport.Registry
	inverter *vebus.TestInverter
	battery  *usbiss.TestBattery
}

func newMasterFixture(t *testing.T, mutate func(cfg *config.Config)) *masterFixture {
	return newMasterFixtureWithOpener(t, mutate, func(config.SerialConfig) (io.ReadWriteCloser, error) {
		return serialio.NewScriptedPort(), nil
	})
}

func newMasterFixtureWithOpener(t *testing.T, mutate func(cfg *config.Config), opener serialport.Opener) *masterFixture {
	as := actor.NewActorSystem()

	cfg := util.LoadTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	f := &masterFixture{
		cfg:      cfg,
		context:  as.Root,
		registry: serialport.NewRegistry(logger).WithOpener(opener),
		inverter: &vebus.TestInverter{},
		battery:  usbiss.NewTestBattery(3.7),
	}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewRigMasterActor(cfg, f.registry,
			func(config.InverterConfig, io.ReadWriter) port.InverterLink { return f.inverter },
			func(config.BatteryConfig, io.ReadWriter) port.BatteryLink { return f.battery },
			func(es *eventstream.EventStream) *adactor.MQTTActor {
				return adactor.NewTestMQTTActor(&cfg, es, logger)
			}, logger)
	})
	pid, err := f.context.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	require.NoError(t, err)
	f.pid = pid

	t.Cleanup(func() {
		f.context.Stop(pid)
		time.Sleep(50 * time.Millisecond)
		as.Shutdown()
	})
	return f
}

func (f *masterFixture) start(t *testing.T, recipe domain.Recipe) domain.StartTestResponse {
	res, err := f.context.RequestFuture(f.pid, domain.StartTestRequest{Description: "master test", Recipe: recipe}, 5*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.StartTestResponse)
	require.True(t, ok)
	return resp
}

func (f *masterFixture) fetchStatus() (domain.GetRunStatusResponse, error) {
	res, err := f.context.RequestFuture(f.pid, domain.GetRunStatusRequest{}, 2*time.Second).Result()
	if err != nil {
		return domain.GetRunStatusResponse{}, err
	}
	resp, _ := res.(domain.GetRunStatusResponse)
	return resp, nil
}

func (f *masterFixture) status(t *testing.T) domain.GetRunStatusResponse {
	resp, err := f.fetchStatus()
	require.NoError(t, err)
	return resp
}

// waitClosed polls until the run ended and its channels were released.
func (f *masterFixture) waitClosed(t *testing.T) domain.GetRunStatusResponse {
	var last domain.GetRunStatusResponse
	require.Eventually(t, func() bool {
		resp, err := f.fetchStatus()
		if err != nil {
			return false
		}
		last = resp
		return !last.Active && last.Run != nil && last.Run.State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	return last
}

func (f *masterFixture) channelsOpen() bool {
	return f.registry.Open(f.cfg.Inverter.Port) || f.registry.Open(f.cfg.Battery.Port)
}

func (f *masterFixture) health(t *testing.T) domain.ActorHealthResponse {
	res, err := f.context.RequestFuture(f.pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.ActorHealthResponse)
	require.True(t, ok)
	return resp
}

func lastCommand(inv *vebus.TestInverter) string {
	cmds := inv.Commands()
	if len(cmds) == 0 {
		return ""
	}
	return cmds[len(cmds)-1]
}

func TestMasterActorHealth(t *testing.T) {
	f := newMasterFixture(t, nil)

	res, err := f.context.RequestFuture(f.pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, healthResp.Healthy, "healthy is true")
	assert.Equal(t, domain.ACTOR_ID_MASTER, healthResp.Id)
	assert.Equal(t, "idle", healthResp.State)

	status := f.status(t)
	assert.False(t, status.Active)
	assert.Nil(t, status.Run)
}

func TestMasterRunsRecipeToCompletion(t *testing.T) {
	assert := assert.New(t)
	f := newMasterFixture(t, nil)

	resp := f.start(t, domain.Recipe{{Type: domain.STEP_REST, Timeout: 200 * time.Millisecond}})
	require.NoError(t, resp.GetResponseError())
	require.NotEmpty(t, resp.RunID)

	running := f.status(t)
	assert.True(running.Active)
	assert.Equal(domain.RUN_STATE_RUNNING, running.Run.State)
	assert.True(f.channelsOpen())

	again := f.start(t, domain.Recipe{{Type: domain.STEP_REST, Timeout: time.Second}})
	assert.ErrorIs(again.GetResponseError(), domain.ErrRunActive)

	closed := f.waitClosed(t)
	assert.Equal(resp.RunID, closed.Run.ID)
	assert.Equal(domain.RUN_STATE_FINISHED, closed.Run.State)
	assert.Equal("completed 1/1 steps", closed.Run.Result)
	assert.False(f.channelsOpen())

	cmds := deviceCommands(f.inverter)
	assert.Equal([]string{"configure", "rest", "rest", "stop"}, cmds)

	require.Len(t, closed.Events, 2)
	assert.Equal(domain.EVENT_REST, closed.Events[0].Name)
	assert.Equal(domain.EVENT_STOP, closed.Events[1].Name)

	// the rig accepts a new run once the previous one is closed
	next := f.start(t, domain.Recipe{{Type: domain.STEP_REST, Timeout: 100 * time.Millisecond}})
	require.NoError(t, next.GetResponseError())
	assert.NotEqual(resp.RunID, next.RunID)
	f.waitClosed(t)
}

func TestMasterOperatorStop(t *testing.T) {
	assert := assert.New(t)
	f := newMasterFixture(t, nil)

	resp := f.start(t, domain.Recipe{{Type: domain.STEP_CC_CHARGE, Timeout: time.Minute}})
	require.NoError(t, resp.GetResponseError())
	require.Eventually(t, func() bool { return f.inverter.State().Setpoint < 0 }, time.Second, 10*time.Millisecond)

	res, err := f.context.RequestFuture(f.pid, domain.StopTestRequest{Reason: "bench test"}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.True(res.(domain.StopTestResponse).Stopped)

	closed := f.waitClosed(t)
	assert.Equal(domain.RUN_STATE_STOPPED, closed.Run.State)
	assert.Equal("bench test", closed.Run.Result)
	assert.Equal("stop", lastCommand(f.inverter))
	assert.False(f.channelsOpen())

	last := closed.Events[len(closed.Events)-1]
	assert.Equal(domain.TRIGGER_OPERATOR, last.Trigger)

	res, err = f.context.RequestFuture(f.pid, domain.StopTestRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.False(res.(domain.StopTestResponse).Stopped)
}

func TestMasterStopFromMQTT(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.start(t, domain.Recipe{{Type: domain.STEP_CC_DISCHARGE, Timeout: time.Minute}})
	require.NoError(t, resp.GetResponseError())

	f.context.Send(f.pid, adactor.ParsedCommand{Command: &mqtt.ParsedMQTTCommand{
		DeviceId: domain.SWITCH_ID_TEST_RUN,
		Command:  "switch",
		Payload:  "OFF",
	}})

	closed := f.waitClosed(t)
	assert.Equal(t, domain.RUN_STATE_STOPPED, closed.Run.State)
}

func TestMasterLevel2Trip(t *testing.T) {
	assert := assert.New(t)
	f := newMasterFixture(t, nil)

	resp := f.start(t, domain.Recipe{{Type: domain.STEP_CC_DISCHARGE, Timeout: time.Minute}})
	require.NoError(t, resp.GetResponseError())
	require.Eventually(t, func() bool { return f.battery.Polls() > 0 }, time.Second, 10*time.Millisecond)

	f.battery.Update(func(t *usbiss.Telemetry) {
		t.CellMin = 2.5
	})

	closed := f.waitClosed(t)
	assert.Equal(domain.RUN_STATE_FAILED, closed.Run.State)
	assert.Contains(closed.Run.Result, "cell undervoltage level 2")
	assert.Equal("stop", lastCommand(f.inverter))
	assert.True(closed.Battery.Flags.Has(usbiss.FlagNotSafeL2))
	assert.False(f.channelsOpen())
}

func TestMasterDutyRegistrationFailure(t *testing.T) {
	assert := assert.New(t)
	f := newMasterFixture(t, func(cfg *config.Config) {
		cfg.Control.SamplingInterval = 0
	})

	resp := f.start(t, domain.Recipe{{Type: domain.STEP_CC_CHARGE, Timeout: time.Minute}})
	assert.Error(resp.GetResponseError())
	assert.NotEmpty(resp.RunID)

	closed := f.waitClosed(t)
	assert.Equal(domain.RUN_STATE_FAILED, closed.Run.State)
	assert.Contains(closed.Run.Result, "duty registration failed")
	assert.Empty(f.inverter.Commands())
	assert.False(f.channelsOpen())
}

func TestMasterRejectsEmptyRecipe(t *testing.T) {
	f := newMasterFixture(t, nil)

	resp := f.start(t, nil)
	assert.ErrorIs(t, resp.GetResponseError(), ErrEmptyRecipe)
	assert.False(t, f.channelsOpen())
}

func TestMasterReleasesChannelsOpenedAfterDeadline(t *testing.T) {
	var mu sync.Mutex
	var ports []*serialio.ScriptedPort
	opener := func(cfg config.SerialConfig) (io.ReadWriteCloser, error) {
		p := serialio.NewScriptedPort()
		mu.Lock()
		first := len(ports) == 0
		ports = append(ports, p)
		mu.Unlock()
		if first {
			time.Sleep(300 * time.Millisecond)
		}
		return p, nil
	}
	f := newMasterFixtureWithOpener(t, func(cfg *config.Config) {
		cfg.Control.CommandTimeout = 100 * time.Millisecond
	}, opener)

	resp := f.start(t, domain.Recipe{{Type: domain.STEP_REST, Timeout: time.Second}})
	assert.Error(t, resp.GetResponseError())
	assert.Empty(t, resp.RunID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(ports) != 2 {
			return false
		}
		return ports[0].Closed() && ports[1].Closed()
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, f.channelsOpen())
	assert.Empty(t, f.inverter.Commands())
	assert.Equal(t, "idle", f.health(t).State)
}
