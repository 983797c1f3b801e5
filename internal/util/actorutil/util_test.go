package actorutil

import (
	"errors"
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParsedMQTTCommandToCommand(t *testing.T) {
	assert := assert.New(t)

	req, err := ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.SWITCH_ID_TEST_RUN, Payload: "OFF"})
	assert.NoError(err)
	stop, ok := req.(domain.StopTestRequest)
	assert.True(ok)
	assert.NotEmpty(stop.Reason)

	_, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: domain.SWITCH_ID_TEST_RUN, Payload: "on"})
	assert.ErrorIs(err, ErrUnknownCommand)
	_, err = ParsedMQTTCommandToCommand(mqtt.ParsedMQTTCommand{DeviceId: "battery_hold", Payload: "off"})
	assert.ErrorIs(err, ErrUnknownCommand)
}

type taskResult struct {
	value string
	err   error
}

func TestSafeBackgroundTask(t *testing.T) {
	require := require.New(t)

	logger := zap.Must(zap.NewDevelopment())
	as := NewActorSystemWithZapLogger(logger)
	defer as.Shutdown()

	results := make(chan taskResult, 3)
	props := actor.PropsFromFunc(func(ctx actor.Context) {
		switch msg := ctx.Message().(type) {
		case string:
			switch msg {
			case "ok":
				NewBackgroundTask(ctx, func() (*taskResult, error) {
					return &taskResult{value: "done"}, nil
				}).PipeTo(ctx.Self())
			case "slow":
				NewBackgroundTask(ctx, func() (*taskResult, error) {
					time.Sleep(time.Second)
					return &taskResult{value: "late"}, nil
				}).WithTimeout(50 * time.Millisecond).OnError(func(err error) {
					ctx.Send(ctx.Self(), taskResult{err: err})
				}).PipeTo(ctx.Self())
			case "fail":
				NewBackgroundTask(ctx, func() (*taskResult, error) {
					return nil, errors.New("no port")
				}).Recover(func(err error) taskResult {
					return taskResult{err: err}
				}).PipeTo(ctx.Self())
			}
		case taskResult:
			results <- msg
		}
	})
	pid := as.Root.Spawn(props)
	as.Root.Send(pid, "ok")
	as.Root.Send(pid, "slow")
	as.Root.Send(pid, "fail")

	var got []taskResult
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			got = append(got, r)
		case <-time.After(3 * time.Second):
			require.FailNow("timed out waiting for task results")
		}
	}
	require.Equal("done", got[0].value)
	require.Error(got[1].err)
	require.ErrorContains(got[2].err, "no port")
}
