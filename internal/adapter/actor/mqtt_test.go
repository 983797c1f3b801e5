package actor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/events"
	"github.com/berfenger/battrig/internal/util"
	"github.com/berfenger/battrig/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	es := eventstream.EventStream{}

	act := NewTestMQTTActor(&cfg, &es, logger)
	props := actor.PropsFromProducer(func() actor.Actor { return act })
	pid := context.Spawn(props)

	result, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(ok)
	assert.Equal(domain.ACTOR_ID_MQTT, resp.Id)

	run := domain.NewTestRun("mqtt", domain.Recipe{{Type: domain.STEP_REST, Timeout: time.Second}})
	run.Start(time.Now())
	pub := events.NewPublisher(&es)
	pub.RunState(run)
	pub.Event(run.ID, domain.EVENT_REST, domain.TRIGGER_RECIPE, "step 1/1", 0)
	pub.Samples(run.ID, []domain.ResultSample{{Field: events.FIELD_CV_MAX, Value: 3.91234, Timestamp: time.Now()}})

	require.Eventually(t, func() bool { return len(act.Published()) == 4 }, 2*time.Second, 20*time.Millisecond)

	published := act.Published()
	base := cfg.MQTT.BaseTopic

	assert.Equal(base+"/run/state", published[0].Topic)
	assert.True(published[0].Retain)
	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(published[0].Payload), &state))
	assert.Equal(run.ID, state["id"])
	assert.Equal("RUNNING", state["state"])

	assert.Equal(base+"/switch/test_run/state", published[1].Topic)
	assert.Equal("on", published[1].Payload)

	assert.Equal(base+"/run/event", published[2].Topic)
	assert.Contains(published[2].Payload, `"REST"`)

	assert.Equal(base+"/sensor/cv_max/state", published[3].Topic)
	assert.Equal("3.912", published[3].Payload)

	context.Stop(pid)
	time.Sleep(100 * time.Millisecond)

	as.Shutdown()
}
