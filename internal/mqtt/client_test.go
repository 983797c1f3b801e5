package mqtt

import (
	"testing"

	"github.com/berfenger/battrig/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestSwitchCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/switch/test_run/command"
	r := switchCommandExtractor(baseTopic)

	cmd, err := parseSwitchCommand(r, topic, []byte("off"))
	assert.NoError(err)
	assert.Equal("test_run", cmd.DeviceId, "device extract")
	assert.Equal("off", cmd.Payload)
}

func TestSwitchCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	r := switchCommandExtractor("loremTopic")
	for _, topic := range []string{
		"loremTopic/switch/test_run/state",
		"otherTopic/switch/test_run/command",
		"loremTopic/switch/test_run/command/extra",
	} {
		_, err := parseSwitchCommand(r, topic, []byte("off"))
		assert.Error(err, topic)
	}
}

func TestTopics(t *testing.T) {
	assert := assert.New(t)

	cfg := config.Config{MQTT: config.MQTTConfig{Host: "localhost", Port: 1883, BaseTopic: "rig"}}
	c := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	assert.Equal("rig/bridge/state", c.BridgeStateTopic())
	assert.Equal("rig/bridge/version", c.BridgeVersionTopic())
	assert.Equal("rig/sensor/cv_1/state", c.SensorStateTopic("cv_1"))
	assert.Equal("rig/run/state", c.RunStateTopic())
	assert.Equal("rig/run/event", c.RunEventTopic())
	assert.Equal("rig/switch/test_run/command", c.SwitchCommandTopic("test_run"))
	assert.Equal("rig/switch/+/command", c.commandTopic())
}
