package actor

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/mqtt"
	"github.com/berfenger/battrig/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTActor mirrors the rig event stream to MQTT and forwards operator
// commands to its parent.
type MQTTActor struct {
	config         *config.Config
	behavior       actor.Behavior
	stash          *actorutil.Stash
	client         *mqtt.MQTTClient
	eventStream    *eventstream.EventStream
	eventStreamSub *eventstream.Subscription
	pending        int
	pendingReplyTo *actor.PID
	pendingError   error
	logger         *zap.Logger

	// dummy mode records instead of publishing
	dummy     bool
	mu        sync.Mutex
	published []PublishedMessage
}

type MQTTConnected struct {
}

type MQTTSubscribed struct {
}

type MQTTConnectionLost struct {
	Error error
}

type OnEventStreamMessage struct {
	message any
}

type publishResult struct {
	Error error
}

type ParsedCommand struct {
	Command *mqtt.ParsedMQTTCommand
}

// PublishedMessage is one MQTT message, as recorded by the dummy actor.
type PublishedMessage struct {
	Topic   string
	Payload string
	Retain  bool
}

type runStatePayload struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	State       domain.RunState `json:"state"`
	Result      string          `json:"result"`
	Steps       int             `json:"steps"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

func NewMQTTActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MQTTActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MQTTActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("mqtt@starting started")

		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), func(_ pahomqtt.Client) {
		}, func(_ pahomqtt.Client, err error) {
			ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
		})

		state.client.Connect(func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTConnected{})
			}
		}, 10*time.Second)

	case MQTTConnected:
		state.logger.Debug("mqtt@starting connected")

		state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_ONLINE, 0, true, func(error) {}, 500*time.Millisecond)
		state.client.Publish(state.client.BridgeVersionTopic(), versioninfo.Short(), 0, true, func(error) {}, 500*time.Millisecond)
		state.subscribeEventStream(ctx)

		state.client.SubscribeToCommandTopic(func(c pahomqtt.Client, m pahomqtt.Message) {
			cmd, err := state.client.ParseMQTTCommand(m)
			if err == nil && cmd != nil {
				ctx.Send(ctx.Self(), ParsedCommand{Command: cmd})
			}
		}, func(err error) {
			if err != nil {
				ctx.Send(ctx.Self(), MQTTConnectionLost{Error: err})
			} else {
				ctx.Send(ctx.Self(), MQTTSubscribed{})
			}
		}, 1*time.Second)
	case MQTTSubscribed:
		state.logger.Debug("mqtt@starting subscribed")
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case MQTTConnectionLost:
		// let the supervisor decide
		state.logger.Error("mqtt@starting connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Restarting:
		state.stop()
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		state.logger.Debug("mqtt@default ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "idle",
		})
	case ParsedCommand:
		state.logger.Debug("mqtt@default parsedCommand", zap.Any("command", msg.Command))
		ctx.Send(ctx.Parent(), msg)
	case domain.PublishMessageRequest:
		state.logger.Debug("mqtt@default PublishMessageRequest", zap.String("topic", msg.Topic))
		state.publish(ctx, []PublishedMessage{{Topic: msg.Topic, Payload: msg.Payload, Retain: msg.Retain}},
			actorutil.ForRequest(msg).ReplyTo(ctx))
	case OnEventStreamMessage:
		messages := state.event2MQTTMessages(msg.message)
		if len(messages) > 0 {
			state.logger.Debug("mqtt@default event", zap.String("type", fmt.Sprintf("%T", msg.message)), zap.Int("messages", len(messages)))
			state.publish(ctx, messages, nil)
		}
	case MQTTConnectionLost:
		state.logger.Error("mqtt@default connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	default:
		state.logger.Debug("mqtt@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MQTTActor) PublishingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case publishResult:
		if msg.Error != nil {
			state.logger.Error("mqtt@publishing could not publish a message", zap.Error(msg.Error))
			state.pendingError = msg.Error
		}
		state.pending--
		if state.pending > 0 {
			return
		}
		if state.pendingReplyTo != nil {
			ctx.Send(state.pendingReplyTo, domain.PublishMessageResponse{
				ActorResponseMixIn: domain.ErrorResponse(state.pendingError),
			})
		}
		state.pendingReplyTo = nil
		state.pendingError = nil
		state.behavior.UnbecomeStacked()
		state.stash.UnstashOldest(ctx)
	case MQTTConnectionLost:
		state.logger.Error("mqtt@publishing connection lost", zap.Error(msg.Error))
		panic(msg.Error)
	case *actor.Stopping:
		state.stop()
	default:
		state.logger.Debug("mqtt@publishing stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MQTTActor) publish(ctx actor.Context, messages []PublishedMessage, replyTo *actor.PID) {
	for _, m := range messages {
		state.logger.Sugar().Debugf("mqtt@publish: %s => %s", m.Topic, m.Payload)
		state.client.Publish(m.Topic, m.Payload, 1, m.Retain, func(err error) {
			ctx.Send(ctx.Self(), publishResult{Error: err})
		}, 5*time.Second)
	}
	state.pending = len(messages)
	state.pendingReplyTo = replyTo
	state.behavior.BecomeStacked(state.PublishingReceive)
}

func (state *MQTTActor) subscribeEventStream(ctx actor.Context) {
	if state.eventStream == nil || state.eventStreamSub != nil {
		return
	}
	state.eventStreamSub = state.eventStream.Subscribe(func(value any) {
		ctx.Send(ctx.Self(), OnEventStreamMessage{message: value})
	})
}

func (state *MQTTActor) event2MQTTMessages(event any) []PublishedMessage {
	switch msg := event.(type) {
	case domain.RunStateChanged:
		payload, err := json.Marshal(runStateToPayload(msg.Run))
		if err != nil {
			state.logger.Error("mqtt: run state marshal failed", zap.Error(err))
			return nil
		}
		running := mqtt.MQTT_PAYLOAD_OFF
		if msg.Run.State == domain.RUN_STATE_RUNNING {
			running = mqtt.MQTT_PAYLOAD_ON
		}
		return []PublishedMessage{
			{Topic: state.client.RunStateTopic(), Payload: string(payload), Retain: true},
			{Topic: state.client.SwitchStateTopic(domain.SWITCH_ID_TEST_RUN), Payload: running, Retain: true},
		}
	case domain.TestEventRecorded:
		payload, err := json.Marshal(msg.Event)
		if err != nil {
			state.logger.Error("mqtt: event marshal failed", zap.Error(err))
			return nil
		}
		return []PublishedMessage{{Topic: state.client.RunEventTopic(), Payload: string(payload)}}
	case domain.ResultsSampled:
		out := make([]PublishedMessage, 0, len(msg.Samples))
		for _, s := range msg.Samples {
			out = append(out, PublishedMessage{
				Topic:   state.client.SensorStateTopic(s.Field),
				Payload: fmt.Sprintf("%.3f", s.Value),
			})
		}
		return out
	case domain.BridgeStateUpdateEvent:
		payload := mqtt.MQTT_PAYLOAD_OFFLINE
		if msg.Online {
			payload = mqtt.MQTT_PAYLOAD_ONLINE
		}
		return []PublishedMessage{{Topic: state.client.BridgeStateTopic(), Payload: payload, Retain: true}}
	default:
		return nil
	}
}

func runStateToPayload(run domain.TestRunSnapshot) runStatePayload {
	p := runStatePayload{
		ID:          run.ID,
		Description: run.Description,
		State:       run.State,
		Result:      run.Result,
		Steps:       run.Steps,
	}
	if !run.StartedAt.IsZero() {
		p.StartedAt = &run.StartedAt
	}
	if !run.FinishedAt.IsZero() {
		p.FinishedAt = &run.FinishedAt
	}
	return p
}

func (state *MQTTActor) stop() {
	if state.eventStreamSub != nil {
		state.eventStream.Unsubscribe(state.eventStreamSub)
		state.eventStreamSub = nil
	}
	if state.client == nil || state.dummy {
		return
	}
	state.logger.Debug("mqtt: disconnect")
	state.client.Publish(state.client.BridgeStateTopic(), mqtt.MQTT_PAYLOAD_OFFLINE, 0, true, func(error) {}, 500*time.Millisecond)
	state.client.Disconnect(500 * time.Millisecond)
}

// Dummy actor
func NewTestMQTTActor(config *config.Config, eventStream *eventstream.EventStream, logger *zap.Logger) *MQTTActor {
	act := &MQTTActor{
		config:      config,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		eventStream: eventStream,
		dummy:       true,
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_MQTT, logger),
	}
	act.behavior.Become(act.DummyReceive)
	return act
}

func (state *MQTTActor) DummyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.client = mqtt.CreateMQTTClient(state.config, mqtt.OptsFromConfig(state.config), nil, nil)
		state.subscribeEventStream(ctx)
	case *actor.Stopping:
		state.stop()
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MQTT,
			Healthy: true,
			State:   "dummy",
		})
	case ParsedCommand:
		ctx.Send(ctx.Parent(), msg)
	case OnEventStreamMessage:
		state.record(state.event2MQTTMessages(msg.message)...)
	case domain.PublishMessageRequest:
		state.record(PublishedMessage{Topic: msg.Topic, Payload: msg.Payload, Retain: msg.Retain})
		actorutil.ForRequest(msg).Respond(ctx, domain.PublishMessageResponse{})
	}
}

func (state *MQTTActor) record(messages ...PublishedMessage) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.published = append(state.published, messages...)
}

// Published returns what the dummy actor would have sent.
func (state *MQTTActor) Published() []PublishedMessage {
	state.mu.Lock()
	defer state.mu.Unlock()
	return append([]PublishedMessage(nil), state.published...)
}
