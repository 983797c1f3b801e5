package domain

import (
	"github.com/berfenger/battrig/pkg/usbiss"
	"github.com/berfenger/battrig/pkg/vebus"
)

const (
	ACTOR_ID_MASTER    = "master"
	ACTOR_ID_SEQUENCER = "sequencer"
	ACTOR_ID_MQTT      = "mqtt"
)

type StartTestRequest struct {
	ActorRequestMixIn
	Description string
	Recipe      Recipe
}

type StartTestResponse struct {
	ActorResponseMixIn
	RunID string
}

type GetRunStatusRequest struct {
	ActorRequestMixIn
}

type GetRunStatusResponse struct {
	ActorResponseMixIn
	// Run is nil until the first run was started.
	Run      *TestRunSnapshot
	Active   bool
	Inverter vebus.State
	Battery  usbiss.Telemetry
	Events   []TestEvent
}

// LaneCommandResponse is the reply of a lane to a one-off command.
type LaneCommandResponse struct {
	ActorResponseMixIn
	Name string
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
