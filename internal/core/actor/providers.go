package actor

import (
	"io"

	adactor "github.com/berfenger/battrig/internal/adapter/actor"
	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/port"
	"github.com/berfenger/battrig/pkg/serialio"
	"github.com/berfenger/battrig/pkg/usbiss"
	"github.com/berfenger/battrig/pkg/vebus"

	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

// InverterProvider builds the inverter link on top of an acquired channel.
type InverterProvider func(cfg config.InverterConfig, channel io.ReadWriter) port.InverterLink

type BatteryProvider func(cfg config.BatteryConfig, channel io.ReadWriter) port.BatteryLink

func VEBusInverterProvider(logger *zap.Logger, instrument []serialio.Instrument) InverterProvider {
	return func(cfg config.InverterConfig, channel io.ReadWriter) port.InverterLink {
		inv := vebus.NewInverter(cfg.Port, channel, cfg.ChargeSetpoint, cfg.InvertSetpoint, logger, instrument)
		if cfg.FrameTimeout > 0 {
			inv.FrameTimeout = cfg.FrameTimeout
		}
		return inv
	}
}

func USBISSBatteryProvider(logger *zap.Logger, instrument []serialio.Instrument) BatteryProvider {
	return func(cfg config.BatteryConfig, channel io.ReadWriter) port.BatteryLink {
		bat := usbiss.NewBattery(cfg.Port, channel, logger, instrument)
		if cfg.ReplyTimeout > 0 {
			bat.ReplyTimeout = cfg.ReplyTimeout
		}
		return bat
	}
}
