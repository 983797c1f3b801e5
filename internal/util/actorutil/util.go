package actorutil

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/mqtt"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/lmittmann/tint"
	"go.uber.org/zap"
)

var ErrUnknownCommand = errors.New("unknown command")

func PipeToSelfWithRecover(ctx actor.Context, future *actor.Future, mapFn func(error) any) {
	ctx.ReenterAfter(future, func(msg any, err error) {
		if err != nil {
			ctx.Send(ctx.Self(), mapFn(err))
			return
		}
		ctx.Send(ctx.Self(), msg)
	})
}

func NewActorSystemWithZapLogger(logger *zap.Logger) *actor.ActorSystem {
	stdOutLogger := zap.NewStdLog(logger)

	var slogLevel slog.Level = slog.LevelInfo

	switch logger.Level() {
	case zap.DebugLevel:
		slogLevel = slog.LevelDebug
	case zap.InfoLevel:
		slogLevel = slog.LevelInfo
	case zap.WarnLevel:
		slogLevel = slog.LevelWarn
	case zap.ErrorLevel, zap.PanicLevel, zap.FatalLevel:
		slogLevel = slog.LevelError
	}

	return actor.NewActorSystem(actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {
		return slog.New(tint.NewHandler(stdOutLogger.Writer(), &tint.Options{
			Level:      slogLevel,
			TimeFormat: time.DateTime,
			NoColor:    true,
		}))
	}))
}

func ActorLogger(actorName string, logger *zap.Logger) *zap.Logger {
	return logger.With(zap.String("actor", actorName))
}

// ParsedMQTTCommandToCommand maps an operator command to a rig request.
func ParsedMQTTCommandToCommand(cmd mqtt.ParsedMQTTCommand) (domain.RigControlRequest, error) {
	if cmd.DeviceId == domain.SWITCH_ID_TEST_RUN {
		payload := strings.ToLower(strings.TrimSpace(cmd.Payload))
		if payload == mqtt.MQTT_PAYLOAD_OFF {
			return domain.StopTestRequest{
				Reason: "stopped by operator",
			}, nil
		}
		return nil, fmt.Errorf("%w: %s=%s", ErrUnknownCommand, cmd.DeviceId, cmd.Payload)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.DeviceId)
}
