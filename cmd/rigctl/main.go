package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/berfenger/battrig/internal/adapter/actor"
	"github.com/berfenger/battrig/internal/adapter/serialport"
	"github.com/berfenger/battrig/internal/config"
	"github.com/berfenger/battrig/internal/core/actor"
	"github.com/berfenger/battrig/internal/core/domain"
	"github.com/berfenger/battrig/internal/core/service"
	"github.com/berfenger/battrig/internal/util/actorutil"
	"github.com/berfenger/battrig/pkg/serialio"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return 2
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	logger.Info("rigctl starting", zap.String("version", versioninfo.Short()))

	recipe, err := service.LoadRecipeFile(cfg.RecipeFile)
	if err != nil {
		logger.Error("could not load recipe", zap.String("file", cfg.RecipeFile), zap.Error(err))
		return 2
	}

	var sink io.WriteCloser
	if cfg.JournalFile != "" {
		sink, err = os.OpenFile(cfg.JournalFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("could not open journal file", zap.String("file", cfg.JournalFile), zap.Error(err))
			return 2
		}
		defer sink.Close()
	}

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	instrument := []serialio.Instrument{timingInstrument(logger)}
	registry := serialport.NewRegistry(logger)

	props := pactor.PropsFromProducer(func() pactor.Actor {
		master := actor.NewRigMasterActor(*cfg, registry,
			actor.VEBusInverterProvider(logger, instrument),
			actor.USBISSBatteryProvider(logger, instrument),
			mqttActorProvider(cfg, logger), logger)
		if sink != nil {
			master.Journal().WithSink(sink)
		}
		return master
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Error("could not spawn master actor", zap.Error(err))
		return 1
	}
	defer as.Shutdown()
	defer ctx.Stop(pid)

	description := cfg.Description
	if description == "" {
		description = fmt.Sprintf("rigctl %s", versioninfo.Short())
	}
	res, err := ctx.RequestFuture(pid, domain.StartTestRequest{Description: description, Recipe: recipe},
		cfg.Control.CommandTimeout*3).Result()
	if err != nil {
		logger.Error("start request failed", zap.Error(err))
		return 1
	}
	startResp, ok := res.(domain.StartTestResponse)
	if !ok {
		logger.Error("unexpected start response", zap.String("type", fmt.Sprintf("%T", res)))
		return 1
	}
	if err := startResp.GetResponseError(); err != nil {
		logger.Error("run did not start", zap.String("run_id", startResp.RunID), zap.Error(err))
		return 1
	}
	logger.Info("run started", zap.String("run_id", startResp.RunID), zap.Int("steps", len(recipe)))

	final, err := waitForRun(ctx, pid, cfg.Control.SequencerPollInterval, logger)
	if err != nil {
		logger.Error("run status unavailable", zap.Error(err))
		return 1
	}

	logger.Info("run closed", zap.String("run_id", final.ID), zap.String("state", string(final.State)),
		zap.String("result", final.Result))
	if final.State == domain.RUN_STATE_FAILED {
		return 1
	}
	return 0
}

// waitForRun polls the master until the run is closed. The first signal asks
// the master to stop the run, the second one gives up waiting.
func waitForRun(ctx *pactor.RootContext, pid *pactor.PID, interval time.Duration, logger *zap.Logger) (domain.TestRunSnapshot, error) {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer func() { stop() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	stopRequested := false
	for {
		select {
		case <-sigCtx.Done():
			if stopRequested {
				return domain.TestRunSnapshot{}, errors.New("interrupted while stopping")
			}
			stopRequested = true
			logger.Warn("stopping run, press Ctrl+C again to force")
			ctx.Send(pid, domain.StopTestRequest{Reason: "interrupted by operator"})
			stop()
			sigCtx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		case <-ticker.C:
			res, err := ctx.RequestFuture(pid, domain.GetRunStatusRequest{}, interval).Result()
			if err != nil {
				logger.Debug("status request failed", zap.Error(err))
				continue
			}
			status, ok := res.(domain.GetRunStatusResponse)
			if !ok || status.Run == nil {
				continue
			}
			if !status.Active && status.Run.State.Terminal() {
				return *status.Run, nil
			}
		}
	}
}

func timingInstrument(logger *zap.Logger) serialio.Instrument {
	return serialio.Instrument{
		RecordTime: func(op string, elapsed time.Duration) {
			logger.Debug("serial timing", zap.String("op", op), zap.Duration("elapsed", elapsed))
		},
	}
}

func initConfig() (*config.Config, error) {

	setConfigDefaults()

	viper.SetEnvPrefix("battrig")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	if cfg.RecipeFile == "" {
		return nil, errors.New("config param recipe_file is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	if !cfg.MQTT.Enable {
		return nil
	}
	return func(es *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, es, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("description", "")
	viper.SetDefault("recipe_file", "")
	viper.SetDefault("journal_file", "")

	viper.SetDefault("inverter.port", "/dev/ttyUSB0")
	viper.SetDefault("inverter.baud_rate", 2400)
	viper.SetDefault("inverter.data_bits", 8)
	viper.SetDefault("inverter.stop_bits", 1)
	viper.SetDefault("inverter.parity", "N")
	viper.SetDefault("inverter.read_timeout", 100*time.Millisecond)
	viper.SetDefault("inverter.frame_timeout", 2*time.Second)
	viper.SetDefault("inverter.charge_setpoint", -1000)
	viper.SetDefault("inverter.invert_setpoint", 1000)

	viper.SetDefault("battery.port", "/dev/ttyACM0")
	viper.SetDefault("battery.baud_rate", 19200)
	viper.SetDefault("battery.data_bits", 8)
	viper.SetDefault("battery.stop_bits", 2)
	viper.SetDefault("battery.parity", "N")
	viper.SetDefault("battery.read_timeout", 100*time.Millisecond)
	viper.SetDefault("battery.reply_timeout", time.Second)

	viper.SetDefault("safety.ovp_level_1", 4.15)
	viper.SetDefault("safety.uvp_level_1", 3.0)
	viper.SetDefault("safety.ovp_level_2", 4.25)
	viper.SetDefault("safety.uvp_level_2", 2.75)
	viper.SetDefault("safety.ocp", 30)
	viper.SetDefault("safety.ovt_mosfet", 80)
	viper.SetDefault("safety.ovt_cells", 55)
	viper.SetDefault("safety.grace_period", 10*time.Second)

	viper.SetDefault("control.setpoint_interval", 5*time.Second)
	viper.SetDefault("control.battery_interval", 5*time.Second)
	viper.SetDefault("control.safety_interval", 5*time.Second)
	viper.SetDefault("control.sampling_interval", 10*time.Second)
	viper.SetDefault("control.sequencer_poll_interval", 2*time.Second)
	viper.SetDefault("control.settling_window", 60*time.Second)
	viper.SetDefault("control.command_timeout", 5*time.Second)

	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.host", "localhost")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.base_topic", "battrig")
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
