package util

import (
	"time"

	"github.com/berfenger/battrig/internal/config"

	"go.uber.org/zap"
)

// LoadTestConfig returns a valid config with intervals scaled down for tests.
func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel:    zap.DebugLevel,
		Description: "test rig",
		Inverter: config.InverterConfig{
			SerialConfig: config.SerialConfig{
				Port:        "/dev/ttyTEST0",
				BaudRate:    2400,
				DataBits:    8,
				StopBits:    1,
				Parity:      "N",
				ReadTimeout: 10 * time.Millisecond,
			},
			FrameTimeout:   20 * time.Millisecond,
			ChargeSetpoint: -1000,
			InvertSetpoint: 1000,
		},
		Battery: config.BatteryConfig{
			SerialConfig: config.SerialConfig{
				Port:        "/dev/ttyTEST1",
				BaudRate:    19200,
				DataBits:    8,
				StopBits:    2,
				Parity:      "N",
				ReadTimeout: 10 * time.Millisecond,
			},
			ReplyTimeout: 50 * time.Millisecond,
		},
		Safety: config.SafetyConfig{
			OVPLevel1:   4.15,
			UVPLevel1:   3.0,
			OVPLevel2:   4.25,
			UVPLevel2:   2.75,
			OCP:         30,
			OVTMosfet:   80,
			OVTCells:    55,
			GracePeriod: 0,
		},
		Control: config.ControlConfig{
			SetpointInterval:      50 * time.Millisecond,
			BatteryInterval:       50 * time.Millisecond,
			SafetyInterval:        50 * time.Millisecond,
			SamplingInterval:      100 * time.Millisecond,
			SequencerPollInterval: 20 * time.Millisecond,
			SettlingWindow:        200 * time.Millisecond,
			CommandTimeout:        time.Second,
		},
		MQTT: config.MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "battrig",
		},
	}
}
