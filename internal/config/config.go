package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel zapcore.Level

	Description string         `mapstructure:"description"`
	RecipeFile  string         `mapstructure:"recipe_file"`
	JournalFile string         `mapstructure:"journal_file"`
	Inverter    InverterConfig `mapstructure:"inverter"`
	Battery     BatteryConfig  `mapstructure:"battery"`
	Safety      SafetyConfig   `mapstructure:"safety"`
	Control     ControlConfig  `mapstructure:"control"`
	MQTT        MQTTConfig     `mapstructure:"mqtt"`
}

// SerialConfig describes one serial device.
type SerialConfig struct {
	Port        string
	BaudRate    int           `mapstructure:"baud_rate"`
	DataBits    int           `mapstructure:"data_bits"`
	StopBits    int           `mapstructure:"stop_bits"`
	Parity      string        `mapstructure:"parity"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type InverterConfig struct {
	SerialConfig   `mapstructure:",squash"`
	FrameTimeout   time.Duration `mapstructure:"frame_timeout"`
	ChargeSetpoint int           `mapstructure:"charge_setpoint"`
	InvertSetpoint int           `mapstructure:"invert_setpoint"`
}

type BatteryConfig struct {
	SerialConfig `mapstructure:",squash"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout"`
}

// SafetyConfig holds the cell voltage (V), current (A) and temperature (°C) limits.
type SafetyConfig struct {
	OVPLevel1   float64       `mapstructure:"ovp_level_1"`
	UVPLevel1   float64       `mapstructure:"uvp_level_1"`
	OVPLevel2   float64       `mapstructure:"ovp_level_2"`
	UVPLevel2   float64       `mapstructure:"uvp_level_2"`
	OCP         float64       `mapstructure:"ocp"`
	OVTMosfet   float64       `mapstructure:"ovt_mosfet"`
	OVTCells    float64       `mapstructure:"ovt_cells"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type ControlConfig struct {
	SetpointInterval      time.Duration `mapstructure:"setpoint_interval"`
	BatteryInterval       time.Duration `mapstructure:"battery_interval"`
	SafetyInterval        time.Duration `mapstructure:"safety_interval"`
	SamplingInterval      time.Duration `mapstructure:"sampling_interval"`
	SequencerPollInterval time.Duration `mapstructure:"sequencer_poll_interval"`
	SettlingWindow        time.Duration `mapstructure:"settling_window"`
	CommandTimeout        time.Duration `mapstructure:"command_timeout"`
}

type MQTTConfig struct {
	Enable    bool
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string `mapstructure:"base_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// Validate checks bounds that would make a run unsafe or meaningless.
func (c *Config) Validate() error {
	if c.Inverter.Port == "" {
		return errors.New("config param inverter.port is required")
	}
	if c.Battery.Port == "" {
		return errors.New("config param battery.port is required")
	}
	if c.Inverter.Port == c.Battery.Port {
		return errors.New("config params inverter.port and battery.port must differ")
	}
	for name, d := range map[string]time.Duration{
		"control.setpoint_interval":       c.Control.SetpointInterval,
		"control.battery_interval":        c.Control.BatteryInterval,
		"control.safety_interval":         c.Control.SafetyInterval,
		"control.sampling_interval":       c.Control.SamplingInterval,
		"control.sequencer_poll_interval": c.Control.SequencerPollInterval,
		"control.command_timeout":         c.Control.CommandTimeout,
		"inverter.frame_timeout":          c.Inverter.FrameTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config param %s should be > 0", name)
		}
	}
	if c.Inverter.FrameTimeout >= c.Control.SetpointInterval {
		return errors.New("config param inverter.frame_timeout must be < control.setpoint_interval")
	}
	if c.Safety.OVPLevel2 < c.Safety.OVPLevel1 {
		return errors.New("config param safety.ovp_level_2 must be >= safety.ovp_level_1")
	}
	if c.Safety.UVPLevel2 > c.Safety.UVPLevel1 {
		return errors.New("config param safety.uvp_level_2 must be <= safety.uvp_level_1")
	}
	if c.Inverter.ChargeSetpoint > 0 {
		return errors.New("config param inverter.charge_setpoint must be <= 0")
	}
	if c.Inverter.InvertSetpoint < 0 {
		return errors.New("config param inverter.invert_setpoint must be >= 0")
	}
	return nil
}
