// ABOUTME: YAML configuration parsing and validation
// ABOUTME: Defines capture sessions, their devices, telemetry, and the HTTP listener
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const MaxChannels = 8

var sessionIDPattern = regexp.MustCompile(`^[a-z0-9_\-]+$`)

type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Sessions  []SessionConfig `yaml:"sessions"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TelemetryConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig leaves telemetry disabled when Broker is empty.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Topic           string `yaml:"topic"`
	QoS             byte   `yaml:"qos"`
	Encoding        string `yaml:"encoding"`
	StatsIntervalMs int    `yaml:"stats_interval_ms"`
	Backlog         int    `yaml:"backlog"`
}

type SessionConfig struct {
	ID            string          `yaml:"id"`
	RecordOnStart bool            `yaml:"record_on_start"`
	Audio         AudioConfig     `yaml:"audio"`
	Buffering     BufferingConfig `yaml:"buffering"`
	Device        DeviceConfig    `yaml:"device"`
}

type AudioConfig struct {
	Channels   int `yaml:"channels"`
	SampleRate int `yaml:"sample_rate"`
	SampleSize int `yaml:"sample_size"`
}

type BufferingConfig struct {
	// BlockCount is the ring capacity in frames.
	BlockCount     int    `yaml:"block_count"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

type DeviceConfig struct {
	Kind string    `yaml:"kind"`
	Sim  SimConfig `yaml:"sim"`
	UIO  UIOConfig `yaml:"uio"`
}

type SimConfig struct {
	FramesPerHalf int `yaml:"frames_per_half"`
	PeriodMs      int `yaml:"period_ms"`
}

type UIOConfig struct {
	Path       string `yaml:"path"`
	MapIndex   int    `yaml:"map_index"`
	Size       int    `yaml:"size"`
	Remoteproc string `yaml:"remoteproc"`
	Firmware   string `yaml:"firmware"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and rejects values the capture path cannot use.
func Validate(cfg *Config) error {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8000
	}
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", cfg.Listen.Port)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}

	if err := validateMQTT(&cfg.Telemetry.MQTT); err != nil {
		return fmt.Errorf("telemetry.mqtt: %w", err)
	}

	if len(cfg.Sessions) == 0 {
		return fmt.Errorf("at least one session is required")
	}

	seen := make(map[string]bool)
	for i := range cfg.Sessions {
		sc := &cfg.Sessions[i]
		if err := validateSession(sc); err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sessions[%d]: duplicate id %q", i, sc.ID)
		}
		seen[sc.ID] = true
	}

	return nil
}

func validateMQTT(m *MQTTConfig) error {
	if m.Broker == "" {
		return nil
	}
	if !strings.Contains(m.Broker, "://") {
		m.Broker = "tcp://" + m.Broker
	}
	if m.ClientID == "" {
		m.ClientID = "pcm-capture"
	}
	if m.Topic == "" {
		m.Topic = "pcm/capture"
	}
	if m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	switch m.Encoding {
	case "":
		m.Encoding = "json"
	case "json", "msgpack":
	default:
		return fmt.Errorf("encoding must be json or msgpack, got %q", m.Encoding)
	}
	if m.StatsIntervalMs <= 0 {
		m.StatsIntervalMs = 5000
	}
	if m.Backlog <= 0 {
		m.Backlog = 256
	}
	return nil
}

func validateSession(sc *SessionConfig) error {
	if sc.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !sessionIDPattern.MatchString(sc.ID) {
		return fmt.Errorf("id %q must match pattern [a-z0-9_-]+", sc.ID)
	}

	a := &sc.Audio
	if a.Channels < 1 || a.Channels > MaxChannels {
		return fmt.Errorf("audio.channels must be between 1 and %d, got %d", MaxChannels, a.Channels)
	}
	if a.SampleSize == 0 {
		a.SampleSize = 4
	}
	if a.SampleSize < 1 || a.SampleSize > 4 {
		return fmt.Errorf("audio.sample_size must be between 1 and 4, got %d", a.SampleSize)
	}
	if a.SampleRate == 0 {
		a.SampleRate = 16000
	}
	if a.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got %d", a.SampleRate)
	}

	b := &sc.Buffering
	if b.BlockCount == 0 {
		b.BlockCount = 16 * a.SampleRate
	}
	if b.BlockCount < 0 {
		return fmt.Errorf("buffering.block_count must be > 0, got %d", b.BlockCount)
	}
	switch b.OverflowPolicy {
	case "":
		b.OverflowPolicy = "overwrite_oldest"
	case "overwrite_oldest", "reject_on_full":
	default:
		return fmt.Errorf("buffering.overflow_policy must be overwrite_oldest or reject_on_full, got %q", b.OverflowPolicy)
	}

	d := &sc.Device
	switch d.Kind {
	case "", "sim":
		d.Kind = "sim"
		if d.Sim.FramesPerHalf <= 0 {
			d.Sim.FramesPerHalf = 512
		}
		if d.Sim.PeriodMs <= 0 {
			d.Sim.PeriodMs = max(1, d.Sim.FramesPerHalf*1000/a.SampleRate)
		}
	case "uio":
		if d.UIO.Path == "" {
			return fmt.Errorf("device.uio.path is required")
		}
		if d.UIO.MapIndex < 0 || d.UIO.Size < 0 {
			return fmt.Errorf("device.uio map_index and size must be >= 0")
		}
		if d.UIO.Firmware != "" && d.UIO.Remoteproc == "" {
			return fmt.Errorf("device.uio.firmware requires device.uio.remoteproc")
		}
	default:
		return fmt.Errorf("device.kind must be sim or uio, got %q", d.Kind)
	}

	return nil
}
