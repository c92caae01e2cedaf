// Package config loads the farm-controller YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoControllers is returned by Validate when neither plots nor doors are
// configured.
var ErrNoControllers = errors.New("no plots or doors configured")

// Config is the configuration file structure.
type Config struct {
	// Instance names this controller in MQTT topics.
	Instance string         `yaml:"instance"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Runner   RunnerConfig   `yaml:"runner"`
	Plots    []PlotConfig   `yaml:"plots"`
	Doors    []DoorConfig   `yaml:"doors"`
}

type MQTTConfig struct {
	// Broker is empty to run without MQTT.
	Broker string `yaml:"broker"`
	// ClientID defaults to a random id per process.
	ClientID string `yaml:"client_id"`
	// SensorPrefix is the topic prefix remote sensors publish under.
	SensorPrefix string `yaml:"sensor_prefix"`
	// BufferSize bounds the messages held while disconnected.
	BufferSize int `yaml:"buffer_size"`
	// StaleAfter is how long a sensor reading stays usable.
	StaleAfter Duration `yaml:"stale_after"`
}

type HTTPConfig struct {
	// Addr is empty to disable the status server.
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	// Path is empty to run without persistence.
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type GPIOConfig struct {
	Chip string `yaml:"chip"`
	// Simulated replaces every output and flow meter with an in-memory fake.
	Simulated bool `yaml:"simulated"`
}

// RunnerConfig bounds how long a controller loop sleeps between ticks.
type RunnerConfig struct {
	MinWait Duration `yaml:"min_wait"`
	MaxWait Duration `yaml:"max_wait"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Instance: "farm",
		MQTT: MQTTConfig{
			Broker:       "tcp://localhost:1883",
			SensorPrefix: "farm/sensors",
			BufferSize:   100,
			StaleAfter:   Duration{15 * time.Minute},
		},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Database: DatabaseConfig{Path: "/var/lib/farm-controller/farm.db"},
		Logging:  LoggingConfig{Level: "info"},
		GPIO:     GPIOConfig{Chip: "gpiochip0"},
		Runner: RunnerConfig{
			MinWait: Duration{100 * time.Millisecond},
			MaxWait: Duration{time.Minute},
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section. Schedules and targets are parsed into their
// runtime form so that a bad value is reported here and not at runtime.
func (c *Config) Validate() error {
	if c.Instance == "" {
		return errors.New("instance is required")
	}
	if c.MQTT.BufferSize < 1 {
		return fmt.Errorf("mqtt.buffer_size %d must be at least 1", c.MQTT.BufferSize)
	}
	if c.MQTT.StaleAfter.Duration <= 0 {
		return fmt.Errorf("mqtt.stale_after %v must be positive", c.MQTT.StaleAfter)
	}
	if c.Runner.MinWait.Duration <= 0 || c.Runner.MaxWait.Duration < c.Runner.MinWait.Duration {
		return fmt.Errorf("runner waits must satisfy 0 < min_wait (%v) <= max_wait (%v)", c.Runner.MinWait, c.Runner.MaxWait)
	}
	if len(c.Plots) == 0 && len(c.Doors) == 0 {
		return ErrNoControllers
	}

	names := make(map[string]bool)
	for i, p := range c.Plots {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("plots[%d]: %w", i, err)
		}
		if names[p.Name] {
			return fmt.Errorf("plots[%d]: duplicate controller name %q", i, p.Name)
		}
		names[p.Name] = true
	}
	for i, d := range c.Doors {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("doors[%d]: %w", i, err)
		}
		if names[d.Name] {
			return fmt.Errorf("doors[%d]: duplicate controller name %q", i, d.Name)
		}
		names[d.Name] = true
	}
	return nil
}

// Duration is a time.Duration written as a Go duration string ("15m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}
