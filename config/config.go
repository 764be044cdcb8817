// Package config loads the daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/hktstudios/hktcore/constants"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sim       SimConfig       `yaml:"sim"`
	Relevancy RelevancyConfig `yaml:"relevancy"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig covers the network-facing knobs.
type ServerConfig struct {
	Listen        string  `yaml:"listen"`
	MetricsListen string  `yaml:"metrics_listen"`
	TickRate      float64 `yaml:"tick_rate"`
	// IntentRateLimit caps intents per second per connection.
	IntentRateLimit float64 `yaml:"intent_rate_limit"`
	IntentBurst     int     `yaml:"intent_burst"`
}

// SimConfig covers the simulation core capacities.
type SimConfig struct {
	MaxEntities            int `yaml:"max_entities"`
	MaxProperties          int `yaml:"max_properties"`
	MaxInstructionsPerTick int `yaml:"max_instructions_per_tick"`
	MaxRuntimes            int `yaml:"max_runtimes"`
	DispatchWorkers        int `yaml:"dispatch_workers"`
}

// RelevancyConfig covers the interest grid.
type RelevancyConfig struct {
	CellSizeCm          int32 `yaml:"cell_size_cm"`
	InterestRadius      int32 `yaml:"interest_radius"`
	MovementThresholdCm int32 `yaml:"movement_threshold_cm"`
}

// LogConfig covers logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":7777",
			MetricsListen:   ":9090",
			TickRate:        20,
			IntentRateLimit: 60,
			IntentBurst:     30,
		},
		Sim: SimConfig{
			MaxEntities:            constants.DefaultMaxEntities,
			MaxProperties:          constants.DefaultMaxProperties,
			MaxInstructionsPerTick: constants.DefaultMaxInstructionsPerTick,
			MaxRuntimes:            constants.DefaultMaxRuntimes,
			DispatchWorkers:        4,
		},
		Relevancy: RelevancyConfig{
			CellSizeCm:          constants.DefaultCellSizeCm,
			InterestRadius:      constants.DefaultInterestRadius,
			MovementThresholdCm: constants.DefaultMovementThresholdCm,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// skips the file and starts from the defaults. Environment overrides
// apply last in both cases.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("HKT_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("HKT_METRICS_LISTEN"); v != "" {
		c.Server.MetricsListen = v
	}
	if v := os.Getenv("HKT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HKT_TICK_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.TickRate = rate
		}
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Sim.MaxEntities <= 0 || c.Sim.MaxProperties <= 0 {
		return fmt.Errorf("config: store capacities must be positive")
	}
	if c.Sim.MaxRuntimes <= 0 {
		return fmt.Errorf("config: max_runtimes must be positive")
	}
	if c.Sim.MaxInstructionsPerTick <= 0 {
		return fmt.Errorf("config: max_instructions_per_tick must be positive")
	}
	if c.Server.TickRate <= 0 {
		return fmt.Errorf("config: tick_rate must be positive")
	}
	if c.Relevancy.CellSizeCm <= 0 {
		return fmt.Errorf("config: cell_size_cm must be positive")
	}
	if c.Relevancy.InterestRadius < 0 {
		return fmt.Errorf("config: interest_radius must not be negative")
	}
	return nil
}
