// Package config loads and validates the deriv worker configuration.
//
// Configuration is read from a JSON file and can be overridden with
// DERIV_* environment variables for deployment-sensitive values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// Worker keys used for the two task machines this process runs.
const (
	WorkerBuild = "build"
	WorkerWatch = "watch_tsdb"
)

// SubOptions holds per-source subscription overrides.
type SubOptions struct {
	AckWait     int64  `json:"ack_wait,omitempty"` // milliseconds
	DurableName string `json:"durable_name,omitempty"`
	MaxInFlight int    `json:"max_in_flight,omitempty"`
}

// Source defines one bus subscription for a worker. SubToSubject may
// contain placeholders such as {hostOrdinal} resolved against the model.
type Source struct {
	Description  string     `json:"description,omitempty"`
	SubOptions   SubOptions `json:"sub_options,omitempty"`
	SubToSubject string     `json:"sub_to_subject"`
}

// WorkerConfig defines one task machine's subscription set.
type WorkerConfig struct {
	SourceDefaults SubOptions `json:"source_defaults,omitempty"`
	Sources        []Source   `json:"sources"`
}

// NATSConfig holds bus connection settings.
type NATSConfig struct {
	URL        string `json:"url"`
	ClientName string `json:"client_name,omitempty"`
	Stream     string `json:"stream,omitempty"`
}

// AuthConfig holds data-API credentials.
type AuthConfig struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// APIConfig holds the datastream/datapoint/station service connection.
type APIConfig struct {
	URL     string        `json:"url"`
	Auth    AuthConfig    `json:"auth,omitempty"`
	Timeout time.Duration `json:"-"`

	TimeoutMs int64 `json:"timeout,omitempty"` // milliseconds
}

// InfluxConfig holds the time-series store connection.
type InfluxConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// MachineConfig holds task machine polling settings.
type MachineConfig struct {
	PollIntervalMs int64 `json:"poll_interval,omitempty"` // milliseconds
	StartCycles    int   `json:"start_cycles,omitempty"`
}

// PollInterval returns the configured polling interval as a duration.
func (mc MachineConfig) PollInterval() time.Duration {
	return time.Duration(mc.PollIntervalMs) * time.Millisecond
}

// Config represents the complete worker configuration
type Config struct {
	Name    string        `json:"name,omitempty"`
	NATS    NATSConfig    `json:"nats"`
	API     APIConfig     `json:"api"`
	Influx  InfluxConfig  `json:"influx"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
	Machine MachineConfig `json:"machine,omitempty"`
	Build   WorkerConfig  `json:"build"`
	Watch   WorkerConfig  `json:"watch_tsdb"`
}

// Default returns a configuration populated with sensible defaults.
func Default() *Config {
	return &Config{
		Name: "deriv-worker",
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			ClientName: "deriv-worker",
			Stream:     "DERIV",
		},
		API: APIConfig{
			URL:       "http://localhost:3030",
			TimeoutMs: 30000,
		},
		Influx: InfluxConfig{
			URL: "http://localhost:8086",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Machine: MachineConfig{
			PollIntervalMs: 500,
			StartCycles:    120,
		},
	}
}

// Load reads configuration from a JSON file, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.API.Timeout = time.Duration(cfg.API.TimeoutMs) * time.Millisecond

	return cfg, nil
}

// applyEnv overrides deployment-sensitive values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DERIV_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("DERIV_API_URL"); v != "" {
		c.API.URL = v
	}
	if v := os.Getenv("DERIV_API_EMAIL"); v != "" {
		c.API.Auth.Email = v
	}
	if v := os.Getenv("DERIV_API_PASSWORD"); v != "" {
		c.API.Auth.Password = v
	}
	if v := os.Getenv("DERIV_INFLUX_URL"); v != "" {
		c.Influx.URL = v
	}
	if v := os.Getenv("DERIV_INFLUX_TOKEN"); v != "" {
		c.Influx.Token = v
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.url is required")
	}
	if c.API.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "api.url is required")
	}
	if c.Influx.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "influx.url is required")
	}
	if c.NATS.Stream == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats.stream is required")
	}
	if c.Machine.PollIntervalMs <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"machine.poll_interval must be positive")
	}
	if c.Machine.StartCycles <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"machine.start_cycles must be positive")
	}

	for name, wc := range map[string]WorkerConfig{WorkerBuild: c.Build, WorkerWatch: c.Watch} {
		for i, src := range wc.Sources {
			if src.SubToSubject == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("%s.sources[%d].sub_to_subject is required", name, i))
			}
			if src.SubOptions.AckWait < 0 || src.SubOptions.MaxInFlight < 0 {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("%s.sources[%d] has negative sub_options", name, i))
			}
		}
	}

	return nil
}

// MergedSources returns a worker's sources with source defaults applied
// to any unset per-source subscription options.
func (wc WorkerConfig) MergedSources() []Source {
	out := make([]Source, len(wc.Sources))
	for i, src := range wc.Sources {
		if src.SubOptions.AckWait == 0 {
			src.SubOptions.AckWait = wc.SourceDefaults.AckWait
		}
		if src.SubOptions.DurableName == "" {
			src.SubOptions.DurableName = wc.SourceDefaults.DurableName
		}
		if src.SubOptions.MaxInFlight == 0 {
			src.SubOptions.MaxInFlight = wc.SourceDefaults.MaxInFlight
		}
		out[i] = src
	}
	return out
}
