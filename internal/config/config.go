// Package config loads and validates the runtime configuration: YAML on
// disk, checked against an embedded CUE schema before anything starts.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/meshforge/runtime/internal/bus"
)

//go:embed schema.cue
var schemaCUE string

// Config is one engine process's wiring: scope, stores, broker, and
// delivery tuning. The engine itself never reads the environment; every
// knob enters through this record.
type Config struct {
	Tenant    string `yaml:"tenant" json:"tenant"`
	Workspace string `yaml:"workspace" json:"workspace"`
	AgentID   string `yaml:"agent_id" json:"agent_id"`

	Deterministic bool `yaml:"deterministic" json:"deterministic"`

	StoreDSN string `yaml:"store_dsn" json:"store_dsn"`
	NATSURL  string `yaml:"nats_url" json:"nats_url"`

	EventsStream   string `yaml:"events_stream" json:"events_stream"`
	CommandsStream string `yaml:"commands_stream" json:"commands_stream"`

	MaxDeliver       int     `yaml:"max_deliver" json:"max_deliver"`
	AckWaitMS        int64   `yaml:"ack_wait_ms" json:"ack_wait_ms"`
	MessageTimeoutMS int64   `yaml:"message_timeout_ms" json:"message_timeout_ms"`
	TickIntervalMS   int64   `yaml:"tick_interval_ms" json:"tick_interval_ms"`
	BackoffMS        []int64 `yaml:"backoff_ms" json:"backoff_ms"`
}

// Default returns the configuration a bare `run` invocation gets.
func Default() Config {
	return Config{
		Tenant:           "default",
		Workspace:        "default",
		StoreDSN:         "meshforge.db",
		NATSURL:          "nats://127.0.0.1:4222",
		EventsStream:     bus.DefaultEventsStream,
		CommandsStream:   bus.DefaultCommandsStream,
		MaxDeliver:       5,
		AckWaitMS:        30_000,
		MessageTimeoutMS: 30_000,
		TickIntervalMS:   1_000,
		BackoffMS:        []int64{1_000, 5_000, 10_000, 30_000, 60_000},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the config with the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return fmt.Errorf("config: schema has no #Config definition")
	}

	val := ctx.Encode(c)
	if err := val.Err(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Backoff converts the redelivery schedule to durations.
func (c Config) Backoff() []time.Duration {
	out := make([]time.Duration, len(c.BackoffMS))
	for i, ms := range c.BackoffMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// AckWait returns the server-side redelivery timer.
func (c Config) AckWait() time.Duration {
	return time.Duration(c.AckWaitMS) * time.Millisecond
}

// MessageTimeout returns the per-message processing deadline.
func (c Config) MessageTimeout() time.Duration {
	return time.Duration(c.MessageTimeoutMS) * time.Millisecond
}

// TickInterval returns the tick loop period; zero disables the loop.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// CommandFilter is the consumer's filter subject for this scope. The target
// is the agent segment of the work-queue hierarchy, which the router derives
// from the command type tag; it need not equal the agent id.
func (c Config) CommandFilter(target string) string {
	return "cmd." + c.Tenant + "." + c.Workspace + "." + target + ".>"
}
