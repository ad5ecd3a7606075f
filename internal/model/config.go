package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	DefaultMaxConcurrent    = 4
	DefaultTimeout          = 30 * time.Second
	DefaultAcquireTimeout   = 30 * time.Second
	DefaultGracePeriod      = 5 * time.Second
	DefaultMaxPipelineSteps = 10
	DefaultMaxOutputBytes   = 50 * 1024 * 1024
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx   *cue.Context
	schema   cue.Value
	kindEnum cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	kindEnum = compiled.LookupPath(cue.ParsePath("#Kind"))
}

type Config struct {
	Version   int                 `json:"version" yaml:"version"` // fixed 0 for now
	Limits    Limits              `json:"limits" yaml:"limits"`
	Commands  []Command           `json:"commands,omitempty" yaml:"commands,omitempty"`
	Pipelines map[string]Pipeline `json:"pipelines,omitempty" yaml:"pipelines,omitempty"`
	Schedule  *Schedule           `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Limits are the numeric knobs of the orchestration core.
type Limits struct {
	MaxConcurrent    int      `json:"max_concurrent" yaml:"max_concurrent"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	AcquireTimeout   Duration `json:"acquire_timeout" yaml:"acquire_timeout"`
	GracePeriod      Duration `json:"grace_period" yaml:"grace_period"`
	MaxPipelineSteps int      `json:"max_pipeline_steps" yaml:"max_pipeline_steps"`
	MaxOutputBytes   int64    `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// Pipeline is a named chain of steps stored in a config file.
type Pipeline struct {
	Steps []PipelineStep `json:"steps" yaml:"steps"`
	Input string         `json:"input,omitempty" yaml:"input,omitempty"`
}

type PipelineStep struct {
	Skill  string            `json:"skill" yaml:"skill"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Schedule is either a 5 field cron or an ISO8601 duration
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxConcurrent:    DefaultMaxConcurrent,
		Timeout:          Duration(DefaultTimeout),
		AcquireTimeout:   Duration(DefaultAcquireTimeout),
		GracePeriod:      Duration(DefaultGracePeriod),
		MaxPipelineSteps: DefaultMaxPipelineSteps,
		MaxOutputBytes:   DefaultMaxOutputBytes,
	}
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Limits:  DefaultLimits(),
	}
}

// Validate applies the same ranges as config.cue for limits built in code.
func (l Limits) Validate() error {
	switch {
	case l.MaxConcurrent < 1 || l.MaxConcurrent > 64:
		return &ConfigError{Field: "max_concurrent", Value: l.MaxConcurrent, Min: 1, Max: 64}
	case l.MaxPipelineSteps < 1 || l.MaxPipelineSteps > 32:
		return &ConfigError{Field: "max_pipeline_steps", Value: l.MaxPipelineSteps, Min: 1, Max: 32}
	case l.MaxOutputBytes < 1024 || l.MaxOutputBytes > 1<<30:
		return &ConfigError{Field: "max_output_bytes", Value: l.MaxOutputBytes, Min: 1024, Max: 1 << 30}
	case l.Timeout <= 0:
		return &ConfigError{Field: "timeout", Value: l.Timeout, Min: "1ns", Max: "inf"}
	case l.AcquireTimeout < 0:
		return &ConfigError{Field: "acquire_timeout", Value: l.AcquireTimeout, Min: "0s", Max: "inf"}
	case l.GracePeriod < 0:
		return &ConfigError{Field: "grace_period", Value: l.GracePeriod, Min: "0s", Max: "inf"}
	}
	return nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if _, err := NewCatalog(out.Commands...); err != nil {
		return Config{}, fmt.Errorf("commands: %w", err)
	}
	return out, nil
}

// Duration is a time.Duration encoded as "30s" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.UnmarshalText([]byte(s))
}
