package service

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/CZERTAINLY/conductor/internal/model"
)

// EnvPrefix of environment variables overriding limits, e.g.
// CONDUCTOR_MAX_CONCURRENT=8
const EnvPrefix = "CONDUCTOR"

// Keys of limits which can be overridden by environment variables or
// command line flags bound to a viper instance.
const (
	KeyMaxConcurrent    = "max_concurrent"
	KeyTimeout          = "timeout"
	KeyAcquireTimeout   = "acquire_timeout"
	KeyGracePeriod      = "grace_period"
	KeyMaxPipelineSteps = "max_pipeline_steps"
	KeyMaxOutputBytes   = "max_output_bytes"
)

// NewViper returns a viper instance reading CONDUCTOR_* environment variables
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides returns limits with every key set in v applied. The result
// is validated.
func ApplyOverrides(v *viper.Viper, l model.Limits) (model.Limits, error) {
	if v.IsSet(KeyMaxConcurrent) {
		l.MaxConcurrent = v.GetInt(KeyMaxConcurrent)
	}
	if v.IsSet(KeyMaxPipelineSteps) {
		l.MaxPipelineSteps = v.GetInt(KeyMaxPipelineSteps)
	}
	if v.IsSet(KeyMaxOutputBytes) {
		l.MaxOutputBytes = v.GetInt64(KeyMaxOutputBytes)
	}
	for key, d := range map[string]*model.Duration{
		KeyTimeout:        &l.Timeout,
		KeyAcquireTimeout: &l.AcquireTimeout,
		KeyGracePeriod:    &l.GracePeriod,
	} {
		if !v.IsSet(key) {
			continue
		}
		if err := d.UnmarshalText([]byte(v.GetString(key))); err != nil {
			return l, fmt.Errorf("parsing %s: %w", key, err)
		}
	}
	return l, l.Validate()
}
