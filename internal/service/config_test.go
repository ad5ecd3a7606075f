package service_test

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/service"
)

func TestApplyOverrides(t *testing.T) {
	// can't be parallel as it modifies the environment
	t.Setenv("CONDUCTOR_MAX_CONCURRENT", "8")
	t.Setenv("CONDUCTOR_TIMEOUT", "90s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int(service.KeyMaxPipelineSteps, 0, "")
	flags.String(service.KeyGracePeriod, "", "")
	require.NoError(t, flags.Parse([]string{"--max_pipeline_steps=3"}))

	v := service.NewViper()
	require.NoError(t, v.BindPFlags(flags))

	limits, err := service.ApplyOverrides(v, model.DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, 8, limits.MaxConcurrent)
	require.Equal(t, 90*time.Second, limits.Timeout.Std())
	require.Equal(t, 3, limits.MaxPipelineSteps)
	// unchanged flag keeps the configured value
	require.Equal(t, model.DefaultGracePeriod, limits.GracePeriod.Std())
	require.Equal(t, int64(model.DefaultMaxOutputBytes), limits.MaxOutputBytes)
}

func TestApplyOverridesInvalid(t *testing.T) {
	var testCases = []struct {
		scenario string
		env      string
		value    string
		then     string
	}{
		{"out of range", "CONDUCTOR_MAX_CONCURRENT", "100", "max_concurrent=100 out of range"},
		{"bad duration", "CONDUCTOR_ACQUIRE_TIMEOUT", "soon", "parsing acquire_timeout"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := service.ApplyOverrides(service.NewViper(), model.DefaultLimits())
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.then)
		})
	}

	t.Run("config error", func(t *testing.T) {
		t.Setenv("CONDUCTOR_MAX_PIPELINE_STEPS", "0")
		_, err := service.ApplyOverrides(service.NewViper(), model.DefaultLimits())
		var cfgErr *model.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, "max_pipeline_steps", cfgErr.Field)
	})
}
