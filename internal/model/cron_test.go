package model_test

import (
	"testing"
	"time"

	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"PT30S", 30 * time.Second},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"PT0.5S", 500 * time.Millisecond},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, d)
		})
	}

	for _, bad := range []string{"", "P", "PT", "30s", "P2M"} {
		_, err := model.ParseISODuration(bad)
		require.ErrorIs(t, err, model.ErrISOFormat, bad)
	}
}

func TestScheduleValidate(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    model.Schedule
		ok       bool
	}{
		{"cron", model.Schedule{Cron: "*/15 * * * *"}, true},
		{"macro", model.Schedule{Cron: "@hourly"}, true},
		{"duration", model.Schedule{Duration: "PT5M"}, true},
		{"both", model.Schedule{Cron: "@hourly", Duration: "PT5M"}, false},
		{"none", model.Schedule{}, false},
		{"bad cron", model.Schedule{Cron: "* * 32 * *"}, false},
		{"bad duration", model.Schedule{Duration: "5m"}, false},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			err := tt.given.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{"", "  ", "0 0 * * * *", "61 * * * *"} {
		_, err := model.ParseCron(bad)
		require.Error(t, err, bad)
	}
	s, err := model.ParseCron(" @hourly ")
	require.NoError(t, err)
	from := time.Date(2026, 10, 22, 10, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 10, 22, 11, 0, 0, 0, time.UTC), s.Next(from))
}

func TestScheduleInterval(t *testing.T) {
	t.Parallel()
	// Thursday
	thu := time.Date(2026, 10, 22, 10, 0, 0, 0, time.UTC)
	var testCases = []struct {
		scenario string
		given    model.Schedule
		from     time.Time
		then     time.Duration
	}{
		{"every five minutes", model.Schedule{Cron: "*/5 * * * *"}, thu, 5 * time.Minute},
		{"hourly", model.Schedule{Cron: "0 * * * *"}, thu, time.Hour},
		{"every", model.Schedule{Cron: "@every 90s"}, thu, 90 * time.Second},
		{"weekdays over weekend", model.Schedule{Cron: "0 9 * * 1-5"}, thu, 72 * time.Hour},
		{"weekdays", model.Schedule{Cron: "0 9 * * 1-5"}, thu.AddDate(0, 0, 1), 24 * time.Hour},
		{"duration", model.Schedule{Duration: "P1DT12H"}, thu, 36 * time.Hour},
		{"fraction with comma", model.Schedule{Duration: "PT1,5S"}, thu, 1500 * time.Millisecond},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := tt.given.Interval(tt.from)
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}

	_, err := model.Schedule{Duration: "PT"}.Interval(thu)
	require.ErrorIs(t, err, model.ErrISOFormat)
}

func TestScheduleValidateZero(t *testing.T) {
	t.Parallel()
	err := model.Schedule{Duration: "PT0S"}.Validate()
	require.ErrorContains(t, err, "must be positive")
}
