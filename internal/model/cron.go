package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5 field cron expression or a descriptor like @hourly or
// @every 90s.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}
	return cronParser.Parse(e)
}

// ErrISOFormat is returned for durations not in the PnDTnHnMnS form
var ErrISOFormat = errors.New("invalid ISO8601 duration")

const isoNum = `(\d+(?:[.,]\d+)?)`

// months and years have no fixed length, so only days and time parts are accepted
var isoDurationRx = regexp.MustCompile(`^P(?:` + isoNum + `D)?(T(?:` + isoNum + `H)?(?:` + isoNum + `M)?(?:` + isoNum + `S)?)?$`)

var isoUnits = [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}

// ParseISODuration parses a subset of ISO8601 durations: PT30S, PT1H30M,
// P1DT12H, PT0.5S. Every component may carry a fraction.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || m[2] == "T" {
		return 0, ErrISOFormat
	}
	// m[1] days, m[2] the whole time part, m[3..5] hours, minutes, seconds
	parts := [...]string{m[1], m[3], m[4], m[5]}
	var ret time.Duration
	for i, part := range parts {
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.Replace(part, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrISOFormat, part, err)
		}
		ret += time.Duration(math.Round(f * float64(isoUnits[i])))
	}
	return ret, nil
}

// Interval returns the time between two consecutive runs after from. For a
// cron schedule it can differ between calls, e.g. for "0 9 * * 1-5".
func (s Schedule) Interval(from time.Time) (time.Duration, error) {
	switch {
	case s.Cron != "" && s.Duration != "":
		return 0, errors.New("schedule: both cron and duration are set")
	case s.Cron != "":
		sched, err := ParseCron(s.Cron)
		if err != nil {
			return 0, fmt.Errorf("schedule: parsing cron: %w", err)
		}
		next := sched.Next(from)
		return sched.Next(next).Sub(next), nil
	case s.Duration != "":
		d, err := ParseISODuration(s.Duration)
		if err != nil {
			return 0, fmt.Errorf("schedule: parsing duration: %w", err)
		}
		return d, nil
	default:
		return 0, errors.New("schedule: both cron and duration are empty")
	}
}

// Validate checks that exactly one of cron or duration is set and that it
// yields a positive interval.
func (s Schedule) Validate() error {
	d, err := s.Interval(time.Now())
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("schedule: interval must be positive, got %s", d)
	}
	return nil
}
