package model

import (
	"errors"
	"fmt"
)

var (
	ErrSkillNotFound = errors.New("skill not found")
	ErrInvalidParams = errors.New("invalid parameters")
	ErrTooManySteps  = errors.New("too many pipeline steps")
	ErrNoSteps       = errors.New("pipeline has no steps")
	ErrInputFile     = errors.New("input file not accessible")
	ErrNoPipeline    = errors.New("pipeline not found")
)

// ConfigError reports a limit out of its allowed range
type ConfigError struct {
	Field string
	Value any
	Min   any
	Max   any
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s=%v out of range [%v, %v]", e.Field, e.Value, e.Min, e.Max)
}
