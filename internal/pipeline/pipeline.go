// Package pipeline chains executions of external commands. Captured stdout
// of every step becomes stdin of the next one, the first step reads either
// the input bytes or an input file passed as its last argument.
//
// All steps are resolved and rendered before anything is spawned, so a
// malformed pipeline never starts a process. Execution stops at the first
// step which did not succeed.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/CZERTAINLY/conductor/internal/executor"
	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"

	"github.com/alessio/shellescape"
)

// Runner executes a single command, implemented by *executor.Executor
type Runner interface {
	Execute(ctx context.Context, cmd model.Command, p executor.Params) (executor.Result, error)
}

type Step struct {
	Skill   string
	Args    map[string]model.Value
	Options map[string]model.Value
	Timeout time.Duration // 0 means the executor default
}

// Input of the first step. File takes precedence over Data.
type Input struct {
	Data []byte
	File string
}

// StepFailure describes the step which stopped a pipeline
type StepFailure struct {
	Index  int
	Skill  string
	Result executor.Result
}

func (f StepFailure) String() string {
	r := f.Result
	switch {
	case r.TimedOut:
		return fmt.Sprintf("step %d (%s): timed out", f.Index, f.Skill)
	case r.Signaled:
		return fmt.Sprintf("step %d (%s): killed by %s", f.Index, f.Skill, r.Signal)
	default:
		return fmt.Sprintf("step %d (%s): exit code %d", f.Index, f.Skill, r.ExitCode)
	}
}

type Result struct {
	Steps    []executor.Result // completed steps, in order
	Output   []byte            // stdout of the last completed step
	Duration time.Duration     // sum of step durations
	Failure  *StepFailure
}

func (r Result) Success() bool {
	return r.Failure == nil && len(r.Steps) > 0
}

type Engine struct {
	exec     Runner
	resolver model.Resolver
	maxSteps int
}

func New(exec Runner, resolver model.Resolver, maxSteps int) *Engine {
	if maxSteps <= 0 {
		maxSteps = model.DefaultMaxPipelineSteps
	}
	return &Engine{
		exec:     exec,
		resolver: resolver,
		maxSteps: maxSteps,
	}
}

func (e *Engine) MaxSteps() int {
	return e.maxSteps
}

type plan struct {
	cmd  model.Command
	argv []string
}

// prepare validates the whole pipeline without side effects. With resolve
// set every binary must be present in PATH.
func (e *Engine) prepare(steps []Step, in Input, resolve bool) ([]plan, error) {
	if len(steps) == 0 {
		return nil, model.ErrNoSteps
	}
	if len(steps) > e.maxSteps {
		return nil, fmt.Errorf("%w: %d steps, maximum is %d", model.ErrTooManySteps, len(steps), e.maxSteps)
	}
	plans := make([]plan, len(steps))
	for i, s := range steps {
		cmd, err := e.resolver.Lookup(s.Skill)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		argv, err := executor.Render(cmd, params(i, s, in, nil))
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if resolve {
			if _, err := executor.Resolve(cmd); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
		}
		plans[i] = plan{cmd: cmd, argv: argv}
	}
	return plans, nil
}

func params(i int, s Step, in Input, stdin []byte) executor.Params {
	p := executor.Params{
		Args:    s.Args,
		Options: s.Options,
		Timeout: s.Timeout,
		Stdin:   stdin,
	}
	if i == 0 {
		p.InputFile = in.File
		if in.File == "" {
			p.Stdin = in.Data
		}
	}
	return p
}

// Validate checks the pipeline the same way Execute does, without running
// anything.
func (e *Engine) Validate(steps []Step, in Input) error {
	_, err := e.prepare(steps, in, true)
	return err
}

// Execute runs the steps sequentially. Structural problems (no steps, too
// many steps, unknown skill, missing binary, invalid parameters, missing
// input file) are returned as errors before any process is started. A
// failing step is reported in Result.Failure. Once ctx is done no further
// step is started.
func (e *Engine) Execute(ctx context.Context, steps []Step, in Input) (Result, error) {
	plans, err := e.prepare(steps, in, true)
	if err != nil {
		return Result{}, err
	}
	if in.File != "" {
		if _, err := os.Stat(in.File); err != nil {
			return Result{}, fmt.Errorf("%w: %w", model.ErrInputFile, err)
		}
	}

	res := Result{Steps: make([]executor.Result, 0, len(steps))}
	var stdin []byte
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("step %d: %w", i, err)
		}
		sctx := log.ContextAttrs(ctx, slog.Int("step", i))
		r, err := e.exec.Execute(sctx, plans[i].cmd, params(i, s, in, stdin))
		if err != nil {
			return res, fmt.Errorf("step %d: %w", i, err)
		}
		res.Duration += r.Duration
		if !r.Success {
			res.Failure = &StepFailure{Index: i, Skill: s.Skill, Result: r}
			slog.WarnContext(sctx, "pipeline stopped", "failure", res.Failure.String())
			return res, nil
		}
		if r.Truncated && i < len(steps)-1 {
			slog.WarnContext(sctx, "passing truncated output to the next step", "bytes", len(r.Stdout))
		}
		res.Steps = append(res.Steps, r)
		res.Output = r.Stdout
		stdin = r.Stdout
		if stdin == nil {
			stdin = []byte{}
		}
	}
	return res, nil
}

// pipefail is not POSIX before 2024, shells without it still fail only on
// the last command of the pipe
const scriptHeader = "#!/bin/sh\nset -e\n(set -o pipefail) 2>/dev/null && set -o pipefail\n"

// ToShellScript renders the pipeline as an equivalent POSIX shell script.
// Input bytes can't be represented, such a script reads its standard input.
// Binaries are not looked up, the script may target another machine.
func (e *Engine) ToShellScript(steps []Step, in Input) (string, error) {
	plans, err := e.prepare(steps, in, false)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(scriptHeader)
	for i, p := range plans {
		if i > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(shellescape.QuoteCommand(p.argv))
	}
	sb.WriteByte('\n')
	return sb.String(), nil
}
