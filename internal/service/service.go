package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/CZERTAINLY/conductor/internal/executor"
	"github.com/CZERTAINLY/conductor/internal/log"
	"github.com/CZERTAINLY/conductor/internal/model"
	"github.com/CZERTAINLY/conductor/internal/parallel"
	"github.com/CZERTAINLY/conductor/internal/pipeline"
	"github.com/CZERTAINLY/conductor/internal/slot"
)

// ErrBusy is returned when no slot was granted within the acquire timeout
var ErrBusy = errors.New("all slots are busy")

type Service struct {
	limits    model.Limits
	slots     *slot.Manager
	exec      *executor.Executor
	catalog   model.Catalog
	engine    *pipeline.Engine
	pipelines map[string]model.Pipeline
}

func New(cfg model.Config, opts ...executor.Option) (*Service, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	catalog, err := model.NewCatalog(cfg.Commands...)
	if err != nil {
		return nil, fmt.Errorf("initializing catalog: %w", err)
	}
	for name, p := range cfg.Pipelines {
		for i, s := range p.Steps {
			if _, err := catalog.Lookup(s.Skill); err != nil {
				return nil, fmt.Errorf("pipeline %q step %d: %w", name, i, err)
			}
		}
	}

	exec := executor.New(executor.ConfigFromLimits(cfg.Limits), opts...)
	return &Service{
		limits:    cfg.Limits,
		slots:     slot.New(cfg.Limits.MaxConcurrent),
		exec:      exec,
		catalog:   catalog,
		engine:    pipeline.New(exec, catalog, cfg.Limits.MaxPipelineSteps),
		pipelines: cfg.Pipelines,
	}, nil
}

func (s *Service) acquire(ctx context.Context) error {
	start := time.Now()
	if !s.slots.Acquire(ctx, s.limits.AcquireTimeout.Std()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: waited %s", ErrBusy, time.Since(start).Round(time.Millisecond))
	}
	slog.DebugContext(ctx, "slot acquired", "wait", time.Since(start).String(), "active", s.slots.Active())
	return nil
}

// Lookup returns a command from the catalog
func (s *Service) Lookup(skill string) (model.Command, error) {
	return s.catalog.Lookup(skill)
}

// Skills returns the sorted names of all known commands
func (s *Service) Skills() []string {
	return slices.Sorted(maps.Keys(s.catalog))
}

// Run executes a single command while holding a slot.
func (s *Service) Run(ctx context.Context, skill string, p executor.Params) (executor.Result, error) {
	cmd, err := s.catalog.Lookup(skill)
	if err != nil {
		return executor.Result{}, err
	}
	if _, err := executor.Render(cmd, p); err != nil {
		return executor.Result{}, err
	}
	if _, err := executor.Resolve(cmd); err != nil {
		return executor.Result{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return executor.Result{}, err
	}
	defer s.slots.Release()
	return s.exec.Execute(ctx, cmd, p)
}

// PipelineResult adds the wall clock time, which includes waiting for a
// slot, to pipeline.Result.
type PipelineResult struct {
	pipeline.Result
	Wall time.Duration
}

// RunPipeline executes steps sequentially while holding a single slot.
func (s *Service) RunPipeline(ctx context.Context, steps []pipeline.Step, in pipeline.Input) (PipelineResult, error) {
	start := time.Now()
	if err := s.engine.Validate(steps, in); err != nil {
		return PipelineResult{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return PipelineResult{}, err
	}
	defer s.slots.Release()

	res, err := s.engine.Execute(ctx, steps, in)
	return PipelineResult{Result: res, Wall: time.Since(start)}, err
}

// Pipeline converts a named pipeline from the configuration into steps
func (s *Service) Pipeline(name string) ([]pipeline.Step, pipeline.Input, error) {
	p, ok := s.pipelines[name]
	if !ok {
		return nil, pipeline.Input{}, fmt.Errorf("%q: %w", name, model.ErrNoPipeline)
	}
	steps := make([]pipeline.Step, 0, len(p.Steps))
	for i, ps := range p.Steps {
		cmd, err := s.catalog.Lookup(ps.Skill)
		if err != nil {
			return nil, pipeline.Input{}, fmt.Errorf("pipeline %q step %d: %w", name, i, err)
		}
		args, options, err := cmd.ParseValues(ps.Params)
		if err != nil {
			return nil, pipeline.Input{}, fmt.Errorf("pipeline %q step %d: %w", name, i, err)
		}
		steps = append(steps, pipeline.Step{Skill: ps.Skill, Args: args, Options: options})
	}
	return steps, pipeline.Input{File: p.Input}, nil
}

// Pipelines returns the sorted names of configured pipelines
func (s *Service) Pipelines() []string {
	return slices.Sorted(maps.Keys(s.pipelines))
}

// RunNamed runs a pipeline from the configuration. A non empty input file
// overrides the configured one.
func (s *Service) RunNamed(ctx context.Context, name string, input string) (PipelineResult, error) {
	steps, in, err := s.Pipeline(name)
	if err != nil {
		return PipelineResult{}, err
	}
	if input != "" {
		in.File = input
	}
	ctx = log.ContextAttrs(ctx, slog.String("pipeline", name))
	return s.RunPipeline(ctx, steps, in)
}

// Script renders a named pipeline as a shell script
func (s *Service) Script(name string) (string, error) {
	steps, in, err := s.Pipeline(name)
	if err != nil {
		return "", err
	}
	return s.engine.ToShellScript(steps, in)
}

type BatchRequest struct {
	Name  string
	Steps []pipeline.Step
	Input pipeline.Input
}

type BatchResult struct {
	Name string
	PipelineResult
}

// Batch runs the pipelines concurrently, at most Max() slots at a time.
// Results are yielded in completion order. Breaking out of the loop cancels
// the pipelines still running.
func (s *Service) Batch(ctx context.Context, reqs []BatchRequest) iter.Seq2[BatchResult, error] {
	run := func(ctx context.Context, req BatchRequest) (BatchResult, error) {
		ctx = log.ContextAttrs(ctx, slog.String("batch", req.Name))
		res, err := s.RunPipeline(ctx, req.Steps, req.Input)
		if err != nil {
			err = fmt.Errorf("%s: %w", req.Name, err)
		}
		return BatchResult{Name: req.Name, PipelineResult: res}, err
	}
	return parallel.NewMap(ctx, s.slots.Max(), run).Iter(slices.Values(reqs))
}

type Stats struct {
	Max       int
	Active    int
	Waiters   int
	Processes int
}

func (s *Service) Stats() Stats {
	return Stats{
		Max:       s.slots.Max(),
		Active:    s.slots.Active(),
		Waiters:   s.slots.Waiters(),
		Processes: s.exec.ActiveProcesses(),
	}
}

// Shutdown kills all running processes. Pending calls return results
// reporting the signal.
func (s *Service) Shutdown(ctx context.Context) error {
	n := s.exec.ActiveProcesses()
	err := s.exec.KillAll()
	slog.InfoContext(ctx, "shutdown", "killed", n, "error", err)
	return err
}
