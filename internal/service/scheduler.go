package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/conductor/internal/model"
)

// Scheduler runs a task periodically. Runs of the task never overlap, a tick
// arriving while the previous run is in progress is skipped.
type Scheduler struct {
	s gocron.Scheduler
}

func NewScheduler(ctx context.Context, cfgp *model.Schedule, task func(context.Context)) (*Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("schedule is nil")
	}
	cfg := *cfgp
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval, err := cfg.Interval(time.Now())
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	default:
		job = gocron.DurationJob(interval)
		slog.DebugContext(ctx, "successfully parsed", "duration", interval.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { task(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return &Scheduler{s: s}, nil
}

// Do starts the scheduler and blocks until ctx is done
func (s *Scheduler) Do(ctx context.Context) error {
	s.s.Start()
	<-ctx.Done()
	if err := s.s.Shutdown(); err != nil {
		return fmt.Errorf("shutting down gocron: %w", err)
	}
	return nil
}

// Schedule runs the named pipeline on sched until ctx is done. Every result
// is passed to report, a nil report only logs the outcome.
func (s *Service) Schedule(ctx context.Context, name string, sched *model.Schedule, report func(PipelineResult, error)) error {
	if _, _, err := s.Pipeline(name); err != nil {
		return err
	}
	if sched != nil {
		// a run lasting longer than the interval makes the scheduler skip ticks
		if interval, err := sched.Interval(time.Now()); err == nil && interval < s.limits.Timeout.Std() {
			slog.WarnContext(ctx, "schedule interval is shorter than the command timeout",
				"pipeline", name, "interval", interval.String(), "timeout", s.limits.Timeout.Std().String())
		}
	}
	task := func(ctx context.Context) {
		res, err := s.RunNamed(ctx, name, "")
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "scheduled pipeline failed", "pipeline", name, "error", err)
		case res.Failure != nil:
			slog.WarnContext(ctx, "scheduled pipeline failed", "pipeline", name, "failure", res.Failure.String())
		default:
			slog.InfoContext(ctx, "scheduled pipeline finished", "pipeline", name, "duration", res.Duration.String(), "wall", res.Wall.String())
		}
		if report != nil {
			report(res, err)
		}
	}
	scheduler, err := NewScheduler(ctx, sched, task)
	if err != nil {
		return err
	}
	return scheduler.Do(ctx)
}
