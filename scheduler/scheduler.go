// Package scheduler drives the export engine on a fixed interval. Runs are
// strictly sequential: a new tick never starts while a cycle is in progress.
package scheduler

import (
	"context"
	"time"

	uploader "github.com/popel1988/hllstatsuploader"
	"github.com/popel1988/hllstatsuploader/logger"
)

// Clock abstracts wall-clock waits so interval behavior is testable without
// real sleeps.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Runner is the engine surface the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) *uploader.RunSummary
}

type Scheduler struct {
	runner   Runner
	interval time.Duration
	clock    Clock
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func New(runner Runner, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		interval: interval,
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Once runs exactly one cycle.
func (s *Scheduler) Once(ctx context.Context) *uploader.RunSummary {
	return s.runner.RunCycle(ctx)
}

// Loop runs cycles until the context is cancelled, sleeping the configured
// interval between the end of one cycle and the start of the next. The cycle
// in progress when cancellation arrives finishes its current batch and
// returns; Loop then exits.
func (s *Scheduler) Loop(ctx context.Context) error {
	logger.Info("scheduler started", "interval", s.interval)

	for {
		s.runner.RunCycle(ctx)

		if ctx.Err() != nil {
			logger.Info("scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		}

		logger.Info("next run scheduled", "in", s.interval)
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
}
