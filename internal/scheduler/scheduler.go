package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval. Returning an error wrapped with Halt
// stops the scheduler; any other error is logged and the next tick proceeds.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs the first tick as soon as the startup delay elapses
	// instead of waiting one full interval.
	Immediate bool
}

// Scheduler drives periodic execution of a tick function. Ticks never
// overlap: a tick that overruns the interval defers the next one.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

type haltError struct{ err error }

func (h haltError) Error() string { return h.err.Error() }
func (h haltError) Unwrap() error { return h.err }

// Halt marks err as fatal to the scheduler.
func Halt(err error) error {
	if err == nil {
		return nil
	}
	return haltError{err: err}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick at each interval until ctx is cancelled or tick
// halts. It returns ctx.Err() on cancellation and the unwrapped error on halt.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.nextTick(time.Now().UTC())
	if s.opts.Immediate {
		next = time.Now().UTC()
	}

	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := s.wait(ctx, delay); err != nil {
			return err
		}

		at := s.bucketStart(next)
		s.logger.Debug().Time("tick", at).Msg("executing scheduled tick")

		if err := tick(ctx, at); err != nil {
			var halt haltError
			if errors.As(err, &halt) {
				s.logger.Error().Err(halt.err).Time("tick", at).Msg("tick halted the scheduler")
				return halt.err
			}
			s.logger.Error().Err(err).Time("tick", at).Msg("tick execution failed")
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		next = next.Add(s.opts.Interval)
		if now := time.Now().UTC(); next.Before(now) {
			s.logger.Warn().Dur("overrun", now.Sub(next)).Msg("tick overran the interval; deferring next tick")
			next = s.nextTick(now)
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
