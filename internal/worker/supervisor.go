package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Worker is a long-running loop. Run returns only on cancellation or a
// fatal error.
type Worker interface {
	Run(ctx context.Context) error
}

// Supervisor keeps workers running, restarting crashed ones after a
// cooldown, and drains them on shutdown.
type Supervisor struct {
	workers map[string]Worker
	drain   time.Duration
}

// NewSupervisor creates a supervisor with the given drain deadline.
func NewSupervisor(drain time.Duration) *Supervisor {
	return &Supervisor{workers: make(map[string]Worker), drain: drain}
}

// Add registers a named worker.
func (s *Supervisor) Add(name string, w Worker) {
	s.workers[name] = w
}

// Run starts all workers and blocks until ctx is cancelled. A worker that
// returns with an error is restarted after a cooldown; cancellation is
// propagated and given the drain deadline to complete.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, w := range s.workers {
		name, w := name, w
		g.Go(func() error {
			return s.supervise(gctx, name, w)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	// Drain: workers observe the cancelled context and finish their
	// in-flight item.
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(s.drain):
		log.Warn().Dur("drain", s.drain).Msg("Workers did not drain in time, abandoning")
		return nil
	}
}

func (s *Supervisor) supervise(ctx context.Context, name string, w Worker) error {
	for {
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil
		}
		log.Error().Err(err).Str("worker", name).
			Dur("cooldown", restartCooldown).Msg("Worker crashed, restarting after cooldown")
		if err := sleepCtx(ctx, restartCooldown); err != nil {
			return err
		}
	}
}
