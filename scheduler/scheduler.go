// Package scheduler runs the periodic late-fee sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"library-web/library"
)

// DefaultRunTimeout bounds a single sweep.
const DefaultRunTimeout = 4 * time.Minute

// Sweeper recomputes every active loan's late fee.
type Sweeper interface {
	SweepLateFees(ctx context.Context) (library.SweepResult, error)
}

// Scheduler triggers the sweep on a cron schedule. A run that is still going
// when the next one is due causes that next run to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	timeout time.Duration
	log     logrus.FieldLogger
}

// New registers the sweep under spec, a standard cron expression or a
// descriptor such as "@hourly".
func New(spec string, sweeper Sweeper, timeout time.Duration, log logrus.FieldLogger) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	logger := cron.PrintfLogger(log)
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		sweeper: sweeper,
		timeout: timeout,
		log:     log,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("schedule late-fee sweep %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// The sweeper logs its own result.
	_, _ = s.sweeper.SweepLateFees(ctx)
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.log.WithField("next", e.Next.Format(time.RFC3339)).Info("late-fee sweep scheduled")
	}
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
