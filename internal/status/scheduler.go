package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler drives Refresh on a fixed interval for headless use.
type Scheduler struct {
	agg      *Aggregator
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewScheduler refreshes agg every interval. Each run gets its own context
// bounded by timeout (the interval when timeout is zero).
func NewScheduler(agg *Aggregator, interval, timeout time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = interval
	}
	return &Scheduler{agg: agg, interval: interval, timeout: timeout, logger: logger}
}

// Start runs one refresh immediately and then schedules the rest. Runs that
// would overlap a slow predecessor are skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))),
	)
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to register status refresh job %q: %w", spec, err)
	}

	s.run(ctx)
	c.Start()
	s.cron = c
	s.logger.WithField("interval", s.interval).Info("Status refresh scheduler started")
	return nil
}

func (s *Scheduler) run(parent context.Context) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	s.agg.Refresh(ctx)
}

// Stop halts scheduling and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Status refresh scheduler stopped")
}
