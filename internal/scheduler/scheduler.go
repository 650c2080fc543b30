// Package scheduler runs periodic maintenance jobs on a cron spec
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// Refresher recomputes derived durations as of now
type Refresher interface {
	RefreshDerivedDurations(ctx context.Context, now time.Time) (int, error)
}

// Scheduler owns the cron runner for background jobs
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	logger    *utils.Logger
	timeout   time.Duration
	now       func() time.Time
}

// cronLogger adapts the server logger to cron's logger
type cronLogger struct {
	l *utils.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

// New registers the duration refresh job under spec, e.g. "@hourly" or
// "0 * * * *"
func New(spec string, refresher Refresher, logger *utils.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = utils.NopLogger()
	}
	cl := cronLogger{l: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		refresher: refresher,
		logger:    logger,
		timeout:   time.Minute,
		now:       time.Now,
	}

	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("duration refresh failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	return s, nil
}

// RunOnce refreshes derived durations immediately
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.refresher.RefreshDerivedDurations(ctx, s.now())
	if err != nil {
		return n, err
	}
	s.logger.Info("refreshed elapsed durations", "updated", n)
	return n, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops scheduling and waits for a running job to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
