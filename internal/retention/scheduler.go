package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule fires once a day at midnight.
const DefaultSchedule = "0 0 * * *"

// SchedulerOptions configures the scheduler.
type SchedulerOptions struct {
	Spec     string         // five-field cron spec; DefaultSchedule if empty
	Location *time.Location // time.UTC if nil
	Timeout  time.Duration  // per tick; 10m if zero
}

// Scheduler runs a Sweeper on a cron schedule. Ticks never overlap and a
// panicking tick is recovered and logged.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	timeout time.Duration
	log     *zap.Logger
}

// NewScheduler parses the cron expression and registers the sweep job.
func NewScheduler(sweeper *Sweeper, opts SchedulerOptions, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Spec == "" {
		opts.Spec = DefaultSchedule
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	cl := cronLogger{log: log.Named("cron")}
	s := &Scheduler{sweeper: sweeper, timeout: opts.Timeout, log: log}
	s.cron = cron.New(
		cron.WithLocation(opts.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(opts.Spec, s.Tick); err != nil {
		return nil, fmt.Errorf("retention: schedule %q: %w", opts.Spec, err)
	}
	return s, nil
}

// Tick runs one sweep. Failures are logged; the next tick is the retry.
func (s *Scheduler) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	start := time.Now()
	n, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.log.Error("retention sweep failed", zap.Error(err), zap.Duration("dur", time.Since(start)))
		return
	}
	s.log.Info("retention sweep done", zap.Int64("deleted", n), zap.Duration("dur", time.Since(start)))
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running tick or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, zap.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, zap.Error(err), zap.Any("kv", kv))
}
