// Package scheduler submits and executes pipeline runs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wataru05160621/youtube-auto-video-generator/internal/config"
	"github.com/wataru05160621/youtube-auto-video-generator/internal/logging"
)

// RunFunc performs one scheduled run.
type RunFunc func(ctx context.Context) error

// Scheduler fires RunFunc on each cron tick. A tick that arrives while the
// previous run is still executing is skipped.
type Scheduler struct {
	spec   string
	loc    *time.Location
	run    RunFunc
	logger *slog.Logger

	cron *cron.Cron
	job  cron.Job

	mu  sync.Mutex
	ctx context.Context
}

// New validates the schedule and builds a stopped Scheduler.
func New(cfg config.Schedule, run RunFunc, logger *slog.Logger) (*Scheduler, error) {
	if run == nil {
		return nil, errors.New("scheduler: run func is required")
	}
	spec := strings.TrimSpace(cfg.Cron)
	if spec == "" {
		return nil, errors.New("scheduler: cron expression is required")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron expression %q: %w", spec, err)
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("scheduler: load timezone %q: %w", tz, err)
		}
	}

	s := &Scheduler{
		spec:   spec,
		loc:    loc,
		run:    run,
		logger: logging.NewComponentLogger(logger, "scheduler"),
		ctx:    context.Background(),
	}
	cronLog := cronLogger{logger: s.logger}
	s.job = cron.NewChain(
		cron.SkipIfStillRunning(cronLog),
		cron.Recover(cronLog),
	).Then(cron.FuncJob(s.tick))
	s.cron = cron.New(cron.WithLocation(loc), cron.WithLogger(cronLog))
	if _, err := s.cron.AddJob(spec, s.job); err != nil {
		return nil, fmt.Errorf("scheduler: add job: %w", err)
	}
	return s, nil
}

// Start begins firing ticks. Runs receive ctx; cancelling it cancels any run
// in progress but does not stop the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started",
		logging.String(logging.FieldEventType, "scheduler_started"),
		logging.String("cron", s.spec),
		logging.String("timezone", s.loc.String()),
		logging.String("next", s.Next().Format(time.RFC3339)),
	)
}

// Stop stops firing and waits for a running tick to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped", logging.String(logging.FieldEventType, "scheduler_stopped"))
}

// Next returns the next fire time, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	if !entries[0].Next.IsZero() {
		return entries[0].Next
	}
	return entries[0].Schedule.Next(time.Now().In(s.loc))
}

// Trigger runs one tick through the same skip-if-running chain as the cron
// schedule.
func (s *Scheduler) Trigger() {
	s.job.Run()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	started := time.Now()
	s.logger.Info("scheduled run starting", logging.String(logging.FieldEventType, "scheduled_run_start"))
	if err := s.run(ctx); err != nil {
		logging.ErrorWithContext(s.logger, "scheduled run failed", "scheduled_run_failed",
			logging.Duration("elapsed", time.Since(started)),
			logging.Error(err),
		)
		return
	}
	s.logger.Info("scheduled run finished",
		logging.String(logging.FieldEventType, "scheduled_run_complete"),
		logging.Duration("elapsed", time.Since(started)),
	)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		l.logger.Warn("scheduled tick skipped; previous run still executing",
			logging.String(logging.FieldEventType, "scheduled_run_skipped"),
		)
		return
	}
	l.logger.Debug("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{logging.Error(err)}, keysAndValues...)
	l.logger.Error("cron "+msg, args...)
}
