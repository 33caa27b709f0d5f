// Package schedule enqueues scans of the configured input source on a cron
// schedule in serve mode.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/scan"
)

var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Submitter queues scan jobs; dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, spec scan.JobSpec) (scan.Job, error)
}

// Scheduler submits one job per cron tick. Overlapping ticks are skipped.
type Scheduler struct {
	expr      string
	spec      scan.JobSpec
	submitter Submitter
	sched     cronlib.Schedule
	logger    *zap.Logger
}

// New parses expr (standard five fields or a descriptor such as @daily,
// evaluated in UTC) and binds it to spec.
func New(expr string, spec scan.JobSpec, submitter Submitter, logger *zap.Logger) (*Scheduler, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("schedule: expression is empty")
	}
	if submitter == nil {
		return nil, errors.New("schedule: submitter is required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{expr: expr, spec: spec, submitter: submitter, sched: sched, logger: logger}, nil
}

// Next reports the first tick after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.sched.Next(t.UTC())
}

// Run fires the schedule until ctx ends, then waits for an in-flight submit.
func (s *Scheduler) Run(ctx context.Context) {
	cronLogger := zapCronLogger{s.logger}
	c := cronlib.New(
		cronlib.WithLocation(time.UTC),
		cronlib.WithLogger(cronLogger),
		cronlib.WithChain(cronlib.Recover(cronLogger), cronlib.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(s.sched, cronlib.FuncJob(func() { s.fire(ctx) }))
	c.Start()
	s.logger.Info("scan schedule started",
		zap.String("expr", s.expr),
		zap.Time("next", s.Next(time.Now())),
	)
	<-ctx.Done()
	<-c.Stop().Done()
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	job, err := s.submitter.Submit(ctx, s.spec)
	if err != nil {
		s.logger.Error("scheduled scan not queued", zap.String("source", string(s.spec.Source)), zap.Error(err))
		return
	}
	s.logger.Info("scheduled scan queued",
		zap.String("scan_id", job.ID),
		zap.String("source", string(s.spec.Source)),
	)
}

// zapCronLogger adapts zap to cron.Logger.
type zapCronLogger struct {
	logger *zap.Logger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
