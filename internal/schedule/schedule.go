// Package schedule runs reconciliation jobs on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/and161185/rxportal/internal/metrics"
)

// Job is one named reconciliation step.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner fires its jobs at every tick of a cron expression.
type Runner struct {
	expr string
	jobs []Job
	log  *zap.Logger
	m    *metrics.Metrics
	now  func() time.Time

	// runMu keeps ticks from overlapping.
	runMu sync.Mutex
}

type Option func(*Runner)

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.m = m } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// New validates expr and builds a runner.
func New(expr string, jobs []Job, log *zap.Logger, opts ...Option) (*Runner, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("validation: invalid cron expression %q", expr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Runner{expr: expr, jobs: jobs, log: log.Named("schedule"), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// RunOnce runs every job in order; a failing job does not stop the rest.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.m != nil {
		r.m.Reconciles.Inc()
	}
	var errs []error
	for _, j := range r.jobs {
		start := time.Now()
		if err := j.Run(ctx); err != nil {
			r.log.Warn("reconcile job failed", zap.String("job", j.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
			continue
		}
		r.log.Debug("reconcile job done", zap.String("job", j.Name), zap.Duration("took", time.Since(start)))
	}
	return errors.Join(errs...)
}

// Run sleeps until each next tick and runs the jobs, until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("scheduler started", zap.String("cron", r.expr))
	for {
		now := r.now().UTC()
		next, err := gronx.NextTickAfter(r.expr, now, false)
		wait := next.Sub(now)
		if err != nil {
			r.log.Error("next tick failed", zap.String("cron", r.expr), zap.Error(err))
			wait = 30 * time.Second
		}
		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			r.log.Info("scheduler stopping")
			return nil
		case <-t.C:
		}
		if err == nil {
			_ = r.RunOnce(ctx)
		}
	}
}
