// Package trigger runs the periodic jobs in-process for deployments without an
// external cron caller. Every firing is an ordinary stateless invocation, so
// running this next to an external trigger is safe.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Job is one invocation of a periodic job. The result is logged.
type Job func(ctx context.Context) (interface{}, error)

// cronParser supports standard 5-field cron and descriptors like "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Runner fires registered jobs on their schedules.
type Runner struct {
	cron    *cronlib.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each job invocation. Defaults to 5 minutes.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

// NewRunner creates a Runner. Overlapping firings of the same job are skipped.
func NewRunner(logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	r := &Runner{
		logger:  logger,
		timeout: 5 * time.Minute,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers job under name on spec.
func (r *Runner) Add(name, spec string, job Job) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: parse schedule %q: %w", name, spec, err)
	}
	_, err := r.cron.AddFunc(spec, func() { r.fire(name, job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	r.logger.Info("periodic job registered", slog.String("job", name), slog.String("schedule", spec))
	return nil
}

func (r *Runner) fire(name string, job Job) {
	r.mu.Lock()
	parent := r.ctx
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := job(ctx)
	if err != nil {
		r.logger.Error("periodic job failed",
			slog.String("job", name),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("periodic job finished",
		slog.String("job", name),
		slog.Duration("duration", time.Since(start)),
		slog.Any("result", result),
	)
}

// Start begins firing jobs.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("embedded trigger runner started", slog.Int("jobs", len(r.cron.Entries())))
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()

	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("embedded trigger runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
