// Package jobs runs periodic background work on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Func is one unit of scheduled work. The context is cancelled when the
// runner stops or the job exceeds its timeout.
type Func func(ctx context.Context) error

// Entry describes a registered job.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Runner wraps a cron scheduler. Overlapping runs of the same job are
// skipped and panics are recovered and logged.
type Runner struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	specs map[cron.EntryID]entryMeta
}

type entryMeta struct {
	name string
	spec string
}

// New returns a Runner that interprets schedules in loc. A zero timeout
// lets jobs run until the runner stops.
func New(loc *time.Location, timeout time.Duration, logger zerolog.Logger) *Runner {
	if loc == nil {
		loc = time.Local
	}
	logger = logger.With().Str("component", "jobs").Logger()
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		specs:   make(map[cron.EntryID]entryMeta),
	}
}

// ValidateSpec checks a standard five-field cron expression.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Add schedules fn under name.
func (r *Runner) Add(name, spec string, fn Func) error {
	id, err := r.cron.AddFunc(spec, func() {
		if err := r.Run(r.ctx, name, fn); err != nil {
			r.logger.Error().Err(err).Str("job", name).Msg("job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	r.mu.Lock()
	r.specs[id] = entryMeta{name: name, spec: spec}
	r.mu.Unlock()

	r.logger.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// Run executes fn once with the runner's timeout and logs the outcome.
func (r *Runner) Run(ctx context.Context, name string, fn Func) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	evt := r.logger.Info()
	if err != nil {
		evt = r.logger.Warn().Err(err)
	}
	evt.Str("job", name).Dur("duration", time.Since(start)).Msg("job finished")
	return err
}

// Entries lists scheduled jobs in next-run order.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.cron.Entries()
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		meta := r.specs[e.ID]
		out = append(out, Entry{Name: meta.name, Spec: meta.spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}

func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling, cancels running jobs and waits for them to
// return or for ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
