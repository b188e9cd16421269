package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"go.opentelemetry.io/otel/attribute"

	"github.com/driplinehq/dripline/internal/errs"
	"github.com/driplinehq/dripline/internal/logging"
	"github.com/driplinehq/dripline/internal/metrics"
	"github.com/driplinehq/dripline/internal/tracing"
)

// RunStats is the statistics shape every job run returns, scheduled or
// manually triggered.
type RunStats struct {
	Found      int   `json:"found"`
	Processed  int   `json:"processed"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	DurationMS int64 `json:"duration_ms"`
}

// JobFunc is one periodic job body.
type JobFunc func(ctx context.Context) (RunStats, error)

// Runner schedules named jobs on cron expressions and guards each with
// the single-flight Locker: a trigger while the same job is still running
// is logged and skipped, never queued.
type Runner struct {
	cron *cron.Cron
	lock Locker
	log  *logging.Logger

	mu   sync.Mutex
	jobs map[string]JobFunc
}

func NewRunner(loc *time.Location, lock Locker, log *logging.Logger) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{
		cron: cron.New(cron.WithLocation(loc)),
		lock: lock,
		log:  log,
		jobs: make(map[string]JobFunc),
	}
}

// Register binds a job to a cron spec. Scheduled triggers run with a
// background context; cancellation of scheduled runs happens via Stop.
func (r *Runner) Register(name, spec string, fn JobFunc) error {
	r.mu.Lock()
	if _, exists := r.jobs[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("job %q already registered", name)
	}
	r.jobs[name] = fn
	r.mu.Unlock()

	_, err := r.cron.AddFunc(spec, func() {
		_, _ = r.Run(context.Background(), name)
	})
	if err != nil {
		return fmt.Errorf("register job %q: %w", name, err)
	}
	r.log.Plain().WithJob(name).WithField("spec", spec).Info("job registered")
	return nil
}

// Names lists registered jobs, sorted.
func (r *Runner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes a job once under the single-flight guard. Used by both
// cron triggers and the manual trigger endpoint; both get the same
// RunStats back. Returns errs.ErrAlreadyRunning when skipped.
func (r *Runner) Run(ctx context.Context, name string) (RunStats, error) {
	r.mu.Lock()
	fn, ok := r.jobs[name]
	r.mu.Unlock()
	if !ok {
		return RunStats{}, fmt.Errorf("unknown job %q", name)
	}

	acquired, err := r.lock.TryAcquire(ctx, name)
	if err != nil {
		return RunStats{}, fmt.Errorf("acquire lock for %q: %w", name, err)
	}
	if !acquired {
		r.log.WithContext(ctx).WithJob(name).Info("job already running, skipping trigger")
		metrics.RecordJobRun(name, "skipped", 0)
		return RunStats{}, errs.ErrAlreadyRunning
	}
	// Released unconditionally, including when fn panics or errors.
	defer r.lock.Release(ctx, name)

	ctx, span := tracing.StartSpan(ctx, "jobs.run", attribute.String("job", name))
	defer span.End()

	start := time.Now()
	stats, runErr := fn(ctx)
	stats.DurationMS = time.Since(start).Milliseconds()

	if runErr != nil {
		tracing.SetSpanError(ctx, runErr)
		metrics.RecordJobRun(name, "error", time.Since(start))
		// Job-level failures abort the run and wait for the next trigger;
		// there is no immediate whole-job retry.
		r.log.WithContext(ctx).WithJob(name).WithError(runErr).WithField("duration_ms", stats.DurationMS).Error("job run failed")
		return stats, runErr
	}

	metrics.RecordJobRun(name, "ok", time.Since(start))
	r.log.WithContext(ctx).WithJob(name).WithFields(map[string]any{
		"found": stats.Found, "processed": stats.Processed,
		"skipped": stats.Skipped, "errors": stats.Errors,
		"duration_ms": stats.DurationMS,
	}).Info("job run finished")
	return stats, nil
}

// Start begins cron scheduling.
func (r *Runner) Start() {
	r.cron.Start()
	r.log.Plain().WithField("jobs", len(r.Names())).Info("job runner started")
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Plain().Info("job runner stopped")
}
