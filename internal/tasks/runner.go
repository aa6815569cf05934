package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalogsearch/indexer/internal/metrics"
	"catalogsearch/indexer/internal/reindex"
)

const requeueTimeout = 5 * time.Second

// Executor runs index operations. *reindex.Orchestrator implements it.
type Executor interface {
	Reindex(ctx context.Context) reindex.Outcome
	ReindexProject(ctx context.Context, name string) reindex.Outcome
	UnindexProject(ctx context.Context, name string) reindex.Outcome
	Sweep(ctx context.Context, minAge time.Duration) reindex.Outcome
}

type RunnerOptions struct {
	Workers     int
	PollTimeout time.Duration
	// MaxAttempts bounds how often a task deferred by a busy lock is tried.
	MaxAttempts int
	SweepMinAge time.Duration
}

// Runner pulls tasks off the queue and executes them. It owns the retry policy:
// a Retry outcome puts the task back on the queue after the delay the outcome names.
type Runner struct {
	queue   *Queue
	exec    Executor
	opts    RunnerOptions
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewRunner(queue *Queue, exec Executor, opts RunnerOptions, m *metrics.Metrics, log *zap.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Runner{
		queue:   queue,
		exec:    exec,
		opts:    opts,
		metrics: m,
		log:     log.With(zap.String("component", "runner")),
	}
}

// Run processes tasks with opts.Workers goroutines until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("task runner started", zap.Int("workers", r.opts.Workers))
	g, ctx := errgroup.WithContext(ctx)
	for i := range r.opts.Workers {
		g.Go(func() error {
			r.work(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	r.log.Info("task runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) {
	log := r.log.With(zap.Int("worker", worker))
	for ctx.Err() == nil {
		task, err := r.queue.Dequeue(ctx, r.opts.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task != nil {
			r.Process(ctx, task)
		}
	}
}

// Process executes one task and applies the retry policy to its outcome.
func (r *Runner) Process(ctx context.Context, t *Task) {
	log := r.log.With(
		zap.String("task_id", t.ID),
		zap.String("kind", string(t.Kind)),
		zap.String("project", t.Project),
		zap.Int("attempt", t.Attempt),
	)
	start := time.Now()
	out, err := r.execute(ctx, t)
	r.metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("task rejected", zap.Error(err))
		r.park(ctx, t, "rejected", log)
		return
	}

	switch {
	case out.Kind == reindex.Succeeded:
		r.result(t, "succeeded")
		log.Info("task done", zap.Duration("elapsed", time.Since(start)), zap.String("run_id", out.RunID))

	case ctx.Err() != nil:
		// Shutting down: hand the task to the next process instead of burning an attempt.
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
		defer cancel()
		if err := r.queue.Enqueue(requeueCtx, t); err != nil {
			log.Error("requeue on shutdown failed", zap.Error(err))
		}
		r.result(t, "interrupted")

	case out.Kind == reindex.Retry && t.Attempt+1 < r.opts.MaxAttempts:
		next := *t
		next.Attempt++
		if err := r.queue.EnqueueAfter(ctx, &next, out.RetryAfter); err != nil {
			log.Error("schedule retry failed", zap.Error(err))
			r.park(ctx, t, "dead", log)
			return
		}
		r.result(t, "retried")
		log.Info("task deferred", zap.Duration("retry_after", out.RetryAfter))

	case out.Kind == reindex.Retry:
		log.Error("task gave up waiting for the lock", zap.Error(out.Err))
		r.park(ctx, t, "dead", log)

	default:
		log.Error("task failed", zap.Error(out.Err), zap.String("run_id", out.RunID))
		r.park(ctx, t, "failed", log)
	}
}

func (r *Runner) execute(ctx context.Context, t *Task) (reindex.Outcome, error) {
	if err := t.Validate(); err != nil {
		return reindex.Outcome{}, err
	}
	switch t.Kind {
	case KindReindex:
		return r.exec.Reindex(ctx), nil
	case KindReindexProject:
		return r.exec.ReindexProject(ctx, t.Project), nil
	case KindUnindexProject:
		return r.exec.UnindexProject(ctx, t.Project), nil
	case KindSweep:
		return r.exec.Sweep(ctx, r.opts.SweepMinAge), nil
	}
	return reindex.Outcome{}, fmt.Errorf("unhandled task kind %q", t.Kind)
}

func (r *Runner) park(ctx context.Context, t *Task, result string, log *zap.Logger) {
	r.result(t, result)
	if err := r.queue.DeadLetter(context.WithoutCancel(ctx), t); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
	}
}

func (r *Runner) result(t *Task, result string) {
	r.metrics.TasksProcessed.WithLabelValues(string(t.Kind), result).Inc()
}
