// Package reindex rebuilds and maintains the project search index without downtime.
//
// A full rebuild writes into a fresh generation that no reader can see, then moves the
// read alias onto it in one step. Single-project updates write straight into the live
// generations. All runs share one distributed lock so they never interleave.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/config"
	"catalogsearch/indexer/internal/lock"
	"catalogsearch/indexer/internal/metrics"
	"catalogsearch/indexer/internal/search"
)

const releaseTimeout = 5 * time.Second

// Locker is the distributed lock the orchestrator serializes on.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl, wait time.Duration) (*lock.Lease, error)
}

type Options struct {
	// Alias is the stable name readers query. Generations are named "<Alias>-<hex>".
	Alias           string
	Shards          int
	Replicas        int
	RefreshInterval string

	LockName        string
	RebuildLockTTL  time.Duration
	RebuildLockWait time.Duration
	ProjectLockTTL  time.Duration
	ProjectLockWait time.Duration
	RetryDelay      time.Duration

	// MaxFailedDocuments is how many rejected documents a run tolerates before it fails.
	MaxFailedDocuments int
	Loader             search.LoaderOptions
}

// OptionsFromConfig maps the process configuration onto orchestrator options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Alias:              cfg.Search.Index,
		Shards:             cfg.Search.Shards,
		Replicas:           cfg.Search.Replicas,
		RefreshInterval:    cfg.Search.RefreshInterval,
		LockName:           cfg.Reindex.LockName,
		RebuildLockTTL:     cfg.Reindex.RebuildLockTTL,
		RebuildLockWait:    cfg.Reindex.RebuildLockWait,
		ProjectLockTTL:     cfg.Reindex.ProjectLockTTL,
		ProjectLockWait:    cfg.Reindex.ProjectLockWait,
		RetryDelay:         cfg.Reindex.RetryDelay,
		MaxFailedDocuments: cfg.Reindex.MaxFailedDocuments,
		Loader: search.LoaderOptions{
			ChunkSize: cfg.Reindex.ChunkSize,
			Workers:   cfg.Reindex.Workers,
		},
	}
}

// Deps are the collaborators of an Orchestrator. Reporter, Metrics and Tracer are
// optional.
type Deps struct {
	Locker     Locker
	Source     catalog.Source
	Cluster    search.Cluster
	Swapper    search.Swapper
	Definition search.Definition
	Reporter   Reporter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Orchestrator runs rebuilds, project updates, project removals and orphan sweeps.
type Orchestrator struct {
	opts      Options
	locker    Locker
	source    catalog.Source
	cluster   search.Cluster
	swapper   search.Swapper
	lifecycle *search.Lifecycle
	loader    *search.Loader
	reporter  Reporter
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       *zap.Logger
}

func New(opts Options, deps Deps) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "reindex"))
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics("indexer", prometheus.NewRegistry())
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = NewLogReporter(log, m)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("reindex")
	}
	return &Orchestrator{
		opts:      opts,
		locker:    deps.Locker,
		source:    deps.Source,
		cluster:   deps.Cluster,
		swapper:   deps.Swapper,
		lifecycle: search.NewLifecycle(deps.Cluster, deps.Definition, log),
		loader:    search.NewLoader(deps.Cluster, opts.Loader, log),
		reporter:  reporter,
		metrics:   m,
		tracer:    tracer,
		log:       log,
	}
}

// Reindex rebuilds the whole index into a new generation and swaps the alias onto it.
// Readers see the previous generation until the swap and the new one after it.
func (o *Orchestrator) Reindex(ctx context.Context) Outcome {
	ctx, r := o.begin(ctx, OpReindex)

	lease, fail := o.acquire(ctx, r, o.opts.RebuildLockTTL, o.opts.RebuildLockWait)
	if fail != nil {
		return o.finish(ctx, r, *fail)
	}
	defer o.release(ctx, r, lease)

	out := Outcome{}
	gen, err := phase(ctx, o.tracer, "create_generation", func(ctx context.Context) (string, error) {
		return o.lifecycle.Create(ctx, o.opts.Alias, o.opts.Shards)
	})
	if err != nil {
		return o.finish(ctx, r, failed(out, &GenerationCreateError{Err: err}))
	}
	out.Generation = gen
	r.log = r.log.With(zap.String("generation", gen))
	r.span.SetAttributes(attribute.String("generation", gen))
	o.metrics.Generations.WithLabelValues("created").Inc()
	r.transition(GenerationCreated)

	r.transition(Loading)
	result, err := phase(ctx, o.tracer, "load", func(ctx context.Context) (search.LoadResult, error) {
		return o.loader.Load(ctx, gen, o.source.Stream(ctx, ""))
	})
	out.Indexed, out.Rejected = result.Indexed, len(result.Failed)
	o.countDocuments(r, result)
	if loadErr := o.checkLoad(gen, result, err); loadErr != nil {
		o.cleanup(ctx, r, gen)
		return o.finish(ctx, r, failed(out, loadErr))
	}
	o.reportRejected(ctx, r, gen, result)

	_, err = phase(ctx, o.tracer, "restore_settings", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.lifecycle.Restore(ctx, gen, o.opts.Replicas, o.opts.RefreshInterval)
	})
	if err != nil {
		o.cleanup(ctx, r, gen)
		return o.finish(ctx, r, failed(out, fmt.Errorf("restore settings on %s: %w", gen, err)))
	}
	r.transition(SettingsRestored)

	_, err = phase(ctx, o.tracer, "swap", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.swapper.Swap(ctx, o.opts.Alias, gen)
	})
	if err != nil {
		r.log.Error("alias swap failed, generation left unaliased for inspection", zap.Error(err))
		return o.finish(ctx, r, failed(out, &SwapError{Generation: gen, Err: err}))
	}
	r.transition(Swapped)
	o.metrics.Generations.WithLabelValues("swapped").Inc()

	return o.finish(ctx, r, out)
}

// ReindexProject rewrites one project's document in every live generation. A project
// that no longer has an indexable release is left untouched.
func (o *Orchestrator) ReindexProject(ctx context.Context, name string) Outcome {
	project := catalog.Normalize(name)
	ctx, r := o.begin(ctx, OpReindexProject, zap.String("project", project))
	if project == "" {
		return o.finish(ctx, r, failed(Outcome{}, errors.New("empty project name")))
	}

	lease, fail := o.acquire(ctx, r, o.opts.ProjectLockTTL, o.opts.ProjectLockWait)
	if fail != nil {
		return o.finish(ctx, r, *fail)
	}
	defer o.release(ctx, r, lease)

	live, err := o.swapper.Live(ctx, o.opts.Alias)
	if err != nil {
		return o.finish(ctx, r, failed(Outcome{}, fmt.Errorf("resolve alias %s: %w", o.opts.Alias, err)))
	}
	if len(live) == 0 {
		r.log.Info("no live generation, nothing to update")
		return o.finish(ctx, r, Outcome{})
	}

	out := Outcome{}
	r.transition(Loading)
	for _, index := range live {
		result, err := o.loader.Load(ctx, index, o.source.Stream(ctx, project))
		out.Indexed += result.Indexed
		out.Rejected += len(result.Failed)
		o.countDocuments(r, result)
		if loadErr := o.checkLoad(index, result, err); loadErr != nil {
			return o.finish(ctx, r, failed(out, loadErr))
		}
		o.reportRejected(ctx, r, index, result)
	}
	if out.Indexed == 0 && out.Rejected == 0 {
		r.log.Info("project has no indexable release")
	}
	return o.finish(ctx, r, out)
}

// UnindexProject removes one project's document from every live generation. Removing
// a project that is not indexed succeeds.
func (o *Orchestrator) UnindexProject(ctx context.Context, name string) Outcome {
	project := catalog.Normalize(name)
	ctx, r := o.begin(ctx, OpUnindexProject, zap.String("project", project))
	if project == "" {
		return o.finish(ctx, r, failed(Outcome{}, errors.New("empty project name")))
	}

	lease, fail := o.acquire(ctx, r, o.opts.ProjectLockTTL, o.opts.ProjectLockWait)
	if fail != nil {
		return o.finish(ctx, r, *fail)
	}
	defer o.release(ctx, r, lease)

	live, err := o.swapper.Live(ctx, o.opts.Alias)
	if err != nil {
		return o.finish(ctx, r, failed(Outcome{}, fmt.Errorf("resolve alias %s: %w", o.opts.Alias, err)))
	}
	for _, index := range live {
		err := o.cluster.DeleteDocument(ctx, index, project)
		switch {
		case err == nil:
			r.log.Debug("document deleted", zap.String("index", index))
		case errors.Is(err, search.ErrNotFound):
			r.log.Debug("document not indexed", zap.String("index", index))
		default:
			return o.finish(ctx, r, failed(Outcome{}, fmt.Errorf("delete %s from %s: %w", project, index, err)))
		}
	}
	return o.finish(ctx, r, Outcome{})
}

// Sweep deletes generations that are not live and are older than minAge. They are left
// behind by runs that died before cleaning up. Sweep holds the rebuild lock so it never
// sees the generation of a rebuild in progress.
func (o *Orchestrator) Sweep(ctx context.Context, minAge time.Duration) Outcome {
	ctx, r := o.begin(ctx, OpSweep)

	lease, fail := o.acquire(ctx, r, o.opts.RebuildLockTTL, o.opts.RebuildLockWait)
	if fail != nil {
		return o.finish(ctx, r, *fail)
	}
	defer o.release(ctx, r, lease)

	live, err := o.swapper.Live(ctx, o.opts.Alias)
	if err != nil {
		return o.finish(ctx, r, failed(Outcome{}, fmt.Errorf("resolve alias %s: %w", o.opts.Alias, err)))
	}
	indices, err := o.cluster.ListIndices(ctx, o.opts.Alias+"-")
	if err != nil {
		return o.finish(ctx, r, failed(Outcome{}, fmt.Errorf("list generations: %w", err)))
	}

	out := Outcome{}
	now := time.Now()
	r.transition(CleaningUp)
	for _, info := range indices {
		if !search.IsGeneration(o.opts.Alias, info.Name) || slices.Contains(live, info.Name) {
			continue
		}
		// Unknown creation time is treated as young.
		if info.CreatedAt.IsZero() || now.Sub(info.CreatedAt) < minAge {
			r.log.Debug("orphan too young to sweep", zap.String("index", info.Name))
			continue
		}
		if err := o.cluster.DeleteIndex(ctx, info.Name); err != nil && !errors.Is(err, search.ErrNotFound) {
			return o.finish(ctx, r, failed(out, fmt.Errorf("delete orphan %s: %w", info.Name, err)))
		}
		r.log.Info("orphan generation deleted", zap.String("index", info.Name), zap.Time("created_at", info.CreatedAt))
		o.metrics.Generations.WithLabelValues("swept").Inc()
		out.Deleted = append(out.Deleted, info.Name)
	}
	return o.finish(ctx, r, out)
}

func (o *Orchestrator) begin(ctx context.Context, op Operation, fields ...zap.Field) (context.Context, *run) {
	r := &run{
		id:      uuid.NewString(),
		op:      op,
		started: time.Now(),
		state:   Idle,
	}
	r.log = o.log.With(append([]zap.Field{zap.String("run_id", r.id), zap.String("operation", string(op))}, fields...)...)
	ctx, r.span = o.tracer.Start(ctx, "reindex."+string(op), trace.WithAttributes(
		attribute.String("run_id", r.id),
	))
	r.log.Info("run started")
	return ctx, r
}

// finish stamps, logs, measures and reports the outcome, then ends the run span.
func (o *Orchestrator) finish(ctx context.Context, r *run, out Outcome) Outcome {
	defer r.span.End()
	out.RunID = r.id
	elapsed := time.Since(r.started)
	o.metrics.RunsTotal.WithLabelValues(string(r.op), out.Kind.String()).Inc()
	o.metrics.RunDuration.WithLabelValues(string(r.op)).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.Stringer("outcome", out.Kind),
		zap.Stringer("state", r.state),
		zap.Duration("elapsed", elapsed),
		zap.Int("indexed", out.Indexed),
	}
	switch out.Kind {
	case Succeeded:
		r.span.SetStatus(codes.Ok, "")
		r.log.Info("run finished", fields...)
	case Retry:
		r.span.SetStatus(codes.Error, "retry")
		r.log.Warn("run deferred", append(fields, zap.Duration("retry_after", out.RetryAfter), zap.Error(out.Err))...)
		o.reporter.Report(ctx, r.op, out.Err)
	default:
		r.span.RecordError(out.Err)
		r.span.SetStatus(codes.Error, out.Err.Error())
		r.log.Error("run failed", append(fields, zap.Error(out.Err))...)
		o.reporter.Report(ctx, r.op, out.Err)
	}
	return out
}

// acquire takes the shared lock. A busy lock yields a Retry outcome; anything else that
// keeps the lock from being taken fails the run.
func (o *Orchestrator) acquire(ctx context.Context, r *run, ttl, wait time.Duration) (*lock.Lease, *Outcome) {
	lease, err := o.locker.Acquire(ctx, o.opts.LockName, ttl, wait)
	switch {
	case errors.Is(err, lock.ErrTimeout):
		o.metrics.LockTimeouts.WithLabelValues(string(r.op)).Inc()
		return nil, &Outcome{Kind: Retry, RetryAfter: o.opts.RetryDelay, Err: err}
	case err != nil:
		out := failed(Outcome{}, fmt.Errorf("acquire lock %s: %w", o.opts.LockName, err))
		return nil, &out
	}
	r.transition(LockAcquired)
	return lease, nil
}

// release runs on every exit path after the lock was taken, including cancellation.
func (o *Orchestrator) release(ctx context.Context, r *run, lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		r.log.Warn("lock release failed", zap.String("lock", lease.Name()), zap.Error(err))
	}
}

// cleanup deletes a generation that will never be swapped in.
func (o *Orchestrator) cleanup(ctx context.Context, r *run, gen string) {
	r.transition(CleaningUp)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	o.lifecycle.Delete(ctx, gen)
	o.metrics.Generations.WithLabelValues("discarded").Inc()
}

func (o *Orchestrator) checkLoad(index string, result search.LoadResult, err error) error {
	if err != nil {
		return &LoadError{Index: index, Indexed: result.Indexed, Items: result.Failed, Err: err}
	}
	if len(result.Failed) > o.opts.MaxFailedDocuments {
		return &LoadError{Index: index, Indexed: result.Indexed, Items: result.Failed}
	}
	return nil
}

// reportRejected surfaces documents the cluster refused within the tolerated budget.
func (o *Orchestrator) reportRejected(ctx context.Context, r *run, index string, result search.LoadResult) {
	if len(result.Failed) == 0 {
		return
	}
	r.log.Warn("documents rejected", zap.String("index", index), zap.Int("rejected", len(result.Failed)))
	o.reporter.Report(ctx, r.op, &LoadError{Index: index, Indexed: result.Indexed, Items: result.Failed})
}

func (o *Orchestrator) countDocuments(r *run, result search.LoadResult) {
	o.metrics.DocumentsIndexed.WithLabelValues(string(r.op)).Add(float64(result.Indexed))
	o.metrics.DocumentFailures.WithLabelValues(string(r.op)).Add(float64(len(result.Failed)))
}

// phase runs fn inside a child span.
func phase[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func failed(out Outcome, err error) Outcome {
	out.Kind = Failed
	out.Err = err
	return out
}
