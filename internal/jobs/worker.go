package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/telemetry"
)

// Handler executes one job. Returning nil (or an error wrapping
// fault.ErrStaleEvent) completes the job; a permanent or consistency error
// dead-letters it; anything else retries with backoff.
type Handler func(ctx context.Context, job model.Job) error

// WorkerOptions tunes the worker pool.
type WorkerOptions struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

func (o *WorkerOptions) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 45 * time.Second
	}
}

// Worker polls the queue and dispatches claimed jobs to registered
// handlers. One Worker runs a pool of goroutines; multiple processes can
// run workers against the same queue safely.
type Worker struct {
	queue    *Queue
	opts     WorkerOptions
	handlers map[model.TaskType]Handler
	logger   *slog.Logger

	jobsProcessed metric.Int64Counter
	jobDuration   metric.Float64Histogram
}

// NewWorker creates a worker pool over the queue. Register handlers before
// calling Run.
func NewWorker(queue *Queue, opts WorkerOptions, logger *slog.Logger) (*Worker, error) {
	opts.applyDefaults()
	w := &Worker{
		queue:    queue,
		opts:     opts,
		handlers: make(map[model.TaskType]Handler),
		logger:   logger.With("component", "worker"),
	}

	meter := telemetry.Meter("hansei/jobs")
	var err error
	w.jobsProcessed, err = meter.Int64Counter("hansei.jobs.processed",
		metric.WithDescription("Jobs completed, by task type and result"))
	if err != nil {
		return nil, fmt.Errorf("jobs: create processed counter: %w", err)
	}
	w.jobDuration, err = meter.Float64Histogram("hansei.jobs.duration",
		metric.WithDescription("Job handler duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("jobs: create duration histogram: %w", err)
	}
	_, err = meter.Int64ObservableGauge("hansei.jobs.depth",
		metric.WithDescription("Jobs in the queue, by state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			counts, err := queue.CountByState(ctx)
			if err != nil {
				return err
			}
			for state, n := range counts {
				obs.Observe(n, metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("jobs: create depth gauge: %w", err)
	}
	return w, nil
}

// Register binds a handler to a task type. Registering the same type twice
// replaces the handler; Run fails a claimed job whose type has no handler.
func (w *Worker) Register(taskType model.TaskType, h Handler) {
	w.handlers[taskType] = h
}

// Run polls until ctx is cancelled, then drains: in-flight jobs finish
// within their timeout before Run returns. A reaper goroutine recovers
// expired leases alongside the pool.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker pool starting", "workers", w.opts.Workers, "poll_interval", w.opts.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	for i := range w.opts.Workers {
		g.Go(func() error {
			return w.pollLoop(gctx, i)
		})
	}
	g.Go(func() error {
		return w.reapLoop(gctx)
	})

	err := g.Wait()
	w.logger.Info("worker pool stopped")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (w *Worker) pollLoop(ctx context.Context, id int) error {
	for {
		job, ok, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", "worker", id, "error", err)
		}
		if ok {
			w.execute(ctx, job)
			continue // drain the backlog before sleeping
		}
		// Jittered sleep so idle workers don't poll in lockstep.
		sleep := w.opts.PollInterval + rand.N(w.opts.PollInterval/4) //nolint:gosec
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// execute runs a claimed job to completion. The handler context is
// detached from pool cancellation so an in-flight job survives shutdown,
// bounded by the job timeout.
func (w *Worker) execute(ctx context.Context, job model.Job) {
	handler, ok := w.handlers[job.TaskType]
	if !ok {
		err := fault.Permanentf("jobs: no handler registered for %s", job.TaskType)
		if ferr := w.queue.Fail(context.WithoutCancel(ctx), job, err); ferr != nil {
			w.logger.Error("fail bookkeeping failed", "job_id", job.ID, "error", ferr)
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.JobTimeout)
	defer cancel()

	jobCtx, span := otel.Tracer("hansei/jobs").Start(jobCtx, "job "+string(job.TaskType),
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.Int("job.attempt", job.Attempts),
		))
	defer span.End()

	start := time.Now()
	err := handler(jobCtx, job)
	elapsed := time.Since(start)

	result := "ok"
	switch {
	case err == nil:
	case fault.IsStale(err):
		// Stale events are outcome of the watermark guard, not failures.
		w.logger.Info("job skipped stale event", "job_id", job.ID, "task", job.TaskType)
		result = "stale"
		err = nil
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	w.jobDuration.Record(jobCtx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("task", string(job.TaskType))))
	w.jobsProcessed.Add(jobCtx, 1, metric.WithAttributes(
		attribute.String("task", string(job.TaskType)),
		attribute.String("result", result),
	))

	if err == nil {
		if serr := w.queue.Succeed(jobCtx, job.ID); serr != nil {
			w.logger.Error("succeed bookkeeping failed", "job_id", job.ID, "error", serr)
		}
		return
	}
	if ferr := w.queue.Fail(jobCtx, job, err); ferr != nil {
		w.logger.Error("fail bookkeeping failed", "job_id", job.ID, "error", ferr)
	}
}

// reapLoop recovers expired leases at half the lease duration, so a
// crashed worker's job is requeued at most 1.5 lease durations after it
// was claimed.
func (w *Worker) reapLoop(ctx context.Context) error {
	interval := w.queue.opts.LeaseDuration / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.queue.ReapExpiredLeases(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("lease reap failed", "error", err)
			}
		}
	}
}
