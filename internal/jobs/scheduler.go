package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

// SchedulerOptions tunes the recurring-job intervals.
type SchedulerOptions struct {
	RecomputeInterval time.Duration
	ReminderInterval  time.Duration
	CleanupInterval   time.Duration
}

func (o *SchedulerOptions) applyDefaults() {
	if o.RecomputeInterval <= 0 {
		o.RecomputeInterval = 6 * time.Hour
	}
	if o.ReminderInterval <= 0 {
		o.ReminderInterval = time.Minute
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
}

// Scheduler enqueues the recurring jobs: reminder sweeps, queue cleanup,
// and periodic per-scope recompute. It holds no state of its own; every
// tick is a plain enqueue with a stable idempotency key, so overlapping
// triggers collapse onto the job still in flight instead of stacking.
type Scheduler struct {
	queue  *Queue
	db     *storage.DB
	opts   SchedulerOptions
	logger *slog.Logger
}

// NewScheduler creates a scheduler over the queue.
func NewScheduler(queue *Queue, db *storage.DB, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{queue: queue, db: db, opts: opts, logger: logger.With("component", "scheduler")}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler starting",
		"reminder_interval", s.opts.ReminderInterval,
		"cleanup_interval", s.opts.CleanupInterval,
		"recompute_interval", s.opts.RecomputeInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.tickLoop(gctx, s.opts.ReminderInterval, s.enqueueReminderSweep)
	})
	g.Go(func() error {
		return s.tickLoop(gctx, s.opts.CleanupInterval, s.enqueueCleanup)
	})
	g.Go(func() error {
		return s.tickLoop(gctx, s.opts.RecomputeInterval, s.enqueueRecomputes)
	})

	err := g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled enqueue failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) enqueueReminderSweep(ctx context.Context) error {
	_, err := s.queue.Enqueue(ctx, EnqueueRequest{
		TaskType:       model.TaskReminderSweep,
		IdempotencyKey: string(model.TaskReminderSweep),
	})
	if errors.Is(err, fault.ErrDuplicateJob) {
		return nil // previous sweep still in flight
	}
	return err
}

func (s *Scheduler) enqueueCleanup(ctx context.Context) error {
	_, err := s.queue.Enqueue(ctx, EnqueueRequest{
		TaskType:       model.TaskJobCleanup,
		IdempotencyKey: string(model.TaskJobCleanup),
	})
	if errors.Is(err, fault.ErrDuplicateJob) {
		return nil
	}
	return err
}

// enqueueRecomputes schedules a recompute for every known scope. The
// recompute job shares its ordering key with the scope's incremental
// aggregation, so the two never interleave.
func (s *Scheduler) enqueueRecomputes(ctx context.Context) error {
	scopes, err := s.db.ListScopes(ctx)
	if err != nil {
		return err
	}
	var enqueued int
	for _, scope := range scopes {
		_, err := s.queue.Enqueue(ctx, EnqueueRequest{
			TaskType:       model.TaskRecomputeScope,
			Payload:        model.RecomputePayload{OwnerID: scope.OwnerID, Category: scope.Category},
			IdempotencyKey: fmt.Sprintf("%s:%s", model.TaskRecomputeScope, scope.String()),
			OrderingKey:    "analytics:" + scope.OwnerID.String(),
			Subject:        scope.String(),
		})
		if err != nil {
			if errors.Is(err, fault.ErrDuplicateJob) {
				continue
			}
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.Info("scheduled scope recomputes", "scopes", len(scopes), "enqueued", enqueued)
	}
	return nil
}
