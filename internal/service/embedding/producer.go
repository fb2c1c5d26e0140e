package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

// ProducerOptions tunes provider protection.
type ProducerOptions struct {
	Timeout   time.Duration
	RateLimit rate.Limit
	Burst     int
}

func (o *ProducerOptions) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5
	}
	if o.Burst <= 0 {
		o.Burst = int(o.RateLimit)
	}
}

// Producer handles embedding.generate jobs: it reads the decision, calls
// the provider behind a rate limiter and circuit breaker, and commits the
// vector together with a search.sync job in one transaction. Either both
// land or neither does.
type Producer struct {
	db       *storage.DB
	queue    *jobs.Queue
	provider Provider
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	opts     ProducerOptions
	logger   *slog.Logger
}

// NewProducer creates a producer over the given provider.
func NewProducer(db *storage.DB, queue *jobs.Queue, provider Provider, opts ProducerOptions, logger *slog.Logger) *Producer {
	opts.applyDefaults()
	return &Producer{
		db:       db,
		queue:    queue,
		provider: provider,
		limiter:  rate.NewLimiter(opts.RateLimit, opts.Burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding-provider",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		opts:   opts,
		logger: logger.With("component", "embedding"),
	}
}

// HandleGenerate is the job handler for embedding.generate.
func (p *Producer) HandleGenerate(ctx context.Context, job model.Job) error {
	var payload model.EmbeddingPayload
	if err := jobs.UnmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}
	return p.Produce(ctx, payload.DecisionID, payload.OwnerID)
}

// Produce generates and stores the embedding for one decision.
func (p *Producer) Produce(ctx context.Context, decisionID, ownerID uuid.UUID) error {
	decision, err := p.db.GetDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted before the job ran; nothing to embed, ever.
			return fault.Permanentf("embedding: decision %s not found", decisionID)
		}
		return fault.Transient(err)
	}
	if decision.OwnerID != ownerID {
		return fault.Consistencyf("embedding: decision %s belongs to %s, event claimed %s",
			decisionID, decision.OwnerID, ownerID)
	}

	text := decision.EmbeddingText()
	if text == "" {
		return fault.Permanentf("embedding: decision %s has no embeddable content", decisionID)
	}

	vec, err := p.embed(ctx, text)
	if err != nil {
		return err
	}
	if p.provider.Dimensions() > 0 && len(vec.Slice()) != p.provider.Dimensions() {
		return fault.Permanentf("embedding: provider returned %d dimensions, expected %d",
			len(vec.Slice()), p.provider.Dimensions())
	}

	tx, err := p.db.Pool().Begin(ctx)
	if err != nil {
		return fault.Transient(fmt.Errorf("embedding: begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := p.db.UpsertEmbeddingTx(ctx, tx, model.Embedding{
		DecisionID:   decisionID,
		OwnerID:      ownerID,
		Vector:       vec,
		ModelVersion: p.provider.ModelVersion(),
	}); err != nil {
		return fault.Transient(err)
	}

	// The sync job commits with the vector or not at all. One active sync
	// per decision is enough: the job reads whatever row is current when
	// it runs.
	_, err = p.queue.EnqueueTx(ctx, tx, jobs.EnqueueRequest{
		TaskType:       model.TaskSearchSync,
		Payload:        model.EmbeddingPayload{DecisionID: decisionID, OwnerID: ownerID},
		IdempotencyKey: fmt.Sprintf("%s:%s", model.TaskSearchSync, decisionID),
		OrderingKey:    "embedding:" + decisionID.String(),
		Subject:        decisionID.String(),
	})
	if err != nil && !errors.Is(err, fault.ErrDuplicateJob) {
		return fault.Transient(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fault.Transient(fmt.Errorf("embedding: commit: %w", err))
	}

	p.logger.Info("embedding stored",
		"decision_id", decisionID, "model", p.provider.ModelVersion(), "dims", len(vec.Slice()))
	return nil
}

// embed calls the provider behind the limiter, breaker, and timeout.
// Everything that can go wrong here is the provider's fault, so all
// failures classify transient.
func (p *Producer) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return pgvector.Vector{}, fault.Transient(fmt.Errorf("embedding: rate limiter: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	result, err := p.breaker.Execute(func() (any, error) {
		return p.provider.Embed(callCtx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return pgvector.Vector{}, fault.Transient(fmt.Errorf("embedding: circuit open: %w", err))
		}
		return pgvector.Vector{}, fault.Transient(fmt.Errorf("embedding: provider call: %w", err))
	}
	return result.(pgvector.Vector), nil
}

// Backfill enqueues embedding jobs for decisions that have none, oldest
// first. Run at startup to catch decisions whose events were lost.
func (p *Producer) Backfill(ctx context.Context, limit int) (int, error) {
	decisions, err := p.db.DecisionsMissingEmbedding(ctx, limit)
	if err != nil {
		return 0, err
	}
	var enqueued int
	for _, d := range decisions {
		_, err := p.queue.Enqueue(ctx, jobs.EnqueueRequest{
			TaskType:       model.TaskEmbeddingGenerate,
			Payload:        model.EmbeddingPayload{DecisionID: d.ID, OwnerID: d.OwnerID},
			IdempotencyKey: fmt.Sprintf("%s:%s:backfill", model.TaskEmbeddingGenerate, d.ID),
			OrderingKey:    "embedding:" + d.ID.String(),
			Subject:        d.ID.String(),
		})
		if err != nil {
			if errors.Is(err, fault.ErrDuplicateJob) {
				continue
			}
			return enqueued, err
		}
		enqueued++
	}
	if enqueued > 0 {
		p.logger.Info("embedding backfill enqueued", "count", enqueued)
	}
	return enqueued, nil
}
