// Package events translates domain events from the decision CRUD
// collaborator into durable jobs. Ingest is the only write path into the
// pipeline; everything downstream is driven by the queue.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

// Ingestor maps domain events onto queue jobs.
type Ingestor struct {
	db     *storage.DB
	queue  *jobs.Queue
	logger *slog.Logger
}

// NewIngestor creates an ingestor over the queue.
func NewIngestor(db *storage.DB, queue *jobs.Queue, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, queue: queue, logger: logger.With("component", "events")}
}

// Ingest enqueues the work an event implies. Ingest is idempotent: the
// same event delivered twice enqueues at most one job per task. Duplicate
// deliveries are logged and swallowed.
func (i *Ingestor) Ingest(ctx context.Context, ev model.DomainEvent) error {
	switch ev.Type {
	case model.EventDecisionCreated:
		return i.enqueueEmbedding(ctx, ev)
	case model.EventDecisionUpdated:
		// A newer revision makes any queued embedding work for this
		// decision obsolete. Running jobs finish and are then overwritten
		// by the fresh one, which orders after them on the same key.
		n, err := i.queue.Supersede(ctx, model.TaskEmbeddingGenerate, ev.EntityID.String())
		if err != nil {
			return fmt.Errorf("events: supersede embedding jobs: %w", err)
		}
		if n > 0 {
			i.logger.Info("superseded stale embedding jobs", "decision_id", ev.EntityID, "count", n)
		}
		return i.enqueueEmbedding(ctx, ev)
	case model.EventOutcomeRecorded:
		return i.enqueueAggregate(ctx, ev)
	default:
		return fault.Permanentf("events: unknown event type %q", ev.Type)
	}
}

// ApplyDecisionCreated ingests a decision.created event.
func (i *Ingestor) ApplyDecisionCreated(ctx context.Context, ownerID, decisionID uuid.UUID, seq int64) error {
	return i.Ingest(ctx, model.DomainEvent{
		Type: model.EventDecisionCreated, OwnerID: ownerID, EntityID: decisionID, Seq: seq, OccurredAt: time.Now().UTC(),
	})
}

// ApplyDecisionUpdated ingests a decision.updated event.
func (i *Ingestor) ApplyDecisionUpdated(ctx context.Context, ownerID, decisionID uuid.UUID, seq int64) error {
	return i.Ingest(ctx, model.DomainEvent{
		Type: model.EventDecisionUpdated, OwnerID: ownerID, EntityID: decisionID, Seq: seq, OccurredAt: time.Now().UTC(),
	})
}

// ApplyOutcomeRecorded ingests an outcome.recorded event.
func (i *Ingestor) ApplyOutcomeRecorded(ctx context.Context, ownerID, outcomeID uuid.UUID, seq int64) error {
	return i.Ingest(ctx, model.DomainEvent{
		Type: model.EventOutcomeRecorded, OwnerID: ownerID, EntityID: outcomeID, Seq: seq, OccurredAt: time.Now().UTC(),
	})
}

func (i *Ingestor) enqueueEmbedding(ctx context.Context, ev model.DomainEvent) error {
	_, err := i.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TaskType: model.TaskEmbeddingGenerate,
		Payload:  model.EmbeddingPayload{DecisionID: ev.EntityID, OwnerID: ev.OwnerID},
		// The event seq in the key lets an update re-enqueue after a
		// supersede without colliding with a still-running older job.
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", model.TaskEmbeddingGenerate, ev.EntityID, ev.Seq),
		OrderingKey:    "embedding:" + ev.EntityID.String(),
		Subject:        ev.EntityID.String(),
	})
	if err != nil {
		if errors.Is(err, fault.ErrDuplicateJob) {
			i.logger.Debug("duplicate embedding event ignored", "decision_id", ev.EntityID, "seq", ev.Seq)
			return nil
		}
		return fmt.Errorf("events: enqueue embedding job: %w", err)
	}
	return nil
}

func (i *Ingestor) enqueueAggregate(ctx context.Context, ev model.DomainEvent) error {
	// An event naming a missing or misattributed outcome is rejected at
	// the boundary, not dead-lettered downstream.
	outcome, err := i.db.GetOutcome(ctx, ev.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.Permanentf("events: outcome %s not found", ev.EntityID)
		}
		return fmt.Errorf("events: load outcome %s: %w", ev.EntityID, err)
	}
	if outcome.OwnerID != ev.OwnerID {
		return fault.Consistencyf("events: outcome %s belongs to %s, event claimed %s",
			ev.EntityID, outcome.OwnerID, ev.OwnerID)
	}

	_, err = i.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TaskType: model.TaskAggregateOutcome,
		Payload:  model.AggregatePayload{OutcomeID: ev.EntityID, OwnerID: ev.OwnerID, Watermark: ev.Seq},
		// One aggregate job per outcome, ever; the watermark guard
		// downstream handles redelivery after the job has succeeded.
		IdempotencyKey: fmt.Sprintf("%s:%s", model.TaskAggregateOutcome, ev.EntityID),
		OrderingKey:    "analytics:" + ev.OwnerID.String(),
		Subject:        ev.OwnerID.String(),
	})
	if err != nil {
		if errors.Is(err, fault.ErrDuplicateJob) {
			i.logger.Debug("duplicate outcome event ignored", "outcome_id", ev.EntityID, "seq", ev.Seq)
			return nil
		}
		return fmt.Errorf("events: enqueue aggregate job: %w", err)
	}
	return nil
}
