package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
	"github.com/hansei-ai/hansei/internal/telemetry"
)

// SimilarDecision is one hydrated similarity result.
type SimilarDecision struct {
	Decision model.Decision `json:"decision"`
	Score    float32        `json:"score"`
}

// Service answers "decisions like this one" queries and runs search.sync
// jobs. The pgvector index is authoritative; the accelerator, when
// present and healthy, serves queries first.
type Service struct {
	db      *storage.DB
	primary *PgvectorIndex
	accel   *QdrantIndex // nil when not configured
	logger  *slog.Logger

	queryDuration metric.Float64Histogram
}

// NewService creates the search service. accel may be nil.
func NewService(db *storage.DB, primary *PgvectorIndex, accel *QdrantIndex, logger *slog.Logger) *Service {
	queryDuration, err := telemetry.Meter("hansei/search").Float64Histogram("hansei.search.similar.duration",
		metric.WithDescription("Similarity query duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		logger.Warn("search duration histogram unavailable", "error", err)
	}
	return &Service{db: db, primary: primary, accel: accel, logger: logger.With("component", "search"), queryDuration: queryDuration}
}

// Similar returns up to limit decisions similar to the given one, scoped
// to the owner. Returns storage.ErrNotFound when the source decision has
// no embedding yet.
func (s *Service) Similar(ctx context.Context, ownerID, decisionID uuid.UUID, limit int) ([]SimilarDecision, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.queryDuration != nil {
		start := time.Now()
		defer func() {
			s.queryDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.Bool("accelerated", s.accel != nil)))
		}()
	}

	emb, err := s.db.GetEmbedding(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if emb.OwnerID != ownerID {
		return nil, fault.Consistencyf("search: embedding for %s belongs to %s, queried as %s",
			decisionID, emb.OwnerID, ownerID)
	}

	results, err := s.query(ctx, ownerID, emb.Vector.Slice(), decisionID, limit)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(results))
	for i, r := range results {
		ids[i] = r.DecisionID
	}
	decisions, err := s.db.GetDecisionsByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}

	// An ID the owner-scoped hydration didn't return is either a deleted
	// decision (fine, drop it) or another owner's leaking through the
	// index (never fine).
	if len(decisions) < len(results) {
		if err := s.verifyOwnership(ctx, ownerID, ids, decisions); err != nil {
			return nil, err
		}
	}

	rank(results, decisions)

	out := make([]SimilarDecision, 0, limit)
	for _, r := range results {
		d, ok := decisions[r.DecisionID]
		if !ok {
			continue
		}
		out = append(out, SimilarDecision{Decision: d, Score: r.Score})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// query runs the similarity search on the accelerator when healthy,
// falling back to pgvector on any accelerator failure.
func (s *Service) query(ctx context.Context, ownerID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error) {
	if s.accel != nil && s.accel.Healthy(ctx) == nil {
		results, err := s.accel.FindSimilar(ctx, ownerID, embedding, excludeID, limit)
		if err == nil {
			return results, nil
		}
		s.logger.Warn("accelerator query failed, falling back to pgvector", "error", err)
	}
	return s.primary.FindSimilar(ctx, ownerID, embedding, excludeID, limit)
}

func (s *Service) verifyOwnership(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID, hydrated map[uuid.UUID]model.Decision) error {
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := hydrated[id]; !ok {
			missing = append(missing, id)
		}
	}
	owners, err := s.db.DecisionOwners(ctx, missing)
	if err != nil {
		return err
	}
	for id, owner := range owners {
		if owner != ownerID {
			return fault.Consistencyf("search: index returned decision %s owned by %s to owner %s",
				id, owner, ownerID)
		}
	}
	return nil
}

// HandleSync is the job handler for search.sync: it pushes the current
// embedding row into the accelerator, or removes the point when the
// decision no longer exists. Without an accelerator it is a no-op;
// pgvector is already consistent because the embedding write committed
// with this job.
func (s *Service) HandleSync(ctx context.Context, job model.Job) error {
	if s.accel == nil {
		return nil
	}
	var payload model.EmbeddingPayload
	if err := jobs.UnmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}

	emb, err := s.db.GetEmbedding(ctx, payload.DecisionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if derr := s.accel.DeletePoint(ctx, payload.DecisionID); derr != nil {
				return fault.Transient(derr)
			}
			return nil
		}
		return fault.Transient(err)
	}

	decision, err := s.db.GetDecision(ctx, payload.DecisionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if derr := s.accel.DeletePoint(ctx, payload.DecisionID); derr != nil {
				return fault.Transient(derr)
			}
			return nil
		}
		return fault.Transient(err)
	}

	if err := s.accel.UpsertPoint(ctx, emb.DecisionID, emb.OwnerID, decision.Category, emb.Vector.Slice()); err != nil {
		return fault.Transient(err)
	}
	s.logger.Debug("synced embedding to accelerator", "decision_id", payload.DecisionID)
	return nil
}
