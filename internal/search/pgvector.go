package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/hansei-ai/hansei/internal/storage"
)

// PgvectorIndex answers similarity queries straight from the embeddings
// table. It is always available when the database is, which makes it both
// the source of truth and the fallback when Qdrant is down.
type PgvectorIndex struct {
	db *storage.DB
}

// NewPgvectorIndex creates a Postgres-backed index.
func NewPgvectorIndex(db *storage.DB) *PgvectorIndex {
	return &PgvectorIndex{db: db}
}

// FindSimilar runs an owner-scoped cosine nearest-neighbor query. The <=>
// operator returns cosine distance; score is 1 - distance.
func (p *PgvectorIndex) FindSimilar(ctx context.Context, ownerID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(embedding)
	rows, err := p.db.Pool().Query(ctx,
		`SELECT decision_id, 1 - (embedding <=> $2) AS score
		 FROM embeddings
		 WHERE owner_id = $1 AND decision_id <> $3
		 ORDER BY embedding <=> $2
		 LIMIT $4`,
		ownerID, vec, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var score float64
		if err := rows.Scan(&r.DecisionID, &score); err != nil {
			return nil, fmt.Errorf("search: scan pgvector row: %w", err)
		}
		r.Score = float32(score)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Healthy reports database reachability.
func (p *PgvectorIndex) Healthy(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return fmt.Errorf("search: postgres unhealthy: %w", err)
	}
	return nil
}
