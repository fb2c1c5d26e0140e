// Package search finds decisions similar to a given one. The embeddings
// table in Postgres is the authoritative index; Qdrant, when configured,
// accelerates queries and is kept in sync by search.sync jobs.
package search

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/hansei-ai/hansei/internal/model"
)

// Result holds a decision ID and its raw similarity score. The caller
// hydrates full Decision records from Postgres.
type Result struct {
	DecisionID uuid.UUID
	Score      float32
}

// Searcher answers owner-scoped nearest-neighbor queries. Implementations
// must be safe for concurrent use.
type Searcher interface {
	// FindSimilar returns decisions near the embedding within an owner's
	// data, excluding the source decision. Scores are cosine similarity.
	FindSimilar(ctx context.Context, ownerID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error)

	// Healthy returns nil if the index is usable.
	Healthy(ctx context.Context) error
}

// rank sorts results by score descending. Ties break on decision recency,
// newest first, so equally similar decisions surface the fresher one.
func rank(results []Result, decisions map[uuid.UUID]model.Decision) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		di, iok := decisions[results[i].DecisionID]
		dj, jok := decisions[results[j].DecisionID]
		if !iok || !jok {
			return jok
		}
		return di.CreatedAt.After(dj.CreatedAt)
	})
}
