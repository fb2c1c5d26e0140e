package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/model"
)

// UpsertEmbeddingTx writes the current embedding for a decision inside the
// caller's transaction. Regeneration replaces the existing row, so a
// decision never has more than one current embedding. Running inside the
// caller's transaction is what makes the embedding write atomic with the
// similarity-index work enqueued alongside it.
func (db *DB) UpsertEmbeddingTx(ctx context.Context, tx pgx.Tx, e model.Embedding) error {
	if e.GeneratedAt.IsZero() {
		e.GeneratedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO embeddings (decision_id, owner_id, embedding, model_version, generated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (decision_id) DO UPDATE SET
		   owner_id = EXCLUDED.owner_id,
		   embedding = EXCLUDED.embedding,
		   model_version = EXCLUDED.model_version,
		   generated_at = EXCLUDED.generated_at`,
		e.DecisionID, e.OwnerID, e.Vector, e.ModelVersion, e.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding retrieves the current embedding for a decision.
func (db *DB) GetEmbedding(ctx context.Context, decisionID uuid.UUID) (model.Embedding, error) {
	var e model.Embedding
	err := db.pool.QueryRow(ctx,
		`SELECT decision_id, owner_id, embedding, model_version, generated_at
		 FROM embeddings WHERE decision_id = $1`, decisionID,
	).Scan(&e.DecisionID, &e.OwnerID, &e.Vector, &e.ModelVersion, &e.GeneratedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Embedding{}, ErrNotFound
		}
		return model.Embedding{}, fmt.Errorf("storage: get embedding: %w", err)
	}
	return e, nil
}

// DeleteEmbedding removes the embedding row for a decision. Idempotent.
func (db *DB) DeleteEmbedding(ctx context.Context, decisionID uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`DELETE FROM embeddings WHERE decision_id = $1`, decisionID,
	); err != nil {
		return fmt.Errorf("storage: delete embedding: %w", err)
	}
	return nil
}
