package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Embedding is the current vector for a decision. At most one embedding
// exists per decision: regeneration replaces the row, never duplicates it.
type Embedding struct {
	DecisionID   uuid.UUID       `json:"decision_id"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	Vector       pgvector.Vector `json:"-"`
	ModelVersion string          `json:"model_version"`
	GeneratedAt  time.Time       `json:"generated_at"`
}
