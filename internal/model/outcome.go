package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is an append-only record of how a decision turned out.
// Satisfaction is scored 1-5. An outcome belongs to exactly one decision.
type Outcome struct {
	ID           uuid.UUID `json:"id"`
	DecisionID   uuid.UUID `json:"decision_id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	Satisfaction int       `json:"satisfaction"`
	Reflection   string    `json:"reflection"`
	RecordedAt   time.Time `json:"recorded_at"`
}
