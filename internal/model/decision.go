package model

import (
	"time"

	"github.com/google/uuid"
)

// DecisionStatus enumerates the lifecycle states of a decision.
type DecisionStatus string

const (
	DecisionActive   DecisionStatus = "active"
	DecisionArchived DecisionStatus = "archived"
)

// Decision is a recorded decision owned by a user. After archival it is
// immutable except for outcome links; outcomes never mutate the decision
// row, they only trigger recomputation downstream.
type Decision struct {
	ID          uuid.UUID      `json:"id"`
	OwnerID     uuid.UUID      `json:"owner_id"`
	Title       string         `json:"title"`
	Category    string         `json:"category"`
	Description string         `json:"description"`
	Status      DecisionStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`

	// Joined data (populated by queries, not stored on the decisions table).
	Outcomes []Outcome `json:"outcomes,omitempty"`
}

// EmbeddingText builds the input fed to the embedding capability from the
// decision's title, category and description. Returns "" when the decision
// carries no embeddable content.
func (d Decision) EmbeddingText() string {
	if d.Title == "" && d.Description == "" {
		return ""
	}
	text := d.Title
	if d.Category != "" {
		text += " [" + d.Category + "]"
	}
	if d.Description != "" {
		text += " " + d.Description
	}
	return text
}
