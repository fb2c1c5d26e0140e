package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the domain events emitted by the CRUD layer after it
// commits the primary record.
type EventType string

const (
	EventDecisionCreated EventType = "decision.created"
	EventDecisionUpdated EventType = "decision.updated"
	EventOutcomeRecorded EventType = "outcome.recorded"
)

// DomainEvent is the envelope the CRUD layer hands to the pipeline.
// Seq is a monotonic per-owner sequence number and serves as the
// watermark source for aggregate summaries.
type DomainEvent struct {
	Type       EventType `json:"type"`
	OwnerID    uuid.UUID `json:"owner_id"`
	EntityID   uuid.UUID `json:"entity_id"`
	Seq        int64     `json:"seq"`
	OccurredAt time.Time `json:"occurred_at"`
}
