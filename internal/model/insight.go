package model

import (
	"time"

	"github.com/google/uuid"
)

// InsightKind classifies a generated insight.
type InsightKind string

const (
	InsightPattern    InsightKind = "pattern"
	InsightWarning    InsightKind = "warning"
	InsightSuggestion InsightKind = "suggestion"
)

// InsightEvidence references the data a rule fired on. The summary version
// pins the exact aggregate snapshot; decision IDs point at the records that
// contributed.
type InsightEvidence struct {
	SummaryScope   *ScopeKey   `json:"summary_scope,omitempty"`
	SummaryVersion int64       `json:"summary_version,omitempty"`
	DecisionIDs    []uuid.UUID `json:"decision_ids,omitempty"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

// Insight is a generated observation about an owner's decision patterns.
// At most one active (non-dismissed) insight exists per dedupe key per
// owner within the cooldown window.
type Insight struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     uuid.UUID       `json:"owner_id"`
	Kind        InsightKind     `json:"kind"`
	RuleID      string          `json:"rule_id"`
	Title       string          `json:"title"`
	Explanation string          `json:"explanation"`
	Evidence    InsightEvidence `json:"evidence"`
	DedupeKey   string          `json:"dedupe_key"`
	GeneratedAt time.Time       `json:"generated_at"`
	DismissedAt *time.Time      `json:"dismissed_at,omitempty"`
}
