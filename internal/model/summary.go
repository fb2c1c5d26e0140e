package model

import (
	"time"

	"github.com/google/uuid"
)

// ScopeKey identifies one analytics scope: an owner, optionally narrowed
// to a single decision category. The empty category means "all categories".
type ScopeKey struct {
	OwnerID  uuid.UUID `json:"owner_id"`
	Category string    `json:"category"`
}

// String renders the scope key in the form used for cache keys.
func (k ScopeKey) String() string {
	if k.Category == "" {
		return k.OwnerID.String()
	}
	return k.OwnerID.String() + "/" + k.Category
}

// AnalyticsSummary is a versioned, watermarked snapshot of aggregate
// metrics for one scope. The watermark is the event sequence number of the
// newest outcome event folded in; it is monotonically non-decreasing and a
// summary is never overwritten by one with an older watermark.
//
// The raw accumulator fields exist so incremental updates and
// recompute-from-scratch converge on identical derived metrics.
type AnalyticsSummary struct {
	Scope ScopeKey `json:"scope"`

	DecisionCount int `json:"decision_count"`
	OutcomeCount  int `json:"outcome_count"`

	// Accumulators. The trend regressors treat each outcome's ordinal
	// position within the scope (0-based, in recorded order) as x and its
	// satisfaction score as y.
	SatisfactionSum  float64 `json:"satisfaction_sum"`
	TrendXSum        float64 `json:"trend_x_sum"`
	TrendXSquaredSum float64 `json:"trend_x_squared_sum"`
	TrendXYSum       float64 `json:"trend_xy_sum"`
	TimeToOutcomeSum float64 `json:"time_to_outcome_sum"` // seconds

	Watermark int64     `json:"watermark"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AvgSatisfaction returns the mean satisfaction score, or 0 with no outcomes.
func (s AnalyticsSummary) AvgSatisfaction() float64 {
	if s.OutcomeCount == 0 {
		return 0
	}
	return s.SatisfactionSum / float64(s.OutcomeCount)
}

// AvgTimeToOutcome returns the mean delay between a decision's creation and
// its outcomes being recorded.
func (s AnalyticsSummary) AvgTimeToOutcome() time.Duration {
	if s.OutcomeCount == 0 {
		return 0
	}
	return time.Duration(s.TimeToOutcomeSum / float64(s.OutcomeCount) * float64(time.Second))
}

// TrendSlope returns the least-squares slope of satisfaction over outcome
// ordinal. Negative values indicate declining satisfaction. Zero is returned
// when fewer than two outcomes exist (no trend is defined).
func (s AnalyticsSummary) TrendSlope() float64 {
	n := float64(s.OutcomeCount)
	if s.OutcomeCount < 2 {
		return 0
	}
	denom := n*s.TrendXSquaredSum - s.TrendXSum*s.TrendXSum
	if denom == 0 {
		return 0
	}
	return (n*s.TrendXYSum - s.TrendXSum*s.SatisfactionSum) / denom
}
