package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

func outcomeAt(owner uuid.UUID, satisfaction int, created, recorded time.Time) storage.OutcomeWithDecision {
	decisionID := uuid.New()
	return storage.OutcomeWithDecision{
		Outcome: model.Outcome{
			ID:           uuid.New(),
			DecisionID:   decisionID,
			OwnerID:      owner,
			Satisfaction: satisfaction,
			RecordedAt:   recorded,
		},
		Decision: model.Decision{
			ID:        decisionID,
			OwnerID:   owner,
			CreatedAt: created,
		},
	}
}

func TestAccumulateEmpty(t *testing.T) {
	scope := model.ScopeKey{OwnerID: uuid.New()}
	s := Accumulate(scope, nil, 0, 0)
	assert.Equal(t, scope, s.Scope)
	assert.Zero(t, s.OutcomeCount)
	assert.Zero(t, s.AvgSatisfaction())
	assert.Zero(t, s.TrendSlope())
}

func TestAccumulateDecliningScores(t *testing.T) {
	owner := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Satisfaction 2, 2, 1 in recorded order, each one hour after its decision.
	outcomes := []storage.OutcomeWithDecision{
		outcomeAt(owner, 2, base, base.Add(time.Hour)),
		outcomeAt(owner, 2, base.Add(24*time.Hour), base.Add(25*time.Hour)),
		outcomeAt(owner, 1, base.Add(48*time.Hour), base.Add(49*time.Hour)),
	}

	s := Accumulate(model.ScopeKey{OwnerID: owner, Category: "career"}, outcomes, 3, 42)

	assert.Equal(t, 3, s.OutcomeCount)
	assert.Equal(t, 3, s.DecisionCount)
	assert.Equal(t, int64(42), s.Watermark)
	assert.InDelta(t, 5.0/3.0, s.AvgSatisfaction(), 1e-9)
	assert.InDelta(t, -0.5, s.TrendSlope(), 1e-9)
	assert.Equal(t, time.Hour, s.AvgTimeToOutcome())
}

// applyIncrement mirrors the arithmetic of the SQL upsert that folds one
// outcome into a stored summary.
func applyIncrement(s model.AnalyticsSummary, od storage.OutcomeWithDecision, decisionCount int, watermark int64) model.AnalyticsSummary {
	x := float64(s.OutcomeCount)
	y := float64(od.Outcome.Satisfaction)
	s.DecisionCount = decisionCount
	s.OutcomeCount++
	s.SatisfactionSum += y
	s.TrendXSum += x
	s.TrendXSquaredSum += x * x
	s.TrendXYSum += x * y
	s.TimeToOutcomeSum += timeToOutcomeSeconds(od)
	s.Watermark = watermark
	return s
}

func TestIncrementalMatchesRecompute(t *testing.T) {
	owner := uuid.New()
	scope := model.ScopeKey{OwnerID: owner}
	base := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	var outcomes []storage.OutcomeWithDecision
	for i, satisfaction := range []int{4, 5, 3, 2, 5, 1, 4} {
		created := base.Add(time.Duration(i) * 24 * time.Hour)
		outcomes = append(outcomes, outcomeAt(owner, satisfaction, created, created.Add(time.Duration(i+1)*time.Hour)))
	}

	incremental := model.AnalyticsSummary{Scope: scope}
	for i, od := range outcomes {
		incremental = applyIncrement(incremental, od, len(outcomes), int64(i+1))
	}

	recomputed := Accumulate(scope, outcomes, len(outcomes), int64(len(outcomes)))

	assert.Equal(t, recomputed.OutcomeCount, incremental.OutcomeCount)
	assert.InDelta(t, recomputed.SatisfactionSum, incremental.SatisfactionSum, 1e-9)
	assert.InDelta(t, recomputed.TrendXSum, incremental.TrendXSum, 1e-9)
	assert.InDelta(t, recomputed.TrendXSquaredSum, incremental.TrendXSquaredSum, 1e-9)
	assert.InDelta(t, recomputed.TrendXYSum, incremental.TrendXYSum, 1e-9)
	assert.InDelta(t, recomputed.TimeToOutcomeSum, incremental.TimeToOutcomeSum, 1e-9)
	assert.InDelta(t, recomputed.AvgSatisfaction(), incremental.AvgSatisfaction(), 1e-9)
	assert.InDelta(t, recomputed.TrendSlope(), incremental.TrendSlope(), 1e-9)
}

func TestTimeToOutcomeClampsClockSkew(t *testing.T) {
	owner := uuid.New()
	now := time.Now().UTC()

	// Outcome recorded "before" its decision due to clock skew.
	skewed := outcomeAt(owner, 3, now, now.Add(-time.Minute))
	assert.Zero(t, timeToOutcomeSeconds(skewed))

	s := Accumulate(model.ScopeKey{OwnerID: owner}, []storage.OutcomeWithDecision{skewed}, 1, 1)
	assert.Zero(t, s.TimeToOutcomeSum)
}
