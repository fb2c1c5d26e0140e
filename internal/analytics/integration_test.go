package analytics

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hansei-ai/hansei/internal/cache"
	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
	"github.com/hansei-ai/hansei/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mem := cache.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	queue := jobs.NewQueue(testDB, jobs.Options{}, testutil.TestLogger())
	return NewEngine(testDB, queue, mem, time.Minute, testutil.TestLogger())
}

func seedDecision(t *testing.T, owner uuid.UUID, category string, createdAt time.Time) model.Decision {
	t.Helper()
	d, err := testDB.CreateDecision(context.Background(), model.Decision{
		OwnerID:   owner,
		Title:     "decision " + uuid.NewString()[:8],
		Category:  category,
		CreatedAt: createdAt,
	})
	require.NoError(t, err)
	return d
}

func seedOutcome(t *testing.T, d model.Decision, satisfaction int, recordedAt time.Time) model.Outcome {
	t.Helper()
	o, err := testDB.CreateOutcome(context.Background(), model.Outcome{
		DecisionID:   d.ID,
		OwnerID:      d.OwnerID,
		Satisfaction: satisfaction,
		RecordedAt:   recordedAt,
	})
	require.NoError(t, err)
	return o
}

func aggregateJob(t *testing.T, outcomeID, ownerID uuid.UUID, watermark int64) model.Job {
	t.Helper()
	payload, err := json.Marshal(model.AggregatePayload{OutcomeID: outcomeID, OwnerID: ownerID, Watermark: watermark})
	require.NoError(t, err)
	return model.Job{ID: uuid.New(), TaskType: model.TaskAggregateOutcome, Payload: payload}
}

func countJobs(t *testing.T, taskType model.TaskType, subject string) int {
	t.Helper()
	var n int
	err := testDB.Pool().QueryRow(context.Background(),
		"SELECT COUNT(*) FROM jobs WHERE task_type = $1 AND subject = $2", taskType, subject,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestAggregateBuildsScopedSummaries(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	owner := uuid.New()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// Three career outcomes scoring 2, 2, 1 in recorded order.
	var outcomes []model.Outcome
	for i, satisfaction := range []int{2, 2, 1} {
		created := base.Add(time.Duration(i) * 24 * time.Hour)
		d := seedDecision(t, owner, "career", created)
		outcomes = append(outcomes, seedOutcome(t, d, satisfaction, created.Add(time.Hour)))
	}

	for i, o := range outcomes {
		require.NoError(t, e.HandleAggregate(ctx, aggregateJob(t, o.ID, owner, int64(i+1))))
	}

	for _, scope := range []model.ScopeKey{{OwnerID: owner}, {OwnerID: owner, Category: "career"}} {
		s, err := testDB.GetSummary(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, 3, s.OutcomeCount, "scope %s", scope)
		assert.Equal(t, 3, s.DecisionCount, "scope %s", scope)
		assert.Equal(t, int64(3), s.Watermark, "scope %s", scope)
		assert.InDelta(t, 5.0/3.0, s.AvgSatisfaction(), 1e-9)
		assert.InDelta(t, -0.5, s.TrendSlope(), 1e-9)
		assert.Equal(t, time.Hour, s.AvgTimeToOutcome())
	}

	// Each successful aggregation triggers a rule evaluation of its own.
	assert.Equal(t, 3, countJobs(t, model.TaskInsightEvaluate, owner.String()))
}

func TestAggregateStaleWatermarkIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	owner := uuid.New()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	d := seedDecision(t, owner, "", base)
	first := seedOutcome(t, d, 4, base.Add(time.Hour))
	second := seedOutcome(t, d, 5, base.Add(2*time.Hour))

	require.NoError(t, e.HandleAggregate(ctx, aggregateJob(t, first.ID, owner, 1)))
	require.NoError(t, e.HandleAggregate(ctx, aggregateJob(t, second.ID, owner, 2)))

	// Redelivery of the first event must not double-count it.
	err := e.HandleAggregate(ctx, aggregateJob(t, first.ID, owner, 1))
	require.Error(t, err)
	assert.True(t, fault.IsStale(err))

	s, err := testDB.GetSummary(ctx, model.ScopeKey{OwnerID: owner})
	require.NoError(t, err)
	assert.Equal(t, 2, s.OutcomeCount)
	assert.Equal(t, int64(2), s.Watermark)
	assert.InDelta(t, 9.0, s.SatisfactionSum, 1e-9)
}

func TestIncrementalConvergesWithRecompute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	owner := uuid.New()
	scope := model.ScopeKey{OwnerID: owner, Category: "health"}
	base := time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)

	for i, satisfaction := range []int{4, 5, 3, 2, 5, 1, 4} {
		created := base.Add(time.Duration(i) * 24 * time.Hour)
		d := seedDecision(t, owner, "health", created)
		o := seedOutcome(t, d, satisfaction, created.Add(time.Duration(i+1)*time.Hour))
		require.NoError(t, e.HandleAggregate(ctx, aggregateJob(t, o.ID, owner, int64(i+1))))
	}

	incremental, err := testDB.GetSummary(ctx, scope)
	require.NoError(t, err)

	require.NoError(t, e.Recompute(ctx, scope))
	recomputed, err := testDB.GetSummary(ctx, scope)
	require.NoError(t, err)

	assert.Equal(t, incremental.OutcomeCount, recomputed.OutcomeCount)
	assert.Equal(t, incremental.Watermark, recomputed.Watermark)
	assert.InDelta(t, incremental.SatisfactionSum, recomputed.SatisfactionSum, 1e-9)
	assert.InDelta(t, incremental.TrendXSum, recomputed.TrendXSum, 1e-9)
	assert.InDelta(t, incremental.TrendXSquaredSum, recomputed.TrendXSquaredSum, 1e-9)
	assert.InDelta(t, incremental.TrendXYSum, recomputed.TrendXYSum, 1e-9)
	assert.InDelta(t, incremental.TimeToOutcomeSum, recomputed.TimeToOutcomeSum, 1e-9)
	assert.InDelta(t, incremental.TrendSlope(), recomputed.TrendSlope(), 1e-9)
}

func TestRetryAfterAppliedIncrementStillEnqueuesEvaluation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	owner := uuid.New()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	d := seedDecision(t, owner, "", base)
	o := seedOutcome(t, d, 3, base.Add(time.Hour))

	// The increment committed, but the worker died before it could enqueue
	// the evaluation.
	_, applied, err := testDB.ApplyOutcomeIncrement(ctx, model.ScopeKey{OwnerID: owner}, 3, 3600, 1, 1)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, 0, countJobs(t, model.TaskInsightEvaluate, owner.String()))

	// The retried job finds the watermark already applied. The evaluation
	// must still come out of it; a stale-event skip alone would drop it.
	err = e.HandleAggregate(ctx, aggregateJob(t, o.ID, owner, 1))
	require.Error(t, err)
	assert.True(t, fault.IsStale(err))
	assert.Equal(t, 1, countJobs(t, model.TaskInsightEvaluate, owner.String()))
}

func TestAggregateOutcomeNotFoundIsPermanent(t *testing.T) {
	e := newTestEngine(t)

	err := e.HandleAggregate(context.Background(), aggregateJob(t, uuid.New(), uuid.New(), 1))
	require.Error(t, err)
	assert.True(t, fault.IsPermanent(err))
}

func TestAggregateOwnerMismatchIsConsistencyViolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	owner := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	d := seedDecision(t, owner, "", base)
	o := seedOutcome(t, d, 3, base.Add(time.Minute))

	err := e.HandleAggregate(ctx, aggregateJob(t, o.ID, uuid.New(), 1))
	require.Error(t, err)
	assert.True(t, fault.IsConsistency(err))
}

func TestSummaryReadPrefersFreshCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	owner := uuid.New()
	scope := model.ScopeKey{OwnerID: owner}
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	d := seedDecision(t, owner, "", base)
	o := seedOutcome(t, d, 5, base.Add(time.Hour))
	require.NoError(t, e.HandleAggregate(ctx, aggregateJob(t, o.ID, owner, 1)))

	first, err := e.Summary(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, first.OutcomeCount)

	cached, err := e.Summary(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, first.Watermark, cached.Watermark)

	// A newer increment advances the stored watermark; the cached entry is
	// now stale and the read must fall through to the store.
	o2 := seedOutcome(t, d, 1, base.Add(2*time.Hour))
	require.NoError(t, e.HandleAggregate(ctx, aggregateJob(t, o2.ID, owner, 2)))

	fresh, err := e.Summary(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.OutcomeCount)
	assert.Equal(t, int64(2), fresh.Watermark)
}
