// Package analytics maintains watermarked aggregate summaries per scope.
// Summaries update incrementally as outcome events arrive and are
// periodically recomputed from scratch; both paths run through the same
// accumulator arithmetic, so they converge on identical numbers.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hansei-ai/hansei/internal/cache"
	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

const summaryCachePrefix = "hansei:summary:"

// Engine owns summary writes and the cached read path.
type Engine struct {
	db       *storage.DB
	queue    *jobs.Queue
	cache    cache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewEngine creates the analytics engine.
func NewEngine(db *storage.DB, queue *jobs.Queue, c cache.Cache, cacheTTL time.Duration, logger *slog.Logger) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = 15 * time.Minute
	}
	return &Engine{db: db, queue: queue, cache: c, cacheTTL: cacheTTL, logger: logger.With("component", "analytics")}
}

// Accumulate folds outcomes (in recorded order) into a fresh summary. The
// trend regressors use each outcome's 0-based ordinal as x and its
// satisfaction as y; the incremental SQL path applies the same arithmetic
// one outcome at a time.
func Accumulate(scope model.ScopeKey, outcomes []storage.OutcomeWithDecision, decisionCount int, watermark int64) model.AnalyticsSummary {
	s := model.AnalyticsSummary{
		Scope:         scope,
		DecisionCount: decisionCount,
		OutcomeCount:  len(outcomes),
		Watermark:     watermark,
	}
	for i, od := range outcomes {
		x := float64(i)
		y := float64(od.Outcome.Satisfaction)
		s.SatisfactionSum += y
		s.TrendXSum += x
		s.TrendXSquaredSum += x * x
		s.TrendXYSum += x * y
		s.TimeToOutcomeSum += timeToOutcomeSeconds(od)
	}
	return s
}

// timeToOutcomeSeconds clamps at zero so clock skew between the decision
// and outcome timestamps cannot produce a negative accumulator.
func timeToOutcomeSeconds(od storage.OutcomeWithDecision) float64 {
	secs := od.Outcome.RecordedAt.Sub(od.Decision.CreatedAt).Seconds()
	if secs < 0 {
		return 0
	}
	return secs
}

// HandleAggregate is the job handler for analytics.aggregate: fold one
// outcome into the owner rollup and, when the decision has a category,
// into that category's scope as well.
func (e *Engine) HandleAggregate(ctx context.Context, job model.Job) error {
	var payload model.AggregatePayload
	if err := jobs.UnmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}

	od, err := e.db.GetOutcomeWithDecision(ctx, payload.OutcomeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fault.Permanentf("analytics: outcome %s not found", payload.OutcomeID)
		}
		return fault.Transient(err)
	}
	if od.Outcome.OwnerID != payload.OwnerID {
		return fault.Consistencyf("analytics: outcome %s belongs to %s, event claimed %s",
			payload.OutcomeID, od.Outcome.OwnerID, payload.OwnerID)
	}

	scopes := []model.ScopeKey{{OwnerID: payload.OwnerID}}
	if od.Decision.Category != "" {
		scopes = append(scopes, model.ScopeKey{OwnerID: payload.OwnerID, Category: od.Decision.Category})
	}

	anyApplied := false
	for _, scope := range scopes {
		decisionCount, err := e.db.CountDecisionsInScope(ctx, scope)
		if err != nil {
			return fault.Transient(err)
		}
		summary, applied, err := e.db.ApplyOutcomeIncrement(ctx, scope,
			float64(od.Outcome.Satisfaction), timeToOutcomeSeconds(od), decisionCount, payload.Watermark)
		if err != nil {
			return fault.Transient(err)
		}
		if !applied {
			continue
		}
		anyApplied = true
		e.invalidate(ctx, scope)
		e.logger.Info("summary updated",
			"scope", scope.String(), "outcomes", summary.OutcomeCount, "watermark", summary.Watermark)
	}

	// Fresh numbers may change what the rules conclude. The watermark in
	// the key makes each aggregation trigger its own evaluation; the
	// shared ordering key runs it after this job, never alongside. This
	// enqueue happens even when the watermark guard reports the event
	// stale: the increment may have committed on an earlier attempt that
	// died before reaching this point, and that attempt's evaluation must
	// still come out of the retry.
	_, err = e.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TaskType:       model.TaskInsightEvaluate,
		Payload:        model.InsightPayload{OwnerID: payload.OwnerID},
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", model.TaskInsightEvaluate, payload.OwnerID, payload.Watermark),
		OrderingKey:    "analytics:" + payload.OwnerID.String(),
		Subject:        payload.OwnerID.String(),
	})
	if err != nil && !errors.Is(err, fault.ErrDuplicateJob) {
		return fault.Transient(err)
	}

	if !anyApplied {
		// A redelivery or retry after partial success lands here; the
		// watermark guard already folded this event everywhere it applies.
		return fmt.Errorf("analytics: outcome %s at watermark %d: %w",
			payload.OutcomeID, payload.Watermark, fault.ErrStaleEvent)
	}
	return nil
}

// HandleRecompute is the job handler for analytics.recompute: rebuild one
// scope's summary from the raw outcome rows. It shares its ordering key
// with the scope's aggregation jobs, so the read and the replace cannot
// interleave with an incremental update.
func (e *Engine) HandleRecompute(ctx context.Context, job model.Job) error {
	var payload model.RecomputePayload
	if err := jobs.UnmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}
	scope := model.ScopeKey{OwnerID: payload.OwnerID, Category: payload.Category}
	if err := e.Recompute(ctx, scope); err != nil {
		return fault.Transient(err)
	}
	return nil
}

// Recompute rebuilds a scope's summary from scratch. The result keeps the
// stored watermark: recompute reads the full outcome table, which by
// definition contains everything at or below that watermark.
func (e *Engine) Recompute(ctx context.Context, scope model.ScopeKey) error {
	outcomes, err := e.db.OutcomesForScope(ctx, scope)
	if err != nil {
		return err
	}
	decisionCount, err := e.db.CountDecisionsInScope(ctx, scope)
	if err != nil {
		return err
	}
	watermark, err := e.db.GetSummaryWatermark(ctx, scope)
	if err != nil {
		return err
	}

	summary := Accumulate(scope, outcomes, decisionCount, watermark)
	replaced, err := e.db.ReplaceSummary(ctx, summary)
	if err != nil {
		return err
	}
	if !replaced {
		// A newer watermark landed between our read and the write; the
		// next periodic pass picks it up.
		e.logger.Info("recompute skipped by watermark guard", "scope", scope.String())
		return nil
	}
	e.invalidate(ctx, scope)
	e.logger.Info("scope recomputed",
		"scope", scope.String(), "outcomes", summary.OutcomeCount, "watermark", watermark)
	return nil
}

// Summary is the read path: cache first, store on miss or staleness. A
// cached entry older than the store's watermark is treated as a miss.
func (e *Engine) Summary(ctx context.Context, scope model.ScopeKey) (model.AnalyticsSummary, error) {
	key := summaryCachePrefix + scope.String()

	storedWatermark, err := e.db.GetSummaryWatermark(ctx, scope)
	if err != nil {
		return model.AnalyticsSummary{}, err
	}

	if data, err := e.cache.Get(ctx, key); err == nil {
		var cached model.AnalyticsSummary
		if err := json.Unmarshal(data, &cached); err == nil && cached.Watermark >= storedWatermark {
			return cached, nil
		}
	}

	summary, err := e.db.GetSummary(ctx, scope)
	if err != nil {
		return model.AnalyticsSummary{}, err
	}
	if data, err := json.Marshal(summary); err == nil {
		if err := e.cache.Set(ctx, key, data, e.cacheTTL); err != nil {
			e.logger.Warn("summary cache write failed", "scope", scope.String(), "error", err)
		}
	}
	return summary, nil
}

func (e *Engine) invalidate(ctx context.Context, scope model.ScopeKey) {
	if err := e.cache.Delete(ctx, summaryCachePrefix+scope.String()); err != nil {
		// Watermark comparison on read keeps a stale entry harmless.
		e.logger.Warn("summary cache invalidation failed", "scope", scope.String(), "error", err)
	}
}
