package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/model"
)

const summaryColumns = `owner_id, category, decision_count, outcome_count,
	satisfaction_sum, trend_x_sum, trend_x_squared_sum, trend_xy_sum,
	time_to_outcome_sum, watermark, version, updated_at`

// GetSummary retrieves the stored summary for a scope.
func (db *DB) GetSummary(ctx context.Context, scope model.ScopeKey) (model.AnalyticsSummary, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM analytics_summaries WHERE owner_id = $1 AND category = $2`,
		scope.OwnerID, scope.Category,
	)
	s, err := scanSummary(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.AnalyticsSummary{}, ErrNotFound
		}
		return model.AnalyticsSummary{}, fmt.Errorf("storage: get summary: %w", err)
	}
	return s, nil
}

// GetSummaryWatermark returns the stored watermark for a scope, or 0 when no
// summary exists yet. Cheap read used by the cache staleness check.
func (db *DB) GetSummaryWatermark(ctx context.Context, scope model.ScopeKey) (int64, error) {
	var w int64
	err := db.pool.QueryRow(ctx,
		`SELECT watermark FROM analytics_summaries WHERE owner_id = $1 AND category = $2`,
		scope.OwnerID, scope.Category,
	).Scan(&w)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: get summary watermark: %w", err)
	}
	return w, nil
}

// ListSummariesForOwner returns every per-category summary the owner has,
// including the all-categories rollup (empty category).
func (db *DB) ListSummariesForOwner(ctx context.Context, ownerID uuid.UUID) ([]model.AnalyticsSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+summaryColumns+` FROM analytics_summaries WHERE owner_id = $1 ORDER BY category`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list summaries: %w", err)
	}
	defer rows.Close()

	var summaries []model.AnalyticsSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ListScopes returns every summary scope in the store. The periodic
// recompute sweep walks this list.
func (db *DB) ListScopes(ctx context.Context) ([]model.ScopeKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT owner_id, category FROM analytics_summaries ORDER BY owner_id, category`)
	if err != nil {
		return nil, fmt.Errorf("storage: list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []model.ScopeKey
	for rows.Next() {
		var s model.ScopeKey
		if err := rows.Scan(&s.OwnerID, &s.Category); err != nil {
			return nil, fmt.Errorf("storage: scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// ApplyOutcomeIncrement folds one outcome into a scope's summary with the
// watermark guard applied in the same statement: a row whose stored
// watermark is at or past the event's is left untouched and applied=false
// is returned. The outcome's ordinal within the scope (the x of the trend
// regression) is the pre-update outcome count, so incremental application
// in recorded order matches recompute-from-scratch exactly.
func (db *DB) ApplyOutcomeIncrement(
	ctx context.Context,
	scope model.ScopeKey,
	satisfaction float64,
	timeToOutcomeSeconds float64,
	decisionCount int,
	watermark int64,
) (model.AnalyticsSummary, bool, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO analytics_summaries (owner_id, category, decision_count, outcome_count,
		   satisfaction_sum, trend_x_sum, trend_x_squared_sum, trend_xy_sum,
		   time_to_outcome_sum, watermark, version, updated_at)
		 VALUES ($1, $2, $3, 1, $4, 0, 0, 0, $5, $6, 1, now())
		 ON CONFLICT (owner_id, category) DO UPDATE SET
		   decision_count      = EXCLUDED.decision_count,
		   outcome_count       = analytics_summaries.outcome_count + 1,
		   satisfaction_sum    = analytics_summaries.satisfaction_sum + EXCLUDED.satisfaction_sum,
		   trend_x_sum         = analytics_summaries.trend_x_sum + analytics_summaries.outcome_count,
		   trend_x_squared_sum = analytics_summaries.trend_x_squared_sum
		                         + analytics_summaries.outcome_count * analytics_summaries.outcome_count,
		   trend_xy_sum        = analytics_summaries.trend_xy_sum
		                         + analytics_summaries.outcome_count * EXCLUDED.satisfaction_sum,
		   time_to_outcome_sum = analytics_summaries.time_to_outcome_sum + EXCLUDED.time_to_outcome_sum,
		   watermark           = EXCLUDED.watermark,
		   version             = analytics_summaries.version + 1,
		   updated_at          = now()
		 WHERE analytics_summaries.watermark < EXCLUDED.watermark
		 RETURNING `+summaryColumns,
		scope.OwnerID, scope.Category, decisionCount, satisfaction, timeToOutcomeSeconds, watermark,
	)
	s, err := scanSummary(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.AnalyticsSummary{}, false, nil // watermark guard: stale event
		}
		return model.AnalyticsSummary{}, false, fmt.Errorf("storage: apply outcome increment: %w", err)
	}
	return s, true, nil
}

// ReplaceSummary overwrites a scope's summary with a freshly recomputed
// snapshot. Recompute is the source of truth, so it may land on the same
// watermark (<=); it still never moves a watermark backwards.
func (db *DB) ReplaceSummary(ctx context.Context, s model.AnalyticsSummary) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO analytics_summaries (owner_id, category, decision_count, outcome_count,
		   satisfaction_sum, trend_x_sum, trend_x_squared_sum, trend_xy_sum,
		   time_to_outcome_sum, watermark, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, now())
		 ON CONFLICT (owner_id, category) DO UPDATE SET
		   decision_count      = EXCLUDED.decision_count,
		   outcome_count       = EXCLUDED.outcome_count,
		   satisfaction_sum    = EXCLUDED.satisfaction_sum,
		   trend_x_sum         = EXCLUDED.trend_x_sum,
		   trend_x_squared_sum = EXCLUDED.trend_x_squared_sum,
		   trend_xy_sum        = EXCLUDED.trend_xy_sum,
		   time_to_outcome_sum = EXCLUDED.time_to_outcome_sum,
		   watermark           = EXCLUDED.watermark,
		   version             = analytics_summaries.version + 1,
		   updated_at          = now()
		 WHERE analytics_summaries.watermark <= EXCLUDED.watermark`,
		s.Scope.OwnerID, s.Scope.Category, s.DecisionCount, s.OutcomeCount,
		s.SatisfactionSum, s.TrendXSum, s.TrendXSquaredSum, s.TrendXYSum,
		s.TimeToOutcomeSum, s.Watermark,
	)
	if err != nil {
		return false, fmt.Errorf("storage: replace summary: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanSummary(row pgx.Row) (model.AnalyticsSummary, error) {
	var s model.AnalyticsSummary
	err := row.Scan(
		&s.Scope.OwnerID, &s.Scope.Category, &s.DecisionCount, &s.OutcomeCount,
		&s.SatisfactionSum, &s.TrendXSum, &s.TrendXSquaredSum, &s.TrendXYSum,
		&s.TimeToOutcomeSum, &s.Watermark, &s.Version, &s.UpdatedAt,
	)
	return s, err
}
