package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/model"
)

// CreateOutcome appends an outcome to a decision. Outcomes are append-only.
func (db *DB) CreateOutcome(ctx context.Context, o model.Outcome) (model.Outcome, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO outcomes (id, decision_id, owner_id, satisfaction, reflection, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.DecisionID, o.OwnerID, o.Satisfaction, o.Reflection, o.RecordedAt,
	)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("storage: create outcome: %w", err)
	}
	return o, nil
}

// GetOutcome retrieves an outcome by ID.
func (db *DB) GetOutcome(ctx context.Context, id uuid.UUID) (model.Outcome, error) {
	var o model.Outcome
	err := db.pool.QueryRow(ctx,
		`SELECT id, decision_id, owner_id, satisfaction, reflection, recorded_at
		 FROM outcomes WHERE id = $1`, id,
	).Scan(&o.ID, &o.DecisionID, &o.OwnerID, &o.Satisfaction, &o.Reflection, &o.RecordedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Outcome{}, ErrNotFound
		}
		return model.Outcome{}, fmt.Errorf("storage: get outcome: %w", err)
	}
	return o, nil
}

// OutcomeWithDecision joins an outcome with the decision it belongs to.
type OutcomeWithDecision struct {
	Outcome  model.Outcome
	Decision model.Decision
}

// GetOutcomeWithDecision fetches an outcome and its decision in one query.
// The aggregation engine needs both: the outcome for the score, the decision
// for its category and creation time (time-to-outcome).
func (db *DB) GetOutcomeWithDecision(ctx context.Context, outcomeID uuid.UUID) (OutcomeWithDecision, error) {
	var r OutcomeWithDecision
	err := db.pool.QueryRow(ctx,
		`SELECT o.id, o.decision_id, o.owner_id, o.satisfaction, o.reflection, o.recorded_at,
		        d.id, d.owner_id, d.title, d.category, d.description, d.status, d.created_at
		 FROM outcomes o
		 JOIN decisions d ON d.id = o.decision_id
		 WHERE o.id = $1`, outcomeID,
	).Scan(
		&r.Outcome.ID, &r.Outcome.DecisionID, &r.Outcome.OwnerID,
		&r.Outcome.Satisfaction, &r.Outcome.Reflection, &r.Outcome.RecordedAt,
		&r.Decision.ID, &r.Decision.OwnerID, &r.Decision.Title, &r.Decision.Category,
		&r.Decision.Description, &r.Decision.Status, &r.Decision.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return OutcomeWithDecision{}, ErrNotFound
		}
		return OutcomeWithDecision{}, fmt.Errorf("storage: get outcome with decision: %w", err)
	}
	return r, nil
}

// OutcomesForScope returns all outcomes in a scope joined with their
// decision's creation time, in recorded order. This is the
// recompute-from-scratch read path; the empty category means all categories.
func (db *DB) OutcomesForScope(ctx context.Context, scope model.ScopeKey) ([]OutcomeWithDecision, error) {
	query := `SELECT o.id, o.decision_id, o.owner_id, o.satisfaction, o.reflection, o.recorded_at,
	                 d.id, d.owner_id, d.title, d.category, d.description, d.status, d.created_at
	          FROM outcomes o
	          JOIN decisions d ON d.id = o.decision_id
	          WHERE o.owner_id = $1`
	args := []any{scope.OwnerID}
	if scope.Category != "" {
		query += ` AND d.category = $2`
		args = append(args, scope.Category)
	}
	query += ` ORDER BY o.recorded_at ASC, o.id ASC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: outcomes for scope: %w", err)
	}
	defer rows.Close()

	var results []OutcomeWithDecision
	for rows.Next() {
		var r OutcomeWithDecision
		if err := rows.Scan(
			&r.Outcome.ID, &r.Outcome.DecisionID, &r.Outcome.OwnerID,
			&r.Outcome.Satisfaction, &r.Outcome.Reflection, &r.Outcome.RecordedAt,
			&r.Decision.ID, &r.Decision.OwnerID, &r.Decision.Title, &r.Decision.Category,
			&r.Decision.Description, &r.Decision.Status, &r.Decision.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan outcome row: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountDecisionsInScope returns the number of decisions in the scope.
func (db *DB) CountDecisionsInScope(ctx context.Context, scope model.ScopeKey) (int, error) {
	query := `SELECT COUNT(*) FROM decisions WHERE owner_id = $1`
	args := []any{scope.OwnerID}
	if scope.Category != "" {
		query += ` AND category = $2`
		args = append(args, scope.Category)
	}
	var n int
	if err := db.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count decisions in scope: %w", err)
	}
	return n, nil
}
