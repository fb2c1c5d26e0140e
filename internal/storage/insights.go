package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/model"
)

// InsertInsightUnlessCooling inserts an insight only when no insight with
// the same dedupe key was generated for the owner within the cooldown
// window. The NOT EXISTS check and the insert run as one statement, so two
// concurrent evaluations of the same rule cannot both land.
func (db *DB) InsertInsightUnlessCooling(ctx context.Context, ins model.Insight, cooldown time.Duration) (bool, error) {
	if ins.ID == uuid.Nil {
		ins.ID = uuid.New()
	}
	if ins.GeneratedAt.IsZero() {
		ins.GeneratedAt = time.Now().UTC()
	}
	evidence, err := json.Marshal(ins.Evidence)
	if err != nil {
		return false, fmt.Errorf("storage: marshal insight evidence: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO insights (id, owner_id, kind, rule_id, title, explanation, evidence, dedupe_key, generated_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		 WHERE NOT EXISTS (
		   SELECT 1 FROM insights
		   WHERE owner_id = $2 AND dedupe_key = $8 AND generated_at > $10
		 )`,
		ins.ID, ins.OwnerID, ins.Kind, ins.RuleID, ins.Title, ins.Explanation,
		evidence, ins.DedupeKey, ins.GeneratedAt, ins.GeneratedAt.Add(-cooldown),
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert insight: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsightCooling reports whether an insight with the dedupe key landed
// within the cooldown window. This is a read-only pre-check;
// InsertInsightUnlessCooling remains the guard that decides under
// concurrency.
func (db *DB) InsightCooling(ctx context.Context, ownerID uuid.UUID, dedupeKey string, cooldown time.Duration) (bool, error) {
	var cooling bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM insights
		   WHERE owner_id = $1 AND dedupe_key = $2 AND generated_at > now() - $3
		 )`, ownerID, dedupeKey, cooldown,
	).Scan(&cooling)
	if err != nil {
		return false, fmt.Errorf("storage: insight cooling: %w", err)
	}
	return cooling, nil
}

// ListInsights returns the owner's insights, newest first. Dismissed
// insights are excluded unless includeDismissed is set.
func (db *DB) ListInsights(ctx context.Context, ownerID uuid.UUID, includeDismissed bool, limit int) ([]model.Insight, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, owner_id, kind, rule_id, title, explanation, evidence, dedupe_key, generated_at, dismissed_at
	          FROM insights WHERE owner_id = $1`
	if !includeDismissed {
		query += ` AND dismissed_at IS NULL`
	}
	query += ` ORDER BY generated_at DESC LIMIT $2`

	rows, err := db.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list insights: %w", err)
	}
	defer rows.Close()

	var insights []model.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan insight: %w", err)
		}
		insights = append(insights, ins)
	}
	return insights, rows.Err()
}

// GetInsight retrieves an insight by ID.
func (db *DB) GetInsight(ctx context.Context, id uuid.UUID) (model.Insight, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, kind, rule_id, title, explanation, evidence, dedupe_key, generated_at, dismissed_at
		 FROM insights WHERE id = $1`, id,
	)
	ins, err := scanInsight(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Insight{}, ErrNotFound
		}
		return model.Insight{}, fmt.Errorf("storage: get insight: %w", err)
	}
	return ins, nil
}

// DismissInsight marks an insight dismissed. Dismissing twice is a no-op.
func (db *DB) DismissInsight(ctx context.Context, ownerID, insightID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE insights SET dismissed_at = now()
		 WHERE id = $1 AND owner_id = $2 AND dismissed_at IS NULL`,
		insightID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: dismiss insight: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM insights WHERE id = $1 AND owner_id = $2)`,
			insightID, ownerID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: dismiss insight: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func scanInsight(row pgx.Row) (model.Insight, error) {
	var ins model.Insight
	var evidence []byte
	err := row.Scan(
		&ins.ID, &ins.OwnerID, &ins.Kind, &ins.RuleID, &ins.Title, &ins.Explanation,
		&evidence, &ins.DedupeKey, &ins.GeneratedAt, &ins.DismissedAt,
	)
	if err != nil {
		return model.Insight{}, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &ins.Evidence); err != nil {
			return model.Insight{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return ins, nil
}
