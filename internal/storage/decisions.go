package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/model"
)

// CreateDecision inserts a decision and returns it. The pipeline does not
// own decision CRUD; this exists for the CRUD collaborator and for tests.
func (db *DB) CreateDecision(ctx context.Context, d model.Decision) (model.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = model.DecisionActive
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO decisions (id, owner_id, title, category, description, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.OwnerID, d.Title, d.Category, d.Description, d.Status, d.CreatedAt,
	)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: create decision: %w", err)
	}
	return d, nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	var d model.Decision
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, category, description, status, created_at
		 FROM decisions WHERE id = $1`, id,
	).Scan(&d.ID, &d.OwnerID, &d.Title, &d.Category, &d.Description, &d.Status, &d.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// GetDecisionsByIDs returns the subset of the given decisions that belong to
// ownerID. Results are keyed by decision ID; missing IDs are simply absent.
func (db *DB) GetDecisionsByIDs(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, title, category, description, status, created_at
		 FROM decisions WHERE owner_id = $1 AND id = ANY($2)`,
		ownerID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get decisions by ids: %w", err)
	}
	defer rows.Close()

	decisions := make(map[uuid.UUID]model.Decision, len(ids))
	for rows.Next() {
		var d model.Decision
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Category, &d.Description, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions[d.ID] = d
	}
	return decisions, rows.Err()
}

// DecisionOwners maps each existing decision ID to its owner, without any
// owner filter. Used to tell "deleted" apart from "belongs to someone else".
func (db *DB) DecisionOwners(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id FROM decisions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: decision owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[uuid.UUID]uuid.UUID, len(ids))
	for rows.Next() {
		var id, owner uuid.UUID
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, fmt.Errorf("storage: scan decision owner: %w", err)
		}
		owners[id] = owner
	}
	return owners, rows.Err()
}

// RecentDecisions returns the owner's newest decisions, newest first.
func (db *DB) RecentDecisions(ctx context.Context, ownerID uuid.UUID, since time.Time, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, title, category, description, status, created_at
		 FROM decisions
		 WHERE owner_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		ownerID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionCountsByWindow returns how many decisions the owner created within
// [from, to) and within the baseline window [baselineFrom, from).
func (db *DB) DecisionCountsByWindow(ctx context.Context, ownerID uuid.UUID, baselineFrom, from, to time.Time) (recent, baseline int, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE created_at >= $2 AND created_at < $3),
		   COUNT(*) FILTER (WHERE created_at >= $4 AND created_at < $2)
		 FROM decisions WHERE owner_id = $1`,
		ownerID, from, to, baselineFrom,
	).Scan(&recent, &baseline)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: decision counts by window: %w", err)
	}
	return recent, baseline, nil
}

// DecisionsWithoutOutcome returns active decisions created before the cutoff
// that have no outcome recorded yet.
func (db *DB) DecisionsWithoutOutcome(ctx context.Context, ownerID uuid.UUID, cutoff time.Time, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT d.id, d.owner_id, d.title, d.category, d.description, d.status, d.created_at
		 FROM decisions d
		 WHERE d.owner_id = $1
		   AND d.status = 'active'
		   AND d.created_at < $2
		   AND NOT EXISTS (SELECT 1 FROM outcomes o WHERE o.decision_id = d.id)
		 ORDER BY d.created_at ASC
		 LIMIT $3`,
		ownerID, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decisions without outcome: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionsMissingEmbedding returns decisions that have no embedding row,
// oldest first. Used by the startup backfill.
func (db *DB) DecisionsMissingEmbedding(ctx context.Context, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT d.id, d.owner_id, d.title, d.category, d.description, d.status, d.created_at
		 FROM decisions d
		 LEFT JOIN embeddings e ON e.decision_id = d.id
		 WHERE e.decision_id IS NULL
		 ORDER BY d.created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: decisions missing embedding: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows pgx.Rows) ([]model.Decision, error) {
	var decisions []model.Decision
	for rows.Next() {
		var d model.Decision
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Category, &d.Description, &d.Status, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}
