package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/model"
)

// CreateReminder stores a reminder to record an outcome later.
func (db *DB) CreateReminder(ctx context.Context, r model.Reminder) (model.Reminder, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO reminders (id, owner_id, decision_id, message, due_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.OwnerID, r.DecisionID, r.Message, r.DueAt, r.CreatedAt,
	)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("storage: create reminder: %w", err)
	}
	return r, nil
}

// DueReminders returns unsent reminders whose due time has passed.
func (db *DB) DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, owner_id, decision_id, message, due_at, sent_at, created_at
		 FROM reminders
		 WHERE sent_at IS NULL AND due_at <= $1
		 ORDER BY due_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due reminders: %w", err)
	}
	defer rows.Close()

	var reminders []model.Reminder
	for rows.Next() {
		var r model.Reminder
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.DecisionID, &r.Message, &r.DueAt, &r.SentAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan reminder: %w", err)
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// GetReminder retrieves a reminder by ID.
func (db *DB) GetReminder(ctx context.Context, id uuid.UUID) (model.Reminder, error) {
	var r model.Reminder
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, decision_id, message, due_at, sent_at, created_at
		 FROM reminders WHERE id = $1`, id,
	).Scan(&r.ID, &r.OwnerID, &r.DecisionID, &r.Message, &r.DueAt, &r.SentAt, &r.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Reminder{}, ErrNotFound
		}
		return model.Reminder{}, fmt.Errorf("storage: get reminder: %w", err)
	}
	return r, nil
}

// MarkReminderSent stamps a reminder as sent. Returns false when the
// reminder was already sent, so sweeps overlapping on the same reminder
// enqueue only one notification.
func (db *DB) MarkReminderSent(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE reminders SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark reminder sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
