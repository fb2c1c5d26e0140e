package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Notification is a row in the delivery ledger. The dedupe key is unique,
// so under retries at most one row per logical notification ever exists.
type Notification struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	DedupeKey   string
	Title       string
	Body        string
	Status      string
	LastError   string
	CreatedAt   time.Time
	DeliveredAt *time.Time
}

const (
	NotificationPending   = "pending"
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

// BeginNotification claims a dedupe key by inserting the ledger row. It
// returns false when the key already exists, meaning another delivery
// attempt (or a completed one) owns it.
func (db *DB) BeginNotification(ctx context.Context, n Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO notifications (id, owner_id, dedupe_key, title, body, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		n.ID, n.OwnerID, n.DedupeKey, n.Title, n.Body,
	)
	if err != nil {
		return false, fmt.Errorf("storage: begin notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetNotification retrieves a ledger row by dedupe key.
func (db *DB) GetNotification(ctx context.Context, dedupeKey string) (Notification, error) {
	var n Notification
	err := db.pool.QueryRow(ctx,
		`SELECT id, owner_id, dedupe_key, title, body, status, last_error, created_at, delivered_at
		 FROM notifications WHERE dedupe_key = $1`, dedupeKey,
	).Scan(&n.ID, &n.OwnerID, &n.DedupeKey, &n.Title, &n.Body, &n.Status, &n.LastError, &n.CreatedAt, &n.DeliveredAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("storage: get notification: %w", err)
	}
	return n, nil
}

// MarkNotificationDelivered records a successful delivery.
func (db *DB) MarkNotificationDelivered(ctx context.Context, dedupeKey string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE notifications SET status = 'delivered', delivered_at = now(), last_error = ''
		 WHERE dedupe_key = $1`, dedupeKey,
	); err != nil {
		return fmt.Errorf("storage: mark notification delivered: %w", err)
	}
	return nil
}

// MarkNotificationFailed records a delivery failure. A failed row keeps its
// dedupe key claimed; retries of the same job update it in place.
func (db *DB) MarkNotificationFailed(ctx context.Context, dedupeKey, reason string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE notifications SET status = 'failed', last_error = $2
		 WHERE dedupe_key = $1 AND status <> 'delivered'`, dedupeKey, reason,
	); err != nil {
		return fmt.Errorf("storage: mark notification failed: %w", err)
	}
	return nil
}

// ResetNotificationForRetry moves a failed row back to pending so the next
// delivery attempt can proceed. Delivered rows are never reset.
func (db *DB) ResetNotificationForRetry(ctx context.Context, dedupeKey string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE notifications SET status = 'pending'
		 WHERE dedupe_key = $1 AND status = 'failed'`, dedupeKey,
	)
	if err != nil {
		return false, fmt.Errorf("storage: reset notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
