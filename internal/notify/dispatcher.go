package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

// Dispatcher runs notify.dispatch and reminder.sweep jobs. The
// notifications table is the dedupe ledger: a dedupe key is claimed by
// inserting its row, and a delivered row is never sent again, no matter
// how often the job retries.
type Dispatcher struct {
	db      *storage.DB
	queue   *jobs.Queue
	channel Channel
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher over the given channel.
func NewDispatcher(db *storage.DB, queue *jobs.Queue, channel Channel, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{db: db, queue: queue, channel: channel, logger: logger.With("component", "notify")}
}

// HandleDispatch is the job handler for notify.dispatch.
func (d *Dispatcher) HandleDispatch(ctx context.Context, job model.Job) error {
	var payload model.NotifyPayload
	if err := jobs.UnmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}
	if payload.DedupeKey == "" {
		return fault.Permanentf("notify: dispatch without dedupe key")
	}

	claimed, err := d.db.BeginNotification(ctx, storage.Notification{
		OwnerID:   payload.OwnerID,
		DedupeKey: payload.DedupeKey,
		Title:     payload.Title,
		Body:      payload.Body,
	})
	if err != nil {
		return fault.Transient(err)
	}
	if !claimed {
		existing, err := d.db.GetNotification(ctx, payload.DedupeKey)
		if err != nil {
			return fault.Transient(err)
		}
		switch existing.Status {
		case storage.NotificationDelivered:
			return nil
		case storage.NotificationFailed:
			if _, err := d.db.ResetNotificationForRetry(ctx, payload.DedupeKey); err != nil {
				return fault.Transient(err)
			}
		}
		// A pending row means a prior attempt died between claim and
		// delivery; this attempt resumes it.
	}

	if err := d.channel.Send(ctx, Message{
		OwnerID:   payload.OwnerID,
		DedupeKey: payload.DedupeKey,
		Title:     payload.Title,
		Body:      payload.Body,
	}); err != nil {
		if merr := d.db.MarkNotificationFailed(ctx, payload.DedupeKey, err.Error()); merr != nil {
			d.logger.Error("failed to record delivery failure", "dedupe_key", payload.DedupeKey, "error", merr)
		}
		return err
	}

	if err := d.db.MarkNotificationDelivered(ctx, payload.DedupeKey); err != nil {
		return fault.Transient(err)
	}
	d.logger.Info("notification delivered", "owner_id", payload.OwnerID, "dedupe_key", payload.DedupeKey)
	return nil
}

// HandleReminderSweep is the job handler for reminder.sweep: claim each
// due reminder and enqueue its dispatch. MarkReminderSent returning false
// means another sweep got there first.
func (d *Dispatcher) HandleReminderSweep(ctx context.Context, _ model.Job) error {
	due, err := d.db.DueReminders(ctx, time.Now().UTC(), 200)
	if err != nil {
		return fault.Transient(err)
	}

	var dispatched int
	for _, r := range due {
		claimed, err := d.db.MarkReminderSent(ctx, r.ID)
		if err != nil {
			return fault.Transient(err)
		}
		if !claimed {
			continue
		}
		if err := d.enqueueReminderDispatch(ctx, r); err != nil {
			return err
		}
		dispatched++
	}
	if dispatched > 0 {
		d.logger.Info("reminder sweep dispatched", "due", len(due), "dispatched", dispatched)
	}
	return nil
}

func (d *Dispatcher) enqueueReminderDispatch(ctx context.Context, r model.Reminder) error {
	decision, err := d.db.GetDecision(ctx, r.DecisionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fault.Transient(err)
	}

	title := "Time to record an outcome"
	body := r.Message
	if body == "" && decision.Title != "" {
		body = fmt.Sprintf("How did %q turn out? Record an outcome to keep your analytics current.", decision.Title)
	}

	reminderID := r.ID
	_, err = d.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TaskType: model.TaskNotifyDispatch,
		Payload: model.NotifyPayload{
			OwnerID:    r.OwnerID,
			ReminderID: &reminderID,
			DedupeKey:  "reminder:" + reminderID.String(),
			Title:      title,
			Body:       body,
		},
		IdempotencyKey: fmt.Sprintf("%s:reminder:%s", model.TaskNotifyDispatch, reminderID),
		OrderingKey:    "notify:" + r.OwnerID.String(),
		Subject:        r.OwnerID.String(),
	})
	if err != nil && !errors.Is(err, fault.ErrDuplicateJob) {
		return fault.Transient(err)
	}
	return nil
}
