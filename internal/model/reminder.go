package model

import (
	"time"

	"github.com/google/uuid"
)

// Reminder asks the owner to record an outcome for a decision at a later
// time. The scheduler's reminder sweep picks up due reminders and enqueues
// notification-dispatch jobs for them.
type Reminder struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	DecisionID uuid.UUID  `json:"decision_id"`
	Message    string     `json:"message"`
	DueAt      time.Time  `json:"due_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
