package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState enumerates the durable job state machine. Terminal states are
// succeeded and dead (dead-lettered after exhausting retries); superseded
// jobs are skipped at dequeue time and never executed.
type JobState string

const (
	JobPending    JobState = "pending"
	JobRunning    JobState = "running"
	JobSucceeded  JobState = "succeeded"
	JobDead       JobState = "dead"
	JobSuperseded JobState = "superseded"
)

// TaskType identifies what a job does; each type has a registered handler.
type TaskType string

const (
	TaskEmbeddingGenerate TaskType = "embedding.generate"
	TaskSearchSync        TaskType = "search.sync"
	TaskAggregateOutcome  TaskType = "analytics.aggregate"
	TaskRecomputeScope    TaskType = "analytics.recompute"
	TaskInsightEvaluate   TaskType = "insight.evaluate"
	TaskNotifyDispatch    TaskType = "notify.dispatch"
	TaskReminderSweep     TaskType = "reminder.sweep"
	TaskJobCleanup        TaskType = "jobs.cleanup"
)

// Job is one durable unit of background work. Jobs sharing an ordering key
// execute serially in enqueue order; different keys run in parallel.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Seq            int64           `json:"seq"`
	TaskType       TaskType        `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	OrderingKey    string          `json:"ordering_key"`
	Subject        string          `json:"subject"`
	State          JobState        `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NotBefore      time.Time       `json:"not_before"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// EmbeddingPayload is the payload for embedding.generate and search.sync jobs.
type EmbeddingPayload struct {
	DecisionID uuid.UUID `json:"decision_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
}

// AggregatePayload is the payload for analytics.aggregate jobs.
type AggregatePayload struct {
	OutcomeID uuid.UUID `json:"outcome_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Watermark int64     `json:"watermark"`
}

// RecomputePayload is the payload for analytics.recompute jobs.
type RecomputePayload struct {
	OwnerID  uuid.UUID `json:"owner_id"`
	Category string    `json:"category"`
}

// InsightPayload is the payload for insight.evaluate jobs.
type InsightPayload struct {
	OwnerID uuid.UUID `json:"owner_id"`
}

// NotifyPayload is the payload for notify.dispatch jobs. Exactly one of
// InsightID or ReminderID is set; DedupeKey guarantees a notification is
// delivered at most once.
type NotifyPayload struct {
	OwnerID    uuid.UUID  `json:"owner_id"`
	InsightID  *uuid.UUID `json:"insight_id,omitempty"`
	ReminderID *uuid.UUID `json:"reminder_id,omitempty"`
	DedupeKey  string     `json:"dedupe_key"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
}
