// Package jobs implements the durable Postgres-backed job queue that drives
// the pipeline: idempotent enqueue, ordered claiming, lease recovery,
// retries with backoff, and dead-lettering.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

const jobColumns = `id, seq, task_type, payload, idempotency_key, ordering_key, subject,
	state, attempts, max_attempts, not_before, lease_until, last_error, enqueued_at`

// Options tunes queue behavior. Zero values fall back to sane defaults.
type Options struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

func (o *Options) applyDefaults() {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
}

// Queue is the durable job queue. All state lives in the jobs table; the
// queue itself is stateless and safe for concurrent use.
type Queue struct {
	db     *storage.DB
	opts   Options
	logger *slog.Logger
}

// NewQueue creates a queue over the given database.
func NewQueue(db *storage.DB, opts Options, logger *slog.Logger) *Queue {
	opts.applyDefaults()
	return &Queue{db: db, opts: opts, logger: logger.With("component", "jobs")}
}

// EnqueueRequest describes a job to insert. IdempotencyKey is required;
// OrderingKey defaults to the idempotency key so a keyless job still has a
// stable serialization domain of one.
type EnqueueRequest struct {
	TaskType       model.TaskType
	Payload        any
	IdempotencyKey string
	OrderingKey    string
	Subject        string
	NotBefore      time.Time
	MaxAttempts    int
}

// Enqueue inserts a job. If an active job (pending or running) already
// holds the same idempotency key, the existing job is returned alongside
// an error wrapping fault.ErrDuplicateJob: callers keep a usable handle
// and can still tell nothing new was inserted. Terminal jobs do not block
// re-enqueue.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (model.Job, error) {
	return q.enqueue(ctx, q.db.Pool(), req)
}

// EnqueueTx is Enqueue inside the caller's transaction. This is how an
// embedding write and its index-sync job commit atomically.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, req EnqueueRequest) (model.Job, error) {
	return q.enqueue(ctx, tx, req)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (q *Queue) enqueue(ctx context.Context, db execQuerier, req EnqueueRequest) (model.Job, error) {
	if req.IdempotencyKey == "" {
		return model.Job{}, fault.Permanentf("jobs: enqueue %s: empty idempotency key", req.TaskType)
	}
	if req.OrderingKey == "" {
		req.OrderingKey = req.IdempotencyKey
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = q.opts.MaxAttempts
	}
	if req.NotBefore.IsZero() {
		req.NotBefore = time.Now().UTC()
	}
	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return model.Job{}, fault.Permanentf("jobs: encode payload for %s: %v", req.TaskType, err)
	}

	row := db.QueryRow(ctx,
		`INSERT INTO jobs (id, task_type, payload, idempotency_key, ordering_key, subject, max_attempts, not_before)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) WHERE state IN ('pending', 'running') DO NOTHING
		 RETURNING `+jobColumns,
		uuid.New(), req.TaskType, payload, req.IdempotencyKey, req.OrderingKey,
		req.Subject, req.MaxAttempts, req.NotBefore,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return q.activeHolder(ctx, db, req)
		}
		return model.Job{}, fmt.Errorf("jobs: enqueue %s: %w", req.TaskType, err)
	}
	return job, nil
}

// activeHolder looks up the pending or running job whose idempotency key
// suppressed an insert, so a duplicate enqueue hands back the same job it
// would have created.
func (q *Queue) activeHolder(ctx context.Context, db execQuerier, req EnqueueRequest) (model.Job, error) {
	dup := fmt.Errorf("jobs: enqueue %s key %q: %w", req.TaskType, req.IdempotencyKey, fault.ErrDuplicateJob)
	row := db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE idempotency_key = $1 AND state IN ('pending', 'running')`,
		req.IdempotencyKey,
	)
	job, err := scanJob(row)
	if err != nil {
		// The holder went terminal between the insert and this read; there
		// is no handle to return, and the caller may enqueue again.
		return model.Job{}, dup
	}
	return job, dup
}

// Claim atomically picks the next runnable job, moves it to running, and
// leases it to the caller. A job is runnable when it is pending, due, and
// no earlier job with the same ordering key is still active; that check is
// what makes jobs sharing an ordering key execute serially in enqueue
// order. Returns ok=false when no job is runnable.
func (q *Queue) Claim(ctx context.Context) (model.Job, bool, error) {
	row := q.db.Pool().QueryRow(ctx,
		`WITH next AS (
		   SELECT j.id FROM jobs j
		   WHERE j.state = 'pending'
		     AND j.not_before <= now()
		     AND NOT EXISTS (
		       SELECT 1 FROM jobs prior
		       WHERE prior.ordering_key = j.ordering_key
		         AND prior.seq < j.seq
		         AND prior.state IN ('pending', 'running')
		     )
		   ORDER BY j.seq
		   LIMIT 1
		   FOR UPDATE OF j SKIP LOCKED
		 )
		 UPDATE jobs SET
		   state = 'running',
		   attempts = attempts + 1,
		   lease_until = now() + $1,
		   updated_at = now()
		 FROM next WHERE jobs.id = next.id
		 RETURNING `+qualifiedJobColumns("jobs"),
		q.opts.LeaseDuration,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Job{}, false, nil
		}
		return model.Job{}, false, fmt.Errorf("jobs: claim: %w", err)
	}
	return job, true, nil
}

// Succeed marks a running job done.
func (q *Queue) Succeed(ctx context.Context, jobID uuid.UUID) error {
	if _, err := q.db.Pool().Exec(ctx,
		`UPDATE jobs SET state = 'succeeded', lease_until = NULL, last_error = '', updated_at = now()
		 WHERE id = $1 AND state = 'running'`, jobID,
	); err != nil {
		return fmt.Errorf("jobs: succeed %s: %w", jobID, err)
	}
	return nil
}

// Fail records a failed attempt. Permanent failures and jobs out of
// attempts dead-letter; everything else returns to pending with jittered
// exponential backoff. The job keeps its seq, so a requeued job resumes
// its original position within its ordering key.
func (q *Queue) Fail(ctx context.Context, job model.Job, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	if fault.IsPermanent(cause) || fault.IsConsistency(cause) || job.Attempts >= job.MaxAttempts {
		q.logger.Warn("job dead-lettered",
			"job_id", job.ID, "task", job.TaskType, "attempts", job.Attempts, "error", reason)
		if _, err := q.db.Pool().Exec(ctx,
			`UPDATE jobs SET state = 'dead', lease_until = NULL, last_error = $2, updated_at = now()
			 WHERE id = $1 AND state = 'running'`, job.ID, reason,
		); err != nil {
			return fmt.Errorf("jobs: dead-letter %s: %w", job.ID, err)
		}
		return nil
	}

	delay := q.backoff(job.Attempts)
	q.logger.Info("job retry scheduled",
		"job_id", job.ID, "task", job.TaskType, "attempt", job.Attempts, "delay", delay, "error", reason)
	if _, err := q.db.Pool().Exec(ctx,
		`UPDATE jobs SET state = 'pending', lease_until = NULL, not_before = now() + $2,
		   last_error = $3, updated_at = now()
		 WHERE id = $1 AND state = 'running'`, job.ID, delay, reason,
	); err != nil {
		return fmt.Errorf("jobs: fail %s: %w", job.ID, err)
	}
	return nil
}

// backoff computes the delay before attempt n+1: base doubled per prior
// attempt, capped, plus up to 25% jitter to spread thundering herds.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempts && d < q.opts.BackoffCap; i++ {
		d *= 2
	}
	if d > q.opts.BackoffCap {
		d = q.opts.BackoffCap
	}
	return d + rand.N(d/4) //nolint:gosec // jitter doesn't need crypto-strength randomness
}

// ReapExpiredLeases recovers jobs whose worker died mid-run. Jobs with
// attempts left return to pending at their original seq; jobs already out
// of attempts dead-letter. Returns how many leases were reaped.
func (q *Queue) ReapExpiredLeases(ctx context.Context) (int, error) {
	tag, err := q.db.Pool().Exec(ctx,
		`UPDATE jobs SET
		   state = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
		   lease_until = NULL,
		   last_error = 'lease expired',
		   updated_at = now()
		 WHERE state = 'running' AND lease_until < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("jobs: reap expired leases: %w", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		q.logger.Warn("reaped expired job leases", "count", n)
	}
	return n, nil
}

// Supersede cancels pending jobs for a subject, typically because a newer
// event made their work obsolete. Running jobs finish; only pending jobs
// are skipped. Returns how many jobs were superseded.
//
// The multi-row update can deadlock against a concurrent claim touching
// the same rows, so it retries on deadlock and serialization errors.
func (q *Queue) Supersede(ctx context.Context, taskType model.TaskType, subject string) (int, error) {
	var superseded int
	err := storage.WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		tag, err := q.db.Pool().Exec(ctx,
			`UPDATE jobs SET state = 'superseded', updated_at = now()
			 WHERE task_type = $1 AND subject = $2 AND state = 'pending'`,
			taskType, subject,
		)
		if err != nil {
			return err
		}
		superseded = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("jobs: supersede %s/%s: %w", taskType, subject, err)
	}
	return superseded, nil
}

// Cleanup deletes terminal jobs past their retention. Succeeded and
// superseded jobs age out quickly; dead jobs are kept longer for postmortems.
func (q *Queue) Cleanup(ctx context.Context, retention, deadRetention time.Duration) (int, error) {
	tag, err := q.db.Pool().Exec(ctx,
		`DELETE FROM jobs
		 WHERE (state IN ('succeeded', 'superseded') AND updated_at < now() - $1)
		    OR (state = 'dead' AND updated_at < now() - $2)`,
		retention, deadRetention,
	)
	if err != nil {
		return 0, fmt.Errorf("jobs: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByState returns the number of jobs per state, for the queue-depth gauge.
func (q *Queue) CountByState(ctx context.Context) (map[model.JobState]int64, error) {
	rows, err := q.db.Pool().Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("jobs: count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobState]int64)
	for rows.Next() {
		var state model.JobState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("jobs: scan state count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	row := q.db.Pool().QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Job{}, storage.ErrNotFound
		}
		return model.Job{}, fmt.Errorf("jobs: get job: %w", err)
	}
	return job, nil
}

func marshalPayload(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(v)
	}
}

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.Seq, &j.TaskType, &j.Payload, &j.IdempotencyKey, &j.OrderingKey,
		&j.Subject, &j.State, &j.Attempts, &j.MaxAttempts, &j.NotBefore,
		&j.LeaseUntil, &j.LastError, &j.EnqueuedAt,
	)
	return j, err
}

func qualifiedJobColumns(table string) string {
	return table + ".id, " + table + ".seq, " + table + ".task_type, " + table + ".payload, " +
		table + ".idempotency_key, " + table + ".ordering_key, " + table + ".subject, " +
		table + ".state, " + table + ".attempts, " + table + ".max_attempts, " +
		table + ".not_before, " + table + ".lease_until, " + table + ".last_error, " + table + ".enqueued_at"
}
