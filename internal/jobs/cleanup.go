package jobs

import (
	"context"
	"time"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/model"
)

// NewCleanupHandler returns the jobs.cleanup handler, which deletes
// terminal jobs past their retention windows.
func NewCleanupHandler(q *Queue, retention, deadRetention time.Duration) Handler {
	return func(ctx context.Context, _ model.Job) error {
		n, err := q.Cleanup(ctx, retention, deadRetention)
		if err != nil {
			return fault.Transient(err)
		}
		if n > 0 {
			q.logger.Info("terminal jobs cleaned up", "deleted", n)
		}
		return nil
	}
}
