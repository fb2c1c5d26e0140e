package insight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hansei-ai/hansei/internal/fault"
	"github.com/hansei-ai/hansei/internal/jobs"
	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

// Generator runs every rule for an owner and persists the findings that
// survive deduplication, enqueueing a notification for each one.
type Generator struct {
	db         *storage.DB
	queue      *jobs.Queue
	rules      []Rule
	summarizer Summarizer
	cooldown   time.Duration
	logger     *slog.Logger
}

// NewGenerator creates a generator over the given rules.
func NewGenerator(db *storage.DB, queue *jobs.Queue, rules []Rule, summarizer Summarizer, cooldown time.Duration, logger *slog.Logger) *Generator {
	if cooldown <= 0 {
		cooldown = 7 * 24 * time.Hour
	}
	return &Generator{
		db:         db,
		queue:      queue,
		rules:      rules,
		summarizer: summarizer,
		cooldown:   cooldown,
		logger:     logger.With("component", "insight"),
	}
}

// HandleEvaluate is the job handler for insight.evaluate.
func (g *Generator) HandleEvaluate(ctx context.Context, job model.Job) error {
	var payload model.InsightPayload
	if err := jobs.UnmarshalPayload(job.Payload, &payload); err != nil {
		return err
	}
	return g.Evaluate(ctx, payload.OwnerID)
}

// Evaluate runs all rules for one owner. Re-running after a partial
// failure is safe: the cooldown insert refuses findings that already
// landed, and the notification dedupe key refuses their notifications.
func (g *Generator) Evaluate(ctx context.Context, ownerID uuid.UUID) error {
	for _, rule := range g.rules {
		findings, err := rule.Evaluate(ctx, ownerID)
		if err != nil {
			return fault.Transient(fmt.Errorf("insight: rule %s: %w", rule.ID(), err))
		}
		for _, finding := range findings {
			if err := g.persist(ctx, ownerID, rule.ID(), finding); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Generator) persist(ctx context.Context, ownerID uuid.UUID, ruleID string, finding Finding) error {
	key := dedupeKey(ruleID, ownerID, finding.DedupeScope)

	// The cooldown is checked before the summarizer runs; a finding that
	// will be suppressed anyway must not cost an LLM call.
	cooling, err := g.db.InsightCooling(ctx, ownerID, key, g.cooldown)
	if err != nil {
		return fault.Transient(err)
	}
	if cooling {
		g.logger.Debug("insight suppressed by cooldown", "rule", ruleID, "owner_id", ownerID)
		return nil
	}

	ins := model.Insight{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Kind:        finding.Kind,
		RuleID:      ruleID,
		Title:       finding.Title,
		Explanation: g.explain(ctx, finding),
		Evidence:    finding.Evidence,
		DedupeKey:   key,
	}

	inserted, err := g.db.InsertInsightUnlessCooling(ctx, ins, g.cooldown)
	if err != nil {
		return fault.Transient(err)
	}
	if !inserted {
		g.logger.Debug("insight suppressed by cooldown", "rule", ruleID, "owner_id", ownerID)
		return nil
	}
	g.logger.Info("insight generated", "rule", ruleID, "owner_id", ownerID, "kind", ins.Kind)

	insightID := ins.ID
	_, err = g.queue.Enqueue(ctx, jobs.EnqueueRequest{
		TaskType: model.TaskNotifyDispatch,
		Payload: model.NotifyPayload{
			OwnerID:   ownerID,
			InsightID: &insightID,
			DedupeKey: "insight:" + insightID.String(),
			Title:     ins.Title,
			Body:      ins.Explanation,
		},
		IdempotencyKey: fmt.Sprintf("%s:insight:%s", model.TaskNotifyDispatch, insightID),
		OrderingKey:    "notify:" + ownerID.String(),
		Subject:        ownerID.String(),
	})
	if err != nil && !errors.Is(err, fault.ErrDuplicateJob) {
		return fault.Transient(err)
	}
	return nil
}

// explain asks the summarizer for phrasing and falls back to the rule's
// template; an unreachable LLM must never block an insight.
func (g *Generator) explain(ctx context.Context, finding Finding) string {
	text, err := g.summarizer.Summarize(ctx, finding)
	if err != nil || text == "" {
		if err != nil {
			g.logger.Warn("summarizer failed, using template", "error", err)
		}
		return finding.Detail
	}
	return text
}

// dedupeKey hashes rule, owner, and scope so the cooldown window applies
// per finding, not per rule.
func dedupeKey(ruleID string, ownerID uuid.UUID, scope string) string {
	sum := sha256.Sum256([]byte(ruleID + "|" + ownerID.String() + "|" + scope))
	return hex.EncodeToString(sum[:])
}
