// Package insight evaluates rules over aggregate summaries and raw
// decision data, producing deduplicated insights and notification work.
package insight

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hansei-ai/hansei/internal/model"
	"github.com/hansei-ai/hansei/internal/storage"
)

// Finding is one potential insight produced by a rule. DedupeScope
// discriminates findings of the same rule for the same owner (e.g. per
// category); Detail is the templated explanation used when no summarizer
// is available.
type Finding struct {
	Kind        model.InsightKind
	Title       string
	Detail      string
	DedupeScope string
	Evidence    model.InsightEvidence
}

// Rule inspects one owner's data and reports zero or more findings.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, ownerID uuid.UUID) ([]Finding, error)
}

// DecliningSatisfactionRule fires when a scope with enough outcomes shows
// a satisfaction trend at or below the configured slope.
type DecliningSatisfactionRule struct {
	DB       *storage.DB
	Slope    float64 // fire at or below, e.g. -0.15
	MinCount int
}

func (r *DecliningSatisfactionRule) ID() string { return "declining-satisfaction" }

func (r *DecliningSatisfactionRule) Evaluate(ctx context.Context, ownerID uuid.UUID) ([]Finding, error) {
	summaries, err := r.DB.ListSummariesForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	for _, s := range summaries {
		if s.OutcomeCount < r.MinCount {
			continue
		}
		slope := s.TrendSlope()
		if slope > r.Slope {
			continue
		}
		scopeName := s.Scope.Category
		if scopeName == "" {
			scopeName = "all decisions"
		}
		scope := s.Scope
		findings = append(findings, Finding{
			Kind:  model.InsightWarning,
			Title: fmt.Sprintf("Satisfaction declining in %s", scopeName),
			Detail: fmt.Sprintf(
				"Across your last %d outcomes in %s, satisfaction has trended down (slope %.2f per outcome, average %.1f/5). It may be worth revisiting how you approach these decisions.",
				s.OutcomeCount, scopeName, slope, s.AvgSatisfaction()),
			DedupeScope: s.Scope.String(),
			Evidence: model.InsightEvidence{
				SummaryScope:   &scope,
				SummaryVersion: s.Version,
				Metrics: map[string]float64{
					"trend_slope":      slope,
					"avg_satisfaction": s.AvgSatisfaction(),
					"outcome_count":    float64(s.OutcomeCount),
				},
			},
		})
	}
	return findings, nil
}

// DecisionSpikeRule fires when the owner recorded markedly more decisions
// this week than their weekly average over the preceding four weeks.
type DecisionSpikeRule struct {
	DB       *storage.DB
	Factor   float64 // recent must be at least Factor times the weekly baseline
	MinCount int
}

func (r *DecisionSpikeRule) ID() string { return "decision-spike" }

func (r *DecisionSpikeRule) Evaluate(ctx context.Context, ownerID uuid.UUID) ([]Finding, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	baselineFrom := from.AddDate(0, 0, -28)

	recent, baseline, err := r.DB.DecisionCountsByWindow(ctx, ownerID, baselineFrom, from, now)
	if err != nil {
		return nil, err
	}
	if recent < r.MinCount {
		return nil, nil
	}
	weeklyBaseline := float64(baseline) / 4
	if weeklyBaseline > 0 && float64(recent) < r.Factor*weeklyBaseline {
		return nil, nil
	}

	// The finding fires; attach the week's decisions as evidence.
	spike, err := r.DB.RecentDecisions(ctx, ownerID, from, 20)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, len(spike))
	for i, d := range spike {
		ids[i] = d.ID
	}

	return []Finding{{
		Kind:  model.InsightPattern,
		Title: "Unusually busy decision week",
		Detail: fmt.Sprintf(
			"You logged %d decisions in the past week, compared with a weekly average of %.1f over the previous month. Busy stretches like this are a good time to slow down on the big calls.",
			recent, weeklyBaseline),
		DedupeScope: "weekly",
		Evidence: model.InsightEvidence{
			DecisionIDs: ids,
			Metrics: map[string]float64{
				"recent_count":    float64(recent),
				"weekly_baseline": weeklyBaseline,
			},
		},
	}}, nil
}

// StaleOutcomeRule fires when several active decisions have gone past the
// cutoff with no outcome recorded.
type StaleOutcomeRule struct {
	DB       *storage.DB
	After    time.Duration // how long before a decision counts as stale
	MinCount int
}

func (r *StaleOutcomeRule) ID() string { return "stale-outcomes" }

func (r *StaleOutcomeRule) Evaluate(ctx context.Context, ownerID uuid.UUID) ([]Finding, error) {
	cutoff := time.Now().UTC().Add(-r.After)
	stale, err := r.DB.DecisionsWithoutOutcome(ctx, ownerID, cutoff, 20)
	if err != nil {
		return nil, err
	}
	if len(stale) < r.MinCount {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(stale))
	for i, d := range stale {
		ids[i] = d.ID
	}
	days := int(r.After.Hours() / 24)
	return []Finding{{
		Kind:  model.InsightSuggestion,
		Title: fmt.Sprintf("%d decisions are waiting on outcomes", len(stale)),
		Detail: fmt.Sprintf(
			"%d of your decisions are more than %d days old with no outcome recorded, starting with %q. Recording how they turned out keeps your analytics honest.",
			len(stale), days, stale[0].Title),
		DedupeScope: "pending",
		Evidence: model.InsightEvidence{
			DecisionIDs: ids,
			Metrics:     map[string]float64{"stale_count": float64(len(stale))},
		},
	}}, nil
}
