/**
 * @description
 * This file contains the progression evaluator: on every stat-affecting event
 * it recomputes the user's lifetime stats fresh from the ledgers and advances
 * the user's plan to the highest tier they currently qualify for. Assignment
 * is idempotent; re-triggering with no change produces no mutation and no
 * event.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event bus publisher.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
	"github.com/stellarloyalty/loyalty-service/internal/store"
	"github.com/stellarloyalty/loyalty-service/pkg/rabbitmq"
)

// progressionTriggers is the fixed set of event names that can affect a
// user's standing. commission.recorded is used instead of the raw purchase
// event so ledger entries are guaranteed to exist before stats are computed.
var progressionTriggers = map[string]bool{
	domain.EventUserSignup:        true,
	domain.EventReferralCompleted: true,
	domain.EventCommissionRecord:  true,
}

// ProgressionEvaluator re-scores users against threshold rules.
type ProgressionEvaluator struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
}

// NewProgressionEvaluator creates a progression evaluator.
func NewProgressionEvaluator(repo store.Repository, publisher rabbitmq.Publisher) *ProgressionEvaluator {
	return &ProgressionEvaluator{repo: repo, publisher: publisher}
}

// HandleEvent evaluates one event. Non-trigger events and unresolved users
// are silent no-ops. The returned error is retryable.
func (e *ProgressionEvaluator) HandleEvent(ctx context.Context, evt domain.ActivityEvent) error {
	if !progressionTriggers[evt.EventName] {
		return nil
	}

	user, err := e.repo.FindEndUserByExternalID(ctx, evt.ProjectID, evt.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil
		}
		return fmt.Errorf("resolve end user: %w", err)
	}

	rules, err := e.repo.FindActiveProgressionRules(ctx, evt.ProjectID)
	if err != nil {
		return fmt.Errorf("load progression rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	stats, err := e.repo.ComputeUserStats(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("compute stats: %w", err)
	}

	best := bestMatch(rules, *stats)
	if best == nil {
		return nil
	}

	// Already on the highest qualifying tier: re-triggering changes nothing
	// and emits nothing. Lower satisfied rules must never win here, or a
	// re-trigger would demote the user.
	if user.PlanID != nil && *user.PlanID == best.TargetPlanID {
		return nil
	}

	plan, err := e.repo.FindPlanByID(ctx, best.TargetPlanID)
	if err != nil {
		// Partial advancement is never applied: without the target plan the
		// whole evaluation is dropped.
		log.Printf("level=error component=progression msg=\"target plan lookup failed; advancement aborted\" rule_id=%s plan_id=%s err=%v", best.ID, best.TargetPlanID, err)
		return nil
	}

	if err := e.repo.AssignPlan(ctx, user.ID, plan.ID); err != nil {
		return fmt.Errorf("assign plan: %w", err)
	}

	properties := stats.AsProperties()
	properties["previous_plan_id"] = planIDString(user.PlanID)
	properties["new_plan_id"] = plan.ID.String()
	properties["new_plan_name"] = plan.Name
	properties["rule_name"] = best.Name
	properties["trigger_metric"] = best.TriggerMetric
	properties["threshold_reached"] = best.Threshold

	envelope := domain.EventEnvelope{
		ProjectID:  evt.ProjectID,
		UserID:     evt.UserID,
		Event:      domain.EventUserLeveledUp,
		Properties: properties,
		Timestamp:  evt.Timestamp,
		ReceivedAt: time.Now().UTC(),
	}
	if err := e.publisher.PublishEnvelope(ctx, envelope); err != nil {
		log.Printf("level=error component=progression msg=\"level-up publish failed\" user_id=%s err=%v", user.ID, err)
	}

	log.Printf("level=info component=progression msg=\"user leveled up\" user_id=%s plan=%s rule=%q metric=%s", user.ID, plan.Name, best.Name, best.TriggerMetric)
	return nil
}

// bestMatch picks the satisfied rule with the strictly highest threshold,
// modeling "the highest tier the user currently qualifies for". The caller
// compares the winner against the current plan; filtering per-rule here
// would let a lower satisfied rule win for a user already at the top.
func bestMatch(rules []domain.ProgressionRule, stats domain.UserStats) *domain.ProgressionRule {
	var best *domain.ProgressionRule
	for i := range rules {
		rule := &rules[i]
		value, known := stats.Metric(rule.TriggerMetric)
		if !known || value < rule.Threshold {
			continue
		}
		if best == nil || rule.Threshold > best.Threshold {
			best = rule
		}
	}
	return best
}

func planIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
