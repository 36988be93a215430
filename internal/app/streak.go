/**
 * @description
 * This file contains the streak processor: the engine that evaluates day-by-day
 * activity continuity per (user, rule), applies freeze/break mechanics, and
 * detects milestone crossings. It consumes one activity event at a time and
 * delegates all counter mutations to atomic repository calls.
 *
 * Failure semantics: an error on one matching rule aborts processing for that
 * rule only; the other rules for the same event still run. A failed milestone
 * point credit blocks only the milestone marker advance, never the activity
 * update that already committed.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/rabbitmq: Event bus publisher.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stellarloyalty/loyalty-service/internal/domain"
	"github.com/stellarloyalty/loyalty-service/internal/store"
	"github.com/stellarloyalty/loyalty-service/pkg/rabbitmq"
)

// StreakProcessor evaluates activity events against streak rules.
type StreakProcessor struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	cache     *ruleCache
}

// NewStreakProcessor creates a streak processor. cacheTTL bounds how stale the
// per-instance rule lookup cache may be.
func NewStreakProcessor(repo store.Repository, publisher rabbitmq.Publisher, cacheTTL time.Duration) *StreakProcessor {
	return &StreakProcessor{
		repo:      repo,
		publisher: publisher,
		cache:     newRuleCache(cacheTTL),
	}
}

// matchingRules returns the active streak rules for the event, via the cache.
func (p *StreakProcessor) matchingRules(ctx context.Context, evt domain.ActivityEvent) ([]domain.StreakRule, error) {
	if rules, ok := p.cache.get(evt.ProjectID, evt.EventName); ok {
		return rules, nil
	}
	rules, err := p.repo.FindStreakRulesByEventType(ctx, evt.ProjectID, evt.EventName)
	if err != nil {
		return nil, err
	}
	p.cache.put(evt.ProjectID, evt.EventName, rules)
	return rules, nil
}

// HandleActivity processes one activity event against every matching rule.
// The returned error is retryable: the caller may requeue the event.
func (p *StreakProcessor) HandleActivity(ctx context.Context, evt domain.ActivityEvent) error {
	rules, err := p.matchingRules(ctx, evt)
	if err != nil {
		return fmt.Errorf("match streak rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	user, err := p.repo.FindOrCreateEndUser(ctx, evt.ProjectID, evt.UserID)
	if err != nil {
		return fmt.Errorf("resolve end user: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		if rule.Frequency == domain.FrequencyWeekly {
			log.Printf("level=warn component=streak_processor msg=\"weekly frequency not implemented; skipping rule\" rule_id=%s rule_name=%q", rule.ID, rule.Name)
			continue
		}
		if err := p.processRule(ctx, user, rule, evt); err != nil {
			log.Printf("level=error component=streak_processor msg=\"rule processing failed\" rule_id=%s user_id=%s err=%v", rule.ID, user.ID, err)
		}
	}

	return nil
}

// HasMatchingRules is the cheap pre-check used before committing to handle an
// event. The lookup is served from the TTL cache when fresh.
func (p *StreakProcessor) HasMatchingRules(ctx context.Context, evt domain.ActivityEvent) (bool, error) {
	rules, err := p.matchingRules(ctx, evt)
	if err != nil {
		return false, err
	}
	return len(rules) > 0, nil
}

func (p *StreakProcessor) processRule(ctx context.Context, user *domain.EndUser, rule *domain.StreakRule, evt domain.ActivityEvent) error {
	streak, err := p.repo.FindOrCreateUserStreak(ctx, user.ID, rule)
	if err != nil {
		return fmt.Errorf("load streak: %w", err)
	}

	activityDate := domain.ActivityDate(evt.Timestamp, rule.TimezoneOffsetMinutes)
	result, err := p.repo.ApplyActivity(ctx, streak.ID, activityDate)
	if err != nil {
		return fmt.Errorf("apply activity: %w", err)
	}

	if result.Action == domain.ActionSameDay {
		return nil
	}

	if err := p.repo.RecordStreakHistory(ctx, streak.ID, result.Action, result.NewCount, activityDate); err != nil {
		log.Printf("level=error component=streak_processor msg=\"history record failed\" streak_id=%s err=%v", streak.ID, err)
	}

	if result.Action == domain.ActionStarted || result.Action == domain.ActionExtended {
		p.processMilestone(ctx, user, rule, streak, result, evt)
	}

	p.emitActionEvent(ctx, rule, result, evt)
	return nil
}

// processMilestone awards the lowest uncrossed milestone, if any. The point
// credit runs first: a failed credit leaves the marker untouched so a later
// activity can retry the award.
func (p *StreakProcessor) processMilestone(ctx context.Context, user *domain.EndUser, rule *domain.StreakRule, streak *domain.UserStreak, result *domain.ActivityResult, evt domain.ActivityEvent) {
	milestone := rule.NextMilestone(streak.LastMilestoneDay, result.NewCount)
	if milestone == nil {
		return
	}

	if milestone.RewardPoints > 0 {
		reason := fmt.Sprintf("streak milestone day %d (%s)", milestone.Day, rule.Name)
		if err := p.repo.CreditPoints(ctx, user.ID, milestone.RewardPoints, reason); err != nil {
			log.Printf("level=error component=streak_processor msg=\"milestone credit failed; marker not advanced\" streak_id=%s milestone_day=%d err=%v", streak.ID, milestone.Day, err)
			return
		}
	}

	if err := p.repo.AdvanceMilestoneMarker(ctx, streak.ID, milestone.Day); err != nil {
		log.Printf("level=error component=streak_processor msg=\"milestone marker advance failed\" streak_id=%s milestone_day=%d err=%v", streak.ID, milestone.Day, err)
		return
	}
	activityDate := domain.ActivityDate(evt.Timestamp, rule.TimezoneOffsetMinutes)
	if err := p.repo.RecordStreakHistory(ctx, streak.ID, "milestone", milestone.Day, activityDate); err != nil {
		log.Printf("level=error component=streak_processor msg=\"milestone history record failed\" streak_id=%s err=%v", streak.ID, err)
	}

	properties := map[string]interface{}{
		"streak_rule_id":   rule.ID.String(),
		"streak_rule_name": rule.Name,
		"milestone_day":    milestone.Day,
		"current_streak":   result.NewCount,
		"reward_points":    milestone.RewardPoints,
	}
	if milestone.BadgeID != nil {
		properties["badge_id"] = milestone.BadgeID.String()
	}
	p.publish(ctx, evt, domain.EventMilestoneReached, properties)
}

func (p *StreakProcessor) emitActionEvent(ctx context.Context, rule *domain.StreakRule, result *domain.ActivityResult, evt domain.ActivityEvent) {
	eventName, ok := domain.StreakActionEvent(result.Action)
	if !ok {
		return
	}
	p.publish(ctx, evt, eventName, map[string]interface{}{
		"streak_rule_id":   rule.ID.String(),
		"streak_rule_name": rule.Name,
		"previous_count":   result.PreviousCount,
		"current_count":    result.NewCount,
		"action":           string(result.Action),
		"freeze_used":      result.FreezeUsed,
	})
}

func (p *StreakProcessor) publish(ctx context.Context, evt domain.ActivityEvent, eventName string, properties map[string]interface{}) {
	envelope := domain.EventEnvelope{
		ProjectID:  evt.ProjectID,
		UserID:     evt.UserID,
		Event:      eventName,
		Properties: properties,
		Timestamp:  evt.Timestamp,
		ReceivedAt: time.Now().UTC(),
	}
	if err := p.publisher.PublishEnvelope(ctx, envelope); err != nil {
		log.Printf("level=error component=streak_processor msg=\"event publish failed\" event=%s err=%v", eventName, err)
	}
}
