/**
 * @description
 * This file defines the core domain models for the loyalty-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Point amounts are stored as `int64` so balances and costs never go through
 *   floating point.
 * - Status and type fields use closed string-typed constant sets; every switch
 *   over them handles all members.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// StreakFrequency is the cadence a streak rule tracks.
type StreakFrequency string

const (
	FrequencyDaily  StreakFrequency = "daily"
	FrequencyWeekly StreakFrequency = "weekly" // modeled but not yet processed
)

// StreakAction is the outcome of applying one activity event to a streak.
type StreakAction string

const (
	ActionSameDay  StreakAction = "same_day"
	ActionStarted  StreakAction = "started"
	ActionExtended StreakAction = "extended"
	ActionFrozen   StreakAction = "frozen"
	ActionBroken   StreakAction = "broken"
)

// StreakStatus is the lifecycle state of a user streak.
type StreakStatus string

const (
	StreakInactive StreakStatus = "inactive"
	StreakActive   StreakStatus = "active"
	StreakAtRisk   StreakStatus = "at_risk"
	StreakFrozen   StreakStatus = "frozen"
)

// FulfillmentType selects how a redeemed reward is delivered.
type FulfillmentType string

const (
	FulfillWebhook   FulfillmentType = "WEBHOOK"
	FulfillPromoCode FulfillmentType = "PROMO_CODE"
	FulfillManual    FulfillmentType = "MANUAL"
)

// RedemptionStatus is the lifecycle state of a redemption transaction.
// COMPLETED is terminal; FAILED may still be corrected by completing it.
type RedemptionStatus string

const (
	RedemptionProcessing RedemptionStatus = "PROCESSING"
	RedemptionCompleted  RedemptionStatus = "COMPLETED"
	RedemptionFailed     RedemptionStatus = "FAILED"
)

// Milestone is a configured day threshold on a streak rule that grants a
// one-time reward when first reached.
type Milestone struct {
	Day          int        `json:"day"`
	RewardPoints int64      `json:"reward_points"`
	BadgeID      *uuid.UUID `json:"badge_id,omitempty"`
}

// StreakRule is a project-scoped definition of which event extends a streak
// and what milestones it carries. Milestones are kept sorted by day.
type StreakRule struct {
	ID                    uuid.UUID       `json:"id"`
	ProjectID             uuid.UUID       `json:"project_id"`
	Name                  string          `json:"name"`
	EventName             string          `json:"event_name"`
	Frequency             StreakFrequency `json:"frequency"`
	Milestones            []Milestone     `json:"milestones"`
	DefaultFreezeCount    int             `json:"default_freeze_count"`
	TimezoneOffsetMinutes int             `json:"timezone_offset_minutes"`
	Active                bool            `json:"active"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// NextMilestone returns the lowest-day milestone with day > lastMilestoneDay
// and day <= count, or nil when no new milestone has been crossed.
func (r *StreakRule) NextMilestone(lastMilestoneDay, count int) *Milestone {
	var best *Milestone
	for i := range r.Milestones {
		m := &r.Milestones[i]
		if m.Day <= lastMilestoneDay || m.Day > count {
			continue
		}
		if best == nil || m.Day < best.Day {
			best = m
		}
	}
	return best
}

// UserStreak is the mutable per-(user, rule) continuity record. Created lazily
// on first matching activity; never hard-deleted.
type UserStreak struct {
	ID               uuid.UUID    `json:"id"`
	UserID           uuid.UUID    `json:"user_id"`
	StreakRuleID     uuid.UUID    `json:"streak_rule_id"`
	CurrentCount     int          `json:"current_count"`
	MaxCount         int          `json:"max_count"`
	LastActivityDate *time.Time   `json:"last_activity_date,omitempty"`
	FreezeInventory  int          `json:"freeze_inventory"`
	LastFrozenDate   *time.Time   `json:"last_frozen_date,omitempty"`
	LastMilestoneDay int          `json:"last_milestone_day"`
	Status           StreakStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// ActivityResult is the outcome of atomically applying one activity date to a
// streak at the data layer.
type ActivityResult struct {
	PreviousCount    int          `json:"previous_count"`
	NewCount         int          `json:"new_count"`
	Action           StreakAction `json:"action"`
	FreezeUsed       bool         `json:"freeze_used"`
	MaxStreakUpdated bool         `json:"max_streak_updated"`
}

// ActivityDate shifts a timestamp by a rule's timezone offset and truncates it
// to a calendar day. The result is the unit of streak continuity.
func ActivityDate(ts time.Time, offsetMinutes int) time.Time {
	shifted := ts.UTC().Add(time.Duration(offsetMinutes) * time.Minute)
	return time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
}

// ResolveActivity decides how an activity date changes a streak. It is pure so
// the continuity rules can be tested without a database; the repository runs it
// inside the row-locked transaction that persists the outcome.
func ResolveActivity(s *UserStreak, activityDate time.Time) ActivityResult {
	res := ActivityResult{PreviousCount: s.CurrentCount}

	if s.LastActivityDate == nil {
		res.Action = ActionStarted
		res.NewCount = 1
		res.MaxStreakUpdated = s.MaxCount < 1
		return res
	}

	last := *s.LastActivityDate
	gapDays := int(activityDate.Sub(last).Hours() / 24)

	switch {
	case gapDays <= 0:
		res.Action = ActionSameDay
		res.NewCount = s.CurrentCount

	case gapDays == 1:
		if s.CurrentCount == 0 {
			res.Action = ActionStarted
		} else {
			res.Action = ActionExtended
		}
		res.NewCount = s.CurrentCount + 1
		res.MaxStreakUpdated = res.NewCount > s.MaxCount

	default:
		// Missed at least one day. A freeze preserves the count without
		// incrementing it; one token covers one missed day at most once.
		missedDay := last.AddDate(0, 0, 1)
		freezeAvailable := s.FreezeInventory > 0 &&
			(s.LastFrozenDate == nil || !s.LastFrozenDate.Equal(missedDay))
		if freezeAvailable {
			res.Action = ActionFrozen
			res.FreezeUsed = true
			res.NewCount = s.CurrentCount
		} else {
			res.Action = ActionBroken
			res.NewCount = 1
		}
	}

	return res
}

// ProgressionRule is a project-scoped, stateless threshold rule evaluated
// fresh against live stats.
type ProgressionRule struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Name          string    `json:"name"`
	TriggerMetric string    `json:"trigger_metric"`
	Threshold     int64     `json:"threshold"`
	TargetPlanID  uuid.UUID `json:"target_plan_id"`
	Active        bool      `json:"active"`
}

// Plan is a commission/reward tier a user can be assigned to.
type Plan struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// UserStats is the snapshot of lifetime aggregates the progression evaluator
// scores rules against. It is always derived fresh from source-of-truth
// ledgers, never incrementally maintained.
type UserStats struct {
	ReferralCount int64 `json:"referral_count"`
	TotalEarned   int64 `json:"total_earned"`
	TotalPaid     int64 `json:"total_paid"`
	TotalPending  int64 `json:"total_pending"`
	LedgerEntries int64 `json:"ledger_entries"`
}

// Metric returns the named stat and whether the metric is known.
func (s UserStats) Metric(name string) (int64, bool) {
	switch name {
	case "referral_count":
		return s.ReferralCount, true
	case "total_earned", "total_earnings":
		return s.TotalEarned, true
	case "total_paid":
		return s.TotalPaid, true
	case "total_pending":
		return s.TotalPending, true
	case "ledger_entries":
		return s.LedgerEntries, true
	default:
		return 0, false
	}
}

// AsProperties flattens the snapshot into event properties.
func (s UserStats) AsProperties() map[string]interface{} {
	return map[string]interface{}{
		"referral_count": s.ReferralCount,
		"total_earned":   s.TotalEarned,
		"total_paid":     s.TotalPaid,
		"total_pending":  s.TotalPending,
		"ledger_entries": s.LedgerEntries,
	}
}

// EndUser is the host application's user as this engine sees it. The plan id
// is owned by the profile; the progression evaluator is the only writer here.
type EndUser struct {
	ID            uuid.UUID  `json:"id"`
	ProjectID     uuid.UUID  `json:"project_id"`
	ExternalID    string     `json:"external_id"`
	PlanID        *uuid.UUID `json:"plan_id,omitempty"`
	PointsBalance int64      `json:"points_balance"`
	CreatedAt     time.Time  `json:"created_at"`
}

// FulfillmentConfig carries the type-specific delivery settings of a reward
// item. Only the fields for the item's fulfillment type are populated.
type FulfillmentConfig struct {
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookSecret  string            `json:"webhook_secret,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	PromoCodes     []string          `json:"promo_codes,omitempty"`
	ManualNote     string            `json:"manual_note,omitempty"`
}

// RewardItem is a catalog entry users can redeem points against.
type RewardItem struct {
	ID              uuid.UUID         `json:"id"`
	ProjectID       uuid.UUID         `json:"project_id"`
	SKU             string            `json:"sku"`
	Name            string            `json:"name"`
	CostPoints      int64             `json:"cost_points"`
	StockQuantity   *int              `json:"stock_quantity,omitempty"` // nil = unlimited
	RequiredBadgeID *string           `json:"required_badge_id,omitempty"`
	FulfillmentType FulfillmentType   `json:"fulfillment_type"`
	Fulfillment     FulfillmentConfig `json:"fulfillment"`
	Active          bool              `json:"active"`
}

// Availability reasons surfaced to the caller when a redeem request is
// rejected without mutating state.
const (
	UnavailableInactive           = "inactive"
	UnavailableOutOfStock         = "out_of_stock"
	UnavailableInsufficientPoints = "insufficient_points"
	UnavailableMissingBadge       = "missing_badge"
)

// Availability runs the redeem pre-checks in order; the first failing check
// wins. A nil result means the item is redeemable for this caller.
func (i *RewardItem) Availability(balance int64, badges []string) *AvailabilityError {
	if !i.Active {
		return &AvailabilityError{Reason: UnavailableInactive, Message: "reward is not active"}
	}
	if i.StockQuantity != nil && *i.StockQuantity <= 0 {
		return &AvailabilityError{Reason: UnavailableOutOfStock, Message: "reward is out of stock"}
	}
	if balance < i.CostPoints {
		return &AvailabilityError{
			Reason:       UnavailableInsufficientPoints,
			Message:      "insufficient points",
			PointsNeeded: i.CostPoints - balance,
		}
	}
	if i.RequiredBadgeID != nil {
		found := false
		for _, b := range badges {
			if b == *i.RequiredBadgeID {
				found = true
				break
			}
		}
		if !found {
			return &AvailabilityError{Reason: UnavailableMissingBadge, Message: "required badge not earned"}
		}
	}
	return nil
}

// AvailabilityError explains why a reward cannot be redeemed right now.
type AvailabilityError struct {
	Reason       string `json:"reason"`
	Message      string `json:"message"`
	PointsNeeded int64  `json:"points_needed,omitempty"`
}

func (e *AvailabilityError) Error() string {
	return e.Reason + ": " + e.Message
}

// RedemptionTransaction records one redeem attempt. Its creation and the
// point debit are a single atomic unit at the data layer; its status is the
// sole source of truth for whether the user received value.
type RedemptionTransaction struct {
	ID                 uuid.UUID              `json:"id"`
	ProjectID          uuid.UUID              `json:"project_id"`
	UserID             uuid.UUID              `json:"user_id"`
	RewardItemID       uuid.UUID              `json:"reward_item_id"`
	RewardSKU          string                 `json:"reward_sku"`
	RewardName         string                 `json:"reward_name"`
	CostAtTime         int64                  `json:"cost_at_time"`
	Status             RedemptionStatus       `json:"status"`
	FulfillmentPayload *string                `json:"fulfillment_payload,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	WebhookRetryCount  int                    `json:"webhook_retry_count"`
	ErrorMessage       *string                `json:"error_message,omitempty"`
	DeliveredAt        *time.Time             `json:"delivered_at,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}
