package domain

import (
	"time"

	"github.com/google/uuid"
)

// Inbound and outbound event names. Inbound activity arrives on the
// activity.tracked routing key; everything the engine emits is listed below.
const (
	EventActivityTracked = "activity.tracked"

	EventStreakStarted     = "streak.started"
	EventStreakExtended    = "streak.extended"
	EventStreakFrozen      = "streak.frozen"
	EventStreakBroken      = "streak.broken"
	EventMilestoneReached  = "streak.milestone_reached"
	EventUserLeveledUp     = "user.leveled_up"
	EventUserSignup        = "user.signup"
	EventReferralCompleted = "referral.completed"
	EventCommissionRecord  = "commission.recorded"
)

// ActivityEvent is the upstream message the streak processor and progression
// evaluator both consume. UserID is the host application's external user id.
type ActivityEvent struct {
	ProjectID  uuid.UUID              `json:"project_id"`
	UserID     string                 `json:"user_id"`
	EventName  string                 `json:"event_name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventEnvelope is the shape of every event the engine publishes to the bus.
type EventEnvelope struct {
	ProjectID  uuid.UUID              `json:"project_id"`
	UserID     string                 `json:"user_id"`
	Event      string                 `json:"event"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  time.Time              `json:"timestamp"`
	ReceivedAt time.Time              `json:"received_at"`
}

// StreakActionEvent maps a streak action to its emitted event name. same_day
// produces no event.
func StreakActionEvent(action StreakAction) (string, bool) {
	switch action {
	case ActionStarted:
		return EventStreakStarted, true
	case ActionExtended:
		return EventStreakExtended, true
	case ActionFrozen:
		return EventStreakFrozen, true
	case ActionBroken:
		return EventStreakBroken, true
	default:
		return "", false
	}
}

// WebhookEventRedemptionSuccess is the fixed event name carried in every
// fulfillment webhook body. Redemptions never dispatch webhooks for any other
// transition.
const WebhookEventRedemptionSuccess = "redemption.success"

// WebhookPayload is the signed body POSTed to a reward's webhook on
// successful redemption. Metadata carries the caller-supplied redeem metadata
// through to the receiving system untouched.
type WebhookPayload struct {
	Event        string                 `json:"event"`
	RedemptionID uuid.UUID              `json:"redemption_id"`
	UserID       uuid.UUID              `json:"user_id"`
	RewardID     uuid.UUID              `json:"reward_id"`
	RewardSKU    string                 `json:"reward_sku"`
	RewardName   string                 `json:"reward_name"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
