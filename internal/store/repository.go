/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the loyalty-service rules engine. The engine
 * never reads-then-writes counters across two round trips; every mutation whose
 * correctness depends on avoiding races is a single method here and a single
 * database transaction in the implementation.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrStreakNotFound      = errors.New("streak not found")
	ErrRuleNotFound        = errors.New("rule not found")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrRewardNotFound      = errors.New("reward item not found")
	ErrTransactionNotFound = errors.New("redemption transaction not found")
	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrOutOfStock          = errors.New("reward is out of stock")
	ErrAlreadyCompleted    = errors.New("redemption transaction already completed")
)

// AtomicRedeemParams carries everything the store needs to perform the
// debit + stock decrement + transaction insert as one unit.
type AtomicRedeemParams struct {
	ProjectID    uuid.UUID
	UserID       uuid.UUID
	RewardItemID uuid.UUID
	RewardSKU    string
	RewardName   string
	CostPoints   int64
	FiniteStock  bool
	Metadata     map[string]interface{}
}

// AtomicRedeemResult is returned when the atomic redemption commits.
type AtomicRedeemResult struct {
	Transaction *domain.RedemptionTransaction
	NewBalance  int64
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// End-user resolution
	FindEndUserByExternalID(ctx context.Context, projectID uuid.UUID, externalID string) (*domain.EndUser, error)
	FindOrCreateEndUser(ctx context.Context, projectID uuid.UUID, externalID string) (*domain.EndUser, error)

	// Streak rules and progress
	FindStreakRulesByEventType(ctx context.Context, projectID uuid.UUID, eventName string) ([]domain.StreakRule, error)
	FindOrCreateUserStreak(ctx context.Context, userID uuid.UUID, rule *domain.StreakRule) (*domain.UserStreak, error)
	// ApplyActivity resolves and persists one activity date against a streak
	// inside a row-locked transaction. Safe against concurrent activity for
	// the same user/rule.
	ApplyActivity(ctx context.Context, streakID uuid.UUID, activityDate time.Time) (*domain.ActivityResult, error)
	RecordStreakHistory(ctx context.Context, streakID uuid.UUID, action domain.StreakAction, count int, activityDate time.Time) error
	// AdvanceMilestoneMarker moves last_milestone_day forward, never backward.
	AdvanceMilestoneMarker(ctx context.Context, streakID uuid.UUID, milestoneDay int) error
	MarkStreaksAtRisk(ctx context.Context, now time.Time) (int64, error)

	// Points ledger
	CreditPoints(ctx context.Context, userID uuid.UUID, points int64, reason string) error

	// Progression
	FindActiveProgressionRules(ctx context.Context, projectID uuid.UUID) ([]domain.ProgressionRule, error)
	ComputeUserStats(ctx context.Context, userID uuid.UUID) (*domain.UserStats, error)
	FindPlanByID(ctx context.Context, planID uuid.UUID) (*domain.Plan, error)
	AssignPlan(ctx context.Context, userID uuid.UUID, planID uuid.UUID) error

	// Redemption
	FindRewardItemByID(ctx context.Context, rewardID uuid.UUID) (*domain.RewardItem, error)
	AtomicRedeem(ctx context.Context, params AtomicRedeemParams) (*AtomicRedeemResult, error)
	FindRedemptionByID(ctx context.Context, txID uuid.UUID) (*domain.RedemptionTransaction, error)
	MarkCompleted(ctx context.Context, txID uuid.UUID, payload string, deliveredAt time.Time) error
	MarkFailed(ctx context.Context, txID uuid.UUID, message string) error
	IncrementWebhookRetry(ctx context.Context, txID uuid.UUID) (int, error)
	FindStaleProcessingWebhookRedemptions(ctx context.Context, olderThan time.Time) ([]domain.RedemptionTransaction, error)
}
