/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * using the pgx driver. Conditional mutations (activity application, point
 * debits, stock decrements, milestone markers) run inside row-locked database
 * transactions so concurrent events for the same user resolve serially.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pooling.
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

// PostgresRepository implements the Repository interface against PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with the given connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindEndUserByExternalID looks up a user by the host application's id.
func (r *PostgresRepository) FindEndUserByExternalID(ctx context.Context, projectID uuid.UUID, externalID string) (*domain.EndUser, error) {
	query := `
		SELECT id, project_id, external_id, plan_id, points_balance, created_at
		FROM end_users
		WHERE project_id = $1 AND external_id = $2
	`
	var user domain.EndUser
	err := r.db.QueryRow(ctx, query, projectID, externalID).Scan(
		&user.ID, &user.ProjectID, &user.ExternalID, &user.PlanID, &user.PointsBalance, &user.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// FindOrCreateEndUser resolves a user, creating the profile row on first contact.
func (r *PostgresRepository) FindOrCreateEndUser(ctx context.Context, projectID uuid.UUID, externalID string) (*domain.EndUser, error) {
	query := `
		INSERT INTO end_users (id, project_id, external_id, points_balance, created_at)
		VALUES ($1, $2, $3, 0, NOW())
		ON CONFLICT (project_id, external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id, project_id, external_id, plan_id, points_balance, created_at
	`
	var user domain.EndUser
	err := r.db.QueryRow(ctx, query, uuid.New(), projectID, externalID).Scan(
		&user.ID, &user.ProjectID, &user.ExternalID, &user.PlanID, &user.PointsBalance, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("find or create end user: %w", err)
	}
	return &user, nil
}

// FindStreakRulesByEventType returns all active streak rules tracking the
// given event for a project.
func (r *PostgresRepository) FindStreakRulesByEventType(ctx context.Context, projectID uuid.UUID, eventName string) ([]domain.StreakRule, error) {
	query := `
		SELECT id, project_id, name, event_name, frequency, milestones,
		       default_freeze_count, timezone_offset_minutes, active, created_at, updated_at
		FROM streak_rules
		WHERE project_id = $1 AND event_name = $2 AND active = TRUE
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, projectID, eventName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.StreakRule
	for rows.Next() {
		var rule domain.StreakRule
		var milestonesJSON []byte
		err := rows.Scan(
			&rule.ID, &rule.ProjectID, &rule.Name, &rule.EventName, &rule.Frequency,
			&milestonesJSON, &rule.DefaultFreezeCount, &rule.TimezoneOffsetMinutes,
			&rule.Active, &rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if len(milestonesJSON) > 0 {
			if err := json.Unmarshal(milestonesJSON, &rule.Milestones); err != nil {
				return nil, fmt.Errorf("decode milestones for rule %s: %w", rule.ID, err)
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// FindOrCreateUserStreak returns the streak record for (user, rule), creating
// it lazily with the rule's default freeze allotment.
func (r *PostgresRepository) FindOrCreateUserStreak(ctx context.Context, userID uuid.UUID, rule *domain.StreakRule) (*domain.UserStreak, error) {
	query := `
		INSERT INTO user_streaks (
			id, user_id, streak_rule_id, current_count, max_count,
			freeze_inventory, last_milestone_day, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, 0, 0, $4, 0, 'inactive', NOW(), NOW())
		ON CONFLICT (user_id, streak_rule_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, streak_rule_id, current_count, max_count,
		          last_activity_date, freeze_inventory, last_frozen_date,
		          last_milestone_day, status, created_at, updated_at
	`
	var s domain.UserStreak
	err := r.db.QueryRow(ctx, query, uuid.New(), userID, rule.ID, rule.DefaultFreezeCount).Scan(
		&s.ID, &s.UserID, &s.StreakRuleID, &s.CurrentCount, &s.MaxCount,
		&s.LastActivityDate, &s.FreezeInventory, &s.LastFrozenDate,
		&s.LastMilestoneDay, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("find or create user streak: %w", err)
	}
	return &s, nil
}

// ApplyActivity applies one activity date to a streak atomically. The row is
// locked for the duration so concurrent events for the same (user, rule)
// serialize here rather than in the engine.
func (r *PostgresRepository) ApplyActivity(ctx context.Context, streakID uuid.UUID, activityDate time.Time) (*domain.ActivityResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var s domain.UserStreak
	query := `
		SELECT id, current_count, max_count, last_activity_date,
		       freeze_inventory, last_frozen_date, last_milestone_day, status
		FROM user_streaks
		WHERE id = $1
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, query, streakID).Scan(
		&s.ID, &s.CurrentCount, &s.MaxCount, &s.LastActivityDate,
		&s.FreezeInventory, &s.LastFrozenDate, &s.LastMilestoneDay, &s.Status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrStreakNotFound
		}
		return nil, err
	}

	res := domain.ResolveActivity(&s, activityDate)

	switch res.Action {
	case domain.ActionSameDay:
		return &res, tx.Commit(ctx)

	case domain.ActionStarted, domain.ActionExtended, domain.ActionBroken:
		update := `
			UPDATE user_streaks
			SET current_count = $1,
			    max_count = GREATEST(max_count, $1),
			    last_activity_date = $2,
			    status = 'active',
			    updated_at = NOW()
			WHERE id = $3
		`
		if _, err := tx.Exec(ctx, update, res.NewCount, activityDate, streakID); err != nil {
			return nil, err
		}

	case domain.ActionFrozen:
		// The freeze covers the first missed day after the last activity.
		missedDay := s.LastActivityDate.AddDate(0, 0, 1)
		update := `
			UPDATE user_streaks
			SET freeze_inventory = freeze_inventory - 1,
			    last_frozen_date = $1,
			    last_activity_date = $2,
			    status = 'frozen',
			    updated_at = NOW()
			WHERE id = $3 AND freeze_inventory > 0
		`
		tag, err := tx.Exec(ctx, update, missedDay, activityDate, streakID)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("freeze consumption raced for streak %s", streakID)
		}
	}

	return &res, tx.Commit(ctx)
}

// RecordStreakHistory appends one row per non-same_day action.
func (r *PostgresRepository) RecordStreakHistory(ctx context.Context, streakID uuid.UUID, action domain.StreakAction, count int, activityDate time.Time) error {
	query := `
		INSERT INTO streak_history (id, user_streak_id, action, count, activity_date, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	_, err := r.db.Exec(ctx, query, uuid.New(), streakID, action, count, activityDate)
	return err
}

// AdvanceMilestoneMarker moves the milestone marker forward. The guard keeps
// last_milestone_day monotonic under concurrent processing.
func (r *PostgresRepository) AdvanceMilestoneMarker(ctx context.Context, streakID uuid.UUID, milestoneDay int) error {
	query := `
		UPDATE user_streaks
		SET last_milestone_day = $1, updated_at = NOW()
		WHERE id = $2 AND last_milestone_day < $1
	`
	_, err := r.db.Exec(ctx, query, milestoneDay, streakID)
	return err
}

// MarkStreaksAtRisk flags active streaks whose last activity was exactly one
// rule-local day ago. Frozen and inactive streaks are left alone.
func (r *PostgresRepository) MarkStreaksAtRisk(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE user_streaks us
		SET status = 'at_risk', updated_at = NOW()
		FROM streak_rules sr
		WHERE us.streak_rule_id = sr.id
		  AND us.status = 'active'
		  AND us.current_count > 0
		  AND us.last_activity_date = (($1::timestamptz + (sr.timezone_offset_minutes * INTERVAL '1 minute'))::date - 1)
	`
	tag, err := r.db.Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreditPoints credits a user's balance and writes the matching ledger entry
// in one transaction.
func (r *PostgresRepository) CreditPoints(ctx context.Context, userID uuid.UUID, points int64, reason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE end_users SET points_balance = points_balance + $1 WHERE id = $2`, points, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, points, status, reason, created_at)
		VALUES ($1, $2, $3, 'earned', $4, NOW())
	`, uuid.New(), userID, points, reason)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindActiveProgressionRules returns all active progression rules for a project.
func (r *PostgresRepository) FindActiveProgressionRules(ctx context.Context, projectID uuid.UUID) ([]domain.ProgressionRule, error) {
	query := `
		SELECT id, project_id, name, trigger_metric, threshold, target_plan_id, active
		FROM progression_rules
		WHERE project_id = $1 AND active = TRUE
	`
	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.ProgressionRule
	for rows.Next() {
		var rule domain.ProgressionRule
		err := rows.Scan(&rule.ID, &rule.ProjectID, &rule.Name, &rule.TriggerMetric,
			&rule.Threshold, &rule.TargetPlanID, &rule.Active)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ComputeUserStats derives the lifetime aggregate snapshot fresh from the
// referral and ledger tables. Intentionally stateless to avoid drift.
func (r *PostgresRepository) ComputeUserStats(ctx context.Context, userID uuid.UUID) (*domain.UserStats, error) {
	var stats domain.UserStats

	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1`, userID).Scan(&stats.ReferralCount)
	if err != nil {
		return nil, fmt.Errorf("count referrals: %w", err)
	}

	query := `
		SELECT
			COALESCE(SUM(points) FILTER (WHERE status = 'earned'), 0),
			COALESCE(SUM(points) FILTER (WHERE status = 'paid'), 0),
			COALESCE(SUM(points) FILTER (WHERE status = 'pending'), 0),
			COUNT(*)
		FROM ledger_entries
		WHERE user_id = $1
	`
	err = r.db.QueryRow(ctx, query, userID).Scan(
		&stats.TotalEarned, &stats.TotalPaid, &stats.TotalPending, &stats.LedgerEntries)
	if err != nil {
		return nil, fmt.Errorf("aggregate ledger: %w", err)
	}

	return &stats, nil
}

// FindPlanByID looks up a plan by id.
func (r *PostgresRepository) FindPlanByID(ctx context.Context, planID uuid.UUID) (*domain.Plan, error) {
	var plan domain.Plan
	err := r.db.QueryRow(ctx, `SELECT id, name FROM plans WHERE id = $1`, planID).Scan(&plan.ID, &plan.Name)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

// AssignPlan sets the user's plan. This is the only profile mutation the
// engine performs.
func (r *PostgresRepository) AssignPlan(ctx context.Context, userID uuid.UUID, planID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE end_users SET plan_id = $1 WHERE id = $2`, planID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// FindRewardItemByID loads a reward catalog entry with its fulfillment config.
func (r *PostgresRepository) FindRewardItemByID(ctx context.Context, rewardID uuid.UUID) (*domain.RewardItem, error) {
	query := `
		SELECT id, project_id, sku, name, cost_points, stock_quantity,
		       required_badge_id, fulfillment_type, fulfillment_config, active
		FROM reward_items
		WHERE id = $1
	`
	var item domain.RewardItem
	var configJSON []byte
	err := r.db.QueryRow(ctx, query, rewardID).Scan(
		&item.ID, &item.ProjectID, &item.SKU, &item.Name, &item.CostPoints,
		&item.StockQuantity, &item.RequiredBadgeID, &item.FulfillmentType,
		&configJSON, &item.Active)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &item.Fulfillment); err != nil {
			return nil, fmt.Errorf("decode fulfillment config for reward %s: %w", item.ID, err)
		}
	}
	return &item, nil
}

// AtomicRedeem debits the user's points, decrements finite stock, and creates
// the PROCESSING transaction as one unit. No transaction row exists without
// its debit and no debit is applied without its row.
func (r *PostgresRepository) AtomicRedeem(ctx context.Context, params AtomicRedeemParams) (*AtomicRedeemResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin redemption: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the profile row and validate the balance under the lock.
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT points_balance FROM end_users WHERE id = $1 FOR UPDATE`, params.UserID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if balance < params.CostPoints {
		return nil, ErrInsufficientPoints
	}

	_, err = tx.Exec(ctx,
		`UPDATE end_users SET points_balance = points_balance - $1 WHERE id = $2`,
		params.CostPoints, params.UserID)
	if err != nil {
		return nil, err
	}

	if params.FiniteStock {
		tag, err := tx.Exec(ctx,
			`UPDATE reward_items SET stock_quantity = stock_quantity - 1 WHERE id = $1 AND stock_quantity > 0`,
			params.RewardItemID)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrOutOfStock
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, points, status, reason, created_at)
		VALUES ($1, $2, $3, 'paid', $4, NOW())
	`, uuid.New(), params.UserID, -params.CostPoints, "redemption: "+params.RewardSKU)
	if err != nil {
		return nil, err
	}

	var metadataJSON []byte
	if len(params.Metadata) > 0 {
		metadataJSON, err = json.Marshal(params.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal redemption metadata: %w", err)
		}
	}

	record := &domain.RedemptionTransaction{
		ID:           uuid.New(),
		ProjectID:    params.ProjectID,
		UserID:       params.UserID,
		RewardItemID: params.RewardItemID,
		RewardSKU:    params.RewardSKU,
		RewardName:   params.RewardName,
		CostAtTime:   params.CostPoints,
		Status:       domain.RedemptionProcessing,
		Metadata:     params.Metadata,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO redemption_transactions (
			id, project_id, user_id, reward_item_id, reward_sku, reward_name,
			cost_at_time, status, metadata, webhook_retry_count, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PROCESSING', $8, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`, record.ID, record.ProjectID, record.UserID, record.RewardItemID,
		record.RewardSKU, record.RewardName, record.CostAtTime, metadataJSON).Scan(&record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create redemption transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &AtomicRedeemResult{Transaction: record, NewBalance: balance - params.CostPoints}, nil
}

// FindRedemptionByID loads one redemption transaction.
func (r *PostgresRepository) FindRedemptionByID(ctx context.Context, txID uuid.UUID) (*domain.RedemptionTransaction, error) {
	query := `
		SELECT id, project_id, user_id, reward_item_id, reward_sku, reward_name,
		       cost_at_time, status, fulfillment_payload, metadata, webhook_retry_count,
		       error_message, delivered_at, created_at, updated_at
		FROM redemption_transactions
		WHERE id = $1
	`
	var t domain.RedemptionTransaction
	var metadataJSON []byte
	err := r.db.QueryRow(ctx, query, txID).Scan(
		&t.ID, &t.ProjectID, &t.UserID, &t.RewardItemID, &t.RewardSKU, &t.RewardName,
		&t.CostAtTime, &t.Status, &t.FulfillmentPayload, &metadataJSON, &t.WebhookRetryCount,
		&t.ErrorMessage, &t.DeliveredAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode redemption metadata: %w", err)
		}
	}
	return &t, nil
}

// MarkCompleted transitions a transaction to COMPLETED. A transaction that is
// already COMPLETED is terminal and stays untouched; FAILED may be corrected.
func (r *PostgresRepository) MarkCompleted(ctx context.Context, txID uuid.UUID, payload string, deliveredAt time.Time) error {
	query := `
		UPDATE redemption_transactions
		SET status = 'COMPLETED', fulfillment_payload = $1, delivered_at = $2,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $3 AND status <> 'COMPLETED'
	`
	tag, err := r.db.Exec(ctx, query, payload, deliveredAt, txID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.terminalTransitionError(ctx, txID)
	}
	return nil
}

// MarkFailed transitions a transaction to FAILED with a human-readable
// message. A COMPLETED transaction may not be failed.
func (r *PostgresRepository) MarkFailed(ctx context.Context, txID uuid.UUID, message string) error {
	query := `
		UPDATE redemption_transactions
		SET status = 'FAILED', error_message = $1, updated_at = NOW()
		WHERE id = $2 AND status <> 'COMPLETED'
	`
	tag, err := r.db.Exec(ctx, query, message, txID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.terminalTransitionError(ctx, txID)
	}
	return nil
}

func (r *PostgresRepository) terminalTransitionError(ctx context.Context, txID uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM redemption_transactions WHERE id = $1)`, txID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransactionNotFound
	}
	return ErrAlreadyCompleted
}

// IncrementWebhookRetry bumps the persisted retry counter and returns the new
// value. Persisting the counter lets retries survive process restarts.
func (r *PostgresRepository) IncrementWebhookRetry(ctx context.Context, txID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		UPDATE redemption_transactions
		SET webhook_retry_count = webhook_retry_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING webhook_retry_count
	`, txID).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrTransactionNotFound
		}
		return 0, err
	}
	return count, nil
}

// FindStaleProcessingWebhookRedemptions returns webhook-type transactions
// stuck in PROCESSING since before the cutoff, for the redrive sweep.
func (r *PostgresRepository) FindStaleProcessingWebhookRedemptions(ctx context.Context, olderThan time.Time) ([]domain.RedemptionTransaction, error) {
	query := `
		SELECT t.id, t.project_id, t.user_id, t.reward_item_id, t.reward_sku, t.reward_name,
		       t.cost_at_time, t.status, t.fulfillment_payload, t.metadata, t.webhook_retry_count,
		       t.error_message, t.delivered_at, t.created_at, t.updated_at
		FROM redemption_transactions t
		JOIN reward_items ri ON ri.id = t.reward_item_id
		WHERE t.status = 'PROCESSING'
		  AND ri.fulfillment_type = 'WEBHOOK'
		  AND t.updated_at < $1
		ORDER BY t.updated_at
	`
	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RedemptionTransaction
	for rows.Next() {
		var t domain.RedemptionTransaction
		var metadataJSON []byte
		err := rows.Scan(
			&t.ID, &t.ProjectID, &t.UserID, &t.RewardItemID, &t.RewardSKU, &t.RewardName,
			&t.CostAtTime, &t.Status, &t.FulfillmentPayload, &metadataJSON, &t.WebhookRetryCount,
			&t.ErrorMessage, &t.DeliveredAt, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode redemption metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
