/**
 * @description
 * Scheduled job implementations for the loyalty-service: the nightly at-risk
 * streak sweep and the webhook redrive that re-attempts stale PROCESSING
 * redemptions.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/stellarloyalty/loyalty-service/internal/store"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo        store.Repository
	redemptions *RedemptionService
	logger      *slog.Logger
	staleAfter  time.Duration
}

// NewJobs creates a new Jobs runner. staleAfter is how long a webhook
// redemption may sit in PROCESSING before the redrive picks it up.
func NewJobs(repo store.Repository, redemptions *RedemptionService, logger *slog.Logger, staleAfter time.Duration) *Jobs {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	return &Jobs{
		repo:        repo,
		redemptions: redemptions,
		logger:      logger,
		staleAfter:  staleAfter,
	}
}

// SweepAtRiskStreaks flags active streaks whose last activity was exactly one
// rule-local day ago.
func (j *Jobs) SweepAtRiskStreaks() {
	j.logger.Info("starting at-risk streak sweep")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	flagged, err := j.repo.MarkStreaksAtRisk(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Error("at-risk streak sweep failed", "error", err)
		return
	}

	j.logger.Info("at-risk streak sweep finished", "flagged", flagged)
}

// RedriveStaleWebhooks re-runs fulfillment for webhook redemptions stuck in
// PROCESSING. Each attempt goes through the normal retry accounting, so a
// transaction that keeps failing still converges to FAILED.
func (j *Jobs) RedriveStaleWebhooks() {
	j.logger.Info("starting webhook redrive job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stale, err := j.repo.FindStaleProcessingWebhookRedemptions(ctx, time.Now().UTC().Add(-j.staleAfter))
	if err != nil {
		j.logger.Error("failed to load stale webhook redemptions", "error", err)
		return
	}

	if len(stale) == 0 {
		j.logger.Info("no stale webhook redemptions to redrive")
		return
	}

	j.logger.Info("found stale webhook redemptions", "count", len(stale))

	for i := range stale {
		tx := &stale[i]

		item, err := j.repo.FindRewardItemByID(ctx, tx.RewardItemID)
		if err != nil {
			j.logger.Error("failed to load reward for redrive", "tx_id", tx.ID, "reward_id", tx.RewardItemID, "error", err)
			continue
		}

		j.logger.Info("redriving webhook redemption", "tx_id", tx.ID, "attempts_so_far", tx.WebhookRetryCount)
		j.redemptions.Fulfill(ctx, tx, item)
	}

	j.logger.Info("webhook redrive job finished")
}
