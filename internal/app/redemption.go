/**
 * @description
 * This file contains the redemption service: the synchronous redeem path that
 * atomically debits points and creates a PROCESSING transaction, and the
 * asynchronous fulfillment pipeline that turns a PROCESSING transaction into
 * COMPLETED or FAILED.
 *
 * Key invariant: a debit and its transaction record commit together or not at
 * all. Fulfillment failures after the commit never silently swallow points;
 * the transaction stays visible as FAILED (or PROCESSING awaiting redrive)
 * for reconciliation.
 *
 * Lifecycle is observable through the transaction status endpoints; the
 * pipeline publishes nothing to the bus.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
	"github.com/stellarloyalty/loyalty-service/internal/store"
)

// errWebhookRetryable marks a webhook delivery failure that has attempts
// remaining. The transaction is left PROCESSING for the redrive sweep.
var errWebhookRetryable = errors.New("webhook delivery failed; attempts remaining")

// ErrRewardAccessDenied is returned when a reward exists but belongs to a
// different project than the caller.
var ErrRewardAccessDenied = errors.New("reward does not belong to this project")

// RedeemOutcome is the synchronous response to a successful redeem request.
// Fulfillment has not necessarily happened yet.
type RedeemOutcome struct {
	Transaction *domain.RedemptionTransaction `json:"transaction"`
	NewBalance  int64                         `json:"new_balance"`
}

// RedemptionService owns the redeem and fulfillment flows.
type RedemptionService struct {
	repo            store.Repository
	webhooks        *WebhookClient
	webhookRetryCap int
}

// NewRedemptionService creates a redemption service. retryCap bounds the total
// webhook delivery attempts per transaction.
func NewRedemptionService(repo store.Repository, webhooks *WebhookClient, retryCap int) *RedemptionService {
	if retryCap <= 0 {
		retryCap = 3
	}
	return &RedemptionService{
		repo:            repo,
		webhooks:        webhooks,
		webhookRetryCap: retryCap,
	}
}

// Redeem validates and atomically executes a redemption, then kicks off
// fulfillment in the background. Availability failures return a
// *domain.AvailabilityError with nothing mutated.
func (s *RedemptionService) Redeem(ctx context.Context, projectID uuid.UUID, externalUserID string, rewardID uuid.UUID, badges []string, metadata map[string]interface{}) (*RedeemOutcome, error) {
	item, err := s.repo.FindRewardItemByID(ctx, rewardID)
	if err != nil {
		return nil, err
	}
	if item.ProjectID != projectID {
		return nil, ErrRewardAccessDenied
	}

	user, err := s.repo.FindOrCreateEndUser(ctx, projectID, externalUserID)
	if err != nil {
		return nil, fmt.Errorf("resolve end user: %w", err)
	}

	if availErr := item.Availability(user.PointsBalance, badges); availErr != nil {
		return nil, availErr
	}

	result, err := s.repo.AtomicRedeem(ctx, store.AtomicRedeemParams{
		ProjectID:    projectID,
		UserID:       user.ID,
		RewardItemID: item.ID,
		RewardSKU:    item.SKU,
		RewardName:   item.Name,
		CostPoints:   item.CostPoints,
		FiniteStock:  item.StockQuantity != nil,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("level=info component=redemption msg=\"redemption accepted\" tx_id=%s user_id=%s reward=%s cost=%d", result.Transaction.ID, user.ID, item.SKU, item.CostPoints)

	// Fulfillment runs detached from the request context so a client
	// disconnect cannot abandon a debited transaction mid-delivery.
	go s.fulfill(context.Background(), result.Transaction, item)

	return &RedeemOutcome{Transaction: result.Transaction, NewBalance: result.NewBalance}, nil
}

// Fulfill runs delivery for a PROCESSING transaction. Exported for the
// redrive job, which re-attempts stale webhook transactions.
func (s *RedemptionService) Fulfill(ctx context.Context, tx *domain.RedemptionTransaction, item *domain.RewardItem) {
	s.fulfill(ctx, tx, item)
}

func (s *RedemptionService) fulfill(ctx context.Context, tx *domain.RedemptionTransaction, item *domain.RewardItem) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Fulfillment runs outside any HTTP handler, so panics here would kill
	// the process and strand the debited transaction in PROCESSING.
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("level=error component=redemption msg=\"fulfillment panicked\" tx_id=%s panic=%v", tx.ID, rec)
			if markErr := s.repo.MarkFailed(context.Background(), tx.ID, fmt.Sprintf("fulfillment panicked: %v", rec)); markErr != nil {
				log.Printf("level=error component=redemption msg=\"failed to mark transaction FAILED\" tx_id=%s err=%v", tx.ID, markErr)
			}
		}
	}()

	var err error
	switch item.FulfillmentType {
	case domain.FulfillPromoCode:
		err = s.fulfillPromoCode(ctx, tx, item)
	case domain.FulfillWebhook:
		err = s.fulfillWebhook(ctx, tx, item)
	case domain.FulfillManual:
		// Stays PROCESSING until an operator completes or fails it.
		log.Printf("level=info component=redemption msg=\"manual fulfillment pending operator action\" tx_id=%s", tx.ID)
		return
	default:
		err = fmt.Errorf("unknown fulfillment type %q", item.FulfillmentType)
	}

	if err == nil {
		return
	}
	if errors.Is(err, errWebhookRetryable) {
		log.Printf("level=warn component=redemption msg=\"fulfillment deferred for retry\" tx_id=%s err=%v", tx.ID, err)
		return
	}

	log.Printf("level=error component=redemption msg=\"fulfillment failed\" tx_id=%s err=%v", tx.ID, err)
	if markErr := s.repo.MarkFailed(ctx, tx.ID, err.Error()); markErr != nil {
		log.Printf("level=error component=redemption msg=\"failed to mark transaction FAILED\" tx_id=%s err=%v", tx.ID, markErr)
	}
}

func (s *RedemptionService) fulfillPromoCode(ctx context.Context, tx *domain.RedemptionTransaction, item *domain.RewardItem) error {
	if len(item.Fulfillment.PromoCodes) == 0 {
		return fmt.Errorf("promo code pool for reward %s is empty", item.SKU)
	}
	code := item.Fulfillment.PromoCodes[rand.Intn(len(item.Fulfillment.PromoCodes))]

	payload, err := json.Marshal(map[string]string{"promo_code": code})
	if err != nil {
		return fmt.Errorf("marshal promo payload: %w", err)
	}

	if err := s.repo.MarkCompleted(ctx, tx.ID, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("complete promo redemption: %w", err)
	}
	log.Printf("level=info component=redemption msg=\"promo code delivered\" tx_id=%s reward=%s", tx.ID, item.SKU)
	return nil
}

func (s *RedemptionService) fulfillWebhook(ctx context.Context, tx *domain.RedemptionTransaction, item *domain.RewardItem) error {
	if item.Fulfillment.WebhookURL == "" {
		return fmt.Errorf("webhook URL for reward %s is not configured", item.SKU)
	}

	payload := domain.WebhookPayload{
		Event:        domain.WebhookEventRedemptionSuccess,
		RedemptionID: tx.ID,
		UserID:       tx.UserID,
		RewardID:     tx.RewardItemID,
		RewardSKU:    tx.RewardSKU,
		RewardName:   tx.RewardName,
		Timestamp:    time.Now().UTC(),
		Metadata:     tx.Metadata,
	}

	status, err := s.webhooks.Deliver(ctx, item.Fulfillment, payload)
	if err == nil && status >= 200 && status < 300 {
		result, mErr := json.Marshal(map[string]interface{}{"webhook_status": status})
		if mErr != nil {
			result = []byte(`{}`)
		}
		if err := s.repo.MarkCompleted(ctx, tx.ID, string(result), time.Now().UTC()); err != nil {
			return fmt.Errorf("complete webhook redemption: %w", err)
		}
		log.Printf("level=info component=redemption msg=\"webhook delivered\" tx_id=%s status=%d", tx.ID, status)
		return nil
	}

	attempts, retryErr := s.repo.IncrementWebhookRetry(ctx, tx.ID)
	if retryErr != nil {
		return fmt.Errorf("record webhook attempt: %w", retryErr)
	}

	if attempts >= s.webhookRetryCap {
		if err != nil {
			return fmt.Errorf("webhook delivery failed after %d attempts: %v", attempts, err)
		}
		return fmt.Errorf("webhook delivery failed with status %d after %d attempts", status, attempts)
	}

	if err != nil {
		return fmt.Errorf("%w: attempt %d: %v", errWebhookRetryable, attempts, err)
	}
	return fmt.Errorf("%w: attempt %d returned status %d", errWebhookRetryable, attempts, status)
}

// GetRedemption loads one transaction scoped to a project.
func (s *RedemptionService) GetRedemption(ctx context.Context, projectID, txID uuid.UUID) (*domain.RedemptionTransaction, error) {
	tx, err := s.repo.FindRedemptionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.ProjectID != projectID {
		return nil, store.ErrTransactionNotFound
	}
	return tx, nil
}

// CompleteRedemption is the operator path for MANUAL fulfillment and for
// correcting FAILED webhook transactions after out-of-band delivery.
func (s *RedemptionService) CompleteRedemption(ctx context.Context, projectID, txID uuid.UUID, note string) (*domain.RedemptionTransaction, error) {
	if _, err := s.GetRedemption(ctx, projectID, txID); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"note": note})
	if err != nil {
		payload = []byte(`{}`)
	}
	if err := s.repo.MarkCompleted(ctx, txID, string(payload), time.Now().UTC()); err != nil {
		return nil, err
	}
	return s.repo.FindRedemptionByID(ctx, txID)
}

// FailRedemption is the operator path for marking a PROCESSING transaction as
// failed. COMPLETED transactions are immutable.
func (s *RedemptionService) FailRedemption(ctx context.Context, projectID, txID uuid.UUID, reason string) (*domain.RedemptionTransaction, error) {
	if _, err := s.GetRedemption(ctx, projectID, txID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "marked failed by operator"
	}
	if err := s.repo.MarkFailed(ctx, txID, reason); err != nil {
		return nil, err
	}
	return s.repo.FindRedemptionByID(ctx, txID)
}
