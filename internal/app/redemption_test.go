package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
	"github.com/stellarloyalty/loyalty-service/internal/store"
)

type redemptionRepoStub struct {
	store.Repository

	item       *domain.RewardItem
	user       *domain.EndUser
	atomicErr  error
	retryCount int

	atomicCalled     bool
	atomicMetadata   map[string]interface{}
	completedPayload *string
	failedMessage    *string
}

func (s *redemptionRepoStub) FindRewardItemByID(ctx context.Context, rewardID uuid.UUID) (*domain.RewardItem, error) {
	if s.item == nil {
		return nil, store.ErrRewardNotFound
	}
	return s.item, nil
}

func (s *redemptionRepoStub) FindOrCreateEndUser(ctx context.Context, projectID uuid.UUID, externalID string) (*domain.EndUser, error) {
	return s.user, nil
}

func (s *redemptionRepoStub) AtomicRedeem(ctx context.Context, params store.AtomicRedeemParams) (*store.AtomicRedeemResult, error) {
	s.atomicCalled = true
	s.atomicMetadata = params.Metadata
	if s.atomicErr != nil {
		return nil, s.atomicErr
	}
	return &store.AtomicRedeemResult{
		Transaction: &domain.RedemptionTransaction{
			ID:           uuid.New(),
			ProjectID:    params.ProjectID,
			UserID:       params.UserID,
			RewardItemID: params.RewardItemID,
			RewardSKU:    params.RewardSKU,
			RewardName:   params.RewardName,
			CostAtTime:   params.CostPoints,
			Status:       domain.RedemptionProcessing,
			Metadata:     params.Metadata,
		},
		NewBalance: s.user.PointsBalance - params.CostPoints,
	}, nil
}

func (s *redemptionRepoStub) MarkCompleted(ctx context.Context, txID uuid.UUID, payload string, deliveredAt time.Time) error {
	s.completedPayload = &payload
	return nil
}

func (s *redemptionRepoStub) MarkFailed(ctx context.Context, txID uuid.UUID, message string) error {
	s.failedMessage = &message
	return nil
}

func (s *redemptionRepoStub) IncrementWebhookRetry(ctx context.Context, txID uuid.UUID) (int, error) {
	s.retryCount++
	return s.retryCount, nil
}

func newRedemptionFixture(item *domain.RewardItem, balance int64) (*redemptionRepoStub, *RedemptionService) {
	repo := &redemptionRepoStub{
		item: item,
		user: &domain.EndUser{ID: uuid.New(), ProjectID: item.ProjectID, PointsBalance: balance},
	}
	svc := NewRedemptionService(repo, NewWebhookClient(time.Second), 3)
	return repo, svc
}

func manualItem(projectID uuid.UUID) *domain.RewardItem {
	return &domain.RewardItem{
		ID:              uuid.New(),
		ProjectID:       projectID,
		SKU:             "gift-card-10",
		Name:            "Gift Card",
		CostPoints:      500,
		FulfillmentType: domain.FulfillManual,
		Active:          true,
	}
}

func processingTx(item *domain.RewardItem) *domain.RedemptionTransaction {
	return &domain.RedemptionTransaction{
		ID:           uuid.New(),
		ProjectID:    item.ProjectID,
		UserID:       uuid.New(),
		RewardItemID: item.ID,
		RewardSKU:    item.SKU,
		RewardName:   item.Name,
		Status:       domain.RedemptionProcessing,
	}
}

func TestRedeem_InsufficientPointsRejectsWithoutMutation(t *testing.T) {
	projectID := uuid.New()
	item := manualItem(projectID)
	repo, svc := newRedemptionFixture(item, 100)

	_, err := svc.Redeem(context.Background(), projectID, "ext-user-1", item.ID, nil, nil)

	var availErr *domain.AvailabilityError
	if !errors.As(err, &availErr) {
		t.Fatalf("expected availability error, got %v", err)
	}
	if availErr.Reason != domain.UnavailableInsufficientPoints {
		t.Fatalf("expected insufficient_points, got %s", availErr.Reason)
	}
	if availErr.PointsNeeded != 400 {
		t.Fatalf("expected 400 points needed, got %d", availErr.PointsNeeded)
	}
	if repo.atomicCalled {
		t.Fatal("availability rejection must not reach the atomic redeem")
	}
}

func TestRedeem_CrossProjectRewardIsDenied(t *testing.T) {
	item := manualItem(uuid.New())
	_, svc := newRedemptionFixture(item, 1000)

	_, err := svc.Redeem(context.Background(), uuid.New(), "ext-user-1", item.ID, nil, nil)
	if !errors.Is(err, ErrRewardAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestRedeem_ManualItemReturnsProcessingTransaction(t *testing.T) {
	projectID := uuid.New()
	item := manualItem(projectID)
	repo, svc := newRedemptionFixture(item, 1000)

	metadata := map[string]interface{}{"campaign": "spring-26"}
	outcome, err := svc.Redeem(context.Background(), projectID, "ext-user-1", item.ID, nil, metadata)
	if err != nil {
		t.Fatalf("Redeem returned error: %v", err)
	}

	if outcome.Transaction.Status != domain.RedemptionProcessing {
		t.Fatalf("expected PROCESSING, got %s", outcome.Transaction.Status)
	}
	if outcome.NewBalance != 500 {
		t.Fatalf("expected new balance 500, got %d", outcome.NewBalance)
	}
	if !repo.atomicCalled {
		t.Fatal("expected atomic redeem to run")
	}
	if got := repo.atomicMetadata["campaign"]; got != "spring-26" {
		t.Fatalf("expected redeem metadata stored with the transaction, got %v", repo.atomicMetadata)
	}
}

func TestFulfill_PromoCodeCompletesWithCodeFromPool(t *testing.T) {
	projectID := uuid.New()
	item := &domain.RewardItem{
		ID:              uuid.New(),
		ProjectID:       projectID,
		SKU:             "promo-20",
		Name:            "20% Off",
		CostPoints:      200,
		FulfillmentType: domain.FulfillPromoCode,
		Fulfillment:     domain.FulfillmentConfig{PromoCodes: []string{"SAVE20-A", "SAVE20-B"}},
		Active:          true,
	}
	repo, svc := newRedemptionFixture(item, 1000)

	svc.Fulfill(context.Background(), processingTx(item), item)

	if repo.completedPayload == nil {
		t.Fatal("expected transaction marked COMPLETED")
	}
	if !strings.Contains(*repo.completedPayload, "SAVE20-") {
		t.Fatalf("expected a pool code in the payload, got %s", *repo.completedPayload)
	}
}

func TestFulfill_EmptyPromoPoolFailsTransaction(t *testing.T) {
	projectID := uuid.New()
	item := &domain.RewardItem{
		ID:              uuid.New(),
		ProjectID:       projectID,
		SKU:             "promo-20",
		FulfillmentType: domain.FulfillPromoCode,
		Active:          true,
	}
	repo, svc := newRedemptionFixture(item, 1000)

	svc.Fulfill(context.Background(), processingTx(item), item)

	if repo.failedMessage == nil {
		t.Fatal("expected transaction marked FAILED")
	}
	if repo.completedPayload != nil {
		t.Fatal("empty pool must not complete the transaction")
	}
}

func TestFulfill_WebhookSuccessCompletes(t *testing.T) {
	var received domain.WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	projectID := uuid.New()
	item := &domain.RewardItem{
		ID:              uuid.New(),
		ProjectID:       projectID,
		SKU:             "hook-reward",
		FulfillmentType: domain.FulfillWebhook,
		Fulfillment:     domain.FulfillmentConfig{WebhookURL: server.URL},
		Active:          true,
	}
	repo, svc := newRedemptionFixture(item, 1000)
	tx := processingTx(item)
	tx.Metadata = map[string]interface{}{"order_ref": "ord-881"}

	svc.Fulfill(context.Background(), tx, item)

	if repo.completedPayload == nil {
		t.Fatal("expected transaction marked COMPLETED after 2xx")
	}
	if repo.failedMessage != nil {
		t.Fatalf("unexpected failure: %s", *repo.failedMessage)
	}
	if received.Event != "redemption.success" {
		t.Fatalf("expected event redemption.success, got %q", received.Event)
	}
	if received.RedemptionID != tx.ID {
		t.Fatalf("expected redemption id %s, got %s", tx.ID, received.RedemptionID)
	}
	if got := received.Metadata["order_ref"]; got != "ord-881" {
		t.Fatalf("expected redeem metadata forwarded to the webhook, got %v", received.Metadata)
	}
}

func TestFulfill_WebhookFirstFailureStaysProcessing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	projectID := uuid.New()
	item := &domain.RewardItem{
		ID:              uuid.New(),
		ProjectID:       projectID,
		SKU:             "hook-reward",
		FulfillmentType: domain.FulfillWebhook,
		Fulfillment:     domain.FulfillmentConfig{WebhookURL: server.URL},
		Active:          true,
	}
	repo, svc := newRedemptionFixture(item, 1000)

	svc.Fulfill(context.Background(), processingTx(item), item)

	if repo.failedMessage != nil {
		t.Fatalf("expected transaction left PROCESSING for redrive, got FAILED: %s", *repo.failedMessage)
	}
	if repo.retryCount != 1 {
		t.Fatalf("expected one recorded attempt, got %d", repo.retryCount)
	}
}

func TestFulfill_WebhookFailsAfterThreeAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	projectID := uuid.New()
	item := &domain.RewardItem{
		ID:              uuid.New(),
		ProjectID:       projectID,
		SKU:             "hook-reward",
		FulfillmentType: domain.FulfillWebhook,
		Fulfillment:     domain.FulfillmentConfig{WebhookURL: server.URL},
		Active:          true,
	}
	repo, svc := newRedemptionFixture(item, 1000)
	tx := processingTx(item)

	for i := 0; i < 3; i++ {
		svc.Fulfill(context.Background(), tx, item)
	}

	if repo.retryCount != 3 {
		t.Fatalf("expected exactly 3 recorded attempts, got %d", repo.retryCount)
	}
	if repo.failedMessage == nil {
		t.Fatal("expected transaction marked FAILED after the final attempt")
	}
	if !strings.Contains(*repo.failedMessage, "status 500") || !strings.Contains(*repo.failedMessage, "3 attempts") {
		t.Fatalf("expected failure message citing status and attempts, got %s", *repo.failedMessage)
	}
}

func TestFulfill_ManualStaysProcessing(t *testing.T) {
	projectID := uuid.New()
	item := manualItem(projectID)
	repo, svc := newRedemptionFixture(item, 1000)

	svc.Fulfill(context.Background(), processingTx(item), item)

	if repo.completedPayload != nil || repo.failedMessage != nil {
		t.Fatal("manual fulfillment must leave the transaction PROCESSING")
	}
}
