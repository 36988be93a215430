/**
 * @description
 * This file contains the HTTP handlers for the loyalty-service's API endpoints.
 * Handlers parse incoming requests, call the appropriate application service
 * methods, and map domain errors to HTTP status codes. They are the bridge
 * between the web layer and the rules engine.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/app"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
	"github.com/stellarloyalty/loyalty-service/internal/store"
	"github.com/stellarloyalty/loyalty-service/pkg/rabbitmq"
)

// RateLimiter counts one attempt for a subject in a scope. A zero count means
// limiting is disabled.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// LoyaltyHandlers holds the services the HTTP layer exposes.
type LoyaltyHandlers struct {
	redemptions      *app.RedemptionService
	publisher        rabbitmq.Publisher
	exchange         string
	limiter          RateLimiter
	redeemsPerMinute int
}

// NewLoyaltyHandlers creates a new instance of LoyaltyHandlers.
func NewLoyaltyHandlers(redemptions *app.RedemptionService, publisher rabbitmq.Publisher, exchange string, limiter RateLimiter, redeemsPerMinute int) *LoyaltyHandlers {
	return &LoyaltyHandlers{
		redemptions:      redemptions,
		publisher:        publisher,
		exchange:         exchange,
		limiter:          limiter,
		redeemsPerMinute: redeemsPerMinute,
	}
}

type trackEventRequest struct {
	UserID     string                 `json:"user_id"`
	EventName  string                 `json:"event_name"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
}

type redeemRequest struct {
	UserID       string                 `json:"user_id"`
	RewardItemID string                 `json:"reward_item_id"`
	Badges       []string               `json:"badges,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type statusUpdateRequest struct {
	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error        string `json:"error"`
	Reason       string `json:"reason,omitempty"`
	PointsNeeded int64  `json:"points_needed,omitempty"`
}

func (h *LoyaltyHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func (h *LoyaltyHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

// TrackEventHandler accepts an activity event and publishes it to the bus.
// Processing is fully asynchronous; the handler never touches the database.
func (h *LoyaltyHandlers) TrackEventHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := GetProjectID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not resolve project from context")
		return
	}

	var req trackEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=track_event outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.EventName == "" {
		h.writeError(w, http.StatusBadRequest, "user_id and event_name are required")
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}

	evt := domain.ActivityEvent{
		ProjectID:  projectID,
		UserID:     req.UserID,
		EventName:  req.EventName,
		Properties: req.Properties,
		Timestamp:  ts,
	}

	// The routing key stays activity.tracked regardless of the tenant's event
	// name so one queue binding covers all inbound activity.
	if err := h.publisher.Publish(r.Context(), h.exchange, domain.EventActivityTracked, evt); err != nil {
		log.Printf("level=error component=api endpoint=track_event outcome=failed project_id=%s err=%v", projectID, err)
		h.writeError(w, http.StatusServiceUnavailable, "Event could not be accepted")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// RedeemHandler executes a reward redemption for a user.
func (h *LoyaltyHandlers) RedeemHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := GetProjectID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not resolve project from context")
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=redeem outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	rewardID, err := uuid.Parse(req.RewardItemID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid reward_item_id")
		return
	}

	if h.limiter != nil && h.redeemsPerMinute > 0 {
		subject := projectID.String() + ":" + req.UserID
		count, retryAfter, limitErr := h.limiter.ConsumeRateLimit(r.Context(), "redeem", subject, h.redeemsPerMinute, time.Minute)
		if limitErr != nil {
			log.Printf("level=warn component=api endpoint=redeem msg=\"rate limiter unavailable; allowing request\" err=%v", limitErr)
		} else if count > h.redeemsPerMinute {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many redemption attempts. Please try again shortly.")
			return
		}
	}

	outcome, err := h.redemptions.Redeem(r.Context(), projectID, req.UserID, rewardID, req.Badges, req.Metadata)
	if err != nil {
		var availErr *domain.AvailabilityError
		switch {
		case errors.As(err, &availErr):
			h.writeJSON(w, http.StatusConflict, errorResponse{
				Error:        availErr.Message,
				Reason:       availErr.Reason,
				PointsNeeded: availErr.PointsNeeded,
			})
		case errors.Is(err, store.ErrRewardNotFound):
			h.writeError(w, http.StatusNotFound, "Reward not found")
		case errors.Is(err, app.ErrRewardAccessDenied):
			h.writeError(w, http.StatusForbidden, "Reward not available for this project")
		case errors.Is(err, store.ErrInsufficientPoints):
			h.writeJSON(w, http.StatusConflict, errorResponse{Error: "insufficient points", Reason: domain.UnavailableInsufficientPoints})
		case errors.Is(err, store.ErrOutOfStock):
			h.writeJSON(w, http.StatusConflict, errorResponse{Error: "reward is out of stock", Reason: domain.UnavailableOutOfStock})
		default:
			log.Printf("level=error component=api endpoint=redeem outcome=failed project_id=%s err=%v", projectID, err)
			h.writeError(w, http.StatusInternalServerError, "Redemption could not be processed")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, outcome)
}

// GetRedemptionHandler returns one redemption transaction.
func (h *LoyaltyHandlers) GetRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := GetProjectID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not resolve project from context")
		return
	}

	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid redemption id")
		return
	}

	tx, err := h.redemptions.GetRedemption(r.Context(), projectID, txID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Redemption not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_redemption outcome=failed tx_id=%s err=%v", txID, err)
		h.writeError(w, http.StatusInternalServerError, "Could not load redemption")
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

// CompleteRedemptionHandler is the operator endpoint for finishing MANUAL
// fulfillments or correcting FAILED transactions delivered out of band.
func (h *LoyaltyHandlers) CompleteRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	h.updateRedemptionStatus(w, r, true)
}

// FailRedemptionHandler is the operator endpoint for failing a PROCESSING
// transaction.
func (h *LoyaltyHandlers) FailRedemptionHandler(w http.ResponseWriter, r *http.Request) {
	h.updateRedemptionStatus(w, r, false)
}

func (h *LoyaltyHandlers) updateRedemptionStatus(w http.ResponseWriter, r *http.Request, complete bool) {
	projectID, ok := GetProjectID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not resolve project from context")
		return
	}

	txID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid redemption id")
		return
	}

	var req statusUpdateRequest
	if r.Body != nil {
		// An empty body is fine for these endpoints.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var tx *domain.RedemptionTransaction
	if complete {
		tx, err = h.redemptions.CompleteRedemption(r.Context(), projectID, txID, req.Note)
	} else {
		tx, err = h.redemptions.FailRedemption(r.Context(), projectID, txID, req.Reason)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "Redemption not found")
		case errors.Is(err, store.ErrAlreadyCompleted):
			h.writeError(w, http.StatusConflict, "Redemption is already completed")
		default:
			log.Printf("level=error component=api endpoint=update_redemption outcome=failed tx_id=%s err=%v", txID, err)
			h.writeError(w, http.StatusInternalServerError, "Could not update redemption")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}
