package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

func TestDeliver_SignsRawBodyWithSecret(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	var gotContentType string
	var gotCustomHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature")
		gotContentType = r.Header.Get("Content-Type")
		gotCustomHeader = r.Header.Get("X-Partner-Token")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewWebhookClient(time.Second)
	cfg := domain.FulfillmentConfig{
		WebhookURL:     server.URL,
		WebhookSecret:  "top-secret",
		WebhookHeaders: map[string]string{"X-Partner-Token": "partner-123"},
	}
	payload := domain.WebhookPayload{
		Event:        domain.WebhookEventRedemptionSuccess,
		RedemptionID: uuid.New(),
		UserID:       uuid.New(),
		RewardSKU:    "gift-card-10",
		Timestamp:    time.Now().UTC(),
	}

	status, err := client.Deliver(context.Background(), cfg, payload)
	if err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	mac := hmac.New(sha256.New, []byte("top-secret"))
	mac.Write(gotBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Fatalf("signature mismatch: got %q want %q", gotSignature, want)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected application/json, got %q", gotContentType)
	}
	if gotCustomHeader != "partner-123" {
		t.Fatalf("expected configured header forwarded, got %q", gotCustomHeader)
	}
}

func TestDeliver_NoSecretSendsNoSignature(t *testing.T) {
	var signaturePresent bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, signaturePresent = r.Header["X-Signature"]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewWebhookClient(time.Second)
	status, err := client.Deliver(context.Background(), domain.FulfillmentConfig{WebhookURL: server.URL}, domain.WebhookPayload{})
	if err != nil {
		t.Fatalf("Deliver returned error: %v", err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if signaturePresent {
		t.Fatal("no signature header expected without a secret")
	}
}

func TestDeliver_TransportFailureReturnsZeroStatus(t *testing.T) {
	client := NewWebhookClient(200 * time.Millisecond)
	status, err := client.Deliver(context.Background(), domain.FulfillmentConfig{WebhookURL: "http://127.0.0.1:1/unreachable"}, domain.WebhookPayload{})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if status != 0 {
		t.Fatalf("expected zero status on transport failure, got %d", status)
	}
}
