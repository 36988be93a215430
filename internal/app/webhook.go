/**
 * @description
 * This file contains the HTTP client used to deliver redemption webhooks.
 * Bodies are signed with HMAC-SHA256 over the exact raw JSON bytes sent, so
 * receivers can verify the payload before trusting it.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: Payload signing.
 * - net/http: Delivery transport.
 */

package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stellarloyalty/loyalty-service/internal/domain"
)

const webhookSignatureHeader = "X-Signature"

// WebhookClient posts signed redemption payloads to partner endpoints.
type WebhookClient struct {
	httpClient *http.Client
}

// NewWebhookClient creates a webhook client with a bounded request timeout.
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{httpClient: &http.Client{Timeout: timeout}}
}

// Deliver POSTs the payload to the configured URL and returns the response
// status code. When a secret is configured the hex HMAC-SHA256 of the raw
// body is sent in the X-Signature header. Transport failures return a zero
// status code and an error.
func (c *WebhookClient) Deliver(ctx context.Context, cfg domain.FulfillmentConfig, payload domain.WebhookPayload) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.WebhookHeaders {
		req.Header.Set(name, value)
	}
	if cfg.WebhookSecret != "" {
		req.Header.Set(webhookSignatureHeader, signBody(cfg.WebhookSecret, body))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
