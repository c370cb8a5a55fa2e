// Package webhook delivers signed event notifications to repo-configured
// subscriber URLs (spec C6). Delivery retry/backoff is not reimplemented
// here — webhook_delivery is a job class executed by internal/jobs, and
// this package is the handler that job class invokes.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blacklake-io/blacklake/pkg/types"
)

// Dispatcher POSTs a signed WebhookPayload to a subscriber URL.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher returns a Dispatcher with a bounded-timeout HTTP client —
// a slow or hung subscriber must not block the worker that owns this job's
// lease for longer than the job's own timeout budget.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver signs payload with secret (HMAC-SHA256 over the raw JSON body, the
// convention GitHub and Stripe both use) and POSTs it to url. A non-2xx
// response or transport error is returned as a plain error; the job-pipeline
// handler classifies it as retryable per spec §4.5.
func (d *Dispatcher) Deliver(ctx context.Context, url, secret string, payload types.WebhookPayload) (statusCode int, err error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BlackLake-Webhook/1.0")
	req.Header.Set("X-BlackLake-Event", string(payload.Event))

	if secret != "" {
		req.Header.Set("X-BlackLake-Signature", "sha256="+signHMAC(body, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook: subscriber returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// signHMAC returns the lowercase hex HMAC-SHA256 of data under secret.
func signHMAC(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether a webhook's event mask includes event. "*" matches
// every event; otherwise the mask must contain an exact match.
func Matches(mask []string, event types.EventType) bool {
	for _, m := range mask {
		if m == "*" || m == string(event) {
			return true
		}
	}
	return false
}
