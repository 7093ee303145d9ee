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

	"github.com/ncar-hpc/qhistdb/internal/metrics"
)

// Events sent by qhistdb.
const (
	EventSyncCompleted   = "sync.completed"
	EventRollupCompleted = "rollup.completed"
)

// SignatureHeader carries "sha256=<hex hmac of body>".
const SignatureHeader = "X-Qhist-Signature"

type Client struct {
	URL    string
	Secret []byte
	HTTP   *http.Client
	// Backoff is the delay before the second attempt; it doubles after each
	// failure. Zero means 100ms.
	Backoff time.Duration
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts {"event": event, "data": payload}, retrying up to three times.
// A nil client or empty URL is a no-op.
func (c *Client) Send(ctx context.Context, event string, payload any) error {
	if c == nil || c.URL == "" {
		return nil
	}
	body, err := json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, payload})
	if err != nil {
		return err
	}
	sig := Sign(c.Secret, body)
	httpc := c.HTTP
	if httpc == nil {
		httpc = http.DefaultClient
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				metrics.IncWebhookEvent(event, "failure")
				return ctx.Err()
			case <-time.After(backoff << (i - 1)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, sig)
		start := time.Now()
		resp, err := httpc.Do(req)
		metrics.ObserveWebhookLatency(time.Since(start))
		if err != nil {
			lastErr = err
			metrics.IncWebhookFailure()
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			metrics.IncWebhookFailure()
			lastErr = fmt.Errorf("webhook %s: status %d", event, resp.StatusCode)
			continue
		}
		metrics.IncWebhookEvent(event, "success")
		return nil
	}
	metrics.IncWebhookEvent(event, "failure")
	return lastErr
}
