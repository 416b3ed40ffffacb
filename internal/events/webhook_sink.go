package events

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

	"github.com/kudupay/kudu/internal/retry"
)

const (
	webhookAttempts = 3
	webhookBackoff  = 500 * time.Millisecond
)

// WebhookSink POSTs JSON event envelopes to the configured QUEUE_URL.
// Deliveries carry an HMAC-SHA256 signature of the body when a secret is
// configured, so the consumer can authenticate the origin.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url. secret may be empty
// (unsigned deliveries).
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver posts the event, retrying transport and 5xx failures with
// backoff. 4xx responses are permanent: the consumer rejected the
// envelope and a retry will not change its mind.
func (w *WebhookSink) Deliver(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return retry.Do(ctx, webhookAttempts, webhookBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Kudu-Event", event.Type)
		req.Header.Set("X-Kudu-Delivery", event.ID)
		if w.secret != "" {
			req.Header.Set("X-Kudu-Signature", w.sign(body))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("sink returned %d", resp.StatusCode)
		default:
			return retry.Permanent(fmt.Errorf("sink rejected delivery: %d", resp.StatusCode))
		}
	})
}

func (w *WebhookSink) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
