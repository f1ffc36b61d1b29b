package events

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC of payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookPublisher POSTs each envelope as JSON to a single endpoint. When a
// secret is configured the body is signed in X-Webhook-Signature.
type WebhookPublisher struct {
	client *resty.Client
	url    string
	secret string
}

// NewWebhookPublisher creates a webhook publisher. Retries are left to the
// relay so each delivery attempt is recorded in the outbox.
func NewWebhookPublisher(url, secret string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &WebhookPublisher{client: client, url: url, secret: secret}
}

func (p *WebhookPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetHeader("X-Webhook-ID", env.ID.String()).
		SetHeader("X-Webhook-Event", env.Type).
		SetHeader("X-Webhook-Timestamp", env.OccurredAt.UTC().Format(time.RFC3339))
	if p.secret != "" {
		req.SetHeader("X-Webhook-Signature", "sha256="+SignPayload(body, p.secret))
	}

	resp, err := req.Post(p.url)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
