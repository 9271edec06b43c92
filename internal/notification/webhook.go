package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/carelink-ng/referral/internal/shared/config"
)

// Webhook request headers.
const (
	SignatureHeader = "X-Referral-Signature"
	EventTypeHeader = "X-Referral-Event"
	EventIDHeader   = "X-Referral-Event-ID"
)

// WebhookSink posts each record as JSON. When a secret is configured the
// body is signed with HMAC-SHA256.
type WebhookSink struct {
	client  *resty.Client
	url     string
	secret  []byte
	limiter *rate.Limiter
}

// NewWebhookSink creates a sink posting to cfg.URL.
func NewWebhookSink(cfg config.WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &WebhookSink{
		client: resty.New().
			SetHeader("Content-Type", "application/json").
			SetTimeout(cfg.Timeout),
		url:     cfg.URL,
		secret:  []byte(cfg.Secret),
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, rec DispatchRecord) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader(EventTypeHeader, string(rec.Type)).
		SetHeader(EventIDHeader, rec.EventID.String()).
		SetBody(body)
	if len(s.secret) > 0 {
		req.SetHeader(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := req.Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %d", resp.StatusCode())
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
