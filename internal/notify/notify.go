// Package notify carries the external effects scripts may trigger after a
// commit: bus notifications and outbound webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/nfrund/hookscript/internal/pubsub"
	"golang.org/x/time/rate"
)

var ErrInvalidURL = errors.New("webhook url must be absolute http or https")

// Notification is the payload published on pubsub.TopicNotifications
type Notification struct {
	Channel string         `json:"channel"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

func (n Notification) Labels() map[string]string {
	return map[string]string{"channel": n.Channel}
}

// Notifications is the typed notification topic
var Notifications = pubsub.NewTopic[Notification](pubsub.TopicNotifications)

// Config tunes webhook delivery
type Config struct {
	RatePerSec float64
	Burst      int
	Timeout    time.Duration
}

// Service implements script.Notifier. Webhooks share one token bucket.
type Service struct {
	pub     pubsub.Publisher
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config
	log     *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithHTTPClient replaces the webhook client
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.client = client
	}
}

func New(pub pubsub.Publisher, cfg Config, opts ...Option) *Service {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	s := &Service{
		pub:     pub,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
		log:     slog.Default().With("component", "notify"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify publishes a notification on the bus
func (s *Service) Notify(ctx context.Context, channel, message string, payload map[string]any) error {
	if channel == "" {
		return fmt.Errorf("notification channel required")
	}
	n := Notification{
		Channel: channel,
		Message: message,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	}
	if err := pubsub.Publish(ctx, s.pub, Notifications, "script", n); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	s.log.Debug("Notification published", "channel", channel)
	return nil
}

// Webhook POSTs the payload as JSON and returns the response status. Any
// status is a result; only transport failures are errors.
func (s *Service) Webhook(ctx context.Context, rawURL string, payload map[string]any) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, ErrInvalidURL
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("webhook rate limited: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookscript-webhook/1")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("Webhook delivery failed", "host", u.Host, "error", err)
		return 0, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	s.log.Info("Webhook delivered", "host", u.Host, "status", resp.StatusCode, "took", time.Since(start))
	return resp.StatusCode, nil
}
