package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookChannel posts JSON payloads to arbitrary webhook endpoints.
type WebhookChannel struct {
	client  *http.Client
	timeout time.Duration
	headers map[string]string
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// WithTimeout bounds each delivery.
func WithTimeout(timeout time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if timeout > 0 {
			ch.timeout = timeout
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) WebhookOption {
	return func(ch *WebhookChannel) {
		if key != "" {
			ch.headers[key] = value
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(opts ...WebhookOption) *WebhookChannel {
	channel := &WebhookChannel{
		client:  &http.Client{},
		timeout: defaultWebhookTimeout,
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel
}

// Send posts payload as JSON to target. Any non-2xx response is an error;
// the response body is otherwise ignored.
func (w *WebhookChannel) Send(ctx context.Context, target string, payload any) error {
	if w == nil {
		return errors.New("webhook channel: nil")
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("webhook channel: invalid url %q", target)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}
