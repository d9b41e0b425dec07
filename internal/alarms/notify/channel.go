// Package notify forwards alarm lifecycle events to operator-facing
// channels: chat webhooks, logs, or anything implementing Channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
)

// Channel delivers one rendered notification.
type Channel interface {
	Send(ctx context.Context, content string) error
}

// MultiChannel fans a notification out to several channels. Delivery
// failures on one channel do not stop the others.
type MultiChannel struct {
	channels []Channel
	logger   *log.Logger
}

// NewMultiChannel constructs a MultiChannel.
func NewMultiChannel(logger *log.Logger, channels ...Channel) *MultiChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &MultiChannel{channels: channels, logger: logger}
}

// Send forwards content to every channel.
func (m *MultiChannel) Send(ctx context.Context, content string) error {
	if m == nil {
		return nil
	}
	var lastErr error
	for _, ch := range m.channels {
		if ch == nil {
			continue
		}
		if err := ch.Send(ctx, content); err != nil {
			m.logger.Printf("notify: channel send: %v", err)
			lastErr = err
		}
	}
	return lastErr
}

// LogChannel writes notifications to the process log.
type LogChannel struct {
	logger *log.Logger
}

// NewLogChannel constructs a LogChannel.
func NewLogChannel(logger *log.Logger) *LogChannel {
	if logger == nil {
		logger = log.Default()
	}
	return &LogChannel{logger: logger}
}

// Send logs the notification.
func (c *LogChannel) Send(_ context.Context, content string) error {
	if c == nil || c.logger == nil {
		return errors.New("log channel: nil")
	}
	c.logger.Printf("notify: %s", content)
	return nil
}

// WebhookChannel posts notifications as chat webhook text messages.
type WebhookChannel struct {
	url    string
	client *http.Client
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the notification to the webhook endpoint.
func (c *WebhookChannel) Send(ctx context.Context, content string) error {
	if c == nil || c.url == "" {
		return errors.New("webhook channel: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: content},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("webhook channel: non-2xx")
	}
	return nil
}
