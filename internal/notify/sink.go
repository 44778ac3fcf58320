package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// LogSink writes notifications to a logger at error level.
type LogSink struct {
	Logger *zap.Logger
}

// Send implements Sink.
func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Logger.Error(n.Title, zap.String("message", n.Message), zap.Time("at", n.At))
	return nil
}

// WebhookSink posts notifications as JSON. The body carries a "content"
// field so Discord-style chat webhooks render it directly.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

type webhookBody struct {
	Content string `json:"content"`
	Notification
}

// Send implements Sink.
//
// Postcondition: Returns an error unless the endpoint answered 2xx.
func (s WebhookSink) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(webhookBody{
		Content:      fmt.Sprintf("**%s**\n%s", n.Title, n.Message),
		Notification: n,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

// Multi fans a notification out to every sink and returns the first error.
type Multi []Sink

// Send implements Sink.
func (m Multi) Send(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FromConfig returns the sink for an optional webhook URL: the log sink
// alone, or the log sink plus the webhook.
func FromConfig(webhookURL string, logger *zap.Logger) Sink {
	logSink := LogSink{Logger: logger.With(zap.String("component", "notify"))}
	if webhookURL == "" {
		return logSink
	}
	return Multi{logSink, WebhookSink{URL: webhookURL}}
}
