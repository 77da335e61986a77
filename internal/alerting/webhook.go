package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Discord rejects webhook content longer than this.
const maxWebhookContent = 2000

// WebhookNotifier posts notifications to a Discord channel webhook.
type WebhookNotifier struct {
	url      string
	username string
	client   *http.Client
	logger   zerolog.Logger
}

// NewWebhookNotifier builds a webhook notifier for url.
func NewWebhookNotifier(url, username string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:      url,
		username: username,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify posts the rendered message as the webhook content.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	content := renderMessage(note)
	if r := []rune(content); len(r) > maxWebhookContent {
		content = string(r[:maxWebhookContent])
	}

	payload := map[string]string{"content": content}
	if n.username != "" {
		payload["username"] = n.username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	n.logger.Info().Str("kind", string(note.Kind)).Msg("notification sent (webhook)")
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
