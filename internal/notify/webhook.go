// Package notify delivers admin notifications to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/courier/internal/config"
	"github.com/energizer-project/courier/internal/events"
	"github.com/energizer-project/courier/internal/fetch"
	"github.com/energizer-project/courier/internal/transfer"
)

// Notifier posts embed messages to the configured webhook. Plain http
// webhooks go through the fetch manager; https ones use net/http.
type Notifier struct {
	cfg      *config.Config
	eventBus *events.EventBus
	fetch    *fetch.Manager
	client   *http.Client
}

// NewNotifier creates a notifier and subscribes it to admin notifications
// and transfer failures.
func NewNotifier(cfg *config.Config, eventBus *events.EventBus, mgr *fetch.Manager) *Notifier {
	n := &Notifier{
		cfg:      cfg,
		eventBus: eventBus,
		fetch:    mgr,
		client:   &http.Client{Timeout: 10 * time.Second},
	}

	eventBus.Subscribe(events.EventNotifyAdmin, "notify.admin", n.onNotifyAdmin)
	eventBus.Subscribe(events.EventTransferFailed, "notify.transferFailed", n.onTransferFailed)

	return n
}

// Send posts one notification. It is a no-op without a webhook URL.
func (n *Notifier) Send(ctx context.Context, title, message, level string) error {
	webhookURL := n.cfg.GetApplicationData().Notify.WebhookURL
	if webhookURL == "" {
		log.Debug().Str("title", title).Msg("no webhook configured, notification dropped")
		return nil
	}

	payload, err := buildPayload(title, message, level, time.Now())
	if err != nil {
		return err
	}

	if strings.HasPrefix(strings.ToLower(webhookURL), "http://") {
		return n.sendViaFetch(webhookURL, title, payload)
	}
	return n.sendViaClient(ctx, webhookURL, title, payload)
}

func buildPayload(title, message, level string, now time.Time) ([]byte, error) {
	var color int
	switch level {
	case "error":
		color = 0xFF0000
	case "warning":
		color = 0xFFAA00
	default:
		color = 0x00FF00
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": message,
				"color":       color,
				"timestamp":   now.Format(time.RFC3339),
				"footer": map[string]string{
					"text": "Courier",
				},
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return data, nil
}

// sendViaFetch queues the post; delivery failures are logged when the job
// finishes.
func (n *Notifier) sendViaFetch(webhookURL, title string, payload []byte) error {
	_, err := n.fetch.Submit(fetch.JobSpec{
		URL:     webhookURL,
		Method:  "POST",
		Body:    payload,
		Headers: []transfer.Header{{Name: "Content-Type", Value: "application/json"}},
		Source:  "notify",
		OnComplete: func(info fetch.JobInfo, body []byte) {
			log.Debug().Str("title", title).Int("status", info.StatusCode).Msg("webhook notification sent")
		},
		OnFailure: func(info fetch.JobInfo, err error) {
			log.Warn().Err(err).Str("title", title).Msg("webhook notification failed")
		},
	})
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	return nil
}

func (n *Notifier) sendViaClient(ctx context.Context, webhookURL, title string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	log.Debug().Str("title", title).Msg("webhook notification sent")
	return nil
}

func (n *Notifier) onNotifyAdmin(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.NotifyAdminPayload)
	if !ok {
		return nil
	}
	return n.Send(ctx, payload.Title, payload.Message, payload.Level)
}

// onTransferFailed reports failed transfers when notify_on_fail is set.
// Failures of the notifier's own posts are skipped.
func (n *Notifier) onTransferFailed(ctx context.Context, event events.Event) error {
	if !n.cfg.GetApplicationData().Notify.NotifyOnFail {
		return nil
	}
	payload, ok := event.Payload.(events.TransferPayload)
	if !ok || payload.Source == "notify" {
		return nil
	}
	return n.Send(ctx, "Transfer failed",
		fmt.Sprintf("Transfer %d (%s) failed: %s", payload.ID, payload.URL, payload.Error), "error")
}
