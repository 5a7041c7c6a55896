package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// Notifier posts events to configured webhook URLs
type Notifier struct {
	httpClient *http.Client
	webhooks   []string
}

// NewNotifier creates a new notifier for the given webhook URLs
func NewNotifier(webhooks []string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Notifier{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		webhooks: webhooks,
	}
}

// Close releases idle webhook connections
func (n *Notifier) Close() {
	n.httpClient.CloseIdleConnections()
}

// Notify sends the event to every webhook, logging failures
func (n *Notifier) Notify(ctx context.Context, event Event) {
	for _, url := range n.webhooks {
		if err := n.sendWebhook(ctx, url, event); err != nil {
			log.Warnf("Webhook %s failed for event %s: %v", url, event.ID, err)
		}
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, url string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Oaksearch-Event", event.Type)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
