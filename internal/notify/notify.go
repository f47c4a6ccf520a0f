package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Notifier posts device online/offline transitions to a webhook and/or an
// ntfy topic.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Notifier with the given config.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// DeviceStatus implements relay.Notifier.
func (n *Notifier) DeviceStatus(online bool) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.Webhook != "" {
		n.sendWebhook(online)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(online)
	}
}

type webhookPayload struct {
	Event     string `json:"event"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(online bool) {
	payload := webhookPayload{
		Event:     statusWord(online),
		Online:    online,
		Timestamp: n.now().UTC().Format(time.RFC3339),
	}
	if err := n.post(n.cfg.Webhook, payload); err != nil {
		n.logger.Warn("webhook post failed", "url", n.cfg.Webhook, "err", err)
	}
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(online bool) {
	payload := ntfyPayload{
		Title:    fmt.Sprintf("Device is %s", statusWord(online)),
		Message:  fmt.Sprintf("The device agent went %s at %s", statusWord(online), n.now().Format(time.Kitchen)),
		Priority: 3,
		Tags:     []string{"white_check_mark"},
	}
	if !online {
		payload.Priority = 4
		payload.Tags = []string{"warning"}
	}
	if err := n.post(n.cfg.NtfyURL, payload); err != nil {
		n.logger.Warn("ntfy post failed", "url", n.cfg.NtfyURL, "err", err)
	}
}

func (n *Notifier) post(url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func statusWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
