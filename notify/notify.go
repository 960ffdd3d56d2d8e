package notify

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Event kinds emitted by the ingestion pipeline.
const (
	EventEmailSaved = "email_saved"
	EventError      = "error"
)

type payload struct {
	Event   string `json:"event"`
	Details any    `json:"details"`
}

// Notifier delivers structured events to a webhook URL. Delivery is
// best-effort: one attempt, no retry, and transport failures are logged
// but never surface to the caller.
type Notifier struct {
	enabled bool
	url     string
	client  *http.Client
	logger  *slog.Logger
}

func New(enabled bool, url string, logger *slog.Logger) *Notifier {
	return &Notifier{
		enabled: enabled,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Notify posts {event, details} as JSON. A disabled notifier or an empty
// URL makes this a no-op.
func (n *Notifier) Notify(event string, details any) {
	if !n.enabled || n.url == "" {
		return
	}

	body, err := json.Marshal(payload{Event: event, Details: details})
	if err != nil {
		n.logf("encode notification", event, err)
		return
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logf("send notification", event, err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if n.logger != nil {
		n.logger.Debug("notification sent", "event", event, "status", resp.StatusCode)
	}
}

func (n *Notifier) logf(action, event string, err error) {
	if n.logger != nil {
		n.logger.Error("notification failed", "action", action, "event", event, "err", err)
	}
}
