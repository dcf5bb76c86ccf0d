package guardian

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Version identifies the supervision layer in alert envelopes and headers.
const Version = "1.0.0"

const alertTimeout = 10 * time.Second

// AlertPusher delivers operational alerts to an external webhook. Delivery
// is best-effort; a failed push is logged and dropped.
type AlertPusher struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewAlertPusher creates an AlertPusher targeting url. apiKey may be empty.
func NewAlertPusher(url, apiKey string, logger *slog.Logger) *AlertPusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertPusher{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: alertTimeout},
		logger: logger.With("component", "guardian-alerts"),
	}
}

// Push posts one alert envelope.
func (a *AlertPusher) Push(ctx context.Context, alertType, message string, metadata map[string]any) {
	if a == nil || a.url == "" {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"type":      alertType,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"version":   Version,
		"metadata":  metadata,
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		a.logger.Warn("alert request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guardian-Key", a.apiKey)
	req.Header.Set("X-Guardian-Version", Version)

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("alert push failed", "type", alertType, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		a.logger.Warn("alert endpoint rejected push", "type", alertType, "status", resp.StatusCode)
	}
}
