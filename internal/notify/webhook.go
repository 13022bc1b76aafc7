// Package notify delivers equipment state-change notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/otomoni/machinemon/internal/util"
)

// Webhook event names.
const (
	EventStateChanged = "state_changed"
	EventTest         = "test"
)

// httpTimeout bounds one webhook delivery including token retrieval.
const httpTimeout = 10 * time.Second

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event       string  `json:"event"`
	EquipmentID string  `json:"equipment_id,omitempty"`
	From        string  `json:"from,omitempty"`
	To          string  `json:"to,omitempty"`
	LatestDBFS  float64 `json:"latest_dbfs,omitempty"`
	On          float64 `json:"t_on,omitempty"`
	Off         float64 `json:"t_off,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Message     string  `json:"message,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// WebhookConfig configures delivery. When TokenURL is set, requests carry an
// OAuth2 client-credentials bearer token.
type WebhookConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Webhook posts JSON payloads to one endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook sender. ctx scopes the token source.
func NewWebhook(ctx context.Context, cfg WebhookConfig) *Webhook {
	client := &http.Client{Timeout: httpTimeout}
	if util.IsConfigured(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret) {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(ctx)
		client.Timeout = httpTimeout
	}
	return &Webhook{url: cfg.URL, client: client}
}

// Send delivers payload. An unconfigured webhook is a no-op.
func (w *Webhook) Send(ctx context.Context, payload *WebhookPayload) error {
	if w == nil || !util.IsConfigured(w.url) {
		return nil
	}
	if payload.Timestamp == "" {
		payload.Timestamp = timestampUTC()
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SendTest sends a test notification.
func (w *Webhook) SendTest(ctx context.Context) error {
	if w == nil || w.url == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	return w.Send(ctx, &WebhookPayload{
		Event:   EventTest,
		Message: "This is a test notification from " + AppName,
	})
}
