package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/cache"
)

// Notifier subscribes to the event channel and posts every event to a webhook.
type Notifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewNotifier creates a webhook notifier. A nil client gets a 10s timeout client.
func NewNotifier(url string, client *http.Client, logger *slog.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{url: url, client: client, logger: logger}
}

// Run forwards events from channel until ctx is done or the subscription closes.
func (n *Notifier) Run(ctx context.Context, c cache.Cache, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	msgs, closeSub, err := c.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer closeSub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			n.forward(ctx, payload)
		}
	}
}

func (n *Notifier) forward(ctx context.Context, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			n.logger.Error("panic in webhook notifier", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		n.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if err := apperr.Retry(ctx, func(ctx context.Context) error { return n.Post(ctx, e) }); err != nil {
		n.logger.Warn("webhook delivery failed", "type", e.Type, "analysis_id", e.AnalysisID, "error", err)
	}
}

// Post delivers one event. 5xx and 429 responses are transient.
func (n *Notifier) Post(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return apperr.Permanent("webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return apperr.Transient("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Transient("webhook", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return apperr.Permanent("webhook", fmt.Errorf("status %d", resp.StatusCode))
	}
}
