// Package events publishes terminal analysis events and forwards them to an optional webhook.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
)

// DefaultChannel is the Redis channel events are published on.
const DefaultChannel = "faultline:events"

// Event types.
const (
	TypeAnalysisCompleted = "analysis.completed"
	TypeHITLDecided       = "hitl.decided"
	TypeFeedback          = "feedback.recorded"
)

// Event is the wire form of one notification.
type Event struct {
	Type       string    `json:"type"`
	ProjectID  uuid.UUID `json:"project_id"`
	FailureID  uuid.UUID `json:"failure_id"`
	AnalysisID uuid.UUID `json:"analysis_id,omitempty"`
	Status     string    `json:"status"`
	Category   string    `json:"category,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits events. Publishing is best effort: callers log failures and move on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisPublisher publishes events on a pub/sub channel of the cache.
type RedisPublisher struct {
	cache   cache.Cache
	channel string
}

func NewRedisPublisher(c cache.Cache, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{cache: c, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.cache.Publish(ctx, p.channel, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("event publish failed", "type", e.Type, "project_id", e.ProjectID, "error", err)
	}
}
