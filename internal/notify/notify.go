// Package notify publishes workflow lifecycle events. Publishing is
// fire-and-forget from the caller's perspective; a sink that cannot deliver
// logs and drops, it never fails the workflow.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventType partitions events by lifecycle phase.
type EventType string

const (
	TypeStatusChanged EventType = "status_changed"
	TypeSuccess       EventType = "success"
	TypeError         EventType = "error"
	TypeQueuePosition EventType = "queue_position"
)

// AliasCode is a stable machine-readable failure code carried on error
// events. Clients key their messaging off these, never off error strings.
type AliasCode string

const (
	AliasGenerationError    AliasCode = "generation_error"
	AliasDeployError        AliasCode = "deploy_error"
	AliasBuildError         AliasCode = "build_error"
	AliasInsufficientFunds  AliasCode = "insufficient_funds"
	AliasAlreadyInProgress  AliasCode = "already_in_progress"
	AliasInternalError      AliasCode = "internal_error"
)

// Event is one notification.
type Event struct {
	Type       EventType              `json:"type"`
	UserID     string                 `json:"user_id"`
	EntityID   string                 `json:"entity_id"`
	EntityType string                 `json:"entity_type"`
	Alias      AliasCode              `json:"alias,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	At         time.Time              `json:"at"`
}

// Notifier delivers events.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// LogSink writes events to the structured log. The default sink.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-backed notifier.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "notify").Logger()}
}

// Publish logs the event.
func (s *LogSink) Publish(_ context.Context, event Event) {
	ev := s.logger.Info().
		Str("type", string(event.Type)).
		Str("user_id", event.UserID).
		Str("entity_id", event.EntityID).
		Str("entity_type", event.EntityType)
	if event.Alias != "" {
		ev = ev.Str("alias", string(event.Alias))
	}
	if len(event.Payload) > 0 {
		ev = ev.Interface("payload", event.Payload)
	}
	ev.Msg("Notification")
}

// Hub fans events out to in-process subscribers, e.g. the websocket layer.
// Delivery is at-least-once per live subscriber; a subscriber whose buffer
// is full loses the event rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	next   int
	subs   map[int]chan Event
	logger zerolog.Logger
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[int]chan Event),
		logger: log.With().Str("component", "notify-hub").Logger(),
	}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// func removes the subscription and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all current subscribers without blocking.
func (h *Hub) Publish(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Warn().Int("subscriber", id).Str("type", string(event.Type)).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// Multi publishes to several notifiers in order.
type Multi []Notifier

// Publish delivers to every wrapped notifier.
func (m Multi) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	for _, n := range m {
		n.Publish(ctx, event)
	}
}
