package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventChatMessage fires for every user/moderator/participant message.
	EventChatMessage EventType = "chat.message"
	// EventChatState fires when a chat's round phase changes.
	EventChatState EventType = "chat.state"
	// EventParticipantState fires when a participant starts or stops working.
	EventParticipantState EventType = "participant.state"
	// EventParticipantsChanged fires with the full roster after attach/remove.
	EventParticipantsChanged EventType = "participants.changed"

	// Process lifecycle events emitted by the spawner.
	EventProcessStarted   EventType = "process.started"
	EventProcessCompleted EventType = "process.completed"
	EventProcessFailed    EventType = "process.failed"
	EventProcessKilled    EventType = "process.killed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ChatID    string          `json:"chat_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload is the payload of EventChatMessage.
type MessagePayload struct {
	From      string    `json:"from"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ReadOnly  bool      `json:"read_only,omitempty"`
}

// StatePayload is the payload of EventChatState.
type StatePayload struct {
	Phase ChatPhase `json:"phase"`
}

// ParticipantStatePayload is the payload of EventParticipantState.
type ParticipantStatePayload struct {
	Name    string `json:"name"`
	Working bool   `json:"working"`
}

// RosterPayload is the payload of EventParticipantsChanged.
type RosterPayload struct {
	Participants []Participant `json:"participants"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for engine events.
// Errors are never delivered as events; they return synchronously from the
// routing calls that caused them.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for one event type and returns an
	// unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler for every event.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
