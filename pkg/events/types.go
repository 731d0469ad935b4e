package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Spawn lifecycle events, published by the orchestrator as the launch
	// pipeline advances.
	EventSpawnCreated   EventType = "spawn.created"
	EventSpawnReady     EventType = "spawn.ready"
	EventSpawnInstalled EventType = "spawn.installed"
	EventSpawnLaunched  EventType = "spawn.launched"
	EventSpawnFailed    EventType = "spawn.failed"
	EventSpawnDestroyed EventType = "spawn.destroyed"

	// Trigger runner events
	EventRunStarted  EventType = "run.started"
	EventRunFinished EventType = "run.finished"
	EventRunReaped   EventType = "run.reaped"
	EventRunTimedOut EventType = "run.timed_out"

	// Credential events
	EventCredentialSaved   EventType = "credential.saved"
	EventCredentialRemoved EventType = "credential.removed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// Agent and Cloud identify the launch the event belongs to, when any
	Agent string
	Cloud string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, agent, cloud string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Agent:     agent,
		Cloud:     cloud,
		Payload:   payload,
	}
}
