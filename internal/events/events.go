// Package events provides event types and utilities for the orchestration
// event system.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/model"
)

// Event types for agents
const (
	AgentCreated       = "agent.created"
	AgentStatusChanged = "agent.status_changed"
	AgentCompleted     = "agent.completed"
)

// Event types for tasks
const (
	TaskDelegated     = "task.delegated"
	TaskStatusChanged = "task.status_changed"
)

// Event types for messages
const (
	MessageReceived = "message.received"
)

// Subject constants for the NATS mirror. Every event is published on the
// firehose subject plus a per-type subject so external observers can use
// NATS wildcards (atelier.events.*).
const (
	SubjectFirehose = "atelier.events"
)

// SubjectForType returns the per-type NATS subject for an event type.
func SubjectForType(eventType string) string {
	return SubjectFirehose + "." + eventType
}

// Event is the flat envelope carried on the bus. Only the fields relevant
// to the event's Type are set.
type Event struct {
	ID          string                  `json:"id"`
	Type        string                  `json:"type"`
	Source      string                  `json:"source,omitempty"` // bus instance that produced the event
	WorkspaceID string                  `json:"workspace_id,omitempty"`
	AgentID     string                  `json:"agent_id,omitempty"` // the agent the event is about (recipient for messages)
	AgentName   string                  `json:"agent_name,omitempty"`
	Role        string                  `json:"role,omitempty"`          // the subject agent's role, for agent events
	FromAgentID string                  `json:"from_agent_id,omitempty"` // sender, for message events
	TaskID      string                  `json:"task_id,omitempty"`
	From        string                  `json:"from,omitempty"` // previous status, for status-change events
	To          string                  `json:"to,omitempty"`   // new status, for status-change events
	Message     string                  `json:"message,omitempty"`
	Report      *model.CompletionReport `json:"report,omitempty"`
	Timestamp   time.Time               `json:"timestamp"`
}

// New creates an event of the given type with a UUID and current timestamp.
// Callers fill in the fields relevant to the type.
func New(eventType string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// IsCritical reports whether the event type is retained in the replay log
// for late observers.
func IsCritical(eventType string) bool {
	switch eventType {
	case AgentCreated, AgentCompleted, TaskDelegated, TaskStatusChanged:
		return true
	}
	return false
}

// SourceAgent returns the agent an event originates from: the sender for
// message events, otherwise the subject agent. Used by self-exclusion
// filters on buffered subscriptions.
func (e *Event) SourceAgent() string {
	if e.FromAgentID != "" {
		return e.FromAgentID
	}
	return e.AgentID
}
