package model

import "encoding/json"

// EventType identifies a push-channel message type.
type EventType string

const (
	EventAssignmentStarted EventType = "assignment_started"
	EventAssignmentStopped EventType = "assignment_stopped"
	EventAssignmentUpdated EventType = "assignment_updated"
	EventTaskCreated       EventType = "task_created"
	EventTaskUpdated       EventType = "task_updated"
	EventTaskDeleted       EventType = "task_deleted"

	// EventChannelDown is synthesised client-side when the channel gives up
	// reconnecting; it never arrives over the wire.
	EventChannelDown EventType = "channel_down"

	// EventWildcard subscribes a handler to every event type.
	EventWildcard EventType = "*"
)

// ChannelEvent is a transient push notification. The wire shape is a flat
// JSON object {"type": ..., <payload fields>}; Payload keeps the whole frame
// so handlers can decode the fields they care about.
type ChannelEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"-"`
}
