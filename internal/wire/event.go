package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a session event category on the stream.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventStepUpdate       EventType = "step_update"
	EventStepCompleted    EventType = "step_completed"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventUserMessage      EventType = "user_message"

	// EventUnknown tags frames with an unrecognized event name. They are kept
	// so the transcript can still surface them for debugging.
	EventUnknown EventType = "unknown"

	// StreamHeartbeat and StreamConnected are stream control frames. They are
	// consumed by the connector and never become SessionEvents.
	StreamHeartbeat EventType = "heartbeat"
	StreamConnected EventType = "connected"
)

// SessionEvent is one immutable, server-originated event for a session.
//
// Field names follow the server wire format (snake_case JSON).
type SessionEvent struct {
	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`
	// EventType is the event category.
	EventType EventType `json:"event_type"`
	// Timestamp is the server event time (RFC3339).
	Timestamp time.Time `json:"timestamp"`
	// StepID is the step identifier for step events.
	StepID string `json:"step_id,omitempty"`
	// StepName is the human-readable step name for step events.
	StepName string `json:"step_name,omitempty"`
	// ToolID is the tool being executed for step events.
	ToolID string `json:"tool_id,omitempty"`
	// Status is the server-reported status string (running, completed, failed).
	Status string `json:"status,omitempty"`
	// Output is the event payload. Opaque to the engine: the user query for
	// user_message events, the step output for step_completed, the final
	// result for session_completed.
	Output any `json:"output,omitempty"`
	// Error is the error message for session_failed events.
	Error string `json:"error,omitempty"`
	// IsHistorical is true when the event came from the backlog replay rather
	// than live execution.
	IsHistorical bool `json:"is_historical,omitempty"`
}

// DedupKey returns the duplicate-identity key for ledger deduplication.
//
// Two events are the same event iff timestamp, event type, and output match.
// Output is compared through its canonical JSON encoding (Go sorts map keys,
// so semantically equal objects encode identically).
func (e SessionEvent) DedupKey() string {
	output, err := json.Marshal(e.Output)
	if err != nil {
		output = []byte(fmt.Sprintf("!%v", e.Output))
	}
	return fmt.Sprintf("%d|%s|%s", e.Timestamp.UnixNano(), e.EventType, output)
}

// ParseFrame decodes one stream frame payload into a SessionEvent.
//
// The event name comes from the transport (the SSE "event:" field), not the
// payload, so it is applied after decoding. Unrecognized names are tagged
// EventUnknown rather than rejected; malformed JSON is an error and the
// caller drops the frame.
func ParseFrame(name string, data []byte) (SessionEvent, error) {
	var event SessionEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return SessionEvent{}, fmt.Errorf("decode %s frame: %w", name, err)
	}
	switch EventType(name) {
	case EventSessionStarted, EventStepUpdate, EventStepCompleted,
		EventSessionCompleted, EventSessionFailed, EventUserMessage:
		event.EventType = EventType(name)
	default:
		event.EventType = EventUnknown
	}
	return event, nil
}

// OutputString renders the event output as a plain string. Non-string
// payloads are JSON-encoded.
func (e SessionEvent) OutputString() string {
	switch v := e.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
