package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFrame_KnownEvent(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"session_id": "s1",
		"timestamp": "2026-01-02T15:04:05+00:00",
		"event_type": "step_update",
		"step_name": "search",
		"tool_id": "search_tool",
		"status": "running",
		"is_historical": true
	}`)

	event, err := ParseFrame("step_update", payload)
	require.NoError(t, err)
	require.Equal(t, "s1", event.SessionID)
	require.Equal(t, EventStepUpdate, event.EventType)
	require.Equal(t, "search", event.StepName)
	require.True(t, event.IsHistorical)
	require.Equal(t, 2026, event.Timestamp.Year())
}

func TestParseFrame_UnknownNameIsTaggedNotDropped(t *testing.T) {
	t.Parallel()

	event, err := ParseFrame("plan_revised", []byte(`{"session_id":"s1","timestamp":"2026-01-02T15:04:05Z"}`))
	require.NoError(t, err)
	require.Equal(t, EventUnknown, event.EventType)
}

func TestParseFrame_MalformedPayload(t *testing.T) {
	t.Parallel()

	_, err := ParseFrame("user_message", []byte(`{"session_id":`))
	require.Error(t, err)
}

func TestDedupKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	a := SessionEvent{EventType: EventUserMessage, Timestamp: at, Output: "hello"}
	b := SessionEvent{EventType: EventUserMessage, Timestamp: at, Output: "hello", IsHistorical: true}
	c := SessionEvent{EventType: EventUserMessage, Timestamp: at, Output: "other"}

	// Historical and live copies of the same event are duplicates.
	require.Equal(t, a.DedupKey(), b.DedupKey())
	require.NotEqual(t, a.DedupKey(), c.DedupKey())

	// Map outputs compare by canonical encoding, not field order.
	d := SessionEvent{EventType: EventSessionCompleted, Timestamp: at, Output: map[string]any{"value": "Paris", "summary": "capital"}}
	e := SessionEvent{EventType: EventSessionCompleted, Timestamp: at, Output: map[string]any{"summary": "capital", "value": "Paris"}}
	require.Equal(t, d.DedupKey(), e.DedupKey())
}

func TestOutputString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", SessionEvent{}.OutputString())
	require.Equal(t, "ping", SessionEvent{Output: "ping"}.OutputString())
	require.Equal(t, `{"value":"Paris"}`, SessionEvent{Output: map[string]any{"value": "Paris"}}.OutputString())
}
