package engine

import (
	"time"

	"github.com/aelling/parley/internal/wire"
)

// Project derives the current session projection by replaying ledger events
// on top of a snapshot base.
//
// Transitions: session_started moves the session to running, the terminal
// events to completed/failed with their payloads attached. Terminal states
// are frozen for the turn: later transition events are ignored until a new
// user_message reopens the session for a following turn. Unknown and step
// events never affect the state machine (they stay in the ledger and are
// surfaced by the transcript deriver).
func Project(base wire.Session, events []wire.SessionEvent) wire.Session {
	session := base
	terminal := session.Terminal()

	for _, event := range events {
		switch event.EventType {
		case wire.EventUserMessage:
			if terminal {
				// A new turn begins; the prior result stays visible in the
				// transcript but the live status resets.
				session.Status = wire.StatusPending
				session.Error = ""
				terminal = false
			}
		case wire.EventSessionStarted:
			if terminal {
				continue
			}
			session.Status = wire.StatusRunning
			if session.StartedAt == "" {
				session.StartedAt = formatTimestamp(event.Timestamp)
			}
		case wire.EventSessionCompleted:
			if terminal {
				continue
			}
			session.Status = wire.StatusCompleted
			session.Result = event.Output
			session.CompletedAt = formatTimestamp(event.Timestamp)
			terminal = true
		case wire.EventSessionFailed:
			if terminal {
				continue
			}
			session.Status = wire.StatusFailed
			session.Error = event.Error
			session.CompletedAt = formatTimestamp(event.Timestamp)
			terminal = true
		}
	}
	return session
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
