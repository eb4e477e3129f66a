package engine

import "time"

// Role classifies who a display message is attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// StepSummary is one execution step attributed to a turn.
type StepSummary struct {
	// ID is the server step id when present, otherwise a derived id.
	ID string
	// Number is the step's 1-based position within its turn.
	Number int
	// Description is the human-readable step name.
	Description string
	// Output is the step output once a completion for the step arrived.
	Output any
}

// DisplayMessage is one derived transcript entry. Display messages are
// ephemeral: they are recomputed from the ledger and never persisted.
type DisplayMessage struct {
	ID      string
	Role    Role
	Content string
	// Timestamp orders the message within the transcript.
	Timestamp time.Time
	// ExecutionTime is the turn's total execution time in seconds, when known.
	ExecutionTime float64
	// Markdown marks content that should be rendered as markdown. The engine
	// only carries the flag; rendering is the caller's concern.
	Markdown bool
	// Steps are the turn-scoped execution steps behind an assistant message.
	Steps []StepSummary
	// Pending marks optimistic messages awaiting server confirmation.
	Pending bool
}
