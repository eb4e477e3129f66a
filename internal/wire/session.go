package wire

// Session status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session is the client-side projection of a server session.
//
// Response fields use the server's snake_case names.
type Session struct {
	// SessionID is the server-generated session id. Placeholder sessions
	// created while a create request is in flight carry a temporary local id.
	SessionID string `json:"session_id"`
	// Query is the initiating user query.
	Query string `json:"query,omitempty"`
	// QueryType is the operation kind (chat, research, docs).
	QueryType string `json:"query_type,omitempty"`
	// Status is the lifecycle state: pending, running, completed, failed.
	Status string `json:"status"`
	// CreatedAt is the session creation timestamp (RFC3339 string).
	CreatedAt string `json:"created_at"`
	// StartedAt is set once execution begins.
	StartedAt string `json:"started_at,omitempty"`
	// CompletedAt is set on terminal states.
	CompletedAt string `json:"completed_at,omitempty"`
	// Result is the final output when completed.
	Result any `json:"result,omitempty"`
	// Error is the failure message when failed.
	Error string `json:"error,omitempty"`
	// ExecutionTime is the total execution time in seconds.
	ExecutionTime float64 `json:"execution_time,omitempty"`
}

// Terminal reports whether the session reached a terminal state.
func (s Session) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// CreateSessionRequest is the POST /sessions (and session message) body.
//
// Request fields use the server's camelCase aliases.
type CreateSessionRequest struct {
	// Query is the query to execute.
	Query string `json:"query"`
	// QueryType selects the agent pipeline: chat, research, or docs.
	QueryType string `json:"queryType"`
	// RepoName optionally scopes doc queries to a repository.
	RepoName string `json:"repoName,omitempty"`
}

// CreateSessionResponse is the server reply to session creation and
// message posts.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	// StreamURL is the path of the session's event stream.
	StreamURL string `json:"stream_url"`
}

// SessionEventsResponse is the GET /sessions/{id}/events reply.
type SessionEventsResponse struct {
	SessionID   string         `json:"session_id"`
	Events      []SessionEvent `json:"events"`
	TotalEvents int            `json:"total_events"`
}
