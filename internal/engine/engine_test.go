package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aelling/parley/internal/api"
	"github.com/aelling/parley/internal/wire"
)

// recordingListener captures engine callbacks for assertions.
type recordingListener struct {
	mu          sync.Mutex
	transcripts [][]DisplayMessage
	sessions    []wire.Session
	failures    []string
	errors      []string
	connections []bool
}

func (l *recordingListener) OnTranscript(messages []DisplayMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transcripts = append(l.transcripts, messages)
}

func (l *recordingListener) OnSession(session wire.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = append(l.sessions, session)
}

func (l *recordingListener) OnConnection(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connections = append(l.connections, connected)
}

func (l *recordingListener) OnSubmitFailed(input, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, input)
}

func (l *recordingListener) OnError(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, message)
}

func (l *recordingListener) lastTranscript() []DisplayMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.transcripts) == 0 {
		return nil
	}
	return l.transcripts[len(l.transcripts)-1]
}

func (l *recordingListener) submitFailures() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.failures))
	copy(out, l.failures)
	return out
}

// sessionServer is a minimal in-process stand-in for the agent backend.
type sessionServer struct {
	mu      sync.Mutex
	session wire.Session
	backlog []wire.SessionEvent
	// stream events are replayed to every stream subscriber, then the
	// connection is held open until the client goes away.
	streamEvents []wire.SessionEvent
	posted       []wire.CreateSessionRequest
	postStatus   int
	createStatus int
	// createDelay holds the create response to widen the in-flight window.
	createDelay time.Duration
}

func (s *sessionServer) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req wire.CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		delay := s.createDelay
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		status := s.createStatus
		s.mu.Unlock()
		if status != 0 && status != http.StatusCreated {
			writeJSON(w, status, map[string]string{"detail": "cannot create session"})
			return
		}
		s.mu.Lock()
		s.posted = append(s.posted, req)
		s.session = wire.Session{
			SessionID: "srv-1",
			Query:     req.Query,
			QueryType: req.QueryType,
			Status:    wire.StatusPending,
			CreatedAt: "2026-03-01T10:00:00Z",
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, wire.CreateSessionResponse{
			SessionID: "srv-1",
			Status:    wire.StatusPending,
			CreatedAt: "2026-03-01T10:00:00Z",
			StreamURL: "/sessions/srv-1/stream",
		})
	})
	mux.HandleFunc("POST /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req wire.CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		s.mu.Lock()
		s.posted = append(s.posted, req)
		status := s.postStatus
		s.mu.Unlock()
		if status != 0 && status != http.StatusOK {
			writeJSON(w, status, map[string]string{"detail": "cannot accept message"})
			return
		}
		writeJSON(w, http.StatusOK, wire.CreateSessionResponse{
			SessionID: r.PathValue("id"),
			Status:    wire.StatusRunning,
		})
	})
	mux.HandleFunc("GET /sessions/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		events := make([]wire.SessionEvent, len(s.backlog))
		copy(events, s.backlog)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, wire.SessionEventsResponse{
			SessionID:   r.PathValue("id"),
			Events:      events,
			TotalEvents: len(events),
		})
	})
	mux.HandleFunc("GET /sessions/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", r.PathValue("id"))
		flusher.Flush()

		s.mu.Lock()
		events := make([]wire.SessionEvent, len(s.streamEvents))
		copy(events, s.streamEvents)
		s.mu.Unlock()
		for _, event := range events {
			data, err := json.Marshal(event)
			require.NoError(t, err)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		session := s.session
		s.mu.Unlock()
		session.SessionID = r.PathValue("id")
		writeJSON(w, http.StatusOK, session)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestEngine(t *testing.T, server *sessionServer) (*Engine, *recordingListener) {
	t.Helper()
	ts := httptest.NewServer(server.handler(t))
	t.Cleanup(ts.Close)

	engine := New(Config{
		API:       api.New(ts.URL),
		QueryType: "chat",
		Now:       func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(engine.Close)

	listener := &recordingListener{}
	engine.SetListener(listener)
	return engine, listener
}

func TestEngineOpenMergesBacklogAndStream(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	userEvent := wire.SessionEvent{
		SessionID: "s1", EventType: wire.EventUserMessage,
		Timestamp: base, Output: "analyze this repo",
	}
	stepEvent := wire.SessionEvent{
		SessionID: "s1", EventType: wire.EventStepUpdate,
		Timestamp: base.Add(time.Second), StepID: "st1", StepName: "Reading",
	}
	doneEvent := wire.SessionEvent{
		SessionID: "s1", EventType: wire.EventSessionCompleted,
		Timestamp: base.Add(5 * time.Second), Output: map[string]any{"summary": "all good"},
	}

	server := &sessionServer{
		session: wire.Session{Status: wire.StatusRunning, Query: "analyze this repo", CreatedAt: "2026-03-01T10:00:00Z"},
		backlog: []wire.SessionEvent{userEvent, stepEvent},
		// The stream replays the backlog plus the completion, as a server
		// would after a mid-session connect.
		streamEvents: []wire.SessionEvent{userEvent, stepEvent, doneEvent},
	}
	engine, listener := newTestEngine(t, server)

	require.NoError(t, engine.Open(context.Background(), "s1"))

	require.Eventually(t, func() bool {
		transcript := listener.lastTranscript()
		return len(transcript) == 2 && transcript[1].Role == RoleAssistant
	}, 3*time.Second, 10*time.Millisecond)

	transcript := listener.lastTranscript()
	require.Equal(t, "analyze this repo", transcript[0].Content)
	require.Equal(t, "all good", transcript[1].Content)
	require.Len(t, transcript[1].Steps, 1)

	// Replayed duplicates collapse to single ledger entries.
	require.Eventually(t, func() bool {
		return engine.Session().Status == wire.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
	require.True(t, engine.Connected())
}

func TestEngineReopenYieldsIdenticalTranscript(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []wire.SessionEvent{
		{SessionID: "s1", EventType: wire.EventUserMessage, Timestamp: base, Output: "hi"},
		{SessionID: "s1", EventType: wire.EventSessionCompleted, Timestamp: base.Add(time.Second), Output: "hello"},
	}
	server := &sessionServer{
		session:      wire.Session{Status: wire.StatusCompleted, Query: "hi", CreatedAt: "2026-03-01T10:00:00Z"},
		backlog:      events,
		streamEvents: events,
	}
	engine, listener := newTestEngine(t, server)

	require.NoError(t, engine.Open(context.Background(), "s1"))
	require.Eventually(t, func() bool {
		return len(listener.lastTranscript()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	first := listener.lastTranscript()

	// Reconnecting from scratch replays everything; the derived transcript
	// must not change.
	require.NoError(t, engine.Open(context.Background(), "s1"))
	require.Eventually(t, func() bool {
		return len(listener.lastTranscript()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, first, listener.lastTranscript())
}

func TestEngineSubmitCreatesSession(t *testing.T) {
	t.Parallel()

	server := &sessionServer{}
	engine, listener := newTestEngine(t, server)

	require.NoError(t, engine.Submit(context.Background(), "hello there"))

	// The optimistic entry appears immediately.
	require.Eventually(t, func() bool {
		transcript := listener.lastTranscript()
		return len(transcript) == 1 && transcript[0].Pending
	}, 3*time.Second, 10*time.Millisecond)

	// The create response binds the engine to the server's session id.
	require.Eventually(t, func() bool {
		return engine.SessionID() == "srv-1"
	}, 3*time.Second, 10*time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.posted, 1)
	require.Equal(t, "hello there", server.posted[0].Query)
	require.Equal(t, "chat", server.posted[0].QueryType)
}

func TestEngineSubmitWhileCreateInFlightIsRejected(t *testing.T) {
	t.Parallel()

	server := &sessionServer{createDelay: 200 * time.Millisecond}
	engine, _ := newTestEngine(t, server)

	require.NoError(t, engine.Submit(context.Background(), "first"))
	// The create response has not bound a session id yet; a second
	// submission must not open a second server session.
	err := engine.Submit(context.Background(), "second")
	require.Error(t, err)
	require.Contains(t, err.Error(), "still being created")

	require.Eventually(t, func() bool {
		return engine.SessionID() == "srv-1"
	}, 3*time.Second, 10*time.Millisecond)

	server.mu.Lock()
	defer server.mu.Unlock()
	require.Len(t, server.posted, 1)
	require.Equal(t, "first", server.posted[0].Query)
}

func TestEngineSubmitRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	server := &sessionServer{
		session:    wire.Session{Status: wire.StatusRunning, CreatedAt: "2026-03-01T10:00:00Z"},
		postStatus: http.StatusConflict,
	}
	engine, listener := newTestEngine(t, server)
	require.NoError(t, engine.Open(context.Background(), "s1"))

	require.NoError(t, engine.Submit(context.Background(), "while busy"))

	// The rejected submission disappears and the input comes back for retry.
	require.Eventually(t, func() bool {
		failures := listener.submitFailures()
		return len(failures) == 1 && failures[0] == "while busy"
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, message := range listener.lastTranscript() {
			if message.Pending {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngineFailedCreateLeavesNoTrace(t *testing.T) {
	t.Parallel()

	server := &sessionServer{createStatus: http.StatusServiceUnavailable}
	engine, listener := newTestEngine(t, server)

	require.NoError(t, engine.Submit(context.Background(), "doomed"))

	require.Eventually(t, func() bool {
		failures := listener.submitFailures()
		return len(failures) == 1 && failures[0] == "doomed"
	}, 3*time.Second, 10*time.Millisecond)
	// The placeholder session is dropped too, so nothing lingers in view.
	require.Eventually(t, func() bool {
		return len(listener.lastTranscript()) == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, engine.SessionID())

	// A fresh submit starts over cleanly.
	server.mu.Lock()
	server.createStatus = 0
	server.mu.Unlock()
	require.NoError(t, engine.Submit(context.Background(), "second try"))
	require.Eventually(t, func() bool {
		return engine.SessionID() == "srv-1"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngineSubmitRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	engine, _ := newTestEngine(t, &sessionServer{})
	require.Error(t, engine.Submit(context.Background(), "   \n"))
}

func TestEngineDropsForeignSessionEvents(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	server := &sessionServer{
		session: wire.Session{Status: wire.StatusRunning, Query: "hi", CreatedAt: "2026-03-01T10:00:00Z"},
		streamEvents: []wire.SessionEvent{
			{SessionID: "other", EventType: wire.EventSessionCompleted, Timestamp: base, Output: "not yours"},
		},
	}
	engine, _ := newTestEngine(t, server)
	require.NoError(t, engine.Open(context.Background(), "s1"))

	require.Eventually(t, engine.Connected, 3*time.Second, 10*time.Millisecond)
	// The foreign completion must not flip the session state.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, wire.StatusRunning, engine.Session().Status)
}

func TestEngineOptimisticExpiry(t *testing.T) {
	t.Parallel()

	server := &sessionServer{
		session: wire.Session{Status: wire.StatusRunning, CreatedAt: "2026-03-01T10:00:00Z"},
	}
	ts := httptest.NewServer(server.handler(t))
	t.Cleanup(ts.Close)

	engine := New(Config{
		API:              api.New(ts.URL),
		QueryType:        "chat",
		OptimisticExpiry: 50 * time.Millisecond,
	})
	t.Cleanup(engine.Close)
	listener := &recordingListener{}
	engine.SetListener(listener)

	require.NoError(t, engine.Open(context.Background(), "s1"))
	require.NoError(t, engine.Submit(context.Background(), "ephemeral"))

	// The entry is visible, then ages out even though no user_message event
	// ever confirms it.
	require.Eventually(t, func() bool {
		transcript := listener.lastTranscript()
		for _, message := range transcript {
			if message.Pending {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, message := range listener.lastTranscript() {
			if message.Pending {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}
