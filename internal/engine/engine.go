package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aelling/parley/internal/api"
	"github.com/aelling/parley/internal/stream"
	"github.com/aelling/parley/internal/wire"
	"github.com/aelling/parley/pkg/logger"
)

// Listener receives engine outputs. Methods are invoked from a dedicated
// callback goroutine, never concurrently, and must not block for long.
type Listener interface {
	// OnTranscript delivers the full re-derived transcript after every
	// ledger or buffer mutation.
	OnTranscript(messages []DisplayMessage)
	// OnSession delivers the current session projection.
	OnSession(session wire.Session)
	// OnConnection reports live-stream connectivity changes.
	OnConnection(connected bool)
	// OnSubmitFailed hands a failed submission's input text back for retry.
	OnSubmitFailed(input string, message string)
	// OnError reports non-fatal engine errors.
	OnError(message string)
}

// Config controls an Engine instance.
type Config struct {
	// API is the HTTP session collaborator.
	API *api.Client
	// QueryType is sent with submissions: chat, research, or docs.
	QueryType string
	// RepoName optionally scopes doc queries.
	RepoName string
	// OptimisticExpiry bounds how long an unconfirmed optimistic message
	// stays visible. Zero means the default.
	OptimisticExpiry time.Duration
	// BacklogLimit caps the historical event fetch. Zero means the default.
	BacklogLimit int
	// Now overrides the clock for tests.
	Now func() time.Time
}

const (
	defaultOptimisticExpiry = 5 * time.Second
	defaultBacklogLimit     = 200
)

// Engine is the per-session reconciliation controller. It owns the event
// ledger, the optimistic buffer, and the stream connector for exactly one
// session at a time, and exposes only derived outputs: the transcript, the
// session projection, and a connection flag.
//
// All state changes are serialized through a single-goroutine dispatcher;
// the public methods are safe to call from any goroutine.
type Engine struct {
	cfg  Config
	conn *stream.Client

	dispatch  *dispatcher
	callbacks *dispatcher

	// Guarded by the dispatch goroutine.
	listener      Listener
	sessionID     string
	base          wire.Session
	session       wire.Session
	ledger        *Ledger
	buffer        *Buffer
	connected     bool
	transcript    []DisplayMessage
	createPending bool

	recomputePending atomic.Bool
}

// New creates an Engine. The engine owns its connector; callers interact
// only through the engine's methods and the Listener.
func New(cfg Config) *Engine {
	if cfg.OptimisticExpiry <= 0 {
		cfg.OptimisticExpiry = defaultOptimisticExpiry
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = defaultBacklogLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		cfg:       cfg,
		conn:      stream.NewClient(cfg.API.StreamURL),
		dispatch:  newDispatcher(256),
		callbacks: newDispatcher(256),
		ledger:    NewLedger(),
		buffer:    NewBuffer(),
	}

	// Every ledger mutation triggers one re-derivation; bursts (backlog
	// replay) coalesce into a single queued recompute.
	e.ledger.Subscribe(e.scheduleRecompute)

	for _, eventType := range []wire.EventType{
		wire.EventSessionStarted, wire.EventStepUpdate, wire.EventStepCompleted,
		wire.EventSessionCompleted, wire.EventSessionFailed, wire.EventUserMessage,
		wire.EventUnknown,
	} {
		e.conn.On(eventType, e.ingestQueued)
	}
	// Non-blocking enqueues: these fire on the stream's read loop, which
	// Disconnect waits on from the dispatch goroutine during teardown.
	e.conn.OnOpen(func() {
		e.dispatch.tryDo(func() { e.setConnected(true) })
	})
	e.conn.OnError(func(err error) {
		e.dispatch.tryDo(func() {
			e.setConnected(false)
			e.emitError(fmt.Sprintf("stream error: %v", err))
		})
	})
	e.conn.OnClosed(func() {
		e.dispatch.tryDo(func() { e.setConnected(false) })
	})

	return e
}

// SetListener registers the listener for engine outputs.
func (e *Engine) SetListener(listener Listener) {
	_, _ = e.dispatch.call(func() (any, error) {
		e.listener = listener
		return nil, nil
	})
}

// Open switches the engine to sessionID. Any prior subscription is torn down
// and the ledger and buffer cleared before the new session's snapshot fetch
// begins, so events can never leak across sessions. The snapshot fetch and
// the stream connect run concurrently; live events arriving before the
// backlog merge are absorbed by the ledger's dedup rule.
//
// ctx governs both the fetch and the lifetime of the stream subscription.
func (e *Engine) Open(ctx context.Context, sessionID string) error {
	_, err := e.dispatch.call(func() (any, error) {
		return nil, e.open(ctx, sessionID)
	})
	return err
}

func (e *Engine) open(ctx context.Context, sessionID string) error {
	e.teardown()
	e.sessionID = sessionID

	group, fetchCtx := errgroup.WithContext(ctx)

	var snapshot wire.Session
	var backlog []wire.SessionEvent
	group.Go(func() error {
		session, err := e.cfg.API.SessionStatus(fetchCtx, sessionID)
		if err != nil {
			return err
		}
		events, err := e.cfg.API.SessionEvents(fetchCtx, sessionID, e.cfg.BacklogLimit)
		if err != nil {
			return err
		}
		snapshot = session
		backlog = events
		return nil
	})
	// The subscription must outlive the fetch group, so it uses the caller's
	// context rather than the group's.
	group.Go(func() error {
		return e.conn.Connect(ctx, sessionID)
	})

	if err := group.Wait(); err != nil {
		// Failed initialization leaves no partial ledger connected to the
		// stream.
		e.teardown()
		return fmt.Errorf("open session %s: %w", sessionID, err)
	}

	e.base = snapshot
	for _, event := range backlog {
		e.ledger.Append(event)
	}
	e.scheduleRecompute()
	return nil
}

// Submit sends input as a new turn. The message appears in the transcript
// immediately as an optimistic entry; it is removed when the matching
// user_message event arrives or after the configured expiry, whichever comes
// first. If no session is open yet, Submit creates one with input as the
// initiating query and connects its stream.
//
// On request failure the optimistic entry is rolled back and the input text
// is handed back through Listener.OnSubmitFailed.
func (e *Engine) Submit(ctx context.Context, input string) error {
	_, err := e.dispatch.call(func() (any, error) {
		return nil, e.submit(ctx, input)
	})
	return err
}

func (e *Engine) submit(ctx context.Context, input string) error {
	text := strings.TrimSpace(input)
	if text == "" {
		return fmt.Errorf("empty input")
	}
	// A second submission before the create response binds the session id
	// would open a second server session and split the conversation.
	if e.sessionID == "" && e.createPending {
		return fmt.Errorf("session is still being created, retry in a moment")
	}

	now := e.cfg.Now()
	message := e.buffer.Add(text, now)
	e.scheduleRecompute()

	time.AfterFunc(e.cfg.OptimisticExpiry, func() {
		_ = e.dispatch.do(func() {
			// Expiry is unconditional: by now the ledger holds the
			// authoritative copy if the submission went through.
			if e.buffer.Remove(message.ID) {
				e.scheduleRecompute()
			}
		})
	})

	creating := e.sessionID == ""
	if creating {
		e.createPending = true
		// Client-side placeholder while the create request is in flight.
		e.base = wire.Session{
			SessionID: "local-" + uuid.NewString(),
			Query:     text,
			QueryType: e.cfg.QueryType,
			Status:    wire.StatusPending,
			CreatedAt: now.Format(time.RFC3339),
		}
	}
	sessionID := e.sessionID
	req := wire.CreateSessionRequest{Query: text, QueryType: e.cfg.QueryType, RepoName: e.cfg.RepoName}

	go func() {
		var resp wire.CreateSessionResponse
		var err error
		if creating {
			resp, err = e.cfg.API.CreateSession(ctx, req)
		} else {
			resp, err = e.cfg.API.PostMessage(ctx, sessionID, req)
		}

		_ = e.dispatch.do(func() {
			if creating {
				e.createPending = false
			}
			if err != nil {
				if creating {
					// No session exists; drop the placeholder so the rolled
					// back query cannot resurface from it.
					e.base = wire.Session{}
				}
				e.buffer.Remove(message.ID)
				e.scheduleRecompute()
				e.emitSubmitFailed(text, err.Error())
				return
			}
			if creating {
				e.sessionID = resp.SessionID
				e.base.SessionID = resp.SessionID
				e.base.Status = resp.Status
				e.base.CreatedAt = resp.CreatedAt
				if connectErr := e.conn.Connect(ctx, resp.SessionID); connectErr != nil {
					e.emitError(fmt.Sprintf("connect stream: %v", connectErr))
				}
				e.scheduleRecompute()
			}
		})
	}()
	return nil
}

// Reconnect re-opens the live stream for the current session. The ledger is
// left intact; the server's backlog replay deduplicates away.
func (e *Engine) Reconnect(ctx context.Context) error {
	_, err := e.dispatch.call(func() (any, error) {
		if e.sessionID == "" {
			return nil, fmt.Errorf("no session open")
		}
		return nil, e.conn.Connect(ctx, e.sessionID)
	})
	return err
}

// Close releases the stream subscription and clears per-session state. Safe
// to call on every exit path.
func (e *Engine) Close() {
	_, _ = e.dispatch.call(func() (any, error) {
		e.teardown()
		return nil, nil
	})
}

// Transcript returns the most recently derived transcript.
func (e *Engine) Transcript() []DisplayMessage {
	value, _ := e.dispatch.call(func() (any, error) {
		out := make([]DisplayMessage, len(e.transcript))
		copy(out, e.transcript)
		return out, nil
	})
	messages, _ := value.([]DisplayMessage)
	return messages
}

// Session returns the current session projection.
func (e *Engine) Session() wire.Session {
	value, _ := e.dispatch.call(func() (any, error) {
		return e.session, nil
	})
	session, _ := value.(wire.Session)
	return session
}

// RunningSteps returns the steps of the in-progress turn for the live
// progress view.
func (e *Engine) RunningSteps() []StepSummary {
	value, _ := e.dispatch.call(func() (any, error) {
		return RunningSteps(e.ledger.All()), nil
	})
	steps, _ := value.([]StepSummary)
	return steps
}

// Connected reports live-stream connectivity.
func (e *Engine) Connected() bool {
	value, _ := e.dispatch.call(func() (any, error) {
		return e.connected, nil
	})
	connected, _ := value.(bool)
	return connected
}

// SessionID returns the active session id, empty when none is open.
func (e *Engine) SessionID() string {
	value, _ := e.dispatch.call(func() (any, error) {
		return e.sessionID, nil
	})
	id, _ := value.(string)
	return id
}

func (e *Engine) teardown() {
	e.conn.Disconnect()
	e.ledger.Clear()
	e.buffer.Clear()
	e.base = wire.Session{}
	e.session = wire.Session{}
	e.transcript = nil
	e.sessionID = ""
	e.createPending = false
	e.setConnected(false)
}

// ingestQueued moves a connector event onto the dispatch goroutine. The
// enqueue is non-blocking so a slow consumer can never wedge the stream's
// read loop; the queue is far deeper than any realistic event burst.
func (e *Engine) ingestQueued(event wire.SessionEvent) {
	if !e.dispatch.tryDo(func() { e.ingest(event) }) {
		logger.Warnf("engine: event queue full, dropping %s", event.EventType)
	}
}

func (e *Engine) ingest(event wire.SessionEvent) {
	if event.SessionID != "" && e.sessionID != "" && event.SessionID != e.sessionID {
		logger.Debugf("engine: dropping event for foreign session %s", event.SessionID)
		return
	}
	if !e.ledger.Append(event) {
		return
	}
	if event.EventType == wire.EventUserMessage {
		// The authoritative copy arrived; retire the optimistic entry early.
		e.buffer.RemoveMatching(event.OutputString())
	}
}

// scheduleRecompute queues one transcript re-derivation, coalescing bursts.
func (e *Engine) scheduleRecompute() {
	if !e.recomputePending.CompareAndSwap(false, true) {
		return
	}
	_ = e.dispatch.do(func() {
		e.recomputePending.Store(false)
		e.recompute()
	})
}

func (e *Engine) recompute() {
	events := e.ledger.All()
	e.session = Project(e.base, events)
	e.transcript = Derive(e.session, events, e.buffer.Messages(), e.cfg.Now())

	listener := e.listener
	if listener == nil {
		return
	}
	session := e.session
	transcript := make([]DisplayMessage, len(e.transcript))
	copy(transcript, e.transcript)
	_ = e.callbacks.do(func() {
		listener.OnSession(session)
		listener.OnTranscript(transcript)
	})
}

func (e *Engine) setConnected(connected bool) {
	if e.connected == connected {
		return
	}
	e.connected = connected
	listener := e.listener
	if listener != nil {
		_ = e.callbacks.do(func() { listener.OnConnection(connected) })
	}
}

func (e *Engine) emitError(message string) {
	listener := e.listener
	if listener != nil {
		_ = e.callbacks.do(func() { listener.OnError(message) })
	}
}

func (e *Engine) emitSubmitFailed(input, message string) {
	listener := e.listener
	if listener != nil {
		_ = e.callbacks.do(func() { listener.OnSubmitFailed(input, message) })
	}
}
