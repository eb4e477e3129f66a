package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aelling/parley/internal/wire"
	"github.com/aelling/parley/pkg/logger"
)

// Handler receives one decoded session event.
type Handler func(event wire.SessionEvent)

// Client maintains at most one live event-stream subscription per session.
//
// Handlers are registered per event name and invoked one at a time from the
// read loop; no two events for a session are ever delivered concurrently.
// Reconnection is never automatic: transport errors surface through OnError
// and the caller decides when to call Connect again. Connect always tears
// down any prior subscription first, so teardown-then-reconnect is safe to
// invoke at any time.
type Client struct {
	streamURL  func(sessionID string) string
	httpClient *http.Client

	mu        sync.Mutex
	handlers  map[wire.EventType]Handler
	onOpen    func()
	onError   func(err error)
	onClosed  func()
	cancel    context.CancelFunc
	done      chan struct{}
	sessionID string
	connected bool
}

// NewClient creates a stream client. streamURL maps a session id to the
// absolute URL of its event stream.
func NewClient(streamURL func(sessionID string) string) *Client {
	return &Client{
		streamURL: streamURL,
		// No overall timeout: the stream stays open for the session's life.
		httpClient: &http.Client{},
		handlers:   make(map[wire.EventType]Handler),
	}
}

// On registers the handler for an event name. Frames with unrecognized names
// are delivered to the handler registered for wire.EventUnknown.
func (c *Client) On(eventType wire.EventType, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
}

// OnOpen registers a callback invoked when the server acknowledges the
// subscription.
func (c *Client) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

// OnError registers a callback for transport failures. The subscription is
// closed when it fires; the ledger and derived transcript are untouched.
func (c *Client) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// OnClosed registers a callback invoked when the stream ends cleanly or after
// Disconnect.
func (c *Client) OnClosed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

// Connect opens the event stream for sessionID, tearing down any prior
// subscription first. The server may replay backlog events already fetched
// elsewhere; the ledger's dedup rule absorbs them.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	c.Disconnect()

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.streamURL(sessionID), nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open stream: HTTP %d", resp.StatusCode)
	}

	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.sessionID = sessionID
	c.mu.Unlock()

	go c.readLoop(resp, done)
	return nil
}

// Disconnect releases the underlying transport. Safe to call with no active
// subscription, and safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Connected reports whether the stream is open and acknowledged.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SessionID returns the session the client is (or was last) subscribed to.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) readLoop(resp *http.Response, done chan struct{}) {
	defer close(done)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Next() {
		c.dispatch(scanner.Frame())
	}

	err := scanner.Err()

	c.mu.Lock()
	c.connected = false
	onError := c.onError
	onClosed := c.onClosed
	canceled := c.cancel == nil
	c.mu.Unlock()

	// A read error after Disconnect is just the canceled request; report it
	// as a clean close.
	if err != nil && !canceled {
		logger.Warnf("stream: read failed: %v", err)
		if onError != nil {
			onError(err)
		}
		return
	}
	if onClosed != nil {
		onClosed()
	}
}

func (c *Client) dispatch(frame Frame) {
	switch wire.EventType(frame.Name) {
	case wire.StreamHeartbeat:
		// Keep-alive only; never forwarded.
		logger.Tracef("stream: heartbeat")
		return
	case wire.StreamConnected:
		c.mu.Lock()
		c.connected = true
		onOpen := c.onOpen
		c.mu.Unlock()
		if onOpen != nil {
			onOpen()
		}
		return
	}

	event, err := wire.ParseFrame(frame.Name, []byte(frame.Data))
	if err != nil {
		// Malformed payloads never reach the ledger and never kill the stream.
		logger.Warnf("stream: dropping malformed %q frame: %v", frame.Name, err)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	handler := c.handlers[event.EventType]
	c.mu.Unlock()

	if handler != nil {
		handler(event)
	}
}
