package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aelling/parley/internal/wire"
)

// Client is the HTTP collaborator for session management: snapshot fetches,
// session creation, message posts, and deletion. It carries no retry policy;
// callers decide when to retry.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the given server base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	// StatusCode is the HTTP status code.
	StatusCode int
	// Body is the raw response body, truncated.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Body)
}

// CreateSession creates a new execution session and starts it on the server.
func (c *Client) CreateSession(ctx context.Context, req wire.CreateSessionRequest) (wire.CreateSessionResponse, error) {
	var resp wire.CreateSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &resp); err != nil {
		return wire.CreateSessionResponse{}, fmt.Errorf("create session: %w", err)
	}
	return resp, nil
}

// PostMessage adds a follow-up message to an existing session, starting a new
// turn. The server rejects this with 409 while the session is still running.
func (c *Client) PostMessage(ctx context.Context, sessionID string, req wire.CreateSessionRequest) (wire.CreateSessionResponse, error) {
	var resp wire.CreateSessionResponse
	endpoint := fmt.Sprintf("/sessions/%s/messages", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodPost, endpoint, req, &resp); err != nil {
		return wire.CreateSessionResponse{}, fmt.Errorf("post message: %w", err)
	}
	return resp, nil
}

// SessionStatus fetches the current session projection.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (wire.Session, error) {
	var session wire.Session
	endpoint := fmt.Sprintf("/sessions/%s", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &session); err != nil {
		return wire.Session{}, fmt.Errorf("fetch session: %w", err)
	}
	return session, nil
}

// SessionEvents fetches the historical event backlog for a session.
func (c *Client) SessionEvents(ctx context.Context, sessionID string, limit int) ([]wire.SessionEvent, error) {
	endpoint := fmt.Sprintf("/sessions/%s/events", url.PathEscape(sessionID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp wire.SessionEventsResponse
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	for i := range resp.Events {
		resp.Events[i].IsHistorical = true
	}
	return resp.Events, nil
}

// DeleteSession deletes a session and its server-side data.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("/sessions/%s", url.PathEscape(sessionID))
	if err := c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// StreamURL returns the absolute URL of a session's event stream.
func (c *Client) StreamURL(sessionID string) string {
	return fmt.Sprintf("%s/sessions/%s/stream", c.baseURL, url.PathEscape(sessionID))
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody any, out any) error {
	var reader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
