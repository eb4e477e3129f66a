package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Buffer holds short-lived optimistic user messages: entries shown the
// instant a submission happens, before the corresponding server event is
// confirmed. Entries leave the buffer when a real user_message with matching
// content lands in the ledger, on expiry, or on submission failure.
type Buffer struct {
	mu      sync.Mutex
	entries []DisplayMessage
}

// NewBuffer creates an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Add inserts a provisional user message and returns it. The id is locally
// generated; the server never sees it.
func (b *Buffer) Add(content string, at time.Time) DisplayMessage {
	message := DisplayMessage{
		ID:        "local-" + uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: at,
		Pending:   true,
	}
	b.mu.Lock()
	b.entries = append(b.entries, message)
	b.mu.Unlock()
	return message
}

// Messages returns a copy of the current buffer contents.
func (b *Buffer) Messages() []DisplayMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DisplayMessage, len(b.entries))
	copy(out, b.entries)
	return out
}

// Remove deletes the entry with the given local id. It reports whether the
// buffer changed.
func (b *Buffer) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.entries {
		if entry.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveMatching deletes the oldest entry whose normalized content equals
// content. Called when a real user_message event is appended so a confirmed
// submission never shows twice.
func (b *Buffer) RemoveMatching(content string) bool {
	want := normalizeContent(content)
	if want == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, entry := range b.entries {
		if normalizeContent(entry.Content) == want {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the buffer and returns the removed entries so a failed
// submission can hand the input text back to the caller.
func (b *Buffer) Clear() []DisplayMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := b.entries
	b.entries = nil
	return removed
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func normalizeContent(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.TrimSpace(text)
}
