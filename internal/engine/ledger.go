package engine

import (
	"sort"
	"sync"

	"github.com/aelling/parley/internal/wire"
)

// Ledger is the append-only, deduplicating store of every event seen for the
// active session, historical and live. It is the single source of truth for
// the derived transcript; nothing else mutates it.
type Ledger struct {
	mu      sync.Mutex
	entries []wire.SessionEvent
	seen    map[string]struct{}
	subs    []func()
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// Append inserts event unless a duplicate (same timestamp, event type, and
// output) is already stored. It reports whether the ledger changed.
// Subscribers are notified exactly once per successful append.
func (l *Ledger) Append(event wire.SessionEvent) bool {
	l.mu.Lock()
	key := event.DedupKey()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		return false
	}
	l.seen[key] = struct{}{}
	l.entries = append(l.entries, event)
	subs := l.subs
	l.mu.Unlock()

	for _, notify := range subs {
		notify()
	}
	return true
}

// All returns the ledger contents ordered by timestamp. The sort is stable,
// so events with equal timestamps keep their arrival order. The returned
// slice is a copy.
func (l *Ledger) All() []wire.SessionEvent {
	l.mu.Lock()
	events := make([]wire.SessionEvent, len(l.entries))
	copy(events, l.entries)
	l.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// Len returns the number of stored events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear resets the ledger. Called when the active session id changes.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.seen = make(map[string]struct{})
}

// Subscribe registers a callback invoked after every successful append.
func (l *Ledger) Subscribe(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}
