package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Record is durable, machine-local session metadata persisted under the
// parley home. It exists so `parley sessions` can list past conversations
// without asking the server; the transcript itself is always re-derived from
// server events.
type Record struct {
	// SessionID is the server-generated session id.
	SessionID string `json:"sessionId"`
	// Query is the initiating query, for list display.
	Query string `json:"query,omitempty"`
	// QueryType is the pipeline the session ran under.
	QueryType string `json:"queryType,omitempty"`
	// RepoName is the docs repository scope, when one was set.
	RepoName string `json:"repoName,omitempty"`
	// Status is the session status at the last interaction.
	Status string `json:"status,omitempty"`
	// CreatedAt is the server's creation timestamp (RFC3339 string).
	CreatedAt string `json:"createdAt,omitempty"`
	// UpdatedAtMs is the wall-clock timestamp of the most recent write.
	UpdatedAtMs int64 `json:"updatedAtMs,omitempty"`
}

// Store reads and writes session records under a sessions directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir. The directory is created lazily on
// first write.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("missing sessions directory")
	}
	return &Store{dir: dir}, nil
}

// Save writes the record to disk, replacing any previous entry for the same
// session id.
func (s *Store) Save(record Record) error {
	path, err := s.recordPath(record.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}

	record.UpdatedAtMs = time.Now().UnixMilli()
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the record for a session id. ok is false when no entry exists.
func (s *Store) Load(sessionID string) (record Record, ok bool, err error) {
	path, err := s.recordPath(sessionID)
	if err != nil {
		return Record{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// Update loads, mutates, and persists a record, creating it when absent.
func (s *Store) Update(sessionID string, update func(*Record)) error {
	record := Record{SessionID: sessionID}
	if existing, ok, err := s.Load(sessionID); err != nil {
		return err
	} else if ok {
		record = existing
	}
	update(&record)
	record.SessionID = sessionID
	return s.Save(record)
}

// List returns all stored records, most recently updated first. Unreadable
// entries are skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if record.SessionID == "" {
			continue
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAtMs > records[j].UpdatedAtMs
	})
	return records, nil
}

// Delete removes the record for a session id. Deleting a missing record is
// not an error.
func (s *Store) Delete(sessionID string) error {
	path, err := s.recordPath(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) recordPath(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("missing session id")
	}
	// Session ids are server-generated but sanitize anyway.
	sessionID = strings.ReplaceAll(sessionID, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, sessionID+".json"), nil
}
