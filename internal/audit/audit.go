// Package audit provides append-only structured logging for secret and
// migration events.
//
// Every secret access (store, retrieve, remove, clear) and every migration
// run is recorded to an audit log at ~/.seedvault/audit.log as
// newline-delimited JSON.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Action describes what happened.
type Action string

const (
	ActionSecretStore    Action = "secret_store"
	ActionSecretRetrieve Action = "secret_retrieve"
	ActionSecretRemove   Action = "secret_remove"
	ActionSecretClear    Action = "secret_clear"

	ActionMigrationStarted    Action = "migration_started"
	ActionMigrationCompleted  Action = "migration_completed"
	ActionMigrationFailed     Action = "migration_failed"
	ActionMigrationRolledBack Action = "migration_rolled_back"

	ActionBackendSwitched Action = "backend_switched"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Key       string    `json:"key,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Plan      string    `json:"plan,omitempty"`
	Source    string    `json:"source,omitempty"`
	Target    string    `json:"target,omitempty"`
	Actor     string    `json:"actor,omitempty"` // "cli", "daemon", "selector"
	Items     int       `json:"items,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives audit entries. *Logger is the file-backed implementation.
type Sink interface {
	Log(entry Entry) error
}

// Logger writes audit entries to an append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewLogger creates or opens an audit log file for appending.
func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string { return l.path }

// Log writes an audit entry.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// Tail reads the last n entries of the log at path, oldest first. A missing
// file yields no entries. Lines that fail to parse are skipped.
func Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	return entries, nil
}
