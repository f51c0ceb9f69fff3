// Package audit implements the append-only audit journal and the
// dead-letter metadata store (spec.md §4.6).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status is the outcome recorded for a request.
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

// Record is spec.md §3's AuditRecord.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction"`
	Target    string    `json:"target,omitempty"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Journal is a single append-only file of one JSON record per line. A
// single writer goroutine is not required for correctness here because
// every write holds mu for its duration — matching spec.md §5's "single
// writer task serializes appends" discipline without needing a separate
// goroutine, since os.File.Write is the only I/O and the mutex already
// gives us the serialization the spec asks for.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	enabled bool
}

// Open opens (creating if needed) the journal file at path in append
// mode. If enabled is false, Write and WriteSync are no-ops — the
// audit_enabled toggle is reloadable per spec.md §4.8.
func Open(path string, enabled bool) (*Journal, error) {
	j := &Journal{path: path, enabled: enabled}
	if !enabled {
		return j, nil
	}
	if err := j.reopen(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) reopen() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", j.path, err)
	}
	j.file = f
	return nil
}

// SetEnabled toggles audit writing live, reopening the file lazily on
// the next write if it was previously disabled.
func (j *Journal) SetEnabled(enabled bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = enabled
}

// Write appends a record without waiting for it to reach stable storage
// — acceptable loss for "allowed" outcomes per spec.md §4.6, since the
// send itself is independently observable via the adapter.
func (j *Journal) Write(r Record) error {
	return j.write(r, false)
}

// WriteSync appends a record and fsyncs before returning, so that no
// observable refusal exists without a durable record — required for
// every "blocked" outcome per spec.md §4.6/§9.
func (j *Journal) WriteSync(r Record) error {
	return j.write(r, true)
}

func (j *Journal) write(r Record, sync bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return nil
	}
	if j.file == nil {
		if err := j.reopen(); err != nil {
			return err
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		// External rotation may have removed the file out from under
		// us; reopen once and retry, per spec.md §4.6 ("the daemon
		// reopens on next write; rotation is not the daemon's
		// responsibility").
		j.file.Close()
		j.file = nil
		if reopenErr := j.reopen(); reopenErr != nil {
			return fmt.Errorf("audit: write: %w (reopen failed: %v)", err, reopenErr)
		}
		if _, err := j.file.Write(line); err != nil {
			return fmt.Errorf("audit: write after reopen: %w", err)
		}
	}

	if sync {
		return j.file.Sync()
	}
	return nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
