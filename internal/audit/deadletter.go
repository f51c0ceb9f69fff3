package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DeadLetter is spec.md §3's DeadLetter metadata record. The raw body is
// never persisted — only its SHA-256 digest, so an operator can
// recognize repeated blocked content without the gateway ever retaining
// it.
type DeadLetter struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Direction string    `json:"direction"`
	Party     string    `json:"party"`
	Reason    string    `json:"reason"`
	Digest    string    `json:"content_digest"`
}

// Digest returns the SHA-256 hex digest of raw message bytes. The raw
// bytes themselves must never be passed anywhere else once this is
// computed.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// DeadLetterStore writes one small file per record into a directory,
// named by a globally unique id (spec.md §4.6). Each write is a fresh
// file, so no cross-writer coordination is needed (spec.md §5).
type DeadLetterStore struct {
	dir string
}

// NewDeadLetterStore ensures dir exists and returns a store over it.
func NewDeadLetterStore(dir string) (*DeadLetterStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("deadletter: mkdir %s: %w", dir, err)
	}
	return &DeadLetterStore{dir: dir}, nil
}

// Write records a blocked operation's metadata and returns its id.
func (s *DeadLetterStore) Write(channel, direction, party, reason string, body []byte) (DeadLetter, error) {
	dl := DeadLetter{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Direction: direction,
		Party:     party,
		Reason:    reason,
		Digest:    Digest(body),
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("deadletter: marshal: %w", err)
	}

	path := filepath.Join(s.dir, dl.ID+".json")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return DeadLetter{}, fmt.Errorf("deadletter: write %s: %w", path, err)
	}
	return dl, nil
}

// List reads up to limit dead-letter records in reverse time order,
// optionally restricted to those at or after since. admin.get_dead_letters
// never returns content or digests of requests that are still pending —
// there is no such notion here since every write is terminal, but the
// method only ever surfaces committed files, never in-flight state.
func (s *DeadLetterStore) List(limit int, since time.Time) ([]DeadLetter, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("deadletter: readdir %s: %w", s.dir, err)
	}

	records := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			continue
		}
		if !since.IsZero() && dl.Timestamp.Before(since) {
			continue
		}
		records = append(records, dl)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}
