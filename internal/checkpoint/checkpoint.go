// Package checkpoint persists the indexer's progress between cycles.
//
// The record is deliberately tiny: the highest fully-processed block and the
// agents deferred by the batch cap. Writes go through a sibling temp file and
// an atomic rename so a crash mid-write leaves either the complete previous
// record or the complete new one, never a torn file.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Checkpoint is the persisted indexer state.
type Checkpoint struct {
	// LastProcessedBlock is the highest block whose events have been folded
	// into scores; nil before the first completed cycle.
	LastProcessedBlock *uint64 `json:"lastProcessedBlock"`

	// PendingAgentIDs are agents that were dirty but did not fit in the last
	// cycle's batch, in first-seen order, deduplicated.
	PendingAgentIDs []string `json:"pendingAgentIds"`
}

// Store reads and writes checkpoints.
type Store interface {
	Load() (Checkpoint, error)
	Save(Checkpoint) error
}

// FileStore is the production Store: one JSON file with a trailing newline.
type FileStore struct {
	path string
}

// NewFileStore creates a store at path. The parent directory must exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the checkpoint. A missing file is the zero checkpoint, not an
// error; first runs have nothing to resume from.
func (s *FileStore) Load() (Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{PendingAgentIDs: []string{}}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", s.path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: parse %s: %w", s.path, err)
	}
	cp.PendingAgentIDs = sanitizeIDs(cp.PendingAgentIDs)
	return cp, nil
}

// Save writes the checkpoint atomically.
func (s *FileStore) Save(cp Checkpoint) error {
	cp.PendingAgentIDs = sanitizeIDs(cp.PendingAgentIDs)

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}

// sanitizeIDs drops non-numeric and duplicate entries, preserving first-seen
// order. Hand-edited or corrupted files degrade to a smaller pending set
// rather than poisoning a cycle.
func sanitizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || !allDigits(id) || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
