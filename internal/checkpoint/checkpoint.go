// Package checkpoint persists resumable workflow state keyed by plan ID.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opspilot-ai/opspilot/internal/capability"
	"github.com/opspilot-ai/opspilot/internal/plan"
)

// ErrNotFound is returned when no checkpoint exists for a plan.
var ErrNotFound = errors.New("checkpoint not found")

// Snapshot is the serialized engine state for one plan. Writes always
// overwrite the whole snapshot so recovery never has to merge partial state:
// on load, the engine resumes from Cursor with no replay of completed steps.
type Snapshot struct {
	Plan     *plan.Plan       `json:"plan"`
	Sequence []capability.Ref `json:"sequence"` // full step order for the current pass
	Cursor   int              `json:"cursor"`   // index into Sequence of the next step to run
	Pass     int              `json:"pass"`     // 0 initial, 1+ revision passes
	NextSeq  uint64           `json:"next_seq"` // next progress event sequence number
	SavedAt  time.Time        `json:"saved_at"`
}

// Store is the persistence interface the engine writes through.
type Store interface {
	Save(planID string, snap *Snapshot) error
	Load(planID string) (*Snapshot, error)
	Clear(planID string) error
}

// FileStore keeps snapshots as one JSON file per plan, with an in-memory map
// in front of the directory.
type FileStore struct {
	dir       string
	snapshots map[string]*Snapshot
	mu        sync.RWMutex
}

// NewFileStore creates a file-backed checkpoint store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{
		dir:       dir,
		snapshots: make(map[string]*Snapshot),
	}, nil
}

// Save overwrites the snapshot for a plan.
func (s *FileStore) Save(planID string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.SavedAt = time.Now()
	s.snapshots[planID] = snap
	return s.flush(planID)
}

// Load returns the snapshot for a plan, reading through to disk when the
// in-memory map is cold (fresh process after a crash).
func (s *FileStore) Load(planID string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[planID]
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}

	data, err := os.ReadFile(s.path(planID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	snap = &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for plan %s: %w", planID, err)
	}

	s.mu.Lock()
	s.snapshots[planID] = snap
	s.mu.Unlock()
	return snap, nil
}

// Clear removes the checkpoint for a plan. Callers invoke this only after a
// plan has been terminal for longer than their retention window.
func (s *FileStore) Clear(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snapshots, planID)
	if err := os.Remove(s.path(planID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep clears checkpoints whose plans reached a terminal state before the
// retention cutoff. Returns the cleared plan IDs.
func (s *FileStore) Sweep(retention time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-retention)
	var cleared []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		if snap.Plan == nil || !snap.Plan.Status.Terminal() || snap.SavedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
			delete(s.snapshots, snap.Plan.ID)
			cleared = append(cleared, snap.Plan.ID)
		}
	}
	return cleared, nil
}

// flush writes a snapshot to disk. Caller holds the lock.
func (s *FileStore) flush(planID string) error {
	snap := s.snapshots[planID]
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(planID), data, 0644)
}

func (s *FileStore) path(planID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.json", planID))
}
