// Package journal persists the live operation set so a process restart does
// not silently drop work that was still pending. Without a journal the queue
// is memory-only and a crash loses unacknowledged operations.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"parking-edge-sync/internal/models"
)

// File is an on-disk journal holding one entry per live operation. Every
// mutation rewrites the file through a temp-file rename; the queue is low
// volume, so the full rewrite stays cheap.
type File struct {
	path string

	mu      sync.Mutex
	entries map[string]models.QueuedOperation
}

// Open creates or loads a journal at path.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &File{path: path, entries: make(map[string]models.QueuedOperation)}
	if err := j.load(); err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	return j, nil
}

// Record writes the operation's current state into the journal.
func (j *File) Record(op models.QueuedOperation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[op.ID] = op
	return j.persist()
}

// Remove drops an operation, typically after eviction or a maintenance clear.
func (j *File) Remove(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[id]; !ok {
		return nil
	}
	delete(j.entries, id)
	return j.persist()
}

// Load returns the journaled operations ordered by enqueue time. In-flight
// records are demoted to pending: if the process died mid-attempt, the write
// either landed (and the idempotent store absorbs the replay) or it did not.
func (j *File) Load() ([]models.QueuedOperation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]models.QueuedOperation, 0, len(j.entries))
	for _, op := range j.entries {
		if op.Status == models.StatusProcessing {
			op.Status = models.StatusPending
		}
		out = append(out, op)
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].EnqueuedAt.Before(out[b].EnqueuedAt)
	})
	return out, nil
}

// Len returns the number of journaled operations.
func (j *File) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *File) load() error {
	raw, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var ops []models.QueuedOperation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return fmt.Errorf("decode journal: %w", err)
	}
	for _, op := range ops {
		j.entries[op.ID] = op
	}
	return nil
}

// persist rewrites the journal atomically. Caller holds the lock.
func (j *File) persist() error {
	ops := make([]models.QueuedOperation, 0, len(j.entries))
	for _, op := range j.entries {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(a, b int) bool {
		return ops[a].EnqueuedAt.Before(ops[b].EnqueuedAt)
	})
	raw, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("swap journal: %w", err)
	}
	return nil
}
