package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Intended for tests and
// single-process runs; snapshots still round-trip through JSON so resume
// behavior matches the SQL backend exactly.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]map[string]int // thread -> checkpoint id -> index in order
	ordered map[string][][]byte       // thread -> serialized snapshots in insertion order
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]map[string]int),
		ordered: make(map[string][][]byte),
	}
}

// Put stores or replaces the snapshot for (thread_id, checkpoint_id).
// Replacement keeps the original insertion position.
func (m *MemoryStore) Put(_ context.Context, snap Snapshot) error {
	if snap.ThreadID == "" || snap.CheckpointID == "" {
		return fmt.Errorf("checkpoint: thread_id and checkpoint_id are required")
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: serialize snapshot: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byID[snap.ThreadID]
	if ids == nil {
		ids = make(map[string]int)
		m.byID[snap.ThreadID] = ids
	}
	if idx, ok := ids[snap.CheckpointID]; ok {
		m.ordered[snap.ThreadID][idx] = blob
		return nil
	}
	ids[snap.CheckpointID] = len(m.ordered[snap.ThreadID])
	m.ordered[snap.ThreadID] = append(m.ordered[snap.ThreadID], blob)
	return nil
}

// GetLatest returns the most recently inserted snapshot for the thread.
func (m *MemoryStore) GetLatest(_ context.Context, threadID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs := m.ordered[threadID]
	if len(blobs) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return decode(blobs[len(blobs)-1])
}

// List returns all snapshots for the thread in chronological order.
func (m *MemoryStore) List(_ context.Context, threadID string) ([]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blobs := m.ordered[threadID]
	out := make([]Snapshot, 0, len(blobs))
	for _, blob := range blobs {
		snap, err := decode(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func decode(blob []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: deserialize snapshot: %w", err)
	}
	return snap, nil
}
