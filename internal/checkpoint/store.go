// Package checkpoint persists mission state snapshots between graph nodes so
// a mission survives process restarts. Snapshots are keyed by
// (thread_id, checkpoint_id) and ordered by insertion.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/worldmind/worldmind/internal/models"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint: no snapshot for thread")

// Snapshot is one durable capture of mission state. NodeName records the node
// to execute next when resuming from this snapshot.
type Snapshot struct {
	ThreadID     string              `json:"thread_id"`
	CheckpointID string              `json:"checkpoint_id"`
	NodeName     string              `json:"node_name"`
	CreatedAt    time.Time           `json:"created_at"`
	State        models.MissionState `json:"state"`
}

// Store is the checkpoint persistence contract. Put is atomic and replaces
// any snapshot with the same (thread_id, checkpoint_id). GetLatest returns
// the most recent snapshot by insertion order.
type Store interface {
	Put(ctx context.Context, snap Snapshot) error
	GetLatest(ctx context.Context, threadID string) (Snapshot, error)
	List(ctx context.Context, threadID string) ([]Snapshot, error)
	Close() error
}
