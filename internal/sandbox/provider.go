// Package sandbox manages ephemeral execution environments for agent task
// attempts: environment assembly, instruction materialization, provider
// lifecycle (open, wait, capture, teardown) and file-change detection.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/worldmind/worldmind/internal/models"
)

// ExitTimeout is the exit code surfaced when a sandbox did not complete
// within its deadline or the wait itself failed.
const ExitTimeout = -1

// OpenRequest carries everything a provider needs to start one sandbox.
type OpenRequest struct {
	Agent           models.Agent
	TaskID          string
	MissionID       string
	ProjectPath     string
	InstructionPath string
	// InstructionKey addresses the instruction in the transient store for
	// providers that fetch it over the internal HTTP side-channel.
	InstructionKey string
	Env            map[string]string
	RuntimeTag     string
	GitRemote      string
	Iteration      int
}

// Provider is the sandbox lifecycle contract. Implementations must make
// TeardownSandbox idempotent: tearing down an already-stopped sandbox is not
// an error.
type Provider interface {
	// OpenSandbox starts the sandbox and returns its id. Infrastructure
	// failures are reported as *ProviderUnavailableError.
	OpenSandbox(ctx context.Context, req OpenRequest) (string, error)
	// WaitForCompletion blocks until the sandbox process exits or the
	// timeout elapses, returning the exit code or ExitTimeout.
	WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error)
	// CaptureOutput returns combined stdout+stderr. The raw output stays
	// with the provider; consumers truncate for state storage.
	CaptureOutput(ctx context.Context, sandboxID string) (string, error)
	// TeardownSandbox releases the sandbox. Idempotent.
	TeardownSandbox(ctx context.Context, sandboxID string) error
}

// ChangeDetector is an optional provider capability. Returning (nil, nil)
// signals "no opinion, use the default detection chain".
type ChangeDetector interface {
	DetectChanges(ctx context.Context, taskID, projectPath string) ([]models.FileChange, error)
}

// Snapshotter is an optional provider capability for snapshot-based change
// detection, used when the manager cannot walk the project filesystem itself
// (e.g. the manager runs containerized and a helper sidecar does the walk).
type Snapshotter interface {
	SnapshotProjectFiles(ctx context.Context, projectPath string) (map[string]time.Time, error)
	DetectChangesBySnapshot(ctx context.Context, before map[string]time.Time, projectPath string) ([]models.FileChange, error)
}

// ProviderUnavailableError reports a sandbox infrastructure failure. The
// dispatcher converts it into a FAILED wave result subject to the task's
// retry strategy.
type ProviderUnavailableError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("sandbox provider unavailable during %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// InstructionIOError reports a failure to materialize or remove the
// instruction file. Fatal for the task, surfaced like a provider failure.
type InstructionIOError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *InstructionIOError) Error() string {
	return fmt.Sprintf("instruction file %s: %v", e.Path, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *InstructionIOError) Unwrap() error { return e.Err }
