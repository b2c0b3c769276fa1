package models

import "time"

// ChangeKind classifies a detected file change.
type ChangeKind string

// File change kinds
const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange records one file touched by a sandboxed agent run.
type FileChange struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// ExecutionResult is what the sandbox manager returns for one task attempt.
type ExecutionResult struct {
	ExitCode    int          `json:"exit_code"`
	Output      string       `json:"output"`
	SandboxID   string       `json:"sandbox_id"`
	FileChanges []FileChange `json:"file_changes,omitempty"`
	ElapsedMS   int64        `json:"elapsed_ms"`
}

// WaveDispatchResult is the per-task outcome of one wave, collected by the
// dispatcher and consumed by the quality-gate evaluator.
type WaveDispatchResult struct {
	TaskID      string       `json:"task_id"`
	Status      TaskStatus   `json:"status"`
	FileChanges []FileChange `json:"file_changes,omitempty"`
	Output      string       `json:"output,omitempty"`
	ElapsedMS   int64        `json:"elapsed_ms"`
}

// SandboxLifecycle tracks the coarse state of an ephemeral sandbox.
type SandboxLifecycle string

// Sandbox lifecycle states
const (
	SandboxRunning    SandboxLifecycle = "RUNNING"
	SandboxCompleted  SandboxLifecycle = "COMPLETED"
	SandboxFailed     SandboxLifecycle = "FAILED"
	SandboxTerminated SandboxLifecycle = "TERMINATED"
)

// SandboxInfo is retained in mission state after the sandbox itself is gone.
type SandboxInfo struct {
	SandboxID   string           `json:"sandbox_id"`
	Agent       Agent            `json:"agent"`
	TaskID      string           `json:"task_id"`
	Lifecycle   SandboxLifecycle `json:"lifecycle_status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Span returns the sandbox run duration, or zero when either timestamp is
// missing.
func (s SandboxInfo) Span() time.Duration {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return 0
	}
	return s.CompletedAt.Sub(*s.StartedAt)
}

// TestResult is the parsed outcome of a TESTER sub-dispatch.
type TestResult struct {
	TaskID     string `json:"task_id"`
	Passed     bool   `json:"passed"`
	Total      int    `json:"total"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
	Output     string `json:"output,omitempty"`
}

// ReviewFeedback is the parsed outcome of a REVIEWER sub-dispatch.
type ReviewFeedback struct {
	TaskID      string   `json:"task_id"`
	Approved    bool     `json:"approved"`
	Score       int      `json:"score"`
	Summary     string   `json:"summary,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// QualityGateDecision is the deterministic verdict for one CODER/REFACTORER
// attempt.
type QualityGateDecision struct {
	Granted  bool            `json:"granted"`
	Strategy FailureStrategy `json:"strategy,omitempty"`
	Reason   string          `json:"reason"`
}
