package models

import (
	"errors"
	"fmt"
	"regexp"
)

// Agent identifies the role executed inside a sandbox for one task attempt.
type Agent string

// Agent role constants
const (
	AgentCoder      Agent = "CODER"
	AgentTester     Agent = "TESTER"
	AgentReviewer   Agent = "REVIEWER"
	AgentRefactorer Agent = "REFACTORER"
	AgentResearcher Agent = "RESEARCHER"
	AgentDeployer   Agent = "DEPLOYER"
)

// Valid reports whether the agent is one of the known roles.
func (a Agent) Valid() bool {
	switch a {
	case AgentCoder, AgentTester, AgentReviewer, AgentRefactorer, AgentResearcher, AgentDeployer:
		return true
	}
	return false
}

// ProducesCode reports whether the agent's output is subject to the quality
// gate (tester + reviewer) before the task counts as complete.
func (a Agent) ProducesCode() bool {
	return a == AgentCoder || a == AgentRefactorer
}

// TaskStatus tracks a task through one attempt. The progression is monotone
// within an attempt (PENDING -> EXECUTING -> terminal) and resets to PENDING
// when the quality gate requests a retry.
type TaskStatus string

// Task status constants
const (
	TaskPending   TaskStatus = "PENDING"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskPassed    TaskStatus = "PASSED"
	TaskFailed    TaskStatus = "FAILED"
	// TaskVerifying marks CODER/REFACTORER output awaiting the quality gate.
	TaskVerifying TaskStatus = "VERIFYING"
	// TaskSkipped marks a failed task abandoned under the SKIP strategy.
	// Dependents treat it as completed; the failure stays on record as a
	// warning, not a mission-failing verdict.
	TaskSkipped TaskStatus = "SKIPPED"
)

// FailureStrategy selects how the evaluator reacts when a task fails or is
// denied by the quality gate.
type FailureStrategy string

// Failure strategy constants
const (
	StrategyRetry    FailureStrategy = "RETRY"
	StrategySkip     FailureStrategy = "SKIP"
	StrategyEscalate FailureStrategy = "ESCALATE"
	StrategyReplan   FailureStrategy = "REPLAN"
)

// DefaultMaxIterations bounds retry attempts per task when the plan does not
// specify its own limit.
const DefaultMaxIterations = 3

var taskIDPattern = regexp.MustCompile(`^TASK-\d{3,}$`)

// Task is a unit of work produced by the Plan node and executed by one agent
// per attempt. The dispatcher updates Status, FileChanges and ElapsedMS; the
// quality-gate evaluator is the sole writer of Iteration.
type Task struct {
	ID              string          `json:"id"`
	Agent           Agent           `json:"agent"`
	Description     string          `json:"description"`
	InputContext    string          `json:"input_context,omitempty"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	Status          TaskStatus      `json:"status"`
	Iteration       int             `json:"iteration"`
	MaxIterations   int             `json:"max_iterations"`
	OnFailure       FailureStrategy `json:"on_failure"`
	TargetFiles     []string        `json:"target_files,omitempty"`
	FileChanges     []FileChange    `json:"file_changes,omitempty"`
	ElapsedMS       int64           `json:"elapsed_ms"`
}

// Validate checks the task's required fields and identifier format.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if !taskIDPattern.MatchString(t.ID) {
		return fmt.Errorf("task %s: id must match TASK-NNN", t.ID)
	}
	if !t.Agent.Valid() {
		return fmt.Errorf("task %s: unknown agent %q", t.ID, t.Agent)
	}
	if t.Description == "" {
		return fmt.Errorf("task %s: description is required", t.ID)
	}
	if t.MaxIterations < 1 {
		return fmt.Errorf("task %s: max_iterations must be at least 1", t.ID)
	}
	return nil
}

// IterationsRemain reports whether the task may be retried.
func (t *Task) IterationsRemain() bool {
	return t.Iteration < t.MaxIterations
}

// TerminallyFailed reports whether the task has failed with no retries left.
// The scheduler never emits terminally failed tasks into a wave.
func (t *Task) TerminallyFailed() bool {
	return t.Status == TaskFailed && !t.IterationsRemain()
}

// FormatTaskID renders the sequential TASK-NNN identifier for index n (1-based).
func FormatTaskID(n int) string {
	return fmt.Sprintf("TASK-%03d", n)
}

// ValidateTasks checks id uniqueness, id format and dependency closure across
// a plan's task list.
func ValidateTasks(tasks []Task) error {
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return err
		}
		if seen[tasks[i].ID] {
			return fmt.Errorf("task %s: duplicate task id", tasks[i].ID)
		}
		seen[tasks[i].ID] = true
	}
	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			if !seen[dep] {
				return fmt.Errorf("task %s: depends on unknown task %s", tasks[i].ID, dep)
			}
			if dep == tasks[i].ID {
				return fmt.Errorf("task %s: depends on itself", tasks[i].ID)
			}
		}
	}
	if HasCyclicDependencies(tasks) {
		return errors.New("circular dependency detected")
	}
	return nil
}

// HasCyclicDependencies detects circular dependencies using DFS with color
// marking (white=unvisited, gray=visiting, black=visited).
func HasCyclicDependencies(tasks []Task) bool {
	graph := make(map[string][]string, len(tasks))
	known := make(map[string]bool, len(tasks))
	for i := range tasks {
		known[tasks[i].ID] = true
		graph[tasks[i].ID] = nil
	}
	for i := range tasks {
		for _, dep := range tasks[i].Dependencies {
			if dep == tasks[i].ID {
				return true
			}
			if known[dep] {
				graph[dep] = append(graph[dep], tasks[i].ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(known))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, next := range graph[node] {
			if colors[next] == gray {
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range known {
		if colors[id] == white && dfs(id) {
			return true
		}
	}
	return false
}
