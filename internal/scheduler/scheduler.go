// Package scheduler computes the next wave of tasks to execute from the
// dependency graph and the set of completed tasks. It never reorders tasks
// across waves: ties break by original planning order.
package scheduler

import (
	"github.com/worldmind/worldmind/internal/models"
)

// NextWave selects the ordered subsequence of task ids to run concurrently.
// A task is ready when it is not completed, not terminally failed, and every
// dependency is in the completed set. An empty result signals convergence.
//
// SEQUENTIAL strategy emits at most one task; PARALLEL caps the wave at
// maxParallel. maxParallel below 1 is treated as 1.
func NextWave(tasks []models.Task, completed map[string]bool, strategy models.ExecutionStrategy, maxParallel int) []string {
	if maxParallel < 1 {
		maxParallel = 1
	}

	var ready []string
	for i := range tasks {
		t := &tasks[i]
		if completed[t.ID] || t.TerminallyFailed() {
			continue
		}
		if !depsSatisfied(t, completed) {
			continue
		}
		ready = append(ready, t.ID)
	}

	if len(ready) == 0 {
		return nil
	}
	if strategy == models.StrategySequential {
		return ready[:1]
	}
	if len(ready) > maxParallel {
		ready = ready[:maxParallel]
	}
	return ready
}

// Remaining reports whether any task is neither completed nor terminally
// failed. Converge uses this to distinguish a clean finish from a stall.
func Remaining(tasks []models.Task, completed map[string]bool) bool {
	for i := range tasks {
		if !completed[tasks[i].ID] && !tasks[i].TerminallyFailed() {
			return true
		}
	}
	return false
}

func depsSatisfied(t *models.Task, completed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}
