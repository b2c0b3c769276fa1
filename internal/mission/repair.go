package mission

import (
	"github.com/worldmind/worldmind/internal/models"
)

// RepairPlan normalizes a planner proposal into an executable task list.
// Repair is deterministic and overrides whatever dependencies the planner
// proposed:
//
//   - ids become sequential TASK-001..
//   - RESEARCHER tasks depend on nothing
//   - CODER tasks depend on all preceding RESEARCHER tasks
//   - TESTER and REVIEWER tasks depend on the nearest preceding code task
//   - a plan with REFACTORER/REVIEWER work but no CODER gets one injected
//   - with createDeployment, a DEPLOYER is appended depending on every
//     code-producing task, owning manifest.yml
func RepairPlan(proposed []models.Task, createDeployment bool, defaultMaxIterations int) []models.Task {
	tasks := append([]models.Task(nil), proposed...)

	tasks = injectCoderIfMissing(tasks)

	if createDeployment && !hasAgent(tasks, models.AgentDeployer) {
		tasks = append(tasks, models.Task{
			Agent:       models.AgentDeployer,
			Description: "Deploy the application to Cloud Foundry and verify it is running",
			TargetFiles: []string{"manifest.yml"},
			OnFailure:   models.StrategyRetry,
		})
	}

	for i := range tasks {
		t := &tasks[i]
		t.ID = models.FormatTaskID(i + 1)
		t.Status = models.TaskPending
		t.Iteration = 0
		if t.MaxIterations < 1 {
			if defaultMaxIterations < 1 {
				defaultMaxIterations = models.DefaultMaxIterations
			}
			t.MaxIterations = defaultMaxIterations
		}
		if t.OnFailure == "" {
			t.OnFailure = models.StrategyRetry
		}
	}

	for i := range tasks {
		tasks[i].Dependencies = repairedDeps(tasks, i)
	}
	return tasks
}

func repairedDeps(tasks []models.Task, i int) []string {
	switch tasks[i].Agent {
	case models.AgentResearcher:
		return nil
	case models.AgentCoder, models.AgentRefactorer:
		var deps []string
		for j := 0; j < i; j++ {
			if tasks[j].Agent == models.AgentResearcher {
				deps = append(deps, tasks[j].ID)
			}
		}
		return deps
	case models.AgentTester, models.AgentReviewer:
		for j := i - 1; j >= 0; j-- {
			if tasks[j].Agent.ProducesCode() {
				return []string{tasks[j].ID}
			}
		}
		return nil
	case models.AgentDeployer:
		var deps []string
		for j := 0; j < i; j++ {
			if tasks[j].Agent.ProducesCode() {
				deps = append(deps, tasks[j].ID)
			}
		}
		return deps
	}
	return nil
}

// injectCoderIfMissing adds a CODER when the plan implies code work but
// contains none: refactoring or reviewing with nothing to produce the code is
// a degenerate plan, repaired silently.
func injectCoderIfMissing(tasks []models.Task) []models.Task {
	if hasAgent(tasks, models.AgentCoder) {
		return tasks
	}
	if !hasAgent(tasks, models.AgentRefactorer) && !hasAgent(tasks, models.AgentReviewer) {
		return tasks
	}

	coder := models.Task{
		Agent:       models.AgentCoder,
		Description: "Implement the changes required by the product specification",
		OnFailure:   models.StrategyRetry,
	}

	// Insert after the last RESEARCHER so the positional dependency rewrite
	// links them.
	insertAt := 0
	for i := range tasks {
		if tasks[i].Agent == models.AgentResearcher {
			insertAt = i + 1
		}
	}
	out := make([]models.Task, 0, len(tasks)+1)
	out = append(out, tasks[:insertAt]...)
	out = append(out, coder)
	out = append(out, tasks[insertAt:]...)
	return out
}

func hasAgent(tasks []models.Task, agent models.Agent) bool {
	for i := range tasks {
		if tasks[i].Agent == agent {
			return true
		}
	}
	return false
}
