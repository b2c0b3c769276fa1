package mission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/models"
)

func planOf(agents ...models.Agent) []models.Task {
	tasks := make([]models.Task, len(agents))
	for i, a := range agents {
		tasks[i] = models.Task{Agent: a, Description: "do " + string(a) + " work"}
	}
	return tasks
}

func TestRepairPlan_SequentialIDs(t *testing.T) {
	tasks := RepairPlan(planOf(models.AgentResearcher, models.AgentCoder, models.AgentTester), false, 3)

	require.Len(t, tasks, 3)
	assert.Equal(t, "TASK-001", tasks[0].ID)
	assert.Equal(t, "TASK-002", tasks[1].ID)
	assert.Equal(t, "TASK-003", tasks[2].ID)
	for _, task := range tasks {
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Equal(t, 3, task.MaxIterations)
		assert.Equal(t, models.StrategyRetry, task.OnFailure)
	}
	require.NoError(t, models.ValidateTasks(tasks))
}

func TestRepairPlan_DependencyRewrite(t *testing.T) {
	tasks := RepairPlan(planOf(
		models.AgentResearcher,
		models.AgentResearcher,
		models.AgentCoder,
		models.AgentTester,
		models.AgentReviewer,
	), false, 3)

	assert.Empty(t, tasks[0].Dependencies)
	assert.Empty(t, tasks[1].Dependencies)
	// Coder waits on every preceding researcher.
	assert.Equal(t, []string{"TASK-001", "TASK-002"}, tasks[2].Dependencies)
	// Tester and reviewer bind to the nearest preceding code task.
	assert.Equal(t, []string{"TASK-003"}, tasks[3].Dependencies)
	assert.Equal(t, []string{"TASK-003"}, tasks[4].Dependencies)
}

func TestRepairPlan_OverridesPlannerDependencies(t *testing.T) {
	proposed := []models.Task{
		{Agent: models.AgentCoder, Description: "code", Dependencies: []string{"TASK-099"}},
		{Agent: models.AgentTester, Description: "test", Dependencies: []string{"nonsense"}},
	}
	tasks := RepairPlan(proposed, false, 3)

	assert.Empty(t, tasks[0].Dependencies)
	assert.Equal(t, []string{"TASK-001"}, tasks[1].Dependencies)
	require.NoError(t, models.ValidateTasks(tasks))
}

func TestRepairPlan_InjectsCoderForReviewOnlyPlan(t *testing.T) {
	tasks := RepairPlan(planOf(models.AgentResearcher, models.AgentReviewer), false, 3)

	require.Len(t, tasks, 3)
	assert.Equal(t, models.AgentResearcher, tasks[0].Agent)
	assert.Equal(t, models.AgentCoder, tasks[1].Agent)
	assert.Equal(t, models.AgentReviewer, tasks[2].Agent)
	assert.Equal(t, []string{"TASK-001"}, tasks[1].Dependencies)
	assert.Equal(t, []string{"TASK-002"}, tasks[2].Dependencies)
}

func TestRepairPlan_NoCoderInjectionWithoutCodeWork(t *testing.T) {
	tasks := RepairPlan(planOf(models.AgentResearcher), false, 3)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.AgentResearcher, tasks[0].Agent)
}

func TestRepairPlan_AppendsDeployer(t *testing.T) {
	tasks := RepairPlan(planOf(models.AgentCoder, models.AgentRefactorer), true, 3)

	require.Len(t, tasks, 3)
	dep := tasks[2]
	assert.Equal(t, models.AgentDeployer, dep.Agent)
	assert.Equal(t, "TASK-003", dep.ID)
	assert.Equal(t, []string{"TASK-001", "TASK-002"}, dep.Dependencies)
	assert.Equal(t, []string{"manifest.yml"}, dep.TargetFiles)
}

func TestRepairPlan_KeepsExistingDeployer(t *testing.T) {
	tasks := RepairPlan(planOf(models.AgentCoder, models.AgentDeployer), true, 3)
	require.Len(t, tasks, 2)
	assert.Equal(t, models.AgentDeployer, tasks[1].Agent)
}

func TestRepairPlan_PreservesExplicitIterationBudget(t *testing.T) {
	proposed := []models.Task{
		{Agent: models.AgentCoder, Description: "code", MaxIterations: 5, OnFailure: models.StrategySkip},
	}
	tasks := RepairPlan(proposed, false, 3)
	assert.Equal(t, 5, tasks[0].MaxIterations)
	assert.Equal(t, models.StrategySkip, tasks[0].OnFailure)
}
