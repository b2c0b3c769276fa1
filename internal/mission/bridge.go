package mission

import (
	"fmt"
	"strings"

	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/deploy"
	"github.com/worldmind/worldmind/internal/instruction"
	"github.com/worldmind/worldmind/internal/models"
)

// Bridge adapts mission state to the dispatcher's contracts: it renders the
// agent-specific instruction for each task and interprets raw execution
// results into wave outcomes.
type Bridge struct {
	deployer config.DeployerConfig
}

// NewBridge creates a Bridge carrying the deployment configuration.
func NewBridge(deployer config.DeployerConfig) *Bridge {
	return &Bridge{deployer: deployer}
}

// InstructionFor routes instruction building by agent role.
func (b *Bridge) InstructionFor(st *models.MissionState, task models.Task) (string, error) {
	switch task.Agent {
	case models.AgentResearcher:
		return instruction.BuildResearcher(task, st.ProjectContext), nil

	case models.AgentCoder:
		return instruction.Build(task, st.ProjectContext, st.ReasoningLevel), nil

	case models.AgentRefactorer:
		return instruction.BuildRefactorer(task, st.ProjectContext, latestTestResult(st)), nil

	case models.AgentTester:
		source := sourceTask(st, task)
		if source == nil {
			return "", fmt.Errorf("%s: tester task has no code-producing dependency", task.ID)
		}
		return instruction.BuildTester(*source, st.ProjectContext, source.FileChanges), nil

	case models.AgentReviewer:
		source := sourceTask(st, task)
		if source == nil {
			return "", fmt.Errorf("%s: reviewer task has no code-producing dependency", task.ID)
		}
		return instruction.BuildReviewer(*source, st.ProjectContext, source.FileChanges, latestTestResult(st)), nil

	case models.AgentDeployer:
		return b.buildDeployer(st, task)
	}
	return "", fmt.Errorf("%s: no instruction builder for agent %q", task.ID, task.Agent)
}

func (b *Bridge) buildDeployer(st *models.MissionState, task models.Task) (string, error) {
	appType := ""
	if st.Classification != nil {
		appType = st.Classification.RuntimeTag
	}
	spec := instruction.DeployerSpec{
		MissionID:             st.MissionID,
		AppsDomain:            b.deployer.AppsDomain,
		ManifestCreatedByTask: st.ManifestCreatedByTask,
		ServiceBindings:       deploy.ServicesFromAnswer(st.ClarifyingAnswers),
		AppType:               appType,
		Config:                b.deployer,
	}
	if !st.ManifestCreatedByTask {
		manifest, err := deploy.GenerateManifest(deploy.ManifestSpec{
			MissionID: st.MissionID,
			AppType:   appType,
			Services:  spec.ServiceBindings,
			Config:    b.deployer,
		})
		if err != nil {
			return "", fmt.Errorf("%s: %w", task.ID, err)
		}
		spec.Manifest = manifest
	}
	return instruction.BuildDeployer(task, spec), nil
}

// InterpretExecution maps a raw sandbox result to the task's wave outcome.
// Code-producing agents that exit cleanly without touching a single file are
// treated as failures: an agent that "succeeded" by doing nothing must not
// reach the quality gate with empty evidence.
func (b *Bridge) InterpretExecution(task models.Task, result models.ExecutionResult) models.WaveDispatchResult {
	out := models.WaveDispatchResult{
		TaskID:      task.ID,
		FileChanges: result.FileChanges,
		Output:      result.Output,
		ElapsedMS:   result.ElapsedMS,
	}

	if result.ExitCode != 0 {
		out.Status = models.TaskFailed
		return out
	}

	if task.Agent.ProducesCode() {
		if len(result.FileChanges) == 0 {
			out.Status = models.TaskFailed
			out.Output = fmt.Sprintf("%s exited successfully but produced no file changes; treating as a failed attempt\n\n%s", task.Agent, result.Output)
			return out
		}
		if stray := createdOutsideTargets(task, result.FileChanges); len(stray) > 0 {
			out.Status = models.TaskFailed
			out.Output = fmt.Sprintf("%s created files outside its declared targets (%s); treating as a failed attempt\n\n%s",
				task.Agent, strings.Join(stray, ", "), result.Output)
			return out
		}
		out.Status = models.TaskVerifying
		return out
	}

	out.Status = models.TaskPassed
	return out
}

// createdOutsideTargets enforces strict file ownership: a task that declared
// target files may modify what exists but must not create files its targets
// do not cover.
func createdOutsideTargets(task models.Task, changes []models.FileChange) []string {
	if len(task.TargetFiles) == 0 {
		return nil
	}
	var stray []string
	for _, fc := range changes {
		if fc.Kind != models.ChangeCreated {
			continue
		}
		if !instruction.OwnsFile(task.TargetFiles, fc.Path) {
			stray = append(stray, fc.Path)
		}
	}
	return stray
}

// sourceTask resolves the code-producing task a tester or reviewer task
// verifies: the first dependency that produces code, falling back to the
// nearest preceding one in plan order.
func sourceTask(st *models.MissionState, task models.Task) *models.Task {
	for _, dep := range task.Dependencies {
		if t := st.TaskByID(dep); t != nil && t.Agent.ProducesCode() {
			return t
		}
	}
	var last *models.Task
	for i := range st.Tasks {
		if st.Tasks[i].ID == task.ID {
			break
		}
		if st.Tasks[i].Agent.ProducesCode() {
			last = &st.Tasks[i]
		}
	}
	return last
}

func latestTestResult(st *models.MissionState) *models.TestResult {
	if len(st.TestResults) == 0 {
		return nil
	}
	return &st.TestResults[len(st.TestResults)-1]
}
