// Package gate is the quality-gate evaluator: after each wave it verifies
// code-producing output with TESTER and REVIEWER sub-dispatches, decides
// deterministically whether to accept it, and applies the task's failure
// strategy when it does not.
package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/worldmind/worldmind/internal/bus"
	"github.com/worldmind/worldmind/internal/instruction"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/metrics"
	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/sandbox"
	"github.com/worldmind/worldmind/internal/state"
)

// MinApprovalScore is the lowest review score the gate accepts.
const MinApprovalScore = 5

// criticalScoreCeiling: at or below this score a critical review overrides
// the task's own failure strategy with an escalation.
const criticalScoreCeiling = 2

// Escalation is the evaluator's verdict that the mission must stop.
type Escalation struct {
	TaskID string
	Reason string
}

func (e *Escalation) Error() string {
	return fmt.Sprintf("escalation on %s: %s", e.TaskID, e.Reason)
}

// Evaluator verifies wave output and applies failure strategies. It is the
// sole writer of task iteration counters.
type Evaluator struct {
	executor    sandbox.Executor
	projectPath string
	log         *logger.Logger
	sink        metrics.Sink
	events      *bus.Bus
}

// New creates an Evaluator running sub-dispatches through executor.
func New(executor sandbox.Executor, projectPath string, log *logger.Logger, sink metrics.Sink, events *bus.Bus) *Evaluator {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Evaluator{executor: executor, projectPath: projectPath, log: log, sink: sink, events: events}
}

// Decide is the deterministic gate rule: completion is granted only when the
// tests passed, the reviewer approved, and the score clears the threshold. A
// very low score paired with critical review text escalates regardless of the
// task's configured strategy.
func Decide(test models.TestResult, review models.ReviewFeedback) models.QualityGateDecision {
	if review.Score <= criticalScoreCeiling && ReviewIsCritical(review) {
		return models.QualityGateDecision{
			Granted:  false,
			Strategy: models.StrategyEscalate,
			Reason:   fmt.Sprintf("critical review at score %d/10: %s", review.Score, review.Summary),
		}
	}
	var reasons []string
	if !test.Passed {
		reasons = append(reasons, fmt.Sprintf("tests failed (%d of %d)", test.Failed, test.Total))
	}
	if !review.Approved {
		reasons = append(reasons, "reviewer did not approve")
	}
	if review.Score < MinApprovalScore {
		reasons = append(reasons, fmt.Sprintf("review score %d/10 below %d", review.Score, MinApprovalScore))
	}
	if len(reasons) == 0 {
		return models.QualityGateDecision{Granted: true, Reason: "tests passed and review approved"}
	}
	return models.QualityGateDecision{Granted: false, Reason: strings.Join(reasons, "; ")}
}

// EvaluateWave processes the wave's dispatch results: non-code successes
// complete directly, VERIFYING code output goes through the tester/reviewer
// gate, and failures consume an iteration under the task's strategy. A
// non-nil Escalation means the mission must stop with the returned patch
// applied first.
func (e *Evaluator) EvaluateWave(ctx context.Context, st models.MissionState) (state.Patch, *Escalation) {
	tasks := append([]models.Task(nil), st.Tasks...)
	var (
		completed   []string
		testResults []models.TestResult
		reviews     []models.ReviewFeedback
		errs        []string
		diagnoses   []string
		escalation  *Escalation
	)

	for _, result := range st.WaveDispatchResults {
		task := taskIn(tasks, result.TaskID)
		if task == nil {
			errs = append(errs, fmt.Sprintf("%s: wave result for unknown task", result.TaskID))
			continue
		}

		switch result.Status {
		case models.TaskPassed:
			completed = append(completed, task.ID)

		case models.TaskVerifying:
			test, review := e.verify(ctx, &st, *task, result)
			testResults = append(testResults, test)
			reviews = append(reviews, review)

			decision := Decide(test, review)
			e.sink.QualityGateDecision(decision.Granted)
			e.events.Publish(bus.TopicGateDecided, st.MissionID, map[string]any{
				"task_id": task.ID,
				"granted": decision.Granted,
				"reason":  decision.Reason,
			})

			if decision.Granted {
				e.log.Infof("%s: quality gate granted (%s)", task.ID, decision.Reason)
				task.Status = models.TaskPassed
				completed = append(completed, task.ID)
				continue
			}

			e.log.Warnf("%s: quality gate denied: %s", task.ID, decision.Reason)
			strategy := decision.Strategy
			if strategy == "" {
				strategy = task.OnFailure
			}
			diag := fmt.Sprintf("%s (%s) attempt %d denied by quality gate: %s", task.ID, task.Agent, task.Iteration+1, decision.Reason)
			if len(review.Issues) > 0 {
				diag += "\nIssues:\n- " + strings.Join(review.Issues, "\n- ")
			}
			e.applyStrategy(&st, task, strategy, diag, &completed, &errs, &diagnoses, &escalation)

		case models.TaskFailed:
			diag := fmt.Sprintf("%s (%s) attempt %d failed: %s", task.ID, task.Agent, task.Iteration+1, firstLine(result.Output))
			e.applyStrategy(&st, task, task.OnFailure, diag, &completed, &errs, &diagnoses, &escalation)

		default:
			errs = append(errs, fmt.Sprintf("%s: unexpected wave status %s", task.ID, result.Status))
		}
	}

	patch := state.Patch{
		Tasks:            tasks,
		CompletedTaskIDs: completed,
		TestResults:      testResults,
		ReviewFeedback:   reviews,
		Errors:           errs,
	}
	if len(diagnoses) > 0 {
		patch.RetryContext = state.StringPtr(strings.Join(diagnoses, "\n\n"))
	}
	if escalation != nil {
		patch.Status = state.StatusPtr(models.MissionFailed)
	}
	return patch, escalation
}

// applyStrategy consumes one iteration and routes the failed attempt. The
// first escalation wins; later ones in the same wave only add error records.
func (e *Evaluator) applyStrategy(st *models.MissionState, task *models.Task, strategy models.FailureStrategy,
	diag string, completed *[]string, errs *[]string, diagnoses *[]string, escalation **Escalation) {

	task.Iteration++

	switch strategy {
	case models.StrategyRetry, "":
		if task.Iteration < task.MaxIterations {
			e.log.Infof("%s: scheduling retry %d/%d", task.ID, task.Iteration+1, task.MaxIterations)
			e.sink.RetryScheduled(string(task.Agent))
			e.events.Publish(bus.TopicTaskRetried, st.MissionID, map[string]any{
				"task_id":   task.ID,
				"iteration": task.Iteration,
			})
			task.Status = models.TaskPending
			*diagnoses = append(*diagnoses, diag)
			return
		}
		// Retry budget exhausted.
		task.Status = models.TaskFailed
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s", task.Iteration, diag)
		*errs = append(*errs, task.ID+": "+reason)
		if *escalation == nil {
			*escalation = &Escalation{TaskID: task.ID, Reason: reason}
		}

	case models.StrategySkip:
		e.log.Warnf("%s: skipping after failure (%s)", task.ID, firstLine(diag))
		task.Status = models.TaskSkipped
		// Dependents proceed as if the task completed; the failure stays on
		// record as a warning and does not fail the mission.
		*completed = append(*completed, task.ID)
		*errs = append(*errs, task.ID+": skipped after failure: "+diag)

	case models.StrategyEscalate:
		task.Status = models.TaskFailed
		*errs = append(*errs, task.ID+": escalated: "+diag)
		if *escalation == nil {
			*escalation = &Escalation{TaskID: task.ID, Reason: diag}
		}

	case models.StrategyReplan:
		// Replanning re-enters planning with failure context; the mission
		// treats an exhausted replan like an escalation.
		task.Status = models.TaskFailed
		*errs = append(*errs, task.ID+": replan requested: "+diag)
		if *escalation == nil {
			*escalation = &Escalation{TaskID: task.ID, Reason: "replan requested: " + diag}
		}

	default:
		task.Status = models.TaskFailed
		*errs = append(*errs, fmt.Sprintf("%s: unknown failure strategy %q: %s", task.ID, strategy, diag))
		if *escalation == nil {
			*escalation = &Escalation{TaskID: task.ID, Reason: fmt.Sprintf("unknown failure strategy %q", strategy)}
		}
	}
}

// verify runs the TESTER and REVIEWER sub-dispatches for one code-producing
// task. Infrastructure failures synthesize failing verdicts so the gate is
// never granted on missing evidence.
func (e *Evaluator) verify(ctx context.Context, st *models.MissionState, task models.Task, result models.WaveDispatchResult) (models.TestResult, models.ReviewFeedback) {
	testInstr := instruction.BuildTester(task, st.ProjectContext, result.FileChanges)
	testOut, err := e.subDispatch(ctx, st, task, models.AgentTester, "verify-test", testInstr)
	var test models.TestResult
	if err != nil {
		e.log.Errorf("%s: tester sub-dispatch: %v", task.ID, err)
		test = models.TestResult{
			TaskID: task.ID,
			Passed: false,
			Failed: 1,
			Output: "TESTER infrastructure error: " + err.Error(),
		}
	} else {
		test = ParseTestResult(task.ID, testOut)
	}

	reviewInstr := instruction.BuildReviewer(task, st.ProjectContext, result.FileChanges, &test)
	reviewOut, err := e.subDispatch(ctx, st, task, models.AgentReviewer, "verify-review", reviewInstr)
	var review models.ReviewFeedback
	if err != nil {
		e.log.Errorf("%s: reviewer sub-dispatch: %v", task.ID, err)
		review = models.ReviewFeedback{
			TaskID:   task.ID,
			Approved: false,
			Score:    0,
			Summary:  "REVIEWER infrastructure error: " + err.Error(),
		}
	} else {
		review = ParseReviewFeedback(task.ID, reviewOut)
	}
	return test, review
}

func (e *Evaluator) subDispatch(ctx context.Context, st *models.MissionState, task models.Task, agent models.Agent, suffix, instr string) (string, error) {
	result, err := e.executor.ExecuteTask(ctx, sandbox.ExecuteRequest{
		Agent:       agent,
		TaskID:      task.ID + "-" + suffix,
		MissionID:   st.MissionID,
		ProjectPath: e.projectPath,
		Instruction: instr,
		Iteration:   task.Iteration,
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return result.Output, fmt.Errorf("%s exited with code %d", agent, result.ExitCode)
	}
	return result.Output, nil
}

func taskIn(tasks []models.Task, id string) *models.Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
