package mission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/bus"
	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/deploy"
	"github.com/worldmind/worldmind/internal/dispatch"
	"github.com/worldmind/worldmind/internal/fileutil"
	"github.com/worldmind/worldmind/internal/gate"
	"github.com/worldmind/worldmind/internal/instruction"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/metrics"
	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/scheduler"
	"github.com/worldmind/worldmind/internal/state"
)

// DispatchError marks a wave where the sandbox infrastructure never ran a
// single task.
type DispatchError struct {
	Wave   int
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("wave %d: dispatch infrastructure failure: %s", e.Wave, e.Reason)
}

// Coordinator implements the mission graph's nodes. One Coordinator serves one
// mission run; it accumulates the terminal verdicts the CLI maps to exit
// codes.
type Coordinator struct {
	cfg         *config.Config
	caller      StructuredCaller
	dispatcher  *dispatch.Dispatcher
	evaluator   *gate.Evaluator
	osc         *scheduler.Oscillator
	projectPath string
	log         *logger.Logger
	sink        metrics.Sink
	events      *bus.Bus
	approval    ApprovalFunc
	// sleep is swapped out in tests so cooldowns do not slow the suite.
	sleep     func(time.Duration)
	startedAt time.Time

	escalation  *gate.Escalation
	deployErr   *DeployError
	dispatchErr *DispatchError
}

// NewCoordinator wires the node implementations for one mission.
func NewCoordinator(cfg *config.Config, caller StructuredCaller, dispatcher *dispatch.Dispatcher,
	evaluator *gate.Evaluator, projectPath string, log *logger.Logger, sink metrics.Sink,
	events *bus.Bus, approval ApprovalFunc) *Coordinator {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Coordinator{
		cfg:         cfg,
		caller:      caller,
		dispatcher:  dispatcher,
		evaluator:   evaluator,
		osc:         scheduler.NewOscillator(scheduler.DefaultWindowSize, scheduler.DefaultWaveThreshold),
		projectPath: projectPath,
		log:         log,
		sink:        sink,
		events:      events,
		approval:    approval,
		sleep:       time.Sleep,
		startedAt:   time.Now(),
	}
}

// Escalation returns the quality-gate escalation that ended the mission, when
// one did.
func (c *Coordinator) Escalation() *gate.Escalation { return c.escalation }

// DeployFailure returns the terminal deployment failure, when one ended the
// mission.
func (c *Coordinator) DeployFailure() *DeployError { return c.deployErr }

// DispatchFailure returns the infrastructure failure recorded during
// dispatch, when one occurred.
func (c *Coordinator) DispatchFailure() *DispatchError { return c.dispatchErr }

func (c *Coordinator) classify(ctx context.Context, st models.MissionState) (state.Patch, error) {
	c.events.Publish(bus.TopicMissionStarted, st.MissionID, map[string]any{
		"request": st.Request,
	})
	cls, err := c.caller.Classify(ctx, st.Request, st.PRDDocument)
	if err != nil {
		return state.Patch{}, &PlanningError{Node: "classify", Err: err}
	}
	c.log.Infof("classified as %s, complexity %d", cls.Category, cls.Complexity)
	return state.Patch{
		Classification: &cls,
		Status:         state.StatusPtr(models.MissionUploading),
	}, nil
}

// upload scans the working copy into the project context. It never fails the
// mission: an unreadable tree degrades to an unknown-language context with the
// scan error on record.
func (c *Coordinator) upload(ctx context.Context, st models.MissionState) (state.Patch, error) {
	patch := state.Patch{Status: state.StatusPtr(models.MissionClarifying)}

	files, err := fileutil.ListTree(c.projectPath, nil)
	if err != nil {
		c.log.Warnf("project scan failed, continuing with empty context: %v", err)
		patch.ProjectContext = &models.ProjectContext{Language: "unknown"}
		patch.Errors = []string{"project scan: " + err.Error()}
		return patch, nil
	}

	pc := models.ProjectContext{
		Language:  detectLanguage(files),
		Framework: detectFramework(files),
		FileTree:  files,
	}
	c.log.Infof("project context: %d files, language %s", len(files), pc.Language)
	patch.ProjectContext = &pc
	return patch, nil
}

func (c *Coordinator) clarify(ctx context.Context, st models.MissionState) (state.Patch, error) {
	patch := state.Patch{Status: state.StatusPtr(models.MissionSpecifying)}

	// Answers already supplied (resubmission or resumed mission): nothing to
	// ask.
	if st.ClarifyingAnswers != "" {
		return patch, nil
	}

	questions, err := c.caller.Clarify(ctx, st)
	if err != nil {
		return state.Patch{}, &PlanningError{Node: "clarify", Err: err}
	}
	if st.CreateCFDeployment && !mentionsServices(questions) {
		questions = append(questions, fmt.Sprintf(
			"Which backing services should be bound to the deployed application? Answer %q if none.",
			instruction.NoServicesAnswer))
	}
	if len(questions) > 0 {
		patch.ClarifyingQuestions = &models.ClarifyingQuestions{Questions: questions}
		c.log.Infof("clarify produced %d questions", len(questions))
	}
	return patch, nil
}

func (c *Coordinator) specify(ctx context.Context, st models.MissionState) (state.Patch, error) {
	spec, err := c.caller.Specify(ctx, st)
	if err != nil {
		return state.Patch{}, &PlanningError{Node: "spec", Err: err}
	}
	return state.Patch{
		ProductSpec: &spec,
		Status:      state.StatusPtr(models.MissionPlanning),
	}, nil
}

func (c *Coordinator) plan(ctx context.Context, st models.MissionState) (state.Patch, error) {
	result, err := c.caller.Plan(ctx, st)
	if err != nil {
		return state.Patch{}, &PlanningError{Node: "plan", Err: err}
	}

	tasks := RepairPlan(result.Tasks, st.CreateCFDeployment, c.cfg.MaxIterations)
	if len(tasks) == 0 {
		return state.Patch{}, &PlanningError{Node: "plan", Err: fmt.Errorf("planner produced no tasks")}
	}
	if err := models.ValidateTasks(tasks); err != nil {
		return state.Patch{}, &PlanningError{Node: "plan", Err: err}
	}

	strategy := result.ExecutionStrategy
	if strategy == "" {
		strategy = models.StrategyParallel
	}

	next := models.MissionExecuting
	if st.InteractionMode == models.ModeApprovePlan {
		next = models.MissionAwaitingApproval
	}
	c.log.Infof("plan repaired to %d tasks, strategy %s", len(tasks), strategy)
	return state.Patch{
		Tasks:                 tasks,
		ExecutionStrategy:     &strategy,
		ManifestCreatedByTask: state.BoolPtr(result.ManifestCreatedByTask),
		Status:                state.StatusPtr(next),
	}, nil
}

func (c *Coordinator) awaitApproval(ctx context.Context, st models.MissionState) (state.Patch, error) {
	if c.approval == nil {
		c.log.Infof("no approval hook configured, auto-approving plan")
		return state.Patch{Status: state.StatusPtr(models.MissionExecuting)}, nil
	}
	approved, err := c.approval(st)
	if err != nil {
		return state.Patch{}, fmt.Errorf("plan approval: %w", err)
	}
	if !approved {
		return state.Patch{
			Errors: []string{"plan rejected by operator"},
			Status: state.StatusPtr(models.MissionFailed),
		}, nil
	}
	return state.Patch{Status: state.StatusPtr(models.MissionExecuting)}, nil
}

// scheduleWave computes the next wave. An empty wave routes to convergence; a
// repeating schedule past the oscillation threshold, or a mission past its
// derived deadline, fails the mission instead of burning the retry budget.
func (c *Coordinator) scheduleWave(ctx context.Context, st models.MissionState) (state.Patch, error) {
	if deadline := c.cfg.MissionDeadline(len(st.Tasks)); time.Since(c.startedAt) > deadline {
		c.log.Errorf("mission deadline %s exceeded, aborting before wave %d", deadline, st.WaveCount+1)
		return state.Patch{
			ClearWaveTaskIDs: true,
			Errors:           []string{fmt.Sprintf("mission deadline exceeded: %s elapsed against a budget of %s", time.Since(c.startedAt).Round(time.Second), deadline)},
			Status:           state.StatusPtr(models.MissionFailed),
		}, nil
	}

	wave := scheduler.NextWave(st.Tasks, st.CompletedSet(), st.ExecutionStrategy, c.cfg.MaxParallel)
	if len(wave) == 0 {
		return state.Patch{ClearWaveTaskIDs: true}, nil
	}

	next := st.WaveCount + 1
	if c.osc.Observe(wave, next) {
		c.log.Errorf("oscillation detected at wave %d: %s", next, scheduler.Fingerprint(wave))
		c.sink.OscillationDetected()
		c.events.Publish(bus.TopicOscillation, st.MissionID, map[string]any{
			"wave":        next,
			"fingerprint": scheduler.Fingerprint(wave),
		})
		return state.Patch{
			ClearWaveTaskIDs: true,
			Errors:           []string{fmt.Sprintf("oscillation_detected: wave %d repeats fingerprint %s without progress", next, scheduler.Fingerprint(wave))},
			Status:           state.StatusPtr(models.MissionFailed),
		}, nil
	}
	if c.osc.RepeatedOnce() && c.cfg.WaveCooldown > 0 {
		c.log.Warnf("wave fingerprint repeated, cooling down %s", c.cfg.WaveCooldown)
		c.sleep(c.cfg.WaveCooldown)
	}

	c.log.Infof("wave %d: %s", next, strings.Join(wave, ", "))
	c.events.Publish(bus.TopicWaveScheduled, st.MissionID, map[string]any{
		"wave":  next,
		"tasks": wave,
	})
	return state.Patch{
		WaveTaskIDs: wave,
		WaveCount:   state.IntPtr(next),
	}, nil
}

func (c *Coordinator) parallelDispatch(ctx context.Context, st models.MissionState) (state.Patch, error) {
	patch, err := c.dispatcher.DispatchWave(ctx, st)
	if err != nil {
		return state.Patch{}, err
	}
	// No sandbox opened for a non-empty wave: the execution substrate itself
	// is down, not any individual task.
	if len(st.WaveTaskIDs) > 0 && len(patch.Sandboxes) == 0 && c.dispatchErr == nil {
		reason := "no sandbox could be opened"
		if len(patch.Errors) > 0 {
			reason = patch.Errors[0]
		}
		c.dispatchErr = &DispatchError{Wave: st.WaveCount, Reason: reason}
	}
	return patch, nil
}

// evaluateWave routes the wave's results: DEPLOYER attempts go through output
// diagnosis, everything else through the quality gate. The merged patch is the
// wave's single state update.
func (c *Coordinator) evaluateWave(ctx context.Context, st models.MissionState) (state.Patch, error) {
	tasks := append([]models.Task(nil), st.Tasks...)
	var (
		gateResults  []models.WaveDispatchResult
		deployDiags  []string
		deployErrs   []string
		deployDone   []string
		deployURL    string
		deployFailed bool
	)

	for _, result := range st.WaveDispatchResults {
		task := taskIn(tasks, result.TaskID)
		if task == nil || task.Agent != models.AgentDeployer {
			gateResults = append(gateResults, result)
			continue
		}

		diag := deploy.Diagnose(result.Output)
		c.events.Publish(bus.TopicDeployDiagnosed, st.MissionID, map[string]any{
			"task_id":   task.ID,
			"succeeded": diag.Succeeded,
			"category":  string(diag.Category),
		})

		if diag.Succeeded {
			c.log.Infof("%s: deployment running at %s", task.ID, diag.Route)
			task.Status = models.TaskPassed
			deployDone = append(deployDone, task.ID)
			deployURL = diag.Route
			continue
		}

		task.Iteration++
		if task.Iteration < task.MaxIterations {
			c.log.Warnf("%s: deployment failed (%s), scheduling retry %d/%d", task.ID, diag.Category, task.Iteration+1, task.MaxIterations)
			c.sink.RetryScheduled(string(task.Agent))
			task.Status = models.TaskPending
			deployDiags = append(deployDiags, deploy.RetryDiagnosis(task.ID, diag))
			continue
		}

		task.Status = models.TaskFailed
		msg := deploy.TerminalMessage(task.ID, diag)
		c.log.Errorf("%s", msg)
		deployErrs = append(deployErrs, msg)
		deployFailed = true
		if c.deployErr == nil {
			c.deployErr = &DeployError{TaskID: task.ID, Reason: msg}
		}
	}

	gateState := st
	gateState.Tasks = tasks
	gateState.WaveDispatchResults = gateResults
	patch, escalation := c.evaluator.EvaluateWave(ctx, gateState)
	if escalation != nil && c.escalation == nil {
		c.escalation = escalation
	}

	patch.CompletedTaskIDs = append(deployDone, patch.CompletedTaskIDs...)
	patch.Errors = append(deployErrs, patch.Errors...)
	if len(deployDiags) > 0 {
		parts := deployDiags
		if patch.RetryContext != nil && *patch.RetryContext != "" {
			parts = append(parts, *patch.RetryContext)
		}
		patch.RetryContext = state.StringPtr(strings.Join(parts, "\n\n"))
	}
	if deployURL != "" {
		patch.DeploymentURL = state.StringPtr(deployURL)
	}
	if deployFailed {
		patch.Status = state.StatusPtr(models.MissionFailed)
	}
	return patch, nil
}

// converge aggregates mission metrics and settles the terminal status: the
// mission completed only when at least one task passed and none failed
// terminally.
func (c *Coordinator) converge(ctx context.Context, st models.MissionState) (state.Patch, error) {
	m := models.MissionMetrics{
		WavesExecuted:   st.WaveCount,
		TotalDurationMS: time.Since(c.startedAt).Milliseconds(),
	}
	for i := range st.Tasks {
		t := &st.Tasks[i]
		m.TotalIterations += t.Iteration
		if t.Status == models.TaskPassed {
			m.TasksCompleted++
		}
		if t.TerminallyFailed() {
			m.TasksFailed++
		}
		for _, fc := range t.FileChanges {
			switch fc.Kind {
			case models.ChangeCreated:
				m.FilesCreated++
			case models.ChangeModified:
				m.FilesModified++
			}
		}
	}
	for _, tr := range st.TestResults {
		m.TestsRun += tr.Total
		m.TestsPassed += tr.Total - tr.Failed
	}
	for _, sb := range st.Sandboxes {
		m.AggregateDurationMS += sb.Span().Milliseconds()
	}

	patch := state.Patch{Metrics: &m}
	if st.Status != models.MissionFailed {
		switch {
		case m.TasksCompleted == 0:
			patch.Errors = []string{"mission converged with no completed tasks"}
			patch.Status = state.StatusPtr(models.MissionFailed)
		case m.TasksFailed > 0:
			patch.Errors = []string{fmt.Sprintf("mission converged with %d terminally failed tasks", m.TasksFailed)}
			patch.Status = state.StatusPtr(models.MissionFailed)
		default:
			patch.Status = state.StatusPtr(models.MissionCompleted)
		}
	}
	return patch, nil
}

func (c *Coordinator) postMission(ctx context.Context, st models.MissionState) (state.Patch, error) {
	elapsed := time.Since(c.startedAt)
	c.sink.MissionElapsed(elapsed.Milliseconds())

	topic := bus.TopicMissionCompleted
	if st.Status == models.MissionFailed {
		topic = bus.TopicMissionFailed
	}
	fields := map[string]any{
		"status":     string(st.Status),
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if st.DeploymentURL != "" {
		fields["deployment_url"] = st.DeploymentURL
	}
	c.events.Publish(topic, st.MissionID, fields)

	if st.Metrics != nil {
		c.log.Infof("mission %s %s: %d completed, %d failed, %d waves, %d iterations, %s elapsed",
			st.MissionID, st.Status, st.Metrics.TasksCompleted, st.Metrics.TasksFailed,
			st.Metrics.WavesExecuted, st.Metrics.TotalIterations, elapsed.Round(time.Second))
	} else {
		c.log.Infof("mission %s %s, %s elapsed", st.MissionID, st.Status, elapsed.Round(time.Second))
	}
	return state.Patch{}, nil
}

func mentionsServices(questions []string) bool {
	for _, q := range questions {
		if strings.Contains(strings.ToLower(q), "service") {
			return true
		}
	}
	return false
}

func taskIn(tasks []models.Task, id string) *models.Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

func detectLanguage(files []string) string {
	has := func(name string) bool {
		for _, f := range files {
			if f == name {
				return true
			}
		}
		return false
	}
	switch {
	case has("pom.xml") || has("build.gradle") || has("build.gradle.kts"):
		return "java"
	case has("go.mod"):
		return "go"
	case has("package.json"):
		return "javascript"
	case has("requirements.txt") || has("pyproject.toml"):
		return "python"
	case has("Gemfile"):
		return "ruby"
	}
	return "unknown"
}

func detectFramework(files []string) string {
	for _, f := range files {
		if f == "src/main/resources/application.properties" || f == "src/main/resources/application.yml" {
			return "spring-boot"
		}
	}
	return ""
}
