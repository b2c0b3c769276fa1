// Package dispatch executes one scheduled wave: it fans the wave's tasks out
// to sandboxes under a parallelism cap, interprets each raw execution result
// and folds the outcomes into a single state patch.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/worldmind/worldmind/internal/bus"
	"github.com/worldmind/worldmind/internal/instruction"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/metrics"
	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/sandbox"
	"github.com/worldmind/worldmind/internal/state"
	"github.com/worldmind/worldmind/internal/worktree"
)

// InstructionFor renders the full instruction for one task. The mission layer
// supplies it so agent-specific context (manifests, baselines) stays out of
// the dispatcher.
type InstructionFor func(st *models.MissionState, task models.Task) (string, error)

// Interpreter maps a raw execution result to the task's wave outcome. The
// mission layer supplies the semantics (exit-code mapping, lazy-model guard).
type Interpreter func(task models.Task, result models.ExecutionResult) models.WaveDispatchResult

// Dispatcher runs waves. One Dispatcher serves the whole mission; it holds no
// per-wave state beyond the merge lock serializing branch integration.
type Dispatcher struct {
	executor    sandbox.Executor
	instruct    InstructionFor
	interpret   Interpreter
	trees       *worktree.Context
	projectPath string
	maxParallel int
	log         *logger.Logger
	sink        metrics.Sink
	events      *bus.Bus

	// mergeMu serializes merges into the mission workspace: worktrees keep
	// parallel attempts apart, but their branches land one at a time.
	mergeMu sync.Mutex
}

// New creates a Dispatcher rooted at the mission's working copy. With a
// non-nil worktree context every task attempt runs in its own worktree so no
// two parallel agents write to the same directory; nil runs all attempts in
// projectPath directly. maxParallel below 1 is treated as 1.
func New(executor sandbox.Executor, instruct InstructionFor, interpret Interpreter,
	trees *worktree.Context, projectPath string, maxParallel int,
	log *logger.Logger, sink metrics.Sink, events *bus.Bus) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Dispatcher{
		executor:    executor,
		instruct:    instruct,
		interpret:   interpret,
		trees:       trees,
		projectPath: projectPath,
		maxParallel: maxParallel,
		log:         log,
		sink:        sink,
		events:      events,
	}
}

type taskOutcome struct {
	result  models.WaveDispatchResult
	sandbox *models.SandboxInfo
	errText string
}

// DispatchWave executes every task in st.WaveTaskIDs and returns the patch
// carrying the wave's results: replaced WaveDispatchResults, updated task
// records, appended sandbox records and error strings, and a cleared retry
// context. Results are ordered as the wave was scheduled regardless of
// completion order.
func (d *Dispatcher) DispatchWave(ctx context.Context, st models.MissionState) (state.Patch, error) {
	waveStart := time.Now()
	outcomes := make([]taskOutcome, len(st.WaveTaskIDs))

	sem := make(chan struct{}, d.maxParallel)
	var wg sync.WaitGroup
	for i, id := range st.WaveTaskIDs {
		task := st.TaskByID(id)
		if task == nil {
			outcomes[i] = taskOutcome{
				result:  models.WaveDispatchResult{TaskID: id, Status: models.TaskFailed, Output: "task not found in plan"},
				errText: fmt.Sprintf("%s: scheduled task not found in plan", id),
			}
			continue
		}
		wg.Add(1)
		go func(i int, task models.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = d.runTask(ctx, &st, task)
		}(i, *task)
	}
	wg.Wait()

	patch := d.foldOutcomes(st, outcomes)
	d.sink.WaveElapsed(time.Since(waveStart).Milliseconds())
	d.events.Publish(bus.TopicWaveCompleted, st.MissionID, map[string]any{
		"wave":  st.WaveCount,
		"tasks": len(st.WaveTaskIDs),
	})
	return patch, nil
}

// runTask executes a single task attempt. A panic anywhere in the attempt is
// confined to this task: the wave's other tasks keep running.
func (d *Dispatcher) runTask(ctx context.Context, st *models.MissionState, task models.Task) (out taskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic during dispatch: %v", r)
			d.log.Errorf("%s: %s", task.ID, msg)
			out = taskOutcome{
				result:  models.WaveDispatchResult{TaskID: task.ID, Status: models.TaskFailed, Output: msg},
				errText: fmt.Sprintf("%s: %s", task.ID, msg),
			}
		}
	}()

	instr, err := d.instruct(st, task)
	if err != nil {
		return taskOutcome{
			result:  models.WaveDispatchResult{TaskID: task.ID, Status: models.TaskFailed, Output: err.Error()},
			errText: fmt.Sprintf("%s: build instruction: %v", task.ID, err),
		}
	}
	if st.RetryContext != "" {
		instr = instruction.WithRetryContext(instr, st.RetryContext)
	}
	runtimeTag := ""
	if st.Classification != nil {
		runtimeTag = st.Classification.RuntimeTag
	}
	instr = instruction.WithRuntimePreamble(instr, runtimeTag)

	projectPath := d.projectPath
	if d.trees != nil {
		dir, acqErr := d.trees.AcquireWorktree(ctx, st.MissionID, task.ID)
		if acqErr != nil {
			d.log.Errorf("%s: acquire worktree: %v", task.ID, acqErr)
			return taskOutcome{
				result:  models.WaveDispatchResult{TaskID: task.ID, Status: models.TaskFailed, Output: acqErr.Error()},
				errText: fmt.Sprintf("%s: acquire worktree: %v", task.ID, acqErr),
			}
		}
		projectPath = dir
		defer func() {
			// Release pairs with every acquire, failed attempts included; the
			// branch survives for the retry.
			if relErr := d.trees.ReleaseWorktree(context.WithoutCancel(ctx), st.MissionID, task.ID); relErr != nil {
				d.log.Warnf("%s: release worktree: %v", task.ID, relErr)
			}
		}()
	}

	d.sink.TaskDispatched(string(task.Agent))
	d.events.Publish(bus.TopicTaskDispatched, st.MissionID, map[string]any{
		"task_id": task.ID,
		"agent":   string(task.Agent),
	})
	d.log.Infof("dispatching %s (%s), iteration %d/%d", task.ID, task.Agent, task.Iteration+1, task.MaxIterations)

	started := time.Now()
	req := sandbox.ExecuteRequest{
		Agent:       task.Agent,
		TaskID:      task.ID,
		MissionID:   st.MissionID,
		ProjectPath: projectPath,
		Instruction: instr,
		RuntimeTag:  runtimeTag,
		Iteration:   task.Iteration,
	}
	execResult, err := d.executor.ExecuteTask(ctx, req)
	completed := time.Now()
	if err != nil {
		d.log.Errorf("%s: sandbox execution failed: %v", task.ID, err)
		return taskOutcome{
			result: models.WaveDispatchResult{
				TaskID:    task.ID,
				Status:    models.TaskFailed,
				Output:    err.Error(),
				ElapsedMS: completed.Sub(started).Milliseconds(),
			},
			errText: fmt.Sprintf("%s: %v", task.ID, err),
		}
	}

	d.sink.TaskElapsed(string(task.Agent), execResult.ElapsedMS)
	result := d.interpret(task, execResult)
	info := sandbox.SandboxInfoFor(req, execResult, started, completed)

	var integrateErr error
	if d.trees != nil && result.Status != models.TaskFailed {
		if integrateErr = d.integrateWorktree(ctx, st.MissionID, task, projectPath); integrateErr != nil {
			d.log.Errorf("%s: integrate worktree: %v", task.ID, integrateErr)
			result.Status = models.TaskFailed
			result.Output = fmt.Sprintf("worktree integration failed: %v\n\n%s", integrateErr, result.Output)
		}
	}

	d.events.Publish(bus.TopicTaskCompleted, st.MissionID, map[string]any{
		"task_id": task.ID,
		"status":  string(result.Status),
	})

	outcome := taskOutcome{result: result, sandbox: &info}
	if result.Status == models.TaskFailed {
		if integrateErr != nil {
			outcome.errText = fmt.Sprintf("%s: worktree integration: %v", task.ID, integrateErr)
		} else {
			outcome.errText = fmt.Sprintf("%s: %s", task.ID, failureSummary(execResult))
		}
	}
	return outcome
}

// integrateWorktree commits the attempt's changes on the task branch and
// merges it into the workspace. Merges are serialized so concurrent wave
// tasks land one at a time.
func (d *Dispatcher) integrateWorktree(ctx context.Context, missionID string, task models.Task, dir string) error {
	message := fmt.Sprintf("%s attempt %d: %s", task.ID, task.Iteration+1, task.Description)
	if err := d.trees.CommitAndPush(ctx, dir, task.ID, message); err != nil {
		return err
	}
	d.mergeMu.Lock()
	defer d.mergeMu.Unlock()
	return d.trees.MergeTaskBranch(ctx, missionID, task.ID)
}

// foldOutcomes builds the wave patch: results replace the previous wave's,
// task records are updated in place, and a consumed retry context is cleared
// so it cannot leak into later waves.
func (d *Dispatcher) foldOutcomes(st models.MissionState, outcomes []taskOutcome) state.Patch {
	results := make([]models.WaveDispatchResult, 0, len(outcomes))
	var sandboxes []models.SandboxInfo
	var errs []string
	for _, o := range outcomes {
		results = append(results, o.result)
		if o.sandbox != nil {
			sandboxes = append(sandboxes, *o.sandbox)
		}
		if o.errText != "" {
			errs = append(errs, o.errText)
		}
	}

	tasks := append([]models.Task(nil), st.Tasks...)
	for _, r := range results {
		for i := range tasks {
			if tasks[i].ID != r.TaskID {
				continue
			}
			tasks[i].Status = r.Status
			tasks[i].FileChanges = r.FileChanges
			tasks[i].ElapsedMS = r.ElapsedMS
			break
		}
	}

	patch := state.Patch{
		Tasks:               tasks,
		WaveDispatchResults: results,
		ReplaceWaveResults:  true,
		Sandboxes:           sandboxes,
		Errors:              errs,
	}
	if st.RetryContext != "" {
		patch.RetryContext = state.StringPtr("")
	}
	return patch
}

func failureSummary(result models.ExecutionResult) string {
	if result.ExitCode == sandbox.ExitTimeout {
		return "sandbox timed out"
	}
	return fmt.Sprintf("agent exited with code %d", result.ExitCode)
}
