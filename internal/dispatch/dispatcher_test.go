package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/sandbox"
	"github.com/worldmind/worldmind/internal/worktree"
)

// fakeExecutor replays scripted per-task results and records concurrency.
type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]models.ExecutionResult
	errs    map[string]error
	delay   time.Duration

	running int32
	peak    int32
	order   []string
}

func (f *fakeExecutor) ExecuteTask(ctx context.Context, req sandbox.ExecuteRequest) (models.ExecutionResult, error) {
	cur := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		old := atomic.LoadInt32(&f.peak)
		if cur <= old || atomic.CompareAndSwapInt32(&f.peak, old, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.order = append(f.order, req.TaskID)
	f.mu.Unlock()
	if err := f.errs[req.TaskID]; err != nil {
		return models.ExecutionResult{}, err
	}
	r := f.results[req.TaskID]
	r.SandboxID = "sbx-" + req.TaskID
	return r, nil
}

func passthroughInstruct(st *models.MissionState, task models.Task) (string, error) {
	return "## Objective\n\n" + task.Description + "\n", nil
}

// exitCodeInterpreter is the minimal interpretation: exit 0 passes.
func exitCodeInterpreter(task models.Task, result models.ExecutionResult) models.WaveDispatchResult {
	status := models.TaskPassed
	if result.ExitCode != 0 {
		status = models.TaskFailed
	}
	return models.WaveDispatchResult{
		TaskID:      task.ID,
		Status:      status,
		FileChanges: result.FileChanges,
		Output:      result.Output,
		ElapsedMS:   result.ElapsedMS,
	}
}

func waveState(taskIDs ...string) models.MissionState {
	st := models.MissionState{
		MissionID:   "wmnd-test",
		Status:      models.MissionExecuting,
		WaveTaskIDs: taskIDs,
	}
	for _, id := range taskIDs {
		st.Tasks = append(st.Tasks, models.Task{
			ID:            id,
			Agent:         models.AgentCoder,
			Description:   "work on " + id,
			Status:        models.TaskPending,
			MaxIterations: 3,
		})
	}
	return st
}

func TestDispatchWave_ResultsInScheduledOrder(t *testing.T) {
	exec := &fakeExecutor{
		results: map[string]models.ExecutionResult{
			"TASK-001": {ExitCode: 0},
			"TASK-002": {ExitCode: 0},
			"TASK-003": {ExitCode: 1},
		},
		delay: 10 * time.Millisecond,
	}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 3, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001", "TASK-002", "TASK-003"))
	require.NoError(t, err)

	require.Len(t, patch.WaveDispatchResults, 3)
	assert.True(t, patch.ReplaceWaveResults)
	assert.Equal(t, "TASK-001", patch.WaveDispatchResults[0].TaskID)
	assert.Equal(t, "TASK-002", patch.WaveDispatchResults[1].TaskID)
	assert.Equal(t, "TASK-003", patch.WaveDispatchResults[2].TaskID)
	assert.Equal(t, models.TaskFailed, patch.WaveDispatchResults[2].Status)
}

func TestDispatchWave_ParallelismCap(t *testing.T) {
	exec := &fakeExecutor{
		results: map[string]models.ExecutionResult{},
		delay:   30 * time.Millisecond,
	}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 2, nil, nil, nil)

	_, err := d.DispatchWave(context.Background(), waveState("TASK-001", "TASK-002", "TASK-003", "TASK-004", "TASK-005"))
	require.NoError(t, err)
	assert.LessOrEqual(t, exec.peak, int32(2), "no more than max_parallel sandboxes at once")
}

func TestDispatchWave_TaskRecordsUpdated(t *testing.T) {
	exec := &fakeExecutor{
		results: map[string]models.ExecutionResult{
			"TASK-001": {
				ExitCode:    0,
				FileChanges: []models.FileChange{{Path: "a.go", Kind: models.ChangeCreated}},
				ElapsedMS:   1234,
			},
		},
	}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 1, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001"))
	require.NoError(t, err)

	require.Len(t, patch.Tasks, 1)
	assert.Equal(t, models.TaskPassed, patch.Tasks[0].Status)
	assert.Equal(t, []models.FileChange{{Path: "a.go", Kind: models.ChangeCreated}}, patch.Tasks[0].FileChanges)
	assert.Equal(t, int64(1234), patch.Tasks[0].ElapsedMS)
}

func TestDispatchWave_InfraErrorBecomesFailedResult(t *testing.T) {
	exec := &fakeExecutor{
		results: map[string]models.ExecutionResult{"TASK-001": {ExitCode: 0}},
		errs: map[string]error{
			"TASK-002": &sandbox.ProviderUnavailableError{Op: "open", Err: errors.New("no docker")},
		},
	}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 2, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001", "TASK-002"))
	require.NoError(t, err, "an infra failure fails the task, not the wave")

	assert.Equal(t, models.TaskPassed, patch.WaveDispatchResults[0].Status)
	assert.Equal(t, models.TaskFailed, patch.WaveDispatchResults[1].Status)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "TASK-002: ")
	assert.Contains(t, patch.Errors[0], "no docker")
}

func TestDispatchWave_PanicConfinedToTask(t *testing.T) {
	exec := &fakeExecutor{results: map[string]models.ExecutionResult{"TASK-002": {ExitCode: 0}}}
	instruct := func(st *models.MissionState, task models.Task) (string, error) {
		if task.ID == "TASK-001" {
			panic("boom")
		}
		return "instr", nil
	}
	d := New(exec, instruct, exitCodeInterpreter, nil, ".", 2, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001", "TASK-002"))
	require.NoError(t, err)

	assert.Equal(t, models.TaskFailed, patch.WaveDispatchResults[0].Status)
	assert.Equal(t, models.TaskPassed, patch.WaveDispatchResults[1].Status)
	require.Len(t, patch.Errors, 1)
	assert.Contains(t, patch.Errors[0], "TASK-001: panic during dispatch: boom")
}

func TestDispatchWave_RetryContextConsumedOnce(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	exec := &fakeExecutor{results: map[string]models.ExecutionResult{"TASK-001": {ExitCode: 0}}}
	instruct := func(st *models.MissionState, task models.Task) (string, error) {
		return "base instruction", nil
	}
	// The retry block is prepended by the dispatcher after instruct runs;
	// capture what reaches the executor instead.
	wrapped := &instructionCapture{inner: exec, seen: &seen, mu: &mu}
	d := New(wrapped, instruct, exitCodeInterpreter, nil, ".", 1, nil, nil, nil)

	st := waveState("TASK-001")
	st.RetryContext = "TASK-001 failed last wave: tests red"
	patch, err := d.DispatchWave(context.Background(), st)
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0], "## Retry Context (from previous attempt)")
	assert.Contains(t, seen[0], "tests red")
	mu.Unlock()

	require.NotNil(t, patch.RetryContext, "consumed retry context must be cleared")
	assert.Empty(t, *patch.RetryContext)
}

func TestDispatchWave_NoRetryContextNoClear(t *testing.T) {
	exec := &fakeExecutor{results: map[string]models.ExecutionResult{"TASK-001": {ExitCode: 0}}}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 1, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001"))
	require.NoError(t, err)
	assert.Nil(t, patch.RetryContext)
}

func TestDispatchWave_UnknownTaskFails(t *testing.T) {
	exec := &fakeExecutor{results: map[string]models.ExecutionResult{}}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 1, nil, nil, nil)

	st := waveState("TASK-001")
	st.WaveTaskIDs = []string{"TASK-001", "TASK-999"}
	patch, err := d.DispatchWave(context.Background(), st)
	require.NoError(t, err)

	require.Len(t, patch.WaveDispatchResults, 2)
	assert.Equal(t, models.TaskFailed, patch.WaveDispatchResults[1].Status)
	assert.Contains(t, patch.Errors[len(patch.Errors)-1], "TASK-999")
}

func TestDispatchWave_SandboxRecordsAppended(t *testing.T) {
	exec := &fakeExecutor{results: map[string]models.ExecutionResult{"TASK-001": {ExitCode: 0}}}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, nil, ".", 1, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001"))
	require.NoError(t, err)

	require.Len(t, patch.Sandboxes, 1)
	assert.Equal(t, "sbx-TASK-001", patch.Sandboxes[0].SandboxID)
	assert.Equal(t, models.AgentCoder, patch.Sandboxes[0].Agent)
}

// worktreeExecutor records where each task ran and simulates agents writing
// into their working copies.
type worktreeExecutor struct {
	mu    sync.Mutex
	paths map[string]string
}

func (e *worktreeExecutor) ExecuteTask(ctx context.Context, req sandbox.ExecuteRequest) (models.ExecutionResult, error) {
	e.mu.Lock()
	e.paths[req.TaskID] = req.ProjectPath
	e.mu.Unlock()

	name := strings.ToLower(req.TaskID) + ".py"
	if err := os.WriteFile(filepath.Join(req.ProjectPath, name), []byte("x"), 0o644); err != nil {
		return models.ExecutionResult{}, err
	}
	code := 0
	if req.TaskID == "TASK-002" {
		code = 1
	}
	return models.ExecutionResult{
		ExitCode:    code,
		SandboxID:   "sbx-" + req.TaskID,
		FileChanges: []models.FileChange{{Path: name, Kind: models.ChangeCreated}},
	}, nil
}

func TestDispatchWave_WorktreeIsolation(t *testing.T) {
	base := t.TempDir()
	var gitMu sync.Mutex
	var gitCalls [][]string
	fakeGit := func(ctx context.Context, dir string, args ...string) (string, error) {
		gitMu.Lock()
		gitCalls = append(gitCalls, args)
		gitMu.Unlock()
		switch args[0] {
		case "worktree":
			switch args[1] {
			case "add":
				return "", os.MkdirAll(args[len(args)-1], 0o755)
			case "remove":
				return "", os.RemoveAll(args[len(args)-1])
			}
		case "status":
			return " M app.py\n", nil
		}
		return "", nil
	}
	trees := worktree.New(base, "", fakeGit, nil)

	exec := &worktreeExecutor{paths: make(map[string]string)}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, trees,
		filepath.Join(base, "wmnd-test"), 2, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001", "TASK-002"))
	require.NoError(t, err)

	// Every attempt ran in its own worktree, never in the shared workspace.
	wtBase := filepath.Join(base, "wmnd-test", ".worldmind-worktrees")
	assert.Equal(t, filepath.Join(wtBase, "task-001"), exec.paths["TASK-001"])
	assert.Equal(t, filepath.Join(wtBase, "task-002"), exec.paths["TASK-002"])
	assert.NotEqual(t, exec.paths["TASK-001"], exec.paths["TASK-002"])

	// Results attribute each task's own changes, nothing from its neighbor.
	require.Len(t, patch.WaveDispatchResults, 2)
	assert.Equal(t, []models.FileChange{{Path: "task-001.py", Kind: models.ChangeCreated}}, patch.WaveDispatchResults[0].FileChanges)
	assert.Equal(t, []models.FileChange{{Path: "task-002.py", Kind: models.ChangeCreated}}, patch.WaveDispatchResults[1].FileChanges)

	var commits, merges, removes int
	var mergedBranches []string
	gitMu.Lock()
	for _, call := range gitCalls {
		switch call[0] {
		case "commit":
			commits++
		case "merge":
			merges++
			mergedBranches = append(mergedBranches, call[len(call)-1])
		case "worktree":
			if call[1] == "remove" {
				removes++
			}
		}
	}
	gitMu.Unlock()

	assert.Equal(t, 1, commits, "only the successful attempt commits")
	assert.Equal(t, []string{"wave/task-001"}, mergedBranches, "only the successful branch merges")
	assert.Equal(t, 1, merges)
	assert.Equal(t, 2, removes, "every acquire is paired with a release, failures included")
}

func TestDispatchWave_WorktreeIntegrationFailureFailsTask(t *testing.T) {
	base := t.TempDir()
	fakeGit := func(ctx context.Context, dir string, args ...string) (string, error) {
		switch args[0] {
		case "worktree":
			switch args[1] {
			case "add":
				return "", os.MkdirAll(args[len(args)-1], 0o755)
			case "remove":
				return "", os.RemoveAll(args[len(args)-1])
			}
		case "status":
			return " M app.py\n", nil
		case "merge":
			return "CONFLICT (content): merge conflict in app.py", errors.New("exit status 1")
		}
		return "", nil
	}
	trees := worktree.New(base, "", fakeGit, nil)

	exec := &worktreeExecutor{paths: make(map[string]string)}
	d := New(exec, passthroughInstruct, exitCodeInterpreter, trees,
		filepath.Join(base, "wmnd-test"), 1, nil, nil, nil)

	patch, err := d.DispatchWave(context.Background(), waveState("TASK-001"))
	require.NoError(t, err)

	assert.Equal(t, models.TaskFailed, patch.WaveDispatchResults[0].Status)
	assert.Contains(t, patch.WaveDispatchResults[0].Output, "worktree integration failed")
	require.NotEmpty(t, patch.Errors)
	assert.Contains(t, patch.Errors[0], "worktree integration")
}

// instructionCapture records the instruction text handed to the executor.
type instructionCapture struct {
	inner sandbox.Executor
	seen  *[]string
	mu    *sync.Mutex
}

func (c *instructionCapture) ExecuteTask(ctx context.Context, req sandbox.ExecuteRequest) (models.ExecutionResult, error) {
	c.mu.Lock()
	*c.seen = append(*c.seen, req.Instruction)
	c.mu.Unlock()
	return c.inner.ExecuteTask(ctx, req)
}
