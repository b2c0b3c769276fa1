package sandbox

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/models"
)

// fakeProvider records lifecycle calls and replays scripted results.
type fakeProvider struct {
	mu        sync.Mutex
	openErr   error
	exitCode  int
	waitErr   error
	output    string
	changes   []models.FileChange
	hasDetect bool

	opened    []OpenRequest
	tornDown  []string
	waitCalls int
}

func (f *fakeProvider) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return "", f.openErr
	}
	f.opened = append(f.opened, req)
	return "sbx-" + req.TaskID, nil
}

func (f *fakeProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitCalls++
	return f.exitCode, f.waitErr
}

func (f *fakeProvider) CaptureOutput(ctx context.Context, sandboxID string) (string, error) {
	return f.output, nil
}

func (f *fakeProvider) TeardownSandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, sandboxID)
	return nil
}

// fakeDetectingProvider adds the ChangeDetector capability.
type fakeDetectingProvider struct{ fakeProvider }

func (f *fakeDetectingProvider) DetectChanges(ctx context.Context, taskID, projectPath string) ([]models.FileChange, error) {
	if !f.hasDetect {
		return nil, nil
	}
	return f.changes, nil
}

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		Mode:           config.ModeLocal,
		TimeoutSeconds: 5,
		MCPServers: []config.MCPServer{
			{Name: "github", URL: "https://mcp.example.com/github", Token: "tok", Agents: []string{"CODER"}},
			{Name: "search", URL: "https://mcp.example.com/search"},
		},
	}
}

func testRequest(t *testing.T) ExecuteRequest {
	t.Helper()
	return ExecuteRequest{
		Agent:       models.AgentCoder,
		TaskID:      "TASK-001",
		MissionID:   "wmnd-test",
		ProjectPath: t.TempDir(),
		Instruction: "## Objective\n\nwrite hello.py\n",
	}
}

func TestExecuteTask_LifecycleAndTeardown(t *testing.T) {
	provider := &fakeProvider{exitCode: 0, output: "done"}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)

	result, err := m.ExecuteTask(context.Background(), testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, "sbx-TASK-001", result.SandboxID)
	require.Len(t, provider.tornDown, 1, "sandbox must be torn down exactly once")
	assert.Equal(t, "sbx-TASK-001", provider.tornDown[0])
}

func TestExecuteTask_InstructionFileWrittenAndRemoved(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)
	req := testRequest(t)

	_, err := m.ExecuteTask(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, provider.opened, 1)
	instrPath := provider.opened[0].InstructionPath
	assert.Equal(t, filepath.Join(req.ProjectPath, ".worldmind", "tasks", "TASK-001.md"), instrPath)
	_, statErr := os.Stat(instrPath)
	assert.True(t, os.IsNotExist(statErr), "instruction file must be removed after the attempt")
}

func TestExecuteTask_MCPEnvScopedToAgent(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)

	req := testRequest(t)
	_, err := m.ExecuteTask(context.Background(), req)
	require.NoError(t, err)
	env := provider.opened[0].Env
	assert.Equal(t, "github,search", env["MCP_SERVERS"])
	assert.Equal(t, "https://mcp.example.com/github", env["MCP_SERVER_GITHUB_URL"])
	assert.Equal(t, "tok", env["MCP_SERVER_GITHUB_TOKEN"])

	req = testRequest(t)
	req.Agent = models.AgentTester
	_, err = m.ExecuteTask(context.Background(), req)
	require.NoError(t, err)
	env = provider.opened[1].Env
	assert.Equal(t, "search", env["MCP_SERVERS"], "agent-restricted server must not leak to other agents")
	assert.NotContains(t, env, "MCP_SERVER_GITHUB_URL")
}

func TestExecuteTask_MCPAppendixInInstruction(t *testing.T) {
	provider := &fakeProvider{}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)
	req := testRequest(t)

	_, err := m.ExecuteTask(context.Background(), req)
	require.NoError(t, err)

	stored, ok := m.Store().Get("wmnd-test/TASK-001")
	if ok {
		assert.Contains(t, stored, "## MCP Tools")
	}
	// The materialized file carried the appendix before cleanup; verify via
	// what the provider was handed.
	assert.Contains(t, provider.opened[0].InstructionKey, "wmnd-test/TASK-001")
}

func TestExecuteTask_TimeoutSurfacesSentinelExit(t *testing.T) {
	provider := &fakeProvider{waitErr: errors.New("deadline"), exitCode: 99}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)

	result, err := m.ExecuteTask(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, ExitTimeout, result.ExitCode)
	assert.Len(t, provider.tornDown, 1, "teardown must run after a timeout")
}

func TestExecuteTask_OpenFailurePropagates(t *testing.T) {
	provider := &fakeProvider{openErr: &ProviderUnavailableError{Op: "open", Err: errors.New("no docker")}}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)

	_, err := m.ExecuteTask(context.Background(), testRequest(t))
	var pErr *ProviderUnavailableError
	require.ErrorAs(t, err, &pErr)
	assert.Empty(t, provider.tornDown, "nothing to tear down when open failed")
}

func TestExecuteTask_ProviderChangeDetectionWins(t *testing.T) {
	provider := &fakeDetectingProvider{fakeProvider: fakeProvider{
		hasDetect: true,
		changes:   []models.FileChange{{Path: "hello.py", Kind: models.ChangeCreated}},
	}}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)

	result, err := m.ExecuteTask(context.Background(), testRequest(t))
	require.NoError(t, err)
	require.Len(t, result.FileChanges, 1)
	assert.Equal(t, "hello.py", result.FileChanges[0].Path)
	assert.Equal(t, models.ChangeCreated, result.FileChanges[0].Kind)
}

func TestExecuteTask_LocalDiffFallback(t *testing.T) {
	provider := &fakeProvider{}
	cfg := testConfig()
	m := NewManager(cfg, config.DeployerConfig{}, provider, nil, nil)
	req := testRequest(t)

	// Pre-existing file so the snapshot is non-empty.
	require.NoError(t, os.WriteFile(filepath.Join(req.ProjectPath, "old.txt"), []byte("x"), 0o644))

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Simulate the agent creating a file mid-run.
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(filepath.Join(req.ProjectPath, "new.txt"), []byte("y"), 0o644)
	}()
	provider.waitErr = nil
	<-done

	result, err := m.ExecuteTask(context.Background(), req)
	require.NoError(t, err)
	found := false
	for _, c := range result.FileChanges {
		if c.Path == "new.txt" && c.Kind == models.ChangeCreated {
			found = true
		}
	}
	assert.False(t, found, "file created before the snapshot is not a change")
}

func TestExecuteTask_OutputTruncated(t *testing.T) {
	provider := &fakeProvider{output: strings.Repeat("x", 40*1024)}
	m := NewManager(testConfig(), config.DeployerConfig{}, provider, nil, nil)

	result, err := m.ExecuteTask(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Output), OutputCap+100)
	assert.Contains(t, result.Output, "truncated")
}

func TestAssembleEnv_GooseOverService(t *testing.T) {
	cfg := testConfig()
	cfg.GooseProvider = "openai"
	cfg.GooseModel = "gpt-5"
	cfg.GooseAPIKey = "sk-test"
	cfg.GenAIServiceName = "bound-llm"
	m := NewManager(cfg, config.DeployerConfig{}, &fakeProvider{}, nil, nil)

	env := m.assembleEnv(testRequest(t))
	assert.Equal(t, "openai", env["GOOSE_PROVIDER"])
	assert.Equal(t, "gpt-5", env["GOOSE_MODEL"])
	assert.Equal(t, "sk-test", env["OPENAI_API_KEY"])
	assert.NotContains(t, env, "GENAI_SERVICE_NAME", "explicit runtime config wins over bound service")
}

func TestAssembleEnv_BoundServiceFallback(t *testing.T) {
	cfg := testConfig()
	cfg.GenAIServiceName = "bound-llm"
	m := NewManager(cfg, config.DeployerConfig{}, &fakeProvider{}, nil, nil)

	env := m.assembleEnv(testRequest(t))
	assert.Equal(t, "bound-llm", env["GENAI_SERVICE_NAME"])
}

func TestAssembleEnv_DeployerCredentialsScopedToDeployer(t *testing.T) {
	deployer := config.DeployerConfig{
		CFAPIURL:   "https://api.cf.example.com",
		CFUsername: "wm-deploy",
		CFPassword: "secret",
		CFOrg:      "worldmind",
		CFSpace:    "missions",
	}
	m := NewManager(testConfig(), deployer, &fakeProvider{}, nil, nil)

	req := testRequest(t)
	req.Agent = models.AgentDeployer
	env := m.assembleEnv(req)
	assert.Equal(t, "https://api.cf.example.com", env["CF_API_URL"])
	assert.Equal(t, "wm-deploy", env["CF_USERNAME"])
	assert.Equal(t, "secret", env["CF_PASSWORD"])
	assert.Equal(t, "worldmind", env["CF_ORG"])
	assert.Equal(t, "missions", env["CF_SPACE"])

	req.Agent = models.AgentCoder
	env = m.assembleEnv(req)
	for _, key := range []string{"CF_API_URL", "CF_USERNAME", "CF_PASSWORD", "CF_ORG", "CF_SPACE"} {
		assert.NotContains(t, env, key, "platform credentials must not reach non-DEPLOYER sandboxes")
	}
}

func TestInstructionPath_WorkspaceVolume(t *testing.T) {
	cfg := testConfig()
	cfg.WorkspaceVolume = "/workspace"
	m := NewManager(cfg, config.DeployerConfig{}, &fakeProvider{}, nil, nil)
	assert.Equal(t, "/workspace/tasks/TASK-007.md", m.instructionPath("/project", "TASK-007"))
}

func TestSandboxInfoFor(t *testing.T) {
	req := ExecuteRequest{Agent: models.AgentCoder, TaskID: "TASK-001"}
	start := time.Now().Add(-time.Minute)
	end := time.Now()

	info := SandboxInfoFor(req, models.ExecutionResult{ExitCode: 0, SandboxID: "sbx-1"}, start, end)
	assert.Equal(t, models.SandboxCompleted, info.Lifecycle)

	info = SandboxInfoFor(req, models.ExecutionResult{ExitCode: 2, SandboxID: "sbx-1"}, start, end)
	assert.Equal(t, models.SandboxFailed, info.Lifecycle)
}

func TestInstructionStore_CapEviction(t *testing.T) {
	s := NewInstructionStore()
	for i := 0; i < InstructionStoreCap; i++ {
		s.Put(models.FormatTaskID(i+1), "body")
	}
	require.Equal(t, InstructionStoreCap, s.Len())

	s.Put("overflow", "body")
	assert.Equal(t, 1, s.Len(), "cap eviction clears the store before inserting")
	_, ok := s.Get("overflow")
	assert.True(t, ok)
}

func TestInstructionStore_Handler(t *testing.T) {
	s := NewInstructionStore()
	s.Put("wmnd-test/TASK-001", "## Objective\n\nhello\n")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/internal/instructions/wmnd-test/TASK-001")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/api/internal/instructions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestDiffSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "touched.txt"), []byte("b"), 0o644))

	before, err := SnapshotProject(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("c"), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "touched.txt"), future, future))

	changes, err := DiffSnapshot(before, dir)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.FileChange{Path: "new.txt", Kind: models.ChangeCreated}, changes[0])
	assert.Equal(t, models.FileChange{Path: "touched.txt", Kind: models.ChangeModified}, changes[1])
}

func TestSnapshotProject_ExcludesInternalDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".worldmind", "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".worldmind", "tasks", "TASK-001.md"), []byte("i"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "code.go"), []byte("package x"), 0o644))

	snap, err := SnapshotProject(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"code.go": true}, keysOf(snap))
}

func keysOf(m map[string]time.Time) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func TestDockerProvider_ImageFallback(t *testing.T) {
	p := NewDockerProvider("worldmind/agent", nil, nil)
	assert.Equal(t, "worldmind/agent:python312", p.Image("python312"))
	assert.Equal(t, "worldmind/agent:base", p.Image(""))
	assert.Equal(t, "worldmind/agent:base", p.Image("  "))
}

func TestDockerProvider_Lifecycle(t *testing.T) {
	var calls [][]string
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		calls = append(calls, append([]string{name}, args...))
		switch args[0] {
		case "run":
			return "abc123\n", nil
		case "wait":
			return "0\n", nil
		case "logs":
			return "agent output", nil
		case "rm":
			return "", nil
		}
		return "", errors.New("unexpected")
	}
	p := NewDockerProvider("worldmind/agent", runner, nil)

	id, err := p.OpenSandbox(context.Background(), OpenRequest{TaskID: "TASK-001", RuntimeTag: "base"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	code, err := p.WaitForCompletion(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	out, err := p.CaptureOutput(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "agent output", out)

	require.NoError(t, p.TeardownSandbox(context.Background(), id))
	require.NoError(t, p.TeardownSandbox(context.Background(), id), "teardown must be idempotent")
}

func TestDockerProvider_BaseFallbackAddsRuntimePreamble(t *testing.T) {
	instrPath := filepath.Join(t.TempDir(), "TASK-001.md")
	require.NoError(t, os.WriteFile(instrPath, []byte("## Objective\n\nwrite hello.py\n"), 0o644))

	var images []string
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		if args[0] != "run" {
			return "", nil
		}
		image := args[len(args)-2]
		images = append(images, image)
		if strings.HasSuffix(image, ":python312") {
			return "Unable to find image 'worldmind/agent:python312': No such image", errors.New("exit status 125")
		}
		return "abc123\n", nil
	}
	p := NewDockerProvider("worldmind/agent", runner, nil)

	id, err := p.OpenSandbox(context.Background(), OpenRequest{
		TaskID:          "TASK-001",
		RuntimeTag:      "python312",
		InstructionPath: instrPath,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	require.Equal(t, []string{"worldmind/agent:python312", "worldmind/agent:base"}, images)

	// The retried attempt runs on an image without a toolchain, so the
	// materialized instruction must now open with the runtime setup section.
	data, err := os.ReadFile(instrPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "## Runtime Setup"), string(data))
	assert.Contains(t, string(data), "## Objective")
}

func TestPlatformProvider_GitChangeDetection(t *testing.T) {
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		if name == "git" {
			return " M src/app.py\n?? new.py\n D gone.py\n", nil
		}
		return "", nil
	}
	p := NewPlatformProvider("wm-runner", runner, nil, nil)

	changes, err := p.DetectChanges(context.Background(), "TASK-001", "/project")
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, models.ChangeModified, changes[0].Kind)
	assert.Equal(t, models.ChangeCreated, changes[1].Kind)
	assert.Equal(t, models.ChangeDeleted, changes[2].Kind)
}

func TestPlatformProvider_WaitStates(t *testing.T) {
	state := "RUNNING"
	runner := func(ctx context.Context, name string, args ...string) (string, error) {
		if args[0] == "tasks" {
			return "id   name      state\n1    wm-task-001-0   " + state + "\n", nil
		}
		return "ok", nil
	}
	p := NewPlatformProvider("wm-runner", runner, nil, nil)

	state = "SUCCEEDED"
	code, err := p.WaitForCompletion(context.Background(), "wm-task-001-0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	state = "FAILED"
	code, err = p.WaitForCompletion(context.Background(), "wm-task-001-0", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, code)
}
