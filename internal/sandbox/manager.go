package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/filelock"
	"github.com/worldmind/worldmind/internal/fileutil"
	"github.com/worldmind/worldmind/internal/instruction"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/models"
)

// OutputCap bounds the output kept in mission state. Raw output stays with
// the provider.
const OutputCap = 10 * 1024

// ExecuteRequest describes one task attempt to run in a sandbox.
type ExecuteRequest struct {
	Agent       models.Agent
	TaskID      string
	MissionID   string
	ProjectPath string
	Instruction string
	EnvExtra    map[string]string
	GitRemote   string
	RuntimeTag  string
	Iteration   int
}

// Manager drives the sandbox lifecycle for one task attempt: environment
// assembly, instruction materialization, provider open/wait/capture,
// change detection and guaranteed teardown.
type Manager struct {
	cfg      config.SandboxConfig
	deployer config.DeployerConfig
	provider Provider
	store    *InstructionStore
	log      *logger.Logger
}

// NewManager creates a Manager over the given provider. The deployer config
// supplies the Cloud Foundry credentials injected into DEPLOYER sandboxes.
func NewManager(cfg config.SandboxConfig, deployer config.DeployerConfig, provider Provider, store *InstructionStore, log *logger.Logger) *Manager {
	if store == nil {
		store = NewInstructionStore()
	}
	return &Manager{cfg: cfg, deployer: deployer, provider: provider, store: store, log: log}
}

// Store exposes the transient instruction store (for the HTTP side-channel).
func (m *Manager) Store() *InstructionStore { return m.store }

// ExecuteTask runs one sandboxed attempt and returns its result. The sandbox
// is always torn down before returning, including on error and cancellation.
func (m *Manager) ExecuteTask(ctx context.Context, req ExecuteRequest) (models.ExecutionResult, error) {
	started := time.Now()

	env := m.assembleEnv(req)

	text := req.Instruction
	if names := m.serverNamesFor(req.Agent); len(names) > 0 {
		text = instruction.WithMCPTools(text, req.Agent, names)
	}

	instrPath := m.instructionPath(req.ProjectPath, req.TaskID)
	if err := filelock.WriteAtomic(instrPath, []byte(text), 0o644); err != nil {
		return models.ExecutionResult{}, &InstructionIOError{Path: instrPath, Err: err}
	}
	key := req.MissionID + "/" + req.TaskID
	m.store.Put(key, text)
	defer func() {
		// Best-effort cleanup; a leftover instruction file is harmless.
		os.Remove(instrPath)
		m.store.Delete(key)
	}()

	before, err := m.snapshot(ctx, req.ProjectPath)
	if err != nil {
		m.log.Warnf("sandbox %s: snapshot failed, change detection degraded: %v", req.TaskID, err)
	}

	sandboxID, err := m.provider.OpenSandbox(ctx, OpenRequest{
		Agent:           req.Agent,
		TaskID:          req.TaskID,
		MissionID:       req.MissionID,
		ProjectPath:     req.ProjectPath,
		InstructionPath: instrPath,
		InstructionKey:  key,
		Env:             env,
		RuntimeTag:      req.RuntimeTag,
		GitRemote:       req.GitRemote,
		Iteration:       req.Iteration,
	})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	defer func() {
		// Guaranteed release: teardown must run whatever happened above.
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if terr := m.provider.TeardownSandbox(tctx, sandboxID); terr != nil {
			m.log.Warnf("sandbox %s: teardown: %v", sandboxID, terr)
		}
	}()

	timeout := time.Duration(m.cfg.TimeoutSeconds) * time.Second
	exitCode, err := m.provider.WaitForCompletion(ctx, sandboxID, timeout)
	if err != nil {
		m.log.Warnf("sandbox %s: wait: %v", sandboxID, err)
		exitCode = ExitTimeout
	}

	output, err := m.provider.CaptureOutput(ctx, sandboxID)
	if err != nil {
		m.log.Warnf("sandbox %s: capture output: %v", sandboxID, err)
	}
	output = fileutil.TruncateMiddle(output, OutputCap)

	changes := m.detectChanges(ctx, req.TaskID, req.ProjectPath, before)

	return models.ExecutionResult{
		ExitCode:    exitCode,
		Output:      output,
		SandboxID:   sandboxID,
		FileChanges: changes,
		ElapsedMS:   time.Since(started).Milliseconds(),
	}, nil
}

// assembleEnv builds the sandbox environment: base vars, LLM runtime
// credentials (explicit config wins, otherwise the bound-service name is
// forwarded), MCP servers scoped to the agent, and deployer credentials for
// DEPLOYER tasks only.
func (m *Manager) assembleEnv(req ExecuteRequest) map[string]string {
	env := make(map[string]string, len(m.cfg.BaseEnv)+len(req.EnvExtra)+8)
	for k, v := range m.cfg.BaseEnv {
		env[k] = v
	}

	if m.cfg.GooseProvider != "" {
		env["GOOSE_PROVIDER"] = m.cfg.GooseProvider
		if m.cfg.GooseModel != "" {
			env["GOOSE_MODEL"] = m.cfg.GooseModel
		}
		if m.cfg.GooseAPIKey != "" {
			env[strings.ToUpper(m.cfg.GooseProvider)+"_API_KEY"] = m.cfg.GooseAPIKey
		}
	} else if m.cfg.GenAIServiceName != "" {
		env["GENAI_SERVICE_NAME"] = m.cfg.GenAIServiceName
	}

	if m.cfg.WorkspaceVolume != "" {
		env["WORKSPACE_VOLUME"] = m.cfg.WorkspaceVolume
	}

	if names := m.serverNamesFor(req.Agent); len(names) > 0 {
		env["MCP_SERVERS"] = strings.Join(names, ",")
		for _, srv := range m.cfg.MCPServers {
			if !serverAppliesTo(srv, req.Agent) {
				continue
			}
			infix := strings.ToUpper(strings.ReplaceAll(srv.Name, "-", "_"))
			env["MCP_SERVER_"+infix+"_URL"] = srv.URL
			if srv.Token != "" {
				env["MCP_SERVER_"+infix+"_TOKEN"] = srv.Token
			}
		}
	}

	if m.cfg.NexusURL != "" {
		env["NEXUS_URL"] = m.cfg.NexusURL
		if m.cfg.NexusToken != "" {
			env["NEXUS_TOKEN"] = m.cfg.NexusToken
		}
	}

	// Platform credentials never leave the DEPLOYER role.
	if req.Agent == models.AgentDeployer {
		for key, val := range map[string]string{
			"CF_API_URL":  m.deployer.CFAPIURL,
			"CF_USERNAME": m.deployer.CFUsername,
			"CF_PASSWORD": m.deployer.CFPassword,
			"CF_ORG":      m.deployer.CFOrg,
			"CF_SPACE":    m.deployer.CFSpace,
		} {
			if val != "" {
				env[key] = val
			}
		}
	}

	for k, v := range req.EnvExtra {
		env[k] = v
	}
	return env
}

func (m *Manager) serverNamesFor(agent models.Agent) []string {
	var names []string
	for _, srv := range m.cfg.MCPServers {
		if serverAppliesTo(srv, agent) {
			names = append(names, srv.Name)
		}
	}
	return names
}

func serverAppliesTo(srv config.MCPServer, agent models.Agent) bool {
	if len(srv.Agents) == 0 {
		return true
	}
	for _, a := range srv.Agents {
		if strings.EqualFold(a, string(agent)) {
			return true
		}
	}
	return false
}

// instructionPath places the instruction file under the project in local
// mode, or under the shared volume when the manager itself is containerized.
func (m *Manager) instructionPath(projectPath, taskID string) string {
	if m.cfg.WorkspaceVolume != "" {
		return filepath.Join(m.cfg.WorkspaceVolume, "tasks", taskID+".md")
	}
	return filepath.Join(projectPath, ".worldmind", "tasks", taskID+".md")
}

func (m *Manager) snapshot(ctx context.Context, projectPath string) (map[string]time.Time, error) {
	if snap, ok := m.provider.(Snapshotter); ok {
		before, err := snap.SnapshotProjectFiles(ctx, projectPath)
		if err == nil && before != nil {
			return before, nil
		}
		if err != nil {
			return nil, err
		}
	}
	return SnapshotProject(projectPath)
}

// detectChanges resolves the detection chain: provider-native detection,
// then provider snapshot diff, then local filesystem diff.
func (m *Manager) detectChanges(ctx context.Context, taskID, projectPath string, before map[string]time.Time) []models.FileChange {
	if det, ok := m.provider.(ChangeDetector); ok {
		changes, err := det.DetectChanges(ctx, taskID, projectPath)
		if err != nil {
			m.log.Warnf("sandbox %s: provider change detection: %v", taskID, err)
		} else if changes != nil {
			return changes
		}
	}
	if snap, ok := m.provider.(Snapshotter); ok && before != nil {
		changes, err := snap.DetectChangesBySnapshot(ctx, before, projectPath)
		if err != nil {
			m.log.Warnf("sandbox %s: provider snapshot diff: %v", taskID, err)
		} else if changes != nil {
			return changes
		}
	}
	if before == nil {
		return nil
	}
	changes, err := DiffSnapshot(before, projectPath)
	if err != nil {
		m.log.Warnf("sandbox %s: local diff: %v", taskID, err)
		return nil
	}
	return changes
}

// SandboxInfoFor builds the state record for a finished attempt.
func SandboxInfoFor(req ExecuteRequest, result models.ExecutionResult, startedAt, completedAt time.Time) models.SandboxInfo {
	lifecycle := models.SandboxCompleted
	if result.ExitCode != 0 {
		lifecycle = models.SandboxFailed
	}
	s, c := startedAt, completedAt
	return models.SandboxInfo{
		SandboxID:   result.SandboxID,
		Agent:       req.Agent,
		TaskID:      req.TaskID,
		Lifecycle:   lifecycle,
		StartedAt:   &s,
		CompletedAt: &c,
	}
}

// Executor is the narrow interface the dispatcher and the quality gate need.
type Executor interface {
	ExecuteTask(ctx context.Context, req ExecuteRequest) (models.ExecutionResult, error)
}

var _ Executor = (*Manager)(nil)
