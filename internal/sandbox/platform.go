package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/models"
)

// platformPollInterval is how often task state is polled on the platform.
const platformPollInterval = 5 * time.Second

// PlatformProvider runs agent attempts as platform tasks against a long-lived
// runner app. Instructions travel over the internal HTTP side-channel keyed by
// InstructionKey; the task pushes its output back the same way. Change
// detection reads the git working tree, since the platform task commits
// nothing itself.
type PlatformProvider struct {
	runnerApp string
	runner    CommandRunner
	store     *InstructionStore
	log       *logger.Logger

	mu   sync.Mutex
	keys map[string]string // sandbox name -> instruction-store key
}

// NewPlatformProvider creates a PlatformProvider dispatching tasks to
// runnerApp. A nil runner uses the cf CLI.
func NewPlatformProvider(runnerApp string, runner CommandRunner, store *InstructionStore, log *logger.Logger) *PlatformProvider {
	if runner == nil {
		runner = ExecRunner
	}
	return &PlatformProvider{
		runnerApp: runnerApp,
		runner:    runner,
		store:     store,
		log:       log,
		keys:      make(map[string]string),
	}
}

// OpenSandbox starts a platform task on the runner app and returns its name.
func (p *PlatformProvider) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	name := "wm-" + strings.ToLower(req.TaskID) + "-" + fmt.Sprint(req.Iteration)
	command := "worldmind-agent --instruction-key " + req.InstructionKey
	for k, v := range req.Env {
		command = k + "=" + shellQuote(v) + " " + command
	}
	out, err := p.runner(ctx, "cf", "run-task", p.runnerApp, "--command", command, "--name", name)
	if err != nil {
		return "", &ProviderUnavailableError{Op: "open", Err: fmt.Errorf("cf run-task: %v: %s", err, strings.TrimSpace(out))}
	}
	p.mu.Lock()
	p.keys[name] = req.InstructionKey
	p.mu.Unlock()
	return name, nil
}

// WaitForCompletion polls the platform task list until the task reaches a
// terminal state or the timeout elapses.
func (p *PlatformProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(platformPollInterval)
	defer ticker.Stop()
	for {
		state, err := p.taskState(ctx, sandboxID)
		if err != nil {
			return ExitTimeout, err
		}
		switch state {
		case "SUCCEEDED":
			return 0, nil
		case "FAILED":
			return 1, nil
		}
		if time.Now().After(deadline) {
			return ExitTimeout, nil
		}
		select {
		case <-ctx.Done():
			return ExitTimeout, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PlatformProvider) taskState(ctx context.Context, name string) (string, error) {
	out, err := p.runner(ctx, "cf", "tasks", p.runnerApp)
	if err != nil {
		return "", &ProviderUnavailableError{Op: "wait", Err: fmt.Errorf("cf tasks: %v: %s", err, strings.TrimSpace(out))}
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[1] == name {
			return fields[2], nil
		}
	}
	return "PENDING", nil
}

// CaptureOutput prefers output the task pushed back through the side-channel
// and falls back to recent app logs.
func (p *PlatformProvider) CaptureOutput(ctx context.Context, sandboxID string) (string, error) {
	p.mu.Lock()
	key := p.keys[sandboxID]
	p.mu.Unlock()
	if p.store != nil && key != "" {
		if out, ok := p.store.Output(key); ok {
			return out, nil
		}
	}
	out, err := p.runner(ctx, "cf", "logs", p.runnerApp, "--recent")
	if err != nil {
		return "", &ProviderUnavailableError{Op: "capture", Err: err}
	}
	return out, nil
}

// TeardownSandbox terminates a still-running platform task. Terminating a
// finished task is not an error.
func (p *PlatformProvider) TeardownSandbox(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	delete(p.keys, sandboxID)
	p.mu.Unlock()
	out, err := p.runner(ctx, "cf", "terminate-task", p.runnerApp, sandboxID)
	if err != nil {
		low := strings.ToLower(out)
		if strings.Contains(low, "not found") || strings.Contains(low, "already") {
			return nil
		}
		return &ProviderUnavailableError{Op: "teardown", Err: fmt.Errorf("cf terminate-task: %v: %s", err, strings.TrimSpace(out))}
	}
	return nil
}

// DetectChanges reads the git working tree of the project checkout the runner
// app shares with the orchestrator.
func (p *PlatformProvider) DetectChanges(ctx context.Context, taskID, projectPath string) ([]models.FileChange, error) {
	out, err := p.runner(ctx, "git", "-C", projectPath, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var changes []models.FileChange
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		status, path := line[:2], strings.TrimSpace(line[3:])
		var kind models.ChangeKind
		switch {
		case strings.Contains(status, "D"):
			kind = models.ChangeDeleted
		case strings.Contains(status, "?") || strings.Contains(status, "A"):
			kind = models.ChangeCreated
		default:
			kind = models.ChangeModified
		}
		changes = append(changes, models.FileChange{Path: path, Kind: kind})
	}
	return changes, nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	_ Provider       = (*PlatformProvider)(nil)
	_ ChangeDetector = (*PlatformProvider)(nil)
)
