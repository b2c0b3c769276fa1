package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/models"
)

// localSandbox is one running agent process plus its live file watcher.
type localSandbox struct {
	cmd     *exec.Cmd
	output  *bytes.Buffer
	watcher *Watcher
	done    chan struct{}
	exit    int
	waitErr error

	mu   sync.Mutex
	torn bool
}

// LocalProvider runs agent attempts as child processes on the host. Change
// detection uses a per-sandbox filesystem watcher so edits are captured even
// on coarse-mtime filesystems.
type LocalProvider struct {
	agentCommand string
	log          *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*localSandbox
}

// NewLocalProvider creates a LocalProvider running agentCommand per attempt.
func NewLocalProvider(agentCommand string, log *logger.Logger) *LocalProvider {
	return &LocalProvider{
		agentCommand: agentCommand,
		log:          log,
		sandboxes:    make(map[string]*localSandbox),
	}
}

// OpenSandbox starts the agent process with the instruction path as its only
// argument and the assembled environment layered over the host's.
func (p *LocalProvider) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	watcher, err := NewWatcher(req.ProjectPath)
	if err != nil {
		// Degraded but not fatal: the manager falls back to snapshot diffing.
		p.log.Warnf("local sandbox %s: watcher unavailable: %v", req.TaskID, err)
		watcher = nil
	}

	cmd := exec.CommandContext(ctx, p.agentCommand, req.InstructionPath)
	cmd.Dir = req.ProjectPath
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		if watcher != nil {
			watcher.Stop()
		}
		return "", &ProviderUnavailableError{Op: "open", Err: fmt.Errorf("start %s: %w", p.agentCommand, err)}
	}

	sb := &localSandbox{
		cmd:     cmd,
		output:  &buf,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		sb.exit = exitCodeOf(err)
		sb.waitErr = err
		close(sb.done)
	}()

	id := "local-" + req.TaskID + "-" + uuid.NewString()[:8]
	p.mu.Lock()
	p.sandboxes[id] = sb
	p.mu.Unlock()
	return id, nil
}

// WaitForCompletion blocks until the process exits or the timeout elapses.
func (p *LocalProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	sb, err := p.get(sandboxID)
	if err != nil {
		return ExitTimeout, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sb.done:
		return sb.exit, nil
	case <-timer.C:
		return ExitTimeout, nil
	case <-ctx.Done():
		return ExitTimeout, ctx.Err()
	}
}

// CaptureOutput returns the combined stdout+stderr collected so far.
func (p *LocalProvider) CaptureOutput(ctx context.Context, sandboxID string) (string, error) {
	sb, err := p.get(sandboxID)
	if err != nil {
		return "", err
	}
	return sb.output.String(), nil
}

// TeardownSandbox kills a still-running process, stops the watcher and
// forgets the sandbox. Idempotent.
func (p *LocalProvider) TeardownSandbox(ctx context.Context, sandboxID string) error {
	p.mu.Lock()
	sb, ok := p.sandboxes[sandboxID]
	if ok {
		delete(p.sandboxes, sandboxID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.torn {
		return nil
	}
	sb.torn = true

	select {
	case <-sb.done:
	default:
		if sb.cmd.Process != nil {
			sb.cmd.Process.Kill()
		}
		<-sb.done
	}
	if sb.watcher != nil {
		sb.watcher.Stop()
		sb.watcher = nil
	}
	return nil
}

// DetectChanges returns the watcher-captured changes for the most recent
// sandbox of taskID, or (nil, nil) when no watcher ran.
func (p *LocalProvider) DetectChanges(ctx context.Context, taskID, projectPath string) ([]models.FileChange, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sb := range p.sandboxes {
		if !matchesTask(id, taskID) {
			continue
		}
		sb.mu.Lock()
		var changes []models.FileChange
		if sb.watcher != nil {
			changes = sb.watcher.Stop()
			sb.watcher = nil
		}
		sb.mu.Unlock()
		return changes, nil
	}
	return nil, nil
}

func (p *LocalProvider) get(sandboxID string) (*localSandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return nil, &ProviderUnavailableError{Op: "lookup", Err: fmt.Errorf("unknown sandbox %s", sandboxID)}
	}
	return sb, nil
}

func matchesTask(sandboxID, taskID string) bool {
	const prefix = "local-"
	if len(sandboxID) < len(prefix)+len(taskID)+1 {
		return false
	}
	return sandboxID[len(prefix):len(prefix)+len(taskID)] == taskID &&
		sandboxID[len(prefix)+len(taskID)] == '-'
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return ExitTimeout
}

var (
	_ Provider       = (*LocalProvider)(nil)
	_ ChangeDetector = (*LocalProvider)(nil)
)
