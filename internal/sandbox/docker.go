package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/worldmind/worldmind/internal/filelock"
	"github.com/worldmind/worldmind/internal/instruction"
	"github.com/worldmind/worldmind/internal/logger"
)

// CommandRunner executes an external command and returns combined output.
// It exists so provider tests can substitute a fake for the docker and cf
// binaries.
type CommandRunner func(ctx context.Context, name string, args ...string) (string, error)

// ExecRunner is the production CommandRunner.
func ExecRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// DockerProvider runs agent attempts in containers. The project directory is
// bind-mounted at /workspace and the agent runtime image is selected by the
// classification's runtime tag, falling back to the base image.
type DockerProvider struct {
	imageRepo string
	runner    CommandRunner
	log       *logger.Logger
}

// NewDockerProvider creates a DockerProvider over imageRepo. A nil runner
// uses the docker CLI.
func NewDockerProvider(imageRepo string, runner CommandRunner, log *logger.Logger) *DockerProvider {
	if runner == nil {
		runner = ExecRunner
	}
	return &DockerProvider{imageRepo: imageRepo, runner: runner, log: log}
}

// Image resolves the image reference for a runtime tag. Unknown or empty tags
// fall back to the base image rather than failing the attempt.
func (p *DockerProvider) Image(runtimeTag string) string {
	tag := strings.TrimSpace(runtimeTag)
	if tag == "" {
		tag = "base"
	}
	return p.imageRepo + ":" + tag
}

// OpenSandbox starts a detached container and returns its id.
func (p *DockerProvider) OpenSandbox(ctx context.Context, req OpenRequest) (string, error) {
	args := []string{
		"run", "--detach",
		"--label", "worldmind.mission=" + req.MissionID,
		"--label", "worldmind.task=" + req.TaskID,
		"--volume", req.ProjectPath + ":/workspace",
		"--workdir", "/workspace",
	}
	for k, v := range req.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, "--env", "WORLDMIND_INSTRUCTION_KEY="+req.InstructionKey)
	args = append(args, p.Image(req.RuntimeTag), "/workspace/.worldmind/tasks/"+req.TaskID+".md")

	out, err := p.runner(ctx, "docker", args...)
	if err != nil {
		// Unknown runtime tags surface as a missing image; retry on base.
		if req.RuntimeTag != "" && strings.Contains(out, "No such image") {
			p.log.Warnf("image %s missing, retrying with base", p.Image(req.RuntimeTag))
			if perr := prependBasePreamble(req.InstructionPath); perr != nil {
				p.log.Warnf("instruction %s: base preamble: %v", req.InstructionPath, perr)
			}
			retry := req
			retry.RuntimeTag = ""
			return p.OpenSandbox(ctx, retry)
		}
		return "", &ProviderUnavailableError{Op: "open", Err: fmt.Errorf("docker run: %v: %s", err, strings.TrimSpace(out))}
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", &ProviderUnavailableError{Op: "open", Err: fmt.Errorf("docker run returned no container id")}
	}
	return id, nil
}

// prependBasePreamble rewrites the materialized instruction for a base-image
// fallback: the agent now has to self-install its toolchain, so the runtime
// setup section the original tag skipped must be added before the retry runs.
func prependBasePreamble(instrPath string) error {
	if instrPath == "" {
		return nil
	}
	data, err := os.ReadFile(instrPath)
	if err != nil {
		return err
	}
	if strings.Contains(string(data), "## Runtime Setup") {
		return nil
	}
	text := instruction.WithRuntimePreamble(string(data), "base")
	return filelock.WriteAtomic(instrPath, []byte(text), 0o644)
}

// WaitForCompletion waits for the container to exit via docker wait.
func (p *DockerProvider) WaitForCompletion(ctx context.Context, sandboxID string, timeout time.Duration) (int, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := p.runner(wctx, "docker", "wait", sandboxID)
	if err != nil {
		if wctx.Err() != nil {
			return ExitTimeout, nil
		}
		return ExitTimeout, &ProviderUnavailableError{Op: "wait", Err: err}
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return ExitTimeout, &ProviderUnavailableError{Op: "wait", Err: fmt.Errorf("unparsable exit status %q", strings.TrimSpace(out))}
	}
	return code, nil
}

// CaptureOutput returns the container's combined logs.
func (p *DockerProvider) CaptureOutput(ctx context.Context, sandboxID string) (string, error) {
	out, err := p.runner(ctx, "docker", "logs", sandboxID)
	if err != nil {
		return "", &ProviderUnavailableError{Op: "capture", Err: err}
	}
	return out, nil
}

// TeardownSandbox force-removes the container. Removing an already-gone
// container is not an error.
func (p *DockerProvider) TeardownSandbox(ctx context.Context, sandboxID string) error {
	out, err := p.runner(ctx, "docker", "rm", "--force", sandboxID)
	if err != nil {
		if strings.Contains(out, "No such container") {
			return nil
		}
		return &ProviderUnavailableError{Op: "teardown", Err: fmt.Errorf("docker rm: %v: %s", err, strings.TrimSpace(out))}
	}
	return nil
}

var _ Provider = (*DockerProvider)(nil)
