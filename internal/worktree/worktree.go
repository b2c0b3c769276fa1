// Package worktree manages the mission's git working copies: one workspace
// clone per mission and one detached worktree per task attempt, so parallel
// agents never contend for the same checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/worldmind/worldmind/internal/filelock"
	"github.com/worldmind/worldmind/internal/logger"
)

// GitRunner executes one git invocation in dir and returns combined output.
// Production uses the git CLI; tests substitute a fake.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// Context manages workspaces and worktrees under a base directory.
type Context struct {
	baseDir string
	remote  string
	git     GitRunner
	log     *logger.Logger
}

// New creates a worktree Context. remote may be empty for local-only
// missions; push operations then become no-ops.
func New(baseDir, remote string, git GitRunner, log *logger.Logger) *Context {
	return &Context{baseDir: baseDir, remote: remote, git: git, log: log}
}

// WorkspacePath returns the mission's clone directory.
func (c *Context) WorkspacePath(missionID string) string {
	return filepath.Join(c.baseDir, missionID)
}

// CreateMissionWorkspace clones the remote (or initializes a fresh repo when
// there is none) into the mission directory. Creation is serialized through a
// file lock so concurrent missions on the same base directory cannot race on
// partially-cloned state.
func (c *Context) CreateMissionWorkspace(ctx context.Context, missionID string) (string, error) {
	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("workspace base: %w", err)
	}

	lock := filelock.New(filepath.Join(c.baseDir, ".workspace.lock"))
	if err := lock.Acquire(); err != nil {
		return "", fmt.Errorf("workspace lock: %w", err)
	}
	defer lock.Release()

	dir := c.WorkspacePath(missionID)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return dir, nil
	}

	if c.remote != "" {
		if out, err := c.git(ctx, c.baseDir, "clone", c.remote, dir); err != nil {
			return "", fmt.Errorf("clone %s: %v: %s", c.remote, err, strings.TrimSpace(out))
		}
		return dir, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace dir: %w", err)
	}
	if out, err := c.git(ctx, dir, "init"); err != nil {
		return "", fmt.Errorf("init workspace: %v: %s", err, strings.TrimSpace(out))
	}
	if out, err := c.git(ctx, dir, "commit", "--allow-empty", "-m", "mission workspace"); err != nil {
		return "", fmt.Errorf("seed workspace: %v: %s", err, strings.TrimSpace(out))
	}
	return dir, nil
}

// AcquireWorktree adds a worktree for one task attempt on its own branch
// (wave/<task-id>). Re-acquiring after a failed attempt reuses the branch.
func (c *Context) AcquireWorktree(ctx context.Context, missionID, taskID string) (string, error) {
	workspace := c.WorkspacePath(missionID)
	branch := BranchFor(taskID)
	dir := filepath.Join(workspace, ".worldmind-worktrees", strings.ToLower(taskID))

	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	out, err := c.git(ctx, workspace, "worktree", "add", "-b", branch, dir)
	if err != nil {
		// The branch survives a released worktree; attach to it instead.
		if strings.Contains(out, "already exists") {
			if out2, err2 := c.git(ctx, workspace, "worktree", "add", dir, branch); err2 == nil {
				return dir, nil
			} else {
				return "", fmt.Errorf("reattach worktree %s: %v: %s", branch, err2, strings.TrimSpace(out2))
			}
		}
		return "", fmt.Errorf("add worktree %s: %v: %s", branch, err, strings.TrimSpace(out))
	}
	return dir, nil
}

// BranchFor names the per-task branch.
func BranchFor(taskID string) string {
	return "wave/" + strings.ToLower(taskID)
}

// CommitAndPush commits everything in the worktree and pushes its branch.
// A clean tree commits nothing and is not an error; push is skipped for
// remoteless missions.
func (c *Context) CommitAndPush(ctx context.Context, worktreeDir, taskID, message string) error {
	if out, err := c.git(ctx, worktreeDir, "add", "--all"); err != nil {
		return fmt.Errorf("stage %s: %v: %s", taskID, err, strings.TrimSpace(out))
	}

	status, err := c.git(ctx, worktreeDir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("status %s: %w", taskID, err)
	}
	if strings.TrimSpace(status) == "" {
		c.log.Debugf("%s: nothing to commit", taskID)
		return nil
	}

	if out, err := c.git(ctx, worktreeDir, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit %s: %v: %s", taskID, err, strings.TrimSpace(out))
	}
	if c.remote == "" {
		return nil
	}
	if out, err := c.git(ctx, worktreeDir, "push", "--set-upstream", "origin", BranchFor(taskID)); err != nil {
		return fmt.Errorf("push %s: %v: %s", taskID, err, strings.TrimSpace(out))
	}
	return nil
}

// ReleaseWorktree removes a task's worktree. Tolerant by design: a worktree
// that is already gone, or was never created because the attempt failed
// early, releases without error.
func (c *Context) ReleaseWorktree(ctx context.Context, missionID, taskID string) error {
	workspace := c.WorkspacePath(missionID)
	dir := filepath.Join(workspace, ".worldmind-worktrees", strings.ToLower(taskID))

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if out, err := c.git(ctx, workspace, "worktree", "remove", "--force", dir); err != nil {
		low := strings.ToLower(out)
		if strings.Contains(low, "not a working tree") || strings.Contains(low, "no such") {
			return nil
		}
		c.log.Warnf("release worktree %s: %v: %s", taskID, err, strings.TrimSpace(out))
		// Fall back to removing the directory so the next acquire can run.
		os.RemoveAll(dir)
	}
	return nil
}

// MergeTaskBranch merges a completed task's branch back into the workspace's
// current branch.
func (c *Context) MergeTaskBranch(ctx context.Context, missionID, taskID string) error {
	workspace := c.WorkspacePath(missionID)
	branch := BranchFor(taskID)
	if out, err := c.git(ctx, workspace, "merge", "--no-ff", "-m", "merge "+branch, branch); err != nil {
		return fmt.Errorf("merge %s: %v: %s", branch, err, strings.TrimSpace(out))
	}
	return nil
}

// CleanupMission prunes all worktrees and deletes the mission workspace.
func (c *Context) CleanupMission(ctx context.Context, missionID string) error {
	workspace := c.WorkspacePath(missionID)
	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		return nil
	}
	if out, err := c.git(ctx, workspace, "worktree", "prune"); err != nil {
		c.log.Debugf("prune worktrees: %v: %s", err, strings.TrimSpace(out))
	}
	if err := os.RemoveAll(workspace); err != nil {
		return fmt.Errorf("remove workspace %s: %w", missionID, err)
	}
	return nil
}

// ExecGit is the production GitRunner.
func ExecGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
