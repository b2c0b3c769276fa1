package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// NewResumeCommand creates the resume command.
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <mission-id>",
		Short: "Resume an interrupted mission from its latest checkpoint",
		Long: `Resume an interrupted mission from its latest checkpoint.

The mission state is reloaded from the checkpoint store and execution
continues at the step that had not yet run. Completed tasks are not
re-executed.

Example:
  worldmind resume wmnd-2026-0042`,
		Args: cobra.ExactArgs(1),
		RunE: resumeCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: worldmind.yaml when present)")
	cmd.Flags().String("project", ".", "Project directory the mission works on")
	cmd.Flags().String("workspaces", "", "Base directory for per-mission git workspaces")
	cmd.Flags().String("remote", "", "Git remote to clone mission workspaces from")

	return cmd
}

func resumeCommand(cmd *cobra.Command, args []string) error {
	missionID := args[0]

	configPath, _ := cmd.Flags().GetString("config")
	project, _ := cmd.Flags().GetString("project")
	workspaces, _ := cmd.Flags().GetString("workspaces")
	remote, _ := cmd.Flags().GetString("remote")

	if configPath == "" {
		if _, err := os.Stat("worldmind.yaml"); err == nil {
			configPath = "worldmind.yaml"
		}
	}

	a, err := buildApp(appOptions{
		configPath: configPath,
		project:    project,
		workspaces: workspaces,
		remote:     remote,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	started := time.Now()
	final, runErr := a.orch.Resume(cmd.Context(), missionID)

	a.summarize(string(final.Status), final.MissionID, final.DeploymentURL, metricsView(final), time.Since(started))
	printErrors(final.Errors)
	return runErr
}
