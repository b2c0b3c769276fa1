// Package cmd implements the worldmind CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates the root cobra command for worldmind.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worldmind",
		Short: "Autonomous coding mission orchestrator",
		Long: `Worldmind accepts a natural-language development request and autonomously
plans, executes, evaluates, and optionally deploys code.

A mission is decomposed into interdependent agent tasks, scheduled in
parallel waves, dispatched to ephemeral sandboxes, and verified by a
tester/reviewer quality gate with bounded retries. State is checkpointed
after every step so an interrupted mission resumes where it stopped.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())

	return cmd
}
