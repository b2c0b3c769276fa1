package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldmind/worldmind/internal/mission"
	"github.com/worldmind/worldmind/internal/models"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Execute a coding mission",
		Long: `Execute a coding mission for a natural-language development request.

The request is classified, clarified and decomposed into agent tasks, which
run in dependency-ordered waves inside ephemeral sandboxes. Code-producing
tasks pass a tester/reviewer quality gate before they count as complete.

Examples:
  # Fully autonomous mission against the current directory
  worldmind run "add a /health endpoint returning build info"

  # Pause for plan approval before executing
  worldmind run --approve-plan "migrate the user store to postgres"

  # Build and deploy to Cloud Foundry
  worldmind run --deploy "create a spring boot greeting service"

  # Attach a PRD and raise agent reasoning effort
  worldmind run --prd docs/prd.md --reasoning high "implement the billing flow"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: worldmind.yaml when present)")
	cmd.Flags().String("project", ".", "Project directory the mission works on")
	cmd.Flags().String("prd", "", "Path to a PRD document to attach to the request")
	cmd.Flags().Bool("approve-plan", false, "Pause for interactive plan approval before executing")
	cmd.Flags().Bool("deploy", false, "Deploy the result to Cloud Foundry after the tasks complete")
	cmd.Flags().String("reasoning", "", "Agent reasoning level: low, medium, high, max")
	cmd.Flags().String("mission-id", "", "Explicit mission id (default: generated)")
	cmd.Flags().String("answers", "", "Pre-supplied answers to clarifying questions")
	cmd.Flags().String("workspaces", "", "Base directory for per-mission git workspaces")
	cmd.Flags().String("remote", "", "Git remote to clone mission workspaces from")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	request := strings.TrimSpace(strings.Join(args, " "))
	if request == "" {
		return &usageError{msg: "request must not be empty"}
	}

	configPath, _ := cmd.Flags().GetString("config")
	project, _ := cmd.Flags().GetString("project")
	prdPath, _ := cmd.Flags().GetString("prd")
	approvePlan, _ := cmd.Flags().GetBool("approve-plan")
	deploy, _ := cmd.Flags().GetBool("deploy")
	reasoning, _ := cmd.Flags().GetString("reasoning")
	missionID, _ := cmd.Flags().GetString("mission-id")
	answers, _ := cmd.Flags().GetString("answers")
	workspaces, _ := cmd.Flags().GetString("workspaces")
	remote, _ := cmd.Flags().GetString("remote")

	if configPath == "" {
		if _, err := os.Stat("worldmind.yaml"); err == nil {
			configPath = "worldmind.yaml"
		}
	}

	prd := ""
	if prdPath != "" {
		data, err := os.ReadFile(prdPath)
		if err != nil {
			return &usageError{msg: fmt.Sprintf("read prd: %v", err)}
		}
		prd = string(data)
	}

	var approval mission.ApprovalFunc
	if approvePlan {
		approval = promptApproval
	}

	a, err := buildApp(appOptions{
		configPath: configPath,
		project:    project,
		workspaces: workspaces,
		remote:     remote,
		approval:   approval,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	sub := models.Submission{
		Request:            request,
		InteractionMode:    models.ModeFullAuto,
		CreateCFDeployment: deploy,
		PRDDocument:        prd,
		ReasoningLevel:     models.ReasoningLevel(strings.ToLower(reasoning)),
		ClarifyingAnswers:  answers,
	}
	if approvePlan {
		sub.InteractionMode = models.ModeApprovePlan
	}

	started := time.Now()
	final, runErr := a.orch.Run(cmd.Context(), sub, missionID)

	view := metricsView(final)
	a.summarize(string(final.Status), final.MissionID, final.DeploymentURL, view, time.Since(started))
	printErrors(final.Errors)
	return runErr
}

// promptApproval prints the repaired plan and reads a y/N verdict from stdin.
func promptApproval(st models.MissionState) (bool, error) {
	fmt.Printf("\nPlan for mission %s (%d tasks):\n", st.MissionID, len(st.Tasks))
	for _, t := range st.Tasks {
		deps := "none"
		if len(t.Dependencies) > 0 {
			deps = strings.Join(t.Dependencies, ", ")
		}
		fmt.Printf("  %s  %-10s  %s (deps: %s)\n", t.ID, t.Agent, t.Description, deps)
	}
	fmt.Print("\nApprove plan? [y/N]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func metricsView(st models.MissionState) *missionMetricsView {
	if st.Metrics == nil {
		return nil
	}
	return &missionMetricsView{
		completed:  st.Metrics.TasksCompleted,
		failed:     st.Metrics.TasksFailed,
		waves:      st.Metrics.WavesExecuted,
		iterations: st.Metrics.TotalIterations,
	}
}

func printErrors(errs []string) {
	if len(errs) == 0 {
		return
	}
	fmt.Println("\nErrors:")
	for _, e := range errs {
		fmt.Printf("  - %s\n", e)
	}
}
