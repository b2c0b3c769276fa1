package instruction

import (
	"fmt"
	"strings"

	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/models"
)

// NoServicesAnswer is the clarifying answer that suppresses service bindings
// in the generated manifest.
const NoServicesAnswer = "No services needed"

// BuildTester produces the instruction for a TESTER sub-task verifying a
// coder task's output. The tester reports in the fixed "Tests run" format the
// gate parser understands.
func BuildTester(coderTask models.Task, ctx *models.ProjectContext, changes []models.FileChange) string {
	var b strings.Builder

	b.WriteString("## Objective\n\n")
	fmt.Fprintf(&b, "Run the project's test suite and verify the changes made for: %s\n\n", coderTask.Description)

	writeChangedFiles(&b, changes)
	writeProjectContext(&b, ctx)

	b.WriteString("## Reporting Format\n\n")
	b.WriteString("End your output with exactly these lines:\n\n")
	b.WriteString("```\nTests run: <total>\nPassed: <passed>\nFailed: <failed>\n```\n\n")
	b.WriteString("## Constraints\n\n")
	b.WriteString("- Do not modify any source or test file; you only execute and report.\n")
	b.WriteString("- If the project has no tests, report `Tests run: 0`.\n")

	return b.String()
}

// BuildReviewer produces the instruction for a REVIEWER sub-task. The review
// verdict format is a contract with the gate parser.
func BuildReviewer(coderTask models.Task, ctx *models.ProjectContext, changes []models.FileChange, test *models.TestResult) string {
	var b strings.Builder

	b.WriteString("## Objective\n\n")
	fmt.Fprintf(&b, "Review the code changes made for: %s\n\n", coderTask.Description)

	if coderTask.SuccessCriteria != "" {
		b.WriteString("## Success Criteria\n\n")
		b.WriteString(coderTask.SuccessCriteria)
		b.WriteString("\n\n")
	}

	writeChangedFiles(&b, changes)

	if test != nil {
		b.WriteString("## Test Outcome\n\n")
		fmt.Fprintf(&b, "Tests run: %d, failed: %d, passed overall: %t\n\n", test.Total, test.Failed, test.Passed)
	}

	writeProjectContext(&b, ctx)

	b.WriteString("## Reporting Format\n\n")
	b.WriteString("End your output with exactly these lines:\n\n")
	b.WriteString("```\nScore: <0-10>/10\nApproved: <yes|no>\nSummary: <one line>\n```\n\n")
	b.WriteString("List concrete problems under `## Issues` and optional improvements under `## Suggestions`, one bullet each.\n")

	return b.String()
}

// BuildResearcher produces a read-only research instruction.
func BuildResearcher(task models.Task, ctx *models.ProjectContext) string {
	var b strings.Builder

	b.WriteString("## Objective\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n\n")

	if task.InputContext != "" {
		b.WriteString("## Additional Context\n\n")
		b.WriteString(task.InputContext)
		b.WriteString("\n\n")
	}

	writeProjectContext(&b, ctx)

	b.WriteString("## Constraints\n\n")
	b.WriteString("- This is a read-only task: inspect, do not modify any file.\n")
	b.WriteString("- Write your findings to standard output as markdown.\n")

	return b.String()
}

// BuildRefactorer produces the instruction for a REFACTORER task. Behavioral
// equivalence against the baseline test run is the core constraint.
func BuildRefactorer(task models.Task, ctx *models.ProjectContext, baseline *models.TestResult) string {
	var b strings.Builder

	b.WriteString("## Objective\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n\n")

	if task.InputContext != "" {
		b.WriteString("## Additional Context\n\n")
		b.WriteString(task.InputContext)
		b.WriteString("\n\n")
	}

	if baseline != nil {
		b.WriteString("## Baseline\n\n")
		fmt.Fprintf(&b, "Before your changes the suite ran %d tests with %d failures. "+
			"After refactoring, the same tests must pass with identical results.\n\n",
			baseline.Total, baseline.Failed)
	}

	writeProjectContext(&b, ctx)
	writeFileOwnership(&b, task.TargetFiles)

	b.WriteString("## Constraints\n\n")
	b.WriteString("- Preserve observable behavior exactly; this is a refactor, not a feature change.\n")
	b.WriteString("- Do not modify test files.\n")
	b.WriteString("- Commit your changes with a descriptive message when done.\n")

	return b.String()
}

// DeployerSpec carries everything the deployer instruction needs.
type DeployerSpec struct {
	MissionID             string
	AppsDomain            string
	ManifestCreatedByTask bool
	ServiceBindings       []string
	AppType               string
	Manifest              string // generated manifest.yml content, when Worldmind creates it
	Config                config.DeployerConfig
}

// BuildDeployer produces the DEPLOYER instruction: push the app with cf,
// using either the task-authored manifest or the generated one.
func BuildDeployer(task models.Task, spec DeployerSpec) string {
	var b strings.Builder

	b.WriteString("## Objective\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n\n")

	if task.InputContext != "" {
		b.WriteString("## Additional Context\n\n")
		b.WriteString(task.InputContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Deployment\n\n")
	fmt.Fprintf(&b, "- Application name: %s\n", spec.MissionID)
	if spec.AppType != "" {
		fmt.Fprintf(&b, "- Application type: %s\n", spec.AppType)
	}
	fmt.Fprintf(&b, "- Route: %s.apps.%s\n", spec.MissionID, spec.AppsDomain)
	b.WriteString("\n")

	if spec.ManifestCreatedByTask {
		b.WriteString("A coder task already produced manifest.yml; deploy with it as-is. Do not regenerate it.\n\n")
	} else {
		b.WriteString("Write the following manifest.yml to the project root before pushing:\n\n")
		b.WriteString("```yaml\n")
		b.WriteString(spec.Manifest)
		if !strings.HasSuffix(spec.Manifest, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	if len(spec.ServiceBindings) > 0 {
		b.WriteString("## Service Bindings\n\n")
		b.WriteString("Verify these services exist before pushing (`cf services`):\n\n")
		for _, s := range spec.ServiceBindings {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Steps\n\n")
	b.WriteString("1. Build the deployable artifact (for JVM apps: `mvn -q package -DskipTests`).\n")
	b.WriteString("2. `cf push` with the manifest.\n")
	b.WriteString("3. Wait for the app to report `status: running`, then print `cf app " + spec.MissionID + "` output in full.\n\n")

	b.WriteString("## Constraints\n\n")
	b.WriteString("- Print all cf CLI output verbatim; the orchestrator diagnoses failures from it.\n")
	b.WriteString("- Do not delete or rename existing routes.\n")

	return b.String()
}

func writeChangedFiles(b *strings.Builder, changes []models.FileChange) {
	if len(changes) == 0 {
		return
	}
	b.WriteString("## Changed Files\n\n")
	for _, c := range changes {
		fmt.Fprintf(b, "- %s (%s)\n", c.Path, c.Kind)
	}
	b.WriteString("\n")
}
