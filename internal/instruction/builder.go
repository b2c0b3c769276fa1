// Package instruction builds the markdown directives handed to sandboxed
// agents. Every builder is a pure function: same inputs, same markdown.
// Section headings are contract points consumed by the agent runtime, so
// their order and wording stay fixed.
package instruction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/worldmind/worldmind/internal/models"
)

// Truncation limits for the project context section.
const (
	maxDependencies = 50
	maxTreeEntries  = 200
)

var reasoningText = map[models.ReasoningLevel]string{
	models.ReasoningLow:    "Work quickly and directly. Prefer the first workable approach; do not explore alternatives.",
	models.ReasoningMedium: "Think briefly before acting. Sketch the approach, then implement it end to end.",
	models.ReasoningHigh:   "Reason carefully before writing code. Consider edge cases and verify your work against the success criteria.",
	models.ReasoningMax:    "Reason exhaustively. Enumerate approaches, pick the most robust, and double-check every file you touch against the success criteria before finishing.",
}

// Build produces the full instruction markdown for a task. The section
// layout is fixed; optional sections appear only when their inputs are
// present.
func Build(task models.Task, ctx *models.ProjectContext, level models.ReasoningLevel) string {
	var b strings.Builder

	writeReasoning(&b, level)

	b.WriteString("## Objective\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n\n")

	if task.InputContext != "" {
		b.WriteString("## Additional Context\n\n")
		b.WriteString(task.InputContext)
		b.WriteString("\n\n")
		if strings.Contains(strings.ToLower(task.InputContext), "do not create") {
			b.WriteString("IMPORTANT: The context above forbids creating certain files. Treat that as a strict constraint, not a suggestion.\n\n")
		}
	}

	writeProjectContext(&b, ctx)

	if task.SuccessCriteria != "" {
		b.WriteString("## Success Criteria\n\n")
		b.WriteString(task.SuccessCriteria)
		b.WriteString("\n\n")
	}

	writeWorkspace(&b)
	writeFileOwnership(&b, task.TargetFiles)
	writeConstraints(&b)
	writeTools(&b)

	return b.String()
}

func writeReasoning(b *strings.Builder, level models.ReasoningLevel) {
	text, ok := reasoningText[level]
	if !ok {
		text = reasoningText[models.ReasoningMedium]
	}
	b.WriteString("## Reasoning Approach\n\n")
	b.WriteString(text)
	b.WriteString("\n\n")
}

func writeProjectContext(b *strings.Builder, ctx *models.ProjectContext) {
	if ctx == nil {
		return
	}
	b.WriteString("## Project Context\n\n")
	fmt.Fprintf(b, "- Language: %s\n", orUnknown(ctx.Language))
	if ctx.Framework != "" {
		fmt.Fprintf(b, "- Framework: %s\n", ctx.Framework)
	}
	if ctx.Summary != "" {
		fmt.Fprintf(b, "- Summary: %s\n", ctx.Summary)
	}
	b.WriteString("\n")

	if len(ctx.Dependencies) > 0 {
		deps := append([]string(nil), ctx.Dependencies...)
		sort.Strings(deps)
		if len(deps) > maxDependencies {
			deps = deps[:maxDependencies]
		}
		b.WriteString("### Dependencies\n\n")
		for _, d := range deps {
			fmt.Fprintf(b, "- %s\n", d)
		}
		b.WriteString("\n")
	}

	if len(ctx.FileTree) > 0 {
		tree := ctx.FileTree
		more := 0
		if len(tree) > maxTreeEntries {
			more = len(tree) - maxTreeEntries
			tree = tree[:maxTreeEntries]
		}
		b.WriteString("### File Tree\n\n")
		for _, f := range tree {
			fmt.Fprintf(b, "- %s\n", f)
		}
		if more > 0 {
			fmt.Fprintf(b, "- ... and %d more files\n", more)
		}
		b.WriteString("\n")
	}
}

func writeWorkspace(b *strings.Builder) {
	b.WriteString("## Workspace Layout\n\n")
	b.WriteString("Your working directory is /workspace. All paths are relative to it.\n")
	b.WriteString("Never write under any directory starting with `.worldmind-`; those are orchestrator internals.\n\n")
}

func writeFileOwnership(b *strings.Builder, targets []string) {
	if len(targets) == 0 {
		return
	}
	b.WriteString("## File Ownership (STRICT)\n\n")
	b.WriteString("You may only create or modify files matching these patterns:\n\n")
	for _, t := range targets {
		fmt.Fprintf(b, "- %s\n", t)
	}
	b.WriteString("\nTouching any other file fails the task.\n\n")
}

func writeConstraints(b *strings.Builder) {
	b.WriteString("## Constraints\n\n")
	b.WriteString("- Follow the project's existing naming conventions.\n")
	b.WriteString("- Produce every file the objective names; partial output fails the task.\n")
	b.WriteString("- Implement complete, working functionality; no placeholders or stubs.\n")
	b.WriteString("- Do not modify existing test files unless the objective says so.\n")
	b.WriteString("- Commit your changes with a descriptive message when done.\n\n")
}

func writeTools(b *strings.Builder) {
	b.WriteString("## Available Tools\n\n")
	b.WriteString("Standard shell, file read/write, and the project's build toolchain are available inside the sandbox.\n")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// WithRuntimePreamble prepends an install-at-runtime note when the sandbox
// fell back to the untagged base image and the agent must self-install its
// toolchain. Any other tag returns the instruction unchanged.
func WithRuntimePreamble(instr, runtimeTag string) string {
	if runtimeTag != "base" {
		return instr
	}
	preamble := "## Runtime Setup\n\n" +
		"This sandbox uses the base image without a preinstalled toolchain. " +
		"Before starting the objective, install the language runtime and build tools the project needs (use the package manager available in the image).\n\n"
	return preamble + instr
}

// WithMCPTools appends the MCP tools section when any servers are configured
// for this agent. An empty server list returns the instruction unchanged.
func WithMCPTools(instr string, agent models.Agent, serverNames []string) string {
	if len(serverNames) == 0 {
		return instr
	}
	var b strings.Builder
	b.WriteString(instr)
	if !strings.HasSuffix(instr, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\n## MCP Tools\n\n")
	fmt.Fprintf(&b, "The following MCP servers are available to the %s agent:\n\n", agent)
	for _, name := range serverNames {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("\nPrefer MCP tools over shelling out when one covers the operation.\n")
	return b.String()
}

// WithRetryContext prepends the previous attempt's diagnosis to a task's
// input context. Applied by the dispatcher, not the builders.
func WithRetryContext(inputContext, retryContext string) string {
	if retryContext == "" {
		return inputContext
	}
	block := "## Retry Context (from previous attempt)\n" + retryContext + "\n"
	if inputContext == "" {
		return block
	}
	return block + "\n" + inputContext
}

// OwnsFile reports whether path matches any of the task's target-file
// patterns. Patterns use doublestar globs; a literal path matches itself.
func OwnsFile(targets []string, path string) bool {
	for _, pattern := range targets {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
		if pattern == path {
			return true
		}
	}
	return false
}
