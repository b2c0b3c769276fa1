package mission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/sandbox"
)

// SandboxCaller implements StructuredCaller by delegating each planning call
// to the sandboxed agent runtime: the prompt goes out as an instruction, the
// reply comes back as a fenced JSON document. The LLM itself stays an opaque
// process behind the sandbox provider.
type SandboxCaller struct {
	executor    sandbox.Executor
	projectPath string
	log         *logger.Logger
}

// NewSandboxCaller creates a caller running planning prompts through executor.
func NewSandboxCaller(executor sandbox.Executor, projectPath string, log *logger.Logger) *SandboxCaller {
	return &SandboxCaller{executor: executor, projectPath: projectPath, log: log}
}

// Classify implements StructuredCaller.
func (c *SandboxCaller) Classify(ctx context.Context, request, prdDocument string) (models.Classification, error) {
	var b strings.Builder
	b.WriteString("## Objective\n\nClassify the following development request.\n\n")
	b.WriteString("## Request\n\n" + request + "\n\n")
	if prdDocument != "" {
		b.WriteString("## Product Requirements Document\n\n" + prdDocument + "\n\n")
	}
	b.WriteString("## Reporting Format\n\nReply with exactly one fenced JSON object:\n\n")
	b.WriteString("```json\n{\"category\": \"feature|bugfix|refactor|research\", \"complexity\": 1, \"affected_components\": [], \"planning_strategy\": \"\", \"runtime_tag\": \"\"}\n```\n")

	var cls models.Classification
	if err := c.call(ctx, "classify", b.String(), &cls); err != nil {
		return models.Classification{}, err
	}
	if cls.Complexity < 1 {
		cls.Complexity = 1
	}
	if cls.Complexity > 5 {
		cls.Complexity = 5
	}
	return cls, nil
}

// Clarify implements StructuredCaller.
func (c *SandboxCaller) Clarify(ctx context.Context, st models.MissionState) ([]string, error) {
	var b strings.Builder
	b.WriteString("## Objective\n\nPropose clarifying questions whose answers would sharpen the specification for this request. Ask nothing when the request is already precise.\n\n")
	b.WriteString("## Request\n\n" + st.Request + "\n\n")
	b.WriteString("## Reporting Format\n\nReply with exactly one fenced JSON object:\n\n")
	b.WriteString("```json\n{\"questions\": []}\n```\n")

	var out models.ClarifyingQuestions
	if err := c.call(ctx, "clarify", b.String(), &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

// Specify implements StructuredCaller.
func (c *SandboxCaller) Specify(ctx context.Context, st models.MissionState) (models.ProductSpec, error) {
	var b strings.Builder
	b.WriteString("## Objective\n\nProduce a structured product specification for this request.\n\n")
	b.WriteString("## Request\n\n" + st.Request + "\n\n")
	if st.ClarifyingAnswers != "" {
		b.WriteString("## Clarifying Answers\n\n" + st.ClarifyingAnswers + "\n\n")
	}
	b.WriteString("## Reporting Format\n\nReply with exactly one fenced JSON object:\n\n")
	b.WriteString("```json\n{\"title\": \"\", \"overview\": \"\", \"requirements\": [], \"acceptance_criteria\": []}\n```\n")

	var spec models.ProductSpec
	if err := c.call(ctx, "specify", b.String(), &spec); err != nil {
		return models.ProductSpec{}, err
	}
	if spec.Title == "" {
		return models.ProductSpec{}, fmt.Errorf("specify: reply carried no title")
	}
	return spec, nil
}

type plannedTask struct {
	Agent           string   `json:"agent"`
	Description     string   `json:"description"`
	InputContext    string   `json:"input_context"`
	SuccessCriteria string   `json:"success_criteria"`
	TargetFiles     []string `json:"target_files"`
	MaxIterations   int      `json:"max_iterations"`
	OnFailure       string   `json:"on_failure"`
}

type plannedReply struct {
	Tasks                 []plannedTask `json:"tasks"`
	ExecutionStrategy     string        `json:"execution_strategy"`
	ManifestCreatedByTask bool          `json:"manifest_created_by_task"`
}

// Plan implements StructuredCaller. Ids and dependencies are deliberately not
// requested: the deterministic repair pass assigns both.
func (c *SandboxCaller) Plan(ctx context.Context, st models.MissionState) (PlanResult, error) {
	var b strings.Builder
	b.WriteString("## Objective\n\nDecompose the specification into agent tasks. Valid agents: CODER, TESTER, REVIEWER, REFACTORER, RESEARCHER.\n\n")
	if st.ProductSpec != nil {
		b.WriteString("## Specification\n\n" + st.ProductSpec.Title + "\n\n" + st.ProductSpec.Overview + "\n\n")
		for _, r := range st.ProductSpec.Requirements {
			b.WriteString("- " + r + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("## Reporting Format\n\nReply with exactly one fenced JSON object:\n\n")
	b.WriteString("```json\n{\"tasks\": [{\"agent\": \"CODER\", \"description\": \"\", \"input_context\": \"\", \"success_criteria\": \"\", \"target_files\": [], \"max_iterations\": 0, \"on_failure\": \"RETRY\"}], \"execution_strategy\": \"PARALLEL\", \"manifest_created_by_task\": false}\n```\n")

	var reply plannedReply
	if err := c.call(ctx, "plan", b.String(), &reply); err != nil {
		return PlanResult{}, err
	}

	result := PlanResult{
		ExecutionStrategy:     models.ExecutionStrategy(strings.ToUpper(reply.ExecutionStrategy)),
		ManifestCreatedByTask: reply.ManifestCreatedByTask,
	}
	for _, pt := range reply.Tasks {
		result.Tasks = append(result.Tasks, models.Task{
			Agent:           models.Agent(strings.ToUpper(strings.TrimSpace(pt.Agent))),
			Description:     pt.Description,
			InputContext:    pt.InputContext,
			SuccessCriteria: pt.SuccessCriteria,
			TargetFiles:     pt.TargetFiles,
			MaxIterations:   pt.MaxIterations,
			OnFailure:       models.FailureStrategy(strings.ToUpper(pt.OnFailure)),
		})
	}
	return result, nil
}

// call dispatches one planning prompt and decodes the fenced JSON reply.
func (c *SandboxCaller) call(ctx context.Context, phase, prompt string, into any) error {
	result, err := c.executor.ExecuteTask(ctx, sandbox.ExecuteRequest{
		Agent:       models.AgentResearcher,
		TaskID:      "PLANNING-" + strings.ToUpper(phase),
		MissionID:   "planning",
		ProjectPath: c.projectPath,
		Instruction: prompt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", phase, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%s: agent exited with code %d", phase, result.ExitCode)
	}

	doc := extractJSON(result.Output)
	if doc == "" {
		return fmt.Errorf("%s: reply carried no JSON document", phase)
	}
	if err := json.Unmarshal([]byte(doc), into); err != nil {
		return fmt.Errorf("%s: decode reply: %w", phase, err)
	}
	return nil
}

// extractJSON returns the first fenced JSON block, falling back to the
// outermost braced span when the agent skipped the fence.
func extractJSON(output string) string {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(output, fence)
		if start < 0 {
			continue
		}
		rest := output[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		candidate := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(candidate, "{") {
			return candidate
		}
	}
	open := strings.Index(output, "{")
	closing := strings.LastIndex(output, "}")
	if open >= 0 && closing > open {
		return output[open : closing+1]
	}
	return ""
}
