// Package mission wires the orchestration graph for one coding mission: the
// planning nodes (delegated to a structured LLM caller), the wave execution
// loop, deployment handling and final convergence.
package mission

import (
	"context"

	"github.com/worldmind/worldmind/internal/models"
)

// PlanResult is the planner's proposal before deterministic repair.
type PlanResult struct {
	Tasks             []models.Task
	ExecutionStrategy models.ExecutionStrategy
	// ManifestCreatedByTask marks plans where a coder task authors
	// manifest.yml itself instead of Worldmind generating one.
	ManifestCreatedByTask bool
}

// StructuredCaller is the LLM delegate behind the planning nodes. Each call
// returns structured output; validation and repair of that output is the
// mission layer's job, never the caller's.
type StructuredCaller interface {
	// Classify categorizes the request and selects runtime and planning
	// strategy.
	Classify(ctx context.Context, request, prdDocument string) (models.Classification, error)
	// Clarify proposes questions whose answers would sharpen the spec.
	Clarify(ctx context.Context, st models.MissionState) ([]string, error)
	// Specify turns request, classification and answers into a product spec.
	Specify(ctx context.Context, st models.MissionState) (models.ProductSpec, error)
	// Plan decomposes the product spec into agent tasks.
	Plan(ctx context.Context, st models.MissionState) (PlanResult, error)
}

// ApprovalFunc decides plan approval in APPROVE_PLAN mode. A nil func
// auto-approves.
type ApprovalFunc func(st models.MissionState) (bool, error)

// PlanningError marks failures in the planning phase (classify through
// plan); the CLI maps it to its own exit code.
type PlanningError struct {
	Node string
	Err  error
}

func (e *PlanningError) Error() string {
	return "planning failed at " + e.Node + ": " + e.Err.Error()
}

func (e *PlanningError) Unwrap() error { return e.Err }

// DeployError marks a terminal deployment failure.
type DeployError struct {
	TaskID string
	Reason string
}

func (e *DeployError) Error() string {
	return e.Reason
}
