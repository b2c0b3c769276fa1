package mission

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/worldmind/worldmind/internal/bus"
	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/config"
	"github.com/worldmind/worldmind/internal/dispatch"
	"github.com/worldmind/worldmind/internal/gate"
	"github.com/worldmind/worldmind/internal/graph"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/metrics"
	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/sandbox"
	"github.com/worldmind/worldmind/internal/worktree"
)

// Mission graph node names.
const (
	NodeClassify         = "classify"
	NodeUpload           = "upload"
	NodeClarify          = "clarify"
	NodeSpec             = "spec"
	NodePlan             = "plan"
	NodeAwaitApproval    = "await_approval"
	NodeScheduleWave     = "schedule_wave"
	NodeParallelDispatch = "parallel_dispatch"
	NodeEvaluateWave     = "evaluate_wave"
	NodeConverge         = "converge"
	NodePostMission      = "post_mission"
)

// BuildGraph assembles the mission graph over the coordinator's nodes.
// Failures anywhere divert to converge so every mission ends with metrics and
// a post-mission record.
func BuildGraph(c *Coordinator, store checkpoint.Store, log *logger.Logger, events *bus.Bus) *graph.Engine {
	return graph.New(store, log, events).
		AddNode(NodeClassify, c.classify).
		AddNode(NodeUpload, c.upload).
		AddNode(NodeClarify, c.clarify).
		AddNode(NodeSpec, c.specify).
		AddNode(NodePlan, c.plan).
		AddNode(NodeAwaitApproval, c.awaitApproval).
		AddNode(NodeScheduleWave, c.scheduleWave).
		AddNode(NodeParallelDispatch, c.parallelDispatch).
		AddNode(NodeEvaluateWave, c.evaluateWave).
		AddNode(NodeConverge, c.converge).
		AddNode(NodePostMission, c.postMission).
		AddEdge(NodeClassify, NodeUpload).
		AddEdge(NodeUpload, NodeClarify).
		AddEdge(NodeClarify, NodeSpec).
		AddEdge(NodeSpec, NodePlan).
		AddConditionalEdge(NodePlan, func(st models.MissionState) string {
			if st.InteractionMode == models.ModeApprovePlan {
				return NodeAwaitApproval
			}
			return NodeScheduleWave
		}).
		AddEdge(NodeAwaitApproval, NodeScheduleWave).
		AddConditionalEdge(NodeScheduleWave, func(st models.MissionState) string {
			if len(st.WaveTaskIDs) == 0 {
				return NodeConverge
			}
			return NodeParallelDispatch
		}).
		AddEdge(NodeParallelDispatch, NodeEvaluateWave).
		AddEdge(NodeEvaluateWave, NodeScheduleWave).
		AddEdge(NodeConverge, NodePostMission).
		SetEntry(NodeClassify).
		SetFailureNode(NodeConverge)
}

// Orchestrator owns the per-mission assembly: workspace creation, component
// wiring, graph execution, and mapping the run outcome to a typed error.
type Orchestrator struct {
	cfg      *config.Config
	caller   StructuredCaller
	executor sandbox.Executor
	store    checkpoint.Store
	trees    *worktree.Context
	log      *logger.Logger
	sink     metrics.Sink
	events   *bus.Bus
	approval ApprovalFunc
	// projectPath is used directly when no worktree context is configured.
	projectPath string
}

// NewOrchestrator creates an Orchestrator. trees is optional: without it
// missions run directly against projectPath.
func NewOrchestrator(cfg *config.Config, caller StructuredCaller, executor sandbox.Executor,
	store checkpoint.Store, trees *worktree.Context, projectPath string,
	log *logger.Logger, sink metrics.Sink, events *bus.Bus, approval ApprovalFunc) *Orchestrator {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Orchestrator{
		cfg:         cfg,
		caller:      caller,
		executor:    executor,
		store:       store,
		trees:       trees,
		projectPath: projectPath,
		log:         log,
		sink:        sink,
		events:      events,
		approval:    approval,
	}
}

// NewMissionID renders the mission identifier for a year and sequence number.
func NewMissionID(t time.Time, seq int) string {
	return fmt.Sprintf("wmnd-%d-%04d", t.Year(), seq)
}

// Run executes a new mission for the submission. An empty missionID generates
// one. The returned state is always the final record, even on failure.
func (o *Orchestrator) Run(ctx context.Context, sub models.Submission, missionID string) (models.MissionState, error) {
	if missionID == "" {
		missionID = NewMissionID(time.Now(), rand.Intn(9999)+1)
	}

	coord, engine, err := o.assemble(ctx, missionID)
	if err != nil {
		return models.MissionState{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.MissionCeiling)
	defer cancel()

	initial := models.MissionState{
		MissionID:          missionID,
		ThreadID:           missionID,
		Request:            sub.Request,
		InteractionMode:    sub.InteractionMode,
		CreateCFDeployment: sub.CreateCFDeployment,
		PRDDocument:        sub.PRDDocument,
		ReasoningLevel:     sub.ReasoningLevel,
		ClarifyingAnswers:  sub.ClarifyingAnswers,
		Status:             models.MissionCreated,
	}
	final, runErr := engine.Run(runCtx, missionID, initial)
	return final, o.missionError(coord, final, runErr)
}

// Resume continues an interrupted mission from its latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, threadID string) (models.MissionState, error) {
	coord, engine, err := o.assemble(ctx, threadID)
	if err != nil {
		return models.MissionState{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.MissionCeiling)
	defer cancel()

	final, runErr := engine.Resume(runCtx, threadID)
	return final, o.missionError(coord, final, runErr)
}

// assemble builds the per-mission component chain: workspace, bridge,
// dispatcher, evaluator, coordinator, graph.
func (o *Orchestrator) assemble(ctx context.Context, missionID string) (*Coordinator, *graph.Engine, error) {
	projectPath := o.projectPath
	if o.trees != nil {
		path, err := o.trees.CreateMissionWorkspace(ctx, missionID)
		if err != nil {
			return nil, nil, fmt.Errorf("mission workspace: %w", err)
		}
		projectPath = path
	}

	bridge := NewBridge(o.cfg.Deployer)
	dispatcher := dispatch.New(o.executor, bridge.InstructionFor, bridge.InterpretExecution,
		o.trees, projectPath, o.cfg.MaxParallel, o.log, o.sink, o.events)
	evaluator := gate.New(o.executor, projectPath, o.log, o.sink, o.events)

	coord := NewCoordinator(o.cfg, o.caller, dispatcher, evaluator, projectPath,
		o.log, o.sink, o.events, o.approval)
	engine := BuildGraph(coord, o.store, o.log, o.events)
	return coord, engine, nil
}

// missionError maps a finished run to the typed error the CLI translates
// into an exit code. Planning failures surface as-is from the engine; the
// coordinator's recorded verdicts cover failures the graph absorbed into
// state.
func (o *Orchestrator) missionError(coord *Coordinator, final models.MissionState, runErr error) error {
	if runErr != nil {
		return runErr
	}
	if final.Status != models.MissionFailed {
		return nil
	}
	if de := coord.DeployFailure(); de != nil {
		return de
	}
	if di := coord.DispatchFailure(); di != nil {
		return di
	}
	if esc := coord.Escalation(); esc != nil {
		return esc
	}
	if len(final.Errors) > 0 {
		return fmt.Errorf("mission failed: %s", final.Errors[len(final.Errors)-1])
	}
	return fmt.Errorf("mission failed")
}
