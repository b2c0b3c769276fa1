// Package graph is the mission execution engine: a directed graph of named
// nodes over a single MissionState record. Each node returns a partial state
// patch; the engine folds it in, checkpoints the result and routes to the
// next node. Resume continues a thread from its latest checkpoint.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/worldmind/worldmind/internal/bus"
	"github.com/worldmind/worldmind/internal/checkpoint"
	"github.com/worldmind/worldmind/internal/logger"
	"github.com/worldmind/worldmind/internal/models"
	"github.com/worldmind/worldmind/internal/state"
)

// End terminates graph execution when returned by an edge.
const End = ""

// maxSteps bounds one run; a graph that routes this many times is cycling.
const maxSteps = 10000

// NodeFunc executes one node against an immutable state view and returns the
// patch to fold in.
type NodeFunc func(ctx context.Context, st models.MissionState) (state.Patch, error)

// EdgeFunc routes after a node ran, based on the post-patch state.
type EdgeFunc func(st models.MissionState) string

// Engine runs a node graph for one mission thread.
type Engine struct {
	nodes map[string]NodeFunc
	edges map[string]EdgeFunc
	entry string
	// failureNode, when set, is where the engine routes after a node errors
	// or the mission status turns FAILED. The failure node itself is exempt
	// so it can finish.
	failureNode string

	store  checkpoint.Store
	log    *logger.Logger
	events *bus.Bus
}

// New creates an empty engine over the given checkpoint store.
func New(store checkpoint.Store, log *logger.Logger, events *bus.Bus) *Engine {
	return &Engine{
		nodes:  make(map[string]NodeFunc),
		edges:  make(map[string]EdgeFunc),
		store:  store,
		log:    log,
		events: events,
	}
}

// AddNode registers a node.
func (e *Engine) AddNode(name string, fn NodeFunc) *Engine {
	e.nodes[name] = fn
	return e
}

// AddEdge registers a static edge from one node to the next.
func (e *Engine) AddEdge(from, to string) *Engine {
	e.edges[from] = func(models.MissionState) string { return to }
	return e
}

// AddConditionalEdge registers a routing function for a node.
func (e *Engine) AddConditionalEdge(from string, route EdgeFunc) *Engine {
	e.edges[from] = route
	return e
}

// SetEntry sets the first node.
func (e *Engine) SetEntry(name string) *Engine {
	e.entry = name
	return e
}

// SetFailureNode sets the node failures route to before the run ends.
func (e *Engine) SetFailureNode(name string) *Engine {
	e.failureNode = name
	return e
}

// Run executes the graph from the entry node. The returned state is the final
// record even when the run failed; the error reports the first node failure.
func (e *Engine) Run(ctx context.Context, threadID string, initial models.MissionState) (models.MissionState, error) {
	if e.entry == "" {
		return initial, fmt.Errorf("graph: no entry node")
	}
	return e.runFrom(ctx, threadID, e.entry, initial)
}

// Resume loads the thread's latest checkpoint and continues from the node it
// recorded as next.
func (e *Engine) Resume(ctx context.Context, threadID string) (models.MissionState, error) {
	snap, err := e.store.GetLatest(ctx, threadID)
	if err != nil {
		return models.MissionState{}, fmt.Errorf("graph: resume %s: %w", threadID, err)
	}
	if snap.NodeName == End || snap.State.Status.Terminal() {
		return snap.State, nil
	}
	e.log.Infof("resuming thread %s at node %s", threadID, snap.NodeName)
	return e.runFrom(ctx, threadID, snap.NodeName, snap.State)
}

func (e *Engine) runFrom(ctx context.Context, threadID, node string, st models.MissionState) (models.MissionState, error) {
	if err := e.put(ctx, threadID, node, st); err != nil {
		return st, err
	}

	var firstErr error
	diverted := false
	for step := 0; node != End; step++ {
		if step >= maxSteps {
			return st, fmt.Errorf("graph: step limit reached at node %s", node)
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}

		fn, ok := e.nodes[node]
		if !ok {
			return st, fmt.Errorf("graph: unknown node %s", node)
		}

		e.events.Publish(bus.TopicNodeEntered, st.MissionID, map[string]any{"node": node})
		e.log.Debugf("node %s: entering", node)

		patch, nodeErr := fn(ctx, st)
		if nodeErr != nil {
			e.log.Errorf("node %s: %v", node, nodeErr)
			if firstErr == nil {
				firstErr = fmt.Errorf("node %s: %w", node, nodeErr)
			}
			failed, applyErr := state.ApplyPatch(st, state.Patch{
				Errors: []string{fmt.Sprintf("node %s: %v", node, nodeErr)},
				Status: state.StatusPtr(models.MissionFailed),
			})
			if applyErr != nil {
				return st, applyErr
			}
			st = failed
		} else if !patch.IsZero() {
			next, applyErr := state.ApplyPatch(st, patch)
			if applyErr != nil {
				// A reducer invariant break is fatal for the mission.
				e.log.Errorf("node %s: %v", node, applyErr)
				if firstErr == nil {
					firstErr = fmt.Errorf("node %s: %w", node, applyErr)
				}
				failed, _ := state.ApplyPatch(st, state.Patch{
					Errors: []string{applyErr.Error()},
					Status: state.StatusPtr(models.MissionFailed),
				})
				st = failed
			} else {
				st = next
			}
		}

		e.events.Publish(bus.TopicNodeCompleted, st.MissionID, map[string]any{"node": node})

		next := e.route(node, st, &diverted)
		if err := e.put(ctx, threadID, next, st); err != nil {
			return st, err
		}
		node = next
	}
	return st, firstErr
}

// route picks the next node. A FAILED mission diverts to the failure node
// exactly once so it can finalize; afterwards the regular edges apply.
func (e *Engine) route(node string, st models.MissionState, diverted *bool) string {
	if st.Status == models.MissionFailed && e.failureNode != "" && node != e.failureNode && !*diverted {
		*diverted = true
		return e.failureNode
	}
	edge, ok := e.edges[node]
	if !ok {
		return End
	}
	return edge(st)
}

func (e *Engine) put(ctx context.Context, threadID, nextNode string, st models.MissionState) error {
	snap := checkpoint.Snapshot{
		ThreadID:     threadID,
		CheckpointID: uuid.NewString(),
		NodeName:     nextNode,
		CreatedAt:    time.Now().UTC(),
		State:        st,
	}
	if err := e.store.Put(ctx, snap); err != nil {
		return fmt.Errorf("graph: checkpoint %s: %w", threadID, err)
	}
	return nil
}
