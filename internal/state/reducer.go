// Package state implements the mission state container and its per-field
// channel reducers. Nodes never mutate MissionState directly; they return a
// Patch and the engine folds it in through ApplyPatch.
package state

import (
	"fmt"

	"github.com/worldmind/worldmind/internal/models"
)

// Patch is a partial update to mission state. Nil pointer fields and nil
// slices are "no change". Reducer per field:
//
//   - pointer fields: last-write
//   - Tasks, WaveDispatchResults, WaveTaskIDs: replace (whole collection)
//   - CompletedTaskIDs: union-append, first-seen order preserved
//   - Sandboxes, TestResults, ReviewFeedback, Errors: append
//   - WaveCount: monotonic max
//   - Status: last-write, checked against the lifecycle order
type Patch struct {
	MissionID             *string
	ThreadID              *string
	Request               *string
	Classification        *models.Classification
	ProjectContext        *models.ProjectContext
	ClarifyingQuestions   *models.ClarifyingQuestions
	ClarifyingAnswers     *string
	ProductSpec           *models.ProductSpec
	Tasks                 []models.Task
	ExecutionStrategy     *models.ExecutionStrategy
	WaveTaskIDs           []string
	ClearWaveTaskIDs      bool
	WaveCount             *int
	WaveDispatchResults   []models.WaveDispatchResult
	ReplaceWaveResults    bool
	CompletedTaskIDs      []string
	Sandboxes             []models.SandboxInfo
	TestResults           []models.TestResult
	ReviewFeedback        []models.ReviewFeedback
	RetryContext          *string
	Errors                []string
	Status                *models.MissionStatus
	Metrics               *models.MissionMetrics
	DeploymentURL         *string
	ManifestCreatedByTask *bool
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.MissionID == nil && p.ThreadID == nil && p.Request == nil &&
		p.Classification == nil && p.ProjectContext == nil &&
		p.ClarifyingQuestions == nil && p.ClarifyingAnswers == nil &&
		p.ProductSpec == nil && p.Tasks == nil && p.ExecutionStrategy == nil &&
		p.WaveTaskIDs == nil && !p.ClearWaveTaskIDs && p.WaveCount == nil &&
		p.WaveDispatchResults == nil && !p.ReplaceWaveResults &&
		p.CompletedTaskIDs == nil && p.Sandboxes == nil &&
		p.TestResults == nil && p.ReviewFeedback == nil &&
		p.RetryContext == nil && p.Errors == nil && p.Status == nil &&
		p.Metrics == nil && p.DeploymentURL == nil &&
		p.ManifestCreatedByTask == nil
}

// ApplyPatch folds a patch into mission state and returns the new state.
// The input state is not modified. An illegal status transition returns an
// InvariantViolationError and leaves the state unchanged.
func ApplyPatch(s models.MissionState, p Patch) (models.MissionState, error) {
	if p.Status != nil && !s.Status.CanTransition(*p.Status) {
		return s, &InvariantViolationError{
			Field:  "status",
			Detail: fmt.Sprintf("illegal transition %s -> %s", s.Status, *p.Status),
		}
	}

	out := s

	// last-write scalars
	if p.MissionID != nil {
		out.MissionID = *p.MissionID
	}
	if p.ThreadID != nil {
		out.ThreadID = *p.ThreadID
	}
	if p.Request != nil {
		out.Request = *p.Request
	}
	if p.Classification != nil {
		c := *p.Classification
		out.Classification = &c
	}
	if p.ProjectContext != nil {
		c := *p.ProjectContext
		out.ProjectContext = &c
	}
	if p.ClarifyingQuestions != nil {
		q := *p.ClarifyingQuestions
		out.ClarifyingQuestions = &q
	}
	if p.ClarifyingAnswers != nil {
		out.ClarifyingAnswers = *p.ClarifyingAnswers
	}
	if p.ProductSpec != nil {
		ps := *p.ProductSpec
		out.ProductSpec = &ps
	}
	if p.ExecutionStrategy != nil {
		out.ExecutionStrategy = *p.ExecutionStrategy
	}
	if p.RetryContext != nil {
		out.RetryContext = *p.RetryContext
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Metrics != nil {
		m := *p.Metrics
		out.Metrics = &m
	}
	if p.DeploymentURL != nil {
		out.DeploymentURL = *p.DeploymentURL
	}
	if p.ManifestCreatedByTask != nil {
		out.ManifestCreatedByTask = *p.ManifestCreatedByTask
	}

	// replace collections
	if p.Tasks != nil {
		out.Tasks = append([]models.Task(nil), p.Tasks...)
	}
	if p.WaveTaskIDs != nil {
		out.WaveTaskIDs = append([]string(nil), p.WaveTaskIDs...)
	} else if p.ClearWaveTaskIDs {
		out.WaveTaskIDs = nil
	}
	if p.WaveDispatchResults != nil || p.ReplaceWaveResults {
		out.WaveDispatchResults = append([]models.WaveDispatchResult(nil), p.WaveDispatchResults...)
	}

	// monotonic
	if p.WaveCount != nil && *p.WaveCount > out.WaveCount {
		out.WaveCount = *p.WaveCount
	}

	// union-append
	if len(p.CompletedTaskIDs) > 0 {
		out.CompletedTaskIDs = unionAppend(out.CompletedTaskIDs, p.CompletedTaskIDs)
	}

	// append
	if len(p.Sandboxes) > 0 {
		out.Sandboxes = append(append([]models.SandboxInfo(nil), out.Sandboxes...), p.Sandboxes...)
	}
	if len(p.TestResults) > 0 {
		out.TestResults = append(append([]models.TestResult(nil), out.TestResults...), p.TestResults...)
	}
	if len(p.ReviewFeedback) > 0 {
		out.ReviewFeedback = append(append([]models.ReviewFeedback(nil), out.ReviewFeedback...), p.ReviewFeedback...)
	}
	if len(p.Errors) > 0 {
		out.Errors = append(append([]string(nil), out.Errors...), p.Errors...)
	}

	return out, nil
}

// unionAppend appends elements not already present, preserving first-seen
// insertion order. Duplicate deliveries of the same patch are therefore
// idempotent.
func unionAppend(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range incoming {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

// StringPtr returns a pointer to s, for building patches inline.
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to n, for building patches inline.
func IntPtr(n int) *int { return &n }

// BoolPtr returns a pointer to b, for building patches inline.
func BoolPtr(b bool) *bool { return &b }

// StatusPtr returns a pointer to st, for building patches inline.
func StatusPtr(st models.MissionStatus) *models.MissionStatus { return &st }

// InvariantViolationError reports a reducer invariant break, such as a
// non-monotonic status transition. It is fatal for the mission.
type InvariantViolationError struct {
	Field  string
	Detail string
}

// Error implements the error interface.
func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Field, e.Detail)
}
