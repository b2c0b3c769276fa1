package models

// MissionStatus tracks a mission through its lifecycle. Transitions are
// monotone along the order below; FAILED absorbs from any state.
type MissionStatus string

// Mission status constants, in lifecycle order.
const (
	MissionCreated          MissionStatus = "CREATED"
	MissionClassifying      MissionStatus = "CLASSIFYING"
	MissionUploading        MissionStatus = "UPLOADING"
	MissionClarifying       MissionStatus = "CLARIFYING"
	MissionSpecifying       MissionStatus = "SPECIFYING"
	MissionPlanning         MissionStatus = "PLANNING"
	MissionAwaitingApproval MissionStatus = "AWAITING_APPROVAL"
	MissionExecuting        MissionStatus = "EXECUTING"
	MissionCompleted        MissionStatus = "COMPLETED"
	MissionFailed           MissionStatus = "FAILED"
)

var statusRank = map[MissionStatus]int{
	MissionCreated:          0,
	MissionClassifying:      1,
	MissionUploading:        2,
	MissionClarifying:       3,
	MissionSpecifying:       4,
	MissionPlanning:         5,
	MissionAwaitingApproval: 6,
	MissionExecuting:        7,
	MissionCompleted:        8,
}

// CanTransition reports whether a status change is legal: forward along the
// lifecycle order, or into FAILED from anywhere.
func (s MissionStatus) CanTransition(next MissionStatus) bool {
	if next == MissionFailed {
		return true
	}
	if s == MissionFailed {
		return false
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// Terminal reports whether no further node may run after this status.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed
}

// ExecutionStrategy selects how the scheduler batches ready tasks.
type ExecutionStrategy string

// Execution strategies
const (
	StrategySequential ExecutionStrategy = "SEQUENTIAL"
	StrategyParallel   ExecutionStrategy = "PARALLEL"
)

// InteractionMode controls whether a mission pauses for plan approval.
type InteractionMode string

// Interaction modes
const (
	ModeFullAuto    InteractionMode = "FULL_AUTO"
	ModeApprovePlan InteractionMode = "APPROVE_PLAN"
)

// ReasoningLevel tunes how much deliberation the instruction builder asks of
// the sandboxed agent.
type ReasoningLevel string

// Reasoning levels
const (
	ReasoningLow    ReasoningLevel = "low"
	ReasoningMedium ReasoningLevel = "medium"
	ReasoningHigh   ReasoningLevel = "high"
	ReasoningMax    ReasoningLevel = "max"
)

// Classification is the Classify node's verdict on the incoming request.
type Classification struct {
	Category           string   `json:"category"`
	Complexity         int      `json:"complexity"`
	AffectedComponents []string `json:"affected_components,omitempty"`
	PlanningStrategy   string   `json:"planning_strategy,omitempty"`
	RuntimeTag         string   `json:"runtime_tag,omitempty"`
}

// ProjectContext summarizes the target project for instruction building.
type ProjectContext struct {
	Language     string   `json:"language"`
	Framework    string   `json:"framework,omitempty"`
	FileTree     []string `json:"file_tree,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Summary      string   `json:"summary,omitempty"`
}

// ClarifyingQuestions is emitted by the Clarify node; answers arrive from the
// user and may stay empty in FULL_AUTO mode.
type ClarifyingQuestions struct {
	Questions []string `json:"questions"`
}

// ProductSpec is the Specify node's structured requirements document.
type ProductSpec struct {
	Title              string   `json:"title"`
	Overview           string   `json:"overview,omitempty"`
	Requirements       []string `json:"requirements,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// MissionMetrics is the aggregate produced by the Converge node.
type MissionMetrics struct {
	TasksCompleted      int   `json:"tasks_completed"`
	TasksFailed         int   `json:"tasks_failed"`
	TotalIterations     int   `json:"total_iterations"`
	FilesCreated        int   `json:"files_created"`
	FilesModified       int   `json:"files_modified"`
	TestsRun            int   `json:"tests_run"`
	TestsPassed         int   `json:"tests_passed"`
	WavesExecuted       int   `json:"waves_executed"`
	AggregateDurationMS int64 `json:"aggregate_duration_ms"`
	TotalDurationMS     int64 `json:"total_duration_ms"`
}

// Submission is the mission-submission input handed to the Classify node.
type Submission struct {
	Request            string          `json:"request"`
	InteractionMode    InteractionMode `json:"interaction_mode"`
	CreateCFDeployment bool            `json:"create_cf_deployment"`
	PRDDocument        string          `json:"prd_document,omitempty"`
	ReasoningLevel     ReasoningLevel  `json:"reasoning_level,omitempty"`
	// ClarifyingAnswers pre-answers the clarifying phase; when set the
	// mission skips asking.
	ClarifyingAnswers string `json:"clarifying_answers,omitempty"`
}

// MissionState is the single source of truth for one mission. Nodes receive
// an immutable view and return a partial patch; only the graph engine owns
// the record at any instant.
type MissionState struct {
	MissionID             string               `json:"mission_id"`
	ThreadID              string               `json:"thread_id"`
	Request               string               `json:"request"`
	InteractionMode       InteractionMode      `json:"interaction_mode"`
	CreateCFDeployment    bool                 `json:"create_cf_deployment"`
	PRDDocument           string               `json:"prd_document,omitempty"`
	ReasoningLevel        ReasoningLevel       `json:"reasoning_level,omitempty"`
	Classification        *Classification      `json:"classification,omitempty"`
	ProjectContext        *ProjectContext      `json:"project_context,omitempty"`
	ClarifyingQuestions   *ClarifyingQuestions `json:"clarifying_questions,omitempty"`
	ClarifyingAnswers     string               `json:"clarifying_answers,omitempty"`
	ProductSpec           *ProductSpec         `json:"product_spec,omitempty"`
	Tasks                 []Task               `json:"tasks,omitempty"`
	ExecutionStrategy     ExecutionStrategy    `json:"execution_strategy,omitempty"`
	WaveTaskIDs           []string             `json:"wave_task_ids,omitempty"`
	WaveCount             int                  `json:"wave_count"`
	WaveDispatchResults   []WaveDispatchResult `json:"wave_dispatch_results,omitempty"`
	CompletedTaskIDs      []string             `json:"completed_task_ids,omitempty"`
	Sandboxes             []SandboxInfo        `json:"sandboxes,omitempty"`
	TestResults           []TestResult         `json:"test_results,omitempty"`
	ReviewFeedback        []ReviewFeedback     `json:"review_feedback,omitempty"`
	RetryContext          string               `json:"retry_context,omitempty"`
	Errors                []string             `json:"errors,omitempty"`
	Status                MissionStatus        `json:"status"`
	Metrics               *MissionMetrics      `json:"metrics,omitempty"`
	DeploymentURL         string               `json:"deployment_url,omitempty"`
	ManifestCreatedByTask bool                 `json:"manifest_created_by_task"`
}

// TaskByID returns the task with the given id, or nil.
func (s *MissionState) TaskByID(id string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == id {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Completed reports whether the task id is in the completed set.
func (s *MissionState) Completed(id string) bool {
	for _, c := range s.CompletedTaskIDs {
		if c == id {
			return true
		}
	}
	return false
}

// CompletedSet returns the completed task ids as a lookup map.
func (s *MissionState) CompletedSet() map[string]bool {
	set := make(map[string]bool, len(s.CompletedTaskIDs))
	for _, id := range s.CompletedTaskIDs {
		set[id] = true
	}
	return set
}
