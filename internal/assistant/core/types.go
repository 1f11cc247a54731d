package core

import (
	"context"
	"encoding/json"
	"time"
)

// Agent identifiers. The job graph, merge dispatch and history entries are all
// keyed by these.
const (
	AgentAnalysis     = "analysis"
	AgentBreakdown    = "breakdown"
	AgentResearchPlan = "research_plan"
	AgentWebResearch  = "web_research"
	AgentPrioritize   = "prioritize"
	AgentDecision     = "decision_support"
	AgentAssemble     = "assemble"
)

// TaskType classifies backlog tasks produced by the breakdown agent.
type TaskType string

const (
	TaskTypePreparation    TaskType = "preparation"
	TaskTypeResearch       TaskType = "research"
	TaskTypeImplementation TaskType = "implementation"
	TaskTypeFollowup       TaskType = "followup"
)

// TaskStatus tracks the lifecycle of a backlog task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// PlanningRequest is one orchestration request. RequestID is supplied by the
// caller and used for idempotent re-delivery; ProjectID, when set, binds the
// run to that project's persisted brain.
type PlanningRequest struct {
	RequestID    string                 `json:"request_id"`
	Task         string                 `json:"task"`
	ProjectID    string                 `json:"project_id,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Constraints  []string               `json:"constraints,omitempty"`
	Deliverables []string               `json:"deliverables,omitempty"`
}

// PlanningResponse is delivered once per request regardless of partial
// failures. Success reflects only the result assembler's own outcome; callers
// must inspect Errors alongside it.
type PlanningResponse struct {
	RequestID        string           `json:"request_id"`
	Success          bool             `json:"success"`
	Result           *PlanDeliverable `json:"result,omitempty"`
	Error            string           `json:"error,omitempty"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	Errors           []string         `json:"errors,omitempty"`
	Progress         []ProgressEvent  `json:"progress,omitempty"`
}

// ProgressEvent is an immutable progress sample emitted during a run.
type ProgressEvent struct {
	RunID     string                 `json:"run_id"`
	Stage     string                 `json:"stage"`
	Progress  float64                `json:"progress"` // 0..100
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BacklogTask is one task in the brain's backlog.
type BacklogTask struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        TaskType   `json:"type"`
	Effort      string     `json:"effort,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      TaskStatus `json:"status"`
}

// ResearchPlan guides the web research agent.
type ResearchPlan struct {
	GuidingQuestions []string `json:"guiding_questions"`
	SearchTerms      []string `json:"search_terms"`
	SourceTypes      []string `json:"source_types,omitempty"`
	QualityCriteria  []string `json:"quality_criteria,omitempty"`
	StopCriteria     []string `json:"stop_criteria,omitempty"`
}

// ResearchSource is one gathered source with its takeaways.
type ResearchSource struct {
	URL          string   `json:"url"`
	Title        string   `json:"title,omitempty"`
	TrustLevel   float64  `json:"trust_level"` // 0..1
	KeyTakeaways []string `json:"key_takeaways,omitempty"`
}

// Decision records a resolved open question.
type Decision struct {
	ID             string   `json:"id"`
	Question       string   `json:"question"`
	Options        []string `json:"options,omitempty"`
	Recommendation string   `json:"recommendation"`
	Rationale      string   `json:"rationale,omitempty"`
}

// Risk records a known risk with an optional mitigation.
type Risk struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"` // low, medium, high
	Mitigation  string `json:"mitigation,omitempty"`
}

// HistoryEntry is the append-only audit record of one agent's raw output.
// Later jobs read earlier agents' structured output through these entries.
type HistoryEntry struct {
	RunID     string          `json:"run_id"`
	AgentID   string          `json:"agent_id"`
	Output    json.RawMessage `json:"output"`
	Timestamp time.Time       `json:"timestamp"`
}

// AgentInput carries the original request plus a consistent brain snapshot
// taken at the start of the job's wave.
type AgentInput struct {
	Request  PlanningRequest
	Snapshot BrainSnapshot
}

// AgentResult is the tagged union returned by every agent. Exactly one typed
// payload pointer is set on success, matching AgentID; Raw always carries the
// marshalled payload for the history log.
type AgentResult struct {
	AgentID    string          `json:"agent_id"`
	Success    bool            `json:"success"`
	Confidence float64         `json:"confidence,omitempty"`
	Error      string          `json:"error,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`

	Analysis       *AnalysisOutput       `json:"analysis,omitempty"`
	Breakdown      *BreakdownOutput      `json:"breakdown,omitempty"`
	ResearchPlan   *ResearchPlanOutput   `json:"research_plan,omitempty"`
	Research       *ResearchOutput       `json:"research,omitempty"`
	Prioritization *PrioritizationOutput `json:"prioritization,omitempty"`
	Decision       *DecisionOutput       `json:"decision,omitempty"`
}

// AnalysisOutput refines the objective and surfaces open questions.
type AnalysisOutput struct {
	RefinedObjective string   `json:"refined_objective"`
	SuccessCriteria  []string `json:"success_criteria,omitempty"`
	OpenQuestions    []string `json:"open_questions,omitempty"`
	Assumptions      []string `json:"assumptions,omitempty"`
	Risks            []Risk   `json:"risks,omitempty"`
}

// BreakdownOutput is the task backlog proposed by the breakdown agent.
type BreakdownOutput struct {
	Tasks []BacklogTask `json:"tasks"`
}

// ResearchPlanOutput is the research plan proposed by the planning agent.
type ResearchPlanOutput struct {
	Plan ResearchPlan `json:"plan"`
}

// ResearchOutput is the web research agent's gathered material.
type ResearchOutput struct {
	Sources []ResearchSource `json:"sources"`
	Summary string           `json:"summary,omitempty"`
}

// PrioritizedTask annotates a backlog task with ordering information.
type PrioritizedTask struct {
	TaskID    string   `json:"task_id"`
	Title     string   `json:"title"`
	Priority  int      `json:"priority"` // 1..5, higher is more important
	DependsOn []string `json:"depends_on,omitempty"`
	Bucket    string   `json:"bucket,omitempty"` // now, next, later
}

// ScheduleBucket groups task ids into a named scheduling bucket.
type ScheduleBucket struct {
	Name    string   `json:"name"`
	TaskIDs []string `json:"task_ids"`
}

// PrioritizationOutput is the prioritization/scheduling agent's result.
type PrioritizationOutput struct {
	PrioritizedTasks []PrioritizedTask `json:"prioritized_tasks"`
	Schedule         []ScheduleBucket  `json:"schedule"`
	NextActions      []string          `json:"next_actions"`
}

// DecisionOutput is the decision-support agent's result.
type DecisionOutput struct {
	Decisions []Decision `json:"decisions"`
}

// TodoItem is one entry of the flattened, annotated to-do list in the final
// deliverable.
type TodoItem struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Type      TaskType   `json:"type"`
	Priority  int        `json:"priority"`
	DependsOn []string   `json:"depends_on,omitempty"`
	Bucket    string     `json:"bucket,omitempty"`
	Status    TaskStatus `json:"status"`
}

// PlanDeliverable is the final assembled output of a run. Every collection
// field is non-nil even when empty so partial upstream failure still yields a
// well-formed, if sparse, deliverable.
type PlanDeliverable struct {
	Objective       string           `json:"objective"`
	SuccessCriteria []string         `json:"success_criteria"`
	Todos           []TodoItem       `json:"todos"`
	ResearchSummary string           `json:"research_summary"`
	Sources         []ResearchSource `json:"sources"`
	Decisions       []Decision       `json:"decisions"`
	Risks           []Risk           `json:"risks"`
	NextActions     []string         `json:"next_actions"`
}

// Agent is the capability interface every schedulable unit implements. The
// orchestrator never inspects agent-specific fields except through the merge
// function registered for the agent's id.
type Agent interface {
	ID() string
	Execute(ctx context.Context, input AgentInput) (AgentResult, error)
}

// LLMProvider is the contract for LLM backends.
type LLMProvider interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)
	GetAvailableModels() []string
	GetModelInfo(model string) (ModelInfo, error)
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about an LLM model.
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// SearchResult is one hit from a web search provider.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchClient is the contract for web search providers.
type SearchClient interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// PageFetcher retrieves readable text content for a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Page is extracted page content.
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Byline   string `json:"byline,omitempty"`
	Text     string `json:"text"`
	SiteName string `json:"site_name,omitempty"`
}

// SourceIndexer indexes gathered sources for relevance queries during
// assembly. Implementations live outside core (see internal/research).
type SourceIndexer interface {
	IndexSources(runID string, sources []ResearchSource) error
	TopSources(runID string, query string, limit int) ([]ResearchSource, error)
	DropRun(runID string)
}

// BrainRepository brackets a run with load-before/save-after persistence when
// the request names a project.
type BrainRepository interface {
	LoadBrain(ctx context.Context, projectID string) (*Brain, bool, error)
	SaveBrain(ctx context.Context, projectID string, b *Brain) error
}

// RunStatus reports the live state of a planning run.
type RunStatus struct {
	RequestID      string    `json:"request_id"`
	Status         string    `json:"status"` // pending, executing, assembling, completed, failed
	Progress       float64   `json:"progress"`
	CurrentStage   string    `json:"current_stage,omitempty"`
	CompletedJobs  int       `json:"completed_jobs"`
	TotalJobs      int       `json:"total_jobs"`
	Error          string    `json:"error,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	CreatedAt      time.Time `json:"created_at"`
}
