package core

import (
	"encoding/json"
	"sync"
	"time"
)

// Brain is the shared knowledge store for one orchestration run. Each run
// owns exactly one instance; persistence across runs is an explicit
// load-before/save-after concern of the caller (see BrainRepository).
//
// The job graph is constructed so that concurrent jobs write disjoint
// top-level fields, so the mutex is a defensive measure against graph
// construction mistakes, not a requirement of the common case.
type Brain struct {
	mu sync.Mutex

	Objective     string                 `json:"objective"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Constraints   []string               `json:"constraints,omitempty"`
	Deliverables  []string               `json:"deliverables,omitempty"`
	OpenQuestions []string               `json:"open_questions,omitempty"`

	SuccessCriteria []string         `json:"success_criteria,omitempty"`
	TaskBacklog     []BacklogTask    `json:"task_backlog,omitempty"`
	ResearchPlan    *ResearchPlan    `json:"research_plan,omitempty"`
	Sources         []ResearchSource `json:"sources,omitempty"`
	Decisions       []Decision       `json:"decisions,omitempty"`
	Risks           []Risk           `json:"risks,omitempty"`

	History []HistoryEntry `json:"history,omitempty"`
}

// BrainSnapshot is a consistent, read-only copy of the brain handed to agents.
// Snapshots are taken only across wave boundaries, when no writer is active.
type BrainSnapshot struct {
	Objective       string                 `json:"objective"`
	Context         map[string]interface{} `json:"context,omitempty"`
	Constraints     []string               `json:"constraints,omitempty"`
	Deliverables    []string               `json:"deliverables,omitempty"`
	OpenQuestions   []string               `json:"open_questions,omitempty"`
	SuccessCriteria []string               `json:"success_criteria,omitempty"`
	TaskBacklog     []BacklogTask          `json:"task_backlog,omitempty"`
	ResearchPlan    *ResearchPlan          `json:"research_plan,omitempty"`
	Sources         []ResearchSource       `json:"sources,omitempty"`
	Decisions       []Decision             `json:"decisions,omitempty"`
	Risks           []Risk                 `json:"risks,omitempty"`
	History         []HistoryEntry         `json:"history,omitempty"`
}

// NewBrain creates a brain for a run. The objective is required at creation
// and may later be refined by the analysis agent.
func NewBrain(req PlanningRequest) *Brain {
	b := &Brain{
		Objective:    req.Task,
		Context:      req.Context,
		Constraints:  append([]string(nil), req.Constraints...),
		Deliverables: append([]string(nil), req.Deliverables...),
	}
	// Open questions supplied with the request seed the decision-support
	// precondition evaluated at graph build time.
	if req.Context != nil {
		if qs, ok := req.Context["open_questions"].([]interface{}); ok {
			for _, q := range qs {
				if s, ok := q.(string); ok && s != "" {
					b.OpenQuestions = append(b.OpenQuestions, s)
				}
			}
		}
	}
	return b
}

// ApplyRequest refreshes request-scoped fields on a brain loaded from
// persistence, without touching accumulated knowledge.
func (b *Brain) ApplyRequest(req PlanningRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.Task != "" {
		b.Objective = req.Task
	}
	if req.Context != nil {
		b.Context = req.Context
	}
	if len(req.Constraints) > 0 {
		b.Constraints = append([]string(nil), req.Constraints...)
	}
	if len(req.Deliverables) > 0 {
		b.Deliverables = append([]string(nil), req.Deliverables...)
	}
}

// Snapshot returns a deep copy of the brain's current state.
func (b *Brain) Snapshot() BrainSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BrainSnapshot{
		Objective:       b.Objective,
		Constraints:     append([]string(nil), b.Constraints...),
		Deliverables:    append([]string(nil), b.Deliverables...),
		OpenQuestions:   append([]string(nil), b.OpenQuestions...),
		SuccessCriteria: append([]string(nil), b.SuccessCriteria...),
		TaskBacklog:     append([]BacklogTask(nil), b.TaskBacklog...),
		Sources:         append([]ResearchSource(nil), b.Sources...),
		Decisions:       append([]Decision(nil), b.Decisions...),
		Risks:           append([]Risk(nil), b.Risks...),
		History:         append([]HistoryEntry(nil), b.History...),
	}
	if b.Context != nil {
		ctx := make(map[string]interface{}, len(b.Context))
		for k, v := range b.Context {
			ctx[k] = v
		}
		snap.Context = ctx
	}
	if b.ResearchPlan != nil {
		plan := *b.ResearchPlan
		snap.ResearchPlan = &plan
	}
	return snap
}

// Merge folds one agent result into the brain. Exactly one merge path exists
// per agent id; every merge appends one history entry with the raw output,
// even when no structured field changes. Structured merges replace their
// target field wholesale (or upsert by id), so re-merging the same result is
// safe.
func (b *Brain) Merge(runID string, res AgentResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch res.AgentID {
	case AgentAnalysis:
		if res.Analysis != nil {
			b.mergeAnalysis(res.Analysis)
		}
	case AgentBreakdown:
		if res.Breakdown != nil {
			b.TaskBacklog = normalizeBacklog(res.Breakdown.Tasks)
		}
	case AgentResearchPlan:
		if res.ResearchPlan != nil {
			plan := res.ResearchPlan.Plan
			b.ResearchPlan = &plan
		}
	case AgentWebResearch:
		if res.Research != nil {
			b.Sources = upsertSources(b.Sources, res.Research.Sources)
		}
	case AgentDecision:
		if res.Decision != nil {
			b.Decisions = upsertDecisions(b.Decisions, res.Decision.Decisions)
		}
	}

	b.History = append(b.History, HistoryEntry{
		RunID:     runID,
		AgentID:   res.AgentID,
		Output:    res.Raw,
		Timestamp: time.Now(),
	})
}

func (b *Brain) mergeAnalysis(out *AnalysisOutput) {
	if out.RefinedObjective != "" {
		b.Objective = out.RefinedObjective
	}
	if len(out.SuccessCriteria) > 0 {
		b.SuccessCriteria = append([]string(nil), out.SuccessCriteria...)
	}
	b.OpenQuestions = append([]string(nil), out.OpenQuestions...)
	if len(out.Risks) > 0 {
		b.Risks = upsertRisks(b.Risks, out.Risks)
	}
}

// LatestOutput returns the most recent history entry for an agent id,
// decoded into out. Returns false when the agent never merged anything.
func (s BrainSnapshot) LatestOutput(agentID string, out interface{}) bool {
	for i := len(s.History) - 1; i >= 0; i-- {
		entry := s.History[i]
		if entry.AgentID != agentID || len(entry.Output) == 0 {
			continue
		}
		if err := json.Unmarshal(entry.Output, out); err != nil {
			return false
		}
		return true
	}
	return false
}

// normalizeBacklog assigns pending status to tasks missing one and drops
// tasks without an id or title.
func normalizeBacklog(tasks []BacklogTask) []BacklogTask {
	out := make([]BacklogTask, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" || t.Title == "" {
			continue
		}
		if t.Status == "" {
			t.Status = TaskStatusPending
		}
		if t.Type == "" {
			t.Type = TaskTypeImplementation
		}
		out = append(out, t)
	}
	return out
}

// upsertSources merges by URL so re-merging the same result does not
// accumulate duplicates.
func upsertSources(existing, incoming []ResearchSource) []ResearchSource {
	byURL := make(map[string]int, len(existing))
	out := append([]ResearchSource(nil), existing...)
	for i, s := range out {
		byURL[s.URL] = i
	}
	for _, s := range incoming {
		if s.URL == "" {
			continue
		}
		if i, ok := byURL[s.URL]; ok {
			out[i] = s
			continue
		}
		byURL[s.URL] = len(out)
		out = append(out, s)
	}
	return out
}

func upsertDecisions(existing, incoming []Decision) []Decision {
	key := func(d Decision) string {
		if d.ID != "" {
			return d.ID
		}
		return d.Question
	}
	byKey := make(map[string]int, len(existing))
	out := append([]Decision(nil), existing...)
	for i, d := range out {
		byKey[key(d)] = i
	}
	for _, d := range incoming {
		if i, ok := byKey[key(d)]; ok {
			out[i] = d
			continue
		}
		byKey[key(d)] = len(out)
		out = append(out, d)
	}
	return out
}

func upsertRisks(existing, incoming []Risk) []Risk {
	key := func(r Risk) string {
		if r.ID != "" {
			return r.ID
		}
		return r.Description
	}
	byKey := make(map[string]int, len(existing))
	out := append([]Risk(nil), existing...)
	for i, r := range out {
		byKey[key(r)] = i
	}
	for _, r := range incoming {
		if i, ok := byKey[key(r)]; ok {
			out[i] = r
			continue
		}
		byKey[key(r)] = len(out)
		out = append(out, r)
	}
	return out
}
