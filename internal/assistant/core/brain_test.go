package core

import (
	"encoding/json"
	"testing"
)

func analysisResult(out AnalysisOutput) AgentResult {
	raw, _ := json.Marshal(out)
	return AgentResult{AgentID: AgentAnalysis, Success: true, Raw: raw, Analysis: &out}
}

func TestBrainMergeAnalysisRefinesObjective(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{RequestID: "r1", Task: "plan my move"})

	brain.Merge("r1", analysisResult(AnalysisOutput{
		RefinedObjective: "plan an apartment move within 6 weeks",
		SuccessCriteria:  []string{"moved by deadline"},
		OpenQuestions:    []string{"hire movers or rent a van?"},
	}))

	snap := brain.Snapshot()
	if snap.Objective != "plan an apartment move within 6 weeks" {
		t.Fatalf("objective not refined: %q", snap.Objective)
	}
	if len(snap.OpenQuestions) != 1 {
		t.Fatalf("open questions not merged: %v", snap.OpenQuestions)
	}
	if len(snap.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(snap.History))
	}
}

func TestBrainMergeIsIdempotent(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{RequestID: "r1", Task: "t"})

	research := AgentResult{
		AgentID: AgentWebResearch,
		Success: true,
		Research: &ResearchOutput{Sources: []ResearchSource{
			{URL: "https://example.com/a", Title: "A"},
			{URL: "https://example.com/b", Title: "B"},
		}},
	}
	brain.Merge("r1", research)
	brain.Merge("r1", research)

	snap := brain.Snapshot()
	if len(snap.Sources) != 2 {
		t.Fatalf("re-merge duplicated sources: %v", snap.Sources)
	}

	breakdown := AgentResult{
		AgentID: AgentBreakdown,
		Success: true,
		Breakdown: &BreakdownOutput{Tasks: []BacklogTask{
			{ID: "t1", Title: "pack boxes"},
			{ID: "t2", Title: "book van"},
		}},
	}
	brain.Merge("r1", breakdown)
	brain.Merge("r1", breakdown)

	snap = brain.Snapshot()
	if len(snap.TaskBacklog) != 2 {
		t.Fatalf("re-merge duplicated backlog: %v", snap.TaskBacklog)
	}
	// History is append-only: every merge leaves a record.
	if len(snap.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(snap.History))
	}
}

func TestBrainMergeUpsertsSourcesByURL(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{Task: "t"})

	brain.Merge("r1", AgentResult{AgentID: AgentWebResearch, Success: true,
		Research: &ResearchOutput{Sources: []ResearchSource{{URL: "https://example.com", TrustLevel: 0.3}}}})
	brain.Merge("r1", AgentResult{AgentID: AgentWebResearch, Success: true,
		Research: &ResearchOutput{Sources: []ResearchSource{{URL: "https://example.com", TrustLevel: 0.9}}}})

	snap := brain.Snapshot()
	if len(snap.Sources) != 1 {
		t.Fatalf("expected one source, got %d", len(snap.Sources))
	}
	if snap.Sources[0].TrustLevel != 0.9 {
		t.Fatalf("source not replaced on upsert: %+v", snap.Sources[0])
	}
}

func TestBrainNormalizesBacklog(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{Task: "t"})

	brain.Merge("r1", AgentResult{AgentID: AgentBreakdown, Success: true,
		Breakdown: &BreakdownOutput{Tasks: []BacklogTask{
			{ID: "t1", Title: "valid"},
			{ID: "", Title: "no id"},
			{ID: "t3", Title: ""},
		}}})

	snap := brain.Snapshot()
	if len(snap.TaskBacklog) != 1 {
		t.Fatalf("invalid tasks not dropped: %v", snap.TaskBacklog)
	}
	if snap.TaskBacklog[0].Status != TaskStatusPending {
		t.Fatalf("missing status not defaulted: %+v", snap.TaskBacklog[0])
	}
	if snap.TaskBacklog[0].Type != TaskTypeImplementation {
		t.Fatalf("missing type not defaulted: %+v", snap.TaskBacklog[0])
	}
}

func TestBrainSeedsOpenQuestionsFromRequestContext(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{
		Task:    "t",
		Context: map[string]interface{}{"open_questions": []interface{}{"q1", "q2", ""}},
	})
	snap := brain.Snapshot()
	if len(snap.OpenQuestions) != 2 {
		t.Fatalf("expected 2 seeded questions, got %v", snap.OpenQuestions)
	}
}

func TestBrainSnapshotIsIsolated(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{Task: "t"})
	brain.Merge("r1", AgentResult{AgentID: AgentBreakdown, Success: true,
		Breakdown: &BreakdownOutput{Tasks: []BacklogTask{{ID: "t1", Title: "a"}}}})

	snap := brain.Snapshot()
	snap.TaskBacklog[0].Title = "mutated"

	if brain.Snapshot().TaskBacklog[0].Title != "a" {
		t.Fatalf("snapshot mutation leaked into brain")
	}
}

func TestLatestOutputReadsMostRecentEntry(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{Task: "t"})

	first, _ := json.Marshal(PrioritizationOutput{NextActions: []string{"old"}})
	second, _ := json.Marshal(PrioritizationOutput{NextActions: []string{"new"}})
	brain.Merge("r1", AgentResult{AgentID: AgentPrioritize, Success: true, Raw: first})
	brain.Merge("r1", AgentResult{AgentID: AgentPrioritize, Success: true, Raw: second})

	var out PrioritizationOutput
	if !brain.Snapshot().LatestOutput(AgentPrioritize, &out) {
		t.Fatalf("latest output not found")
	}
	if len(out.NextActions) != 1 || out.NextActions[0] != "new" {
		t.Fatalf("expected newest entry, got %+v", out)
	}

	var missing AnalysisOutput
	if brain.Snapshot().LatestOutput(AgentAnalysis, &missing) {
		t.Fatalf("found output for agent that never merged")
	}
}
