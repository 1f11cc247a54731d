package core

import (
	"context"
	"errors"
	"testing"
)

type noopAgent struct{ id string }

func (a noopAgent) ID() string { return a.id }
func (a noopAgent) Execute(ctx context.Context, input AgentInput) (AgentResult, error) {
	return AgentResult{AgentID: a.id, Success: true}, nil
}

func allAgents() map[string]Agent {
	ids := []string{AgentAnalysis, AgentBreakdown, AgentResearchPlan, AgentWebResearch, AgentPrioritize, AgentDecision, AgentAssemble}
	out := make(map[string]Agent, len(ids))
	for _, id := range ids {
		out[id] = noopAgent{id: id}
	}
	return out
}

func TestValidateJobGraphRejectsDanglingDependency(t *testing.T) {
	t.Parallel()
	jobs := []Job{
		{ID: "a", AgentID: "a"},
		{ID: "b", AgentID: "b", DependsOn: []string{"missing"}},
	}
	err := ValidateJobGraph(jobs)
	var dangling ErrDanglingDependency
	if !errors.As(err, &dangling) {
		t.Fatalf("expected ErrDanglingDependency, got %v", err)
	}
	if dangling.JobID != "b" || dangling.DepID != "missing" {
		t.Fatalf("unexpected defect detail: %+v", dangling)
	}
}

func TestValidateJobGraphRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	jobs := []Job{
		{ID: "a", AgentID: "a"},
		{ID: "a", AgentID: "a"},
	}
	if err := ValidateJobGraph(jobs); err == nil {
		t.Fatalf("duplicate ids accepted")
	}
}

func TestBuildPlanningGraphNeverInvokesAgents(t *testing.T) {
	t.Parallel()
	invoked := 0
	brain := NewBrain(PlanningRequest{Task: "t"})
	_, err := BuildPlanningGraph("r1", PlanningRequest{Task: "t"}, brain, allAgents(),
		func(ctx context.Context, agent Agent) error {
			invoked++
			return nil
		})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if invoked != 0 {
		t.Fatalf("graph construction invoked %d agents", invoked)
	}
}

func TestBuildPlanningGraphOmitsDecisionWithoutOpenQuestions(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{Task: "t"})
	jobs, err := BuildPlanningGraph("r1", PlanningRequest{Task: "t"}, brain, allAgents(), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	for _, j := range jobs {
		if j.ID == AgentDecision {
			t.Fatalf("decision job present without open questions")
		}
	}
	if len(jobs) != 6 {
		t.Fatalf("expected 6 jobs, got %d", len(jobs))
	}
}

func TestBuildPlanningGraphIncludesDecisionWithOpenQuestions(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{
		Task:    "t",
		Context: map[string]interface{}{"open_questions": []interface{}{"which vendor?"}},
	})
	jobs, err := BuildPlanningGraph("r1", PlanningRequest{Task: "t"}, brain, allAgents(), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	var decision, assemble *Job
	for i := range jobs {
		switch jobs[i].ID {
		case AgentDecision:
			decision = &jobs[i]
		case AgentAssemble:
			assemble = &jobs[i]
		}
	}
	if decision == nil {
		t.Fatalf("decision job missing despite open questions")
	}
	if assemble == nil {
		t.Fatalf("assemble job missing")
	}
	found := false
	for _, dep := range assemble.DependsOn {
		if dep == AgentDecision {
			found = true
		}
	}
	if !found {
		t.Fatalf("assemble does not depend on decision job: %v", assemble.DependsOn)
	}
	if len(assemble.DependsOn) != len(jobs)-1 {
		t.Fatalf("assemble should depend on every other job: %v", assemble.DependsOn)
	}
}

func TestBuildPlanningGraphValidates(t *testing.T) {
	t.Parallel()
	brain := NewBrain(PlanningRequest{Task: "t"})
	jobs, err := BuildPlanningGraph("r1", PlanningRequest{Task: "t"}, brain, allAgents(), nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := ValidateJobGraph(jobs); err != nil {
		t.Fatalf("built graph fails validation: %v", err)
	}
}
