package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/51f0x/personal-kanban/config"
)

// fakeAgent returns a canned result or error per call.
type fakeAgent struct {
	id     string
	result AgentResult
	err    error
}

func (a fakeAgent) ID() string { return a.id }
func (a fakeAgent) Execute(ctx context.Context, input AgentInput) (AgentResult, error) {
	if a.err != nil {
		return AgentResult{AgentID: a.id}, a.err
	}
	res := a.result
	res.AgentID = a.id
	if res.Raw == nil {
		res.Raw = json.RawMessage(`{}`)
	}
	return res, nil
}

func successfulAgents() map[string]Agent {
	deliverable := PlanDeliverable{
		Objective:       "assembled objective",
		SuccessCriteria: []string{},
		Todos:           []TodoItem{},
		Sources:         []ResearchSource{},
		Decisions:       []Decision{},
		Risks:           []Risk{},
		NextActions:     []string{},
	}
	raw, _ := json.Marshal(deliverable)

	return map[string]Agent{
		AgentAnalysis: fakeAgent{id: AgentAnalysis, result: AgentResult{Success: true,
			Analysis: &AnalysisOutput{RefinedObjective: "refined"}}},
		AgentBreakdown: fakeAgent{id: AgentBreakdown, result: AgentResult{Success: true,
			Breakdown: &BreakdownOutput{Tasks: []BacklogTask{{ID: "t1", Title: "do the thing"}}}}},
		AgentResearchPlan: fakeAgent{id: AgentResearchPlan, result: AgentResult{Success: true,
			ResearchPlan: &ResearchPlanOutput{Plan: ResearchPlan{GuidingQuestions: []string{"q"}}}}},
		AgentWebResearch: fakeAgent{id: AgentWebResearch, result: AgentResult{Success: true,
			Research: &ResearchOutput{Summary: "findings"}}},
		AgentPrioritize: fakeAgent{id: AgentPrioritize, result: AgentResult{Success: true}},
		AgentDecision:   fakeAgent{id: AgentDecision, result: AgentResult{Success: true}},
		AgentAssemble:   fakeAgent{id: AgentAssemble, result: AgentResult{Success: true, Raw: raw}},
	}
}

func testOrchestrator(agents map[string]Agent, brains BrainRepository) *Orchestrator {
	cfg := &config.Config{}
	cfg.Agents.MaxConcurrentRuns = 2
	return &Orchestrator{
		config:    cfg,
		logger:    discardLogger(),
		agents:    agents,
		brains:    brains,
		running:   make(map[string]*RunStatus),
		semaphore: make(chan struct{}, 2),
	}
}

func TestProcessPlanningSuccess(t *testing.T) {
	t.Parallel()
	orch := testOrchestrator(successfulAgents(), nil)

	resp, err := orch.ProcessPlanning(context.Background(), PlanningRequest{RequestID: "r1", Task: "plan my week"})
	if err != nil {
		t.Fatalf("ProcessPlanning returned error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got errors %v", resp.Errors)
	}
	if resp.Result == nil {
		t.Fatalf("no deliverable in response")
	}
	// The assemble job's own output wins over direct assembly.
	if resp.Result.Objective != "assembled objective" {
		t.Fatalf("deliverable not read from assemble job: %q", resp.Result.Objective)
	}
	if len(resp.Errors) != 0 {
		t.Fatalf("unexpected job errors: %v", resp.Errors)
	}
	if len(resp.Progress) == 0 {
		t.Fatalf("no progress events in response")
	}
}

func TestProcessPlanningEmptyTaskFails(t *testing.T) {
	t.Parallel()
	orch := testOrchestrator(successfulAgents(), nil)

	_, err := orch.ProcessPlanning(context.Background(), PlanningRequest{RequestID: "r1"})
	if err == nil {
		t.Fatalf("empty task accepted")
	}
}

func TestProcessPlanningPartialFailureStillDelivers(t *testing.T) {
	t.Parallel()
	agents := successfulAgents()
	agents[AgentWebResearch] = fakeAgent{id: AgentWebResearch, err: errors.New("search backend down")}
	// Without the assemble job's output the orchestrator assembles directly.
	agents[AgentAssemble] = fakeAgent{id: AgentAssemble, err: errors.New("assemble job down")}
	orch := testOrchestrator(agents, nil)

	resp, err := orch.ProcessPlanning(context.Background(), PlanningRequest{RequestID: "r1", Task: "plan my week"})
	if err != nil {
		t.Fatalf("partial failure should not return an error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("direct assembly should still succeed: %v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatalf("no deliverable despite fallback assembly")
	}
	if resp.Result.Objective != "refined" {
		t.Fatalf("fallback deliverable not built from brain: %q", resp.Result.Objective)
	}
	if len(resp.Errors) != 2 {
		t.Fatalf("expected two job errors, got %v", resp.Errors)
	}
}

// memBrains is an in-memory BrainRepository.
type memBrains struct {
	mu     sync.Mutex
	brains map[string]*Brain
	saves  int
}

func (m *memBrains) LoadBrain(ctx context.Context, projectID string) (*Brain, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.brains[projectID]
	return b, ok, nil
}

func (m *memBrains) SaveBrain(ctx context.Context, projectID string, b *Brain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.brains == nil {
		m.brains = make(map[string]*Brain)
	}
	m.brains[projectID] = b
	m.saves++
	return nil
}

func TestProcessPlanningPersistsProjectBrain(t *testing.T) {
	t.Parallel()
	repo := &memBrains{}
	orch := testOrchestrator(successfulAgents(), repo)

	_, err := orch.ProcessPlanning(context.Background(),
		PlanningRequest{RequestID: "r1", Task: "plan my week", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("ProcessPlanning returned error: %v", err)
	}
	if repo.saves != 1 {
		t.Fatalf("brain not saved for project run")
	}
	if _, ok := repo.brains["p1"]; !ok {
		t.Fatalf("saved brain missing for project")
	}
}

func TestGetStatusSafeDuringRun(t *testing.T) {
	t.Parallel()
	orch := testOrchestrator(successfulAgents(), nil)

	// Hammer the status API while the run mutates its job counters.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = orch.GetStatus("r1")
			}
		}
	}()

	if _, err := orch.ProcessPlanning(context.Background(), PlanningRequest{RequestID: "r1", Task: "plan my week"}); err != nil {
		t.Fatalf("ProcessPlanning returned error: %v", err)
	}
	close(stop)
	wg.Wait()
}

// fakeIndexer records run lifecycle calls.
type fakeIndexer struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeIndexer) IndexSources(runID string, sources []ResearchSource) error { return nil }
func (f *fakeIndexer) TopSources(runID string, query string, limit int) ([]ResearchSource, error) {
	return nil, nil
}
func (f *fakeIndexer) DropRun(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, runID)
}

func TestProcessPlanningReleasesRunIndex(t *testing.T) {
	t.Parallel()
	idx := &fakeIndexer{}
	orch := testOrchestrator(successfulAgents(), nil)
	orch.indexer = idx

	if _, err := orch.ProcessPlanning(context.Background(), PlanningRequest{RequestID: "r1", Task: "plan my week"}); err != nil {
		t.Fatalf("ProcessPlanning returned error: %v", err)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.dropped) != 1 || idx.dropped[0] != "r1" {
		t.Fatalf("run index not released: %v", idx.dropped)
	}
}

func TestGetStatusOnlyDuringRun(t *testing.T) {
	t.Parallel()
	orch := testOrchestrator(successfulAgents(), nil)

	if _, err := orch.GetStatus("nope"); err == nil {
		t.Fatalf("status for unknown run did not error")
	}

	_, err := orch.ProcessPlanning(context.Background(), PlanningRequest{RequestID: "r1", Task: "t"})
	if err != nil {
		t.Fatalf("ProcessPlanning returned error: %v", err)
	}
	if _, err := orch.GetStatus("r1"); err == nil {
		t.Fatalf("status retained after run finished")
	}
}
