package core

import (
	"context"
	"fmt"
	"sort"
)

// ErrDanglingDependency marks a construction defect: a job depends on an id
// absent from the job set. The builder fails closed so the scheduler can
// assume referential integrity.
type ErrDanglingDependency struct {
	JobID string
	DepID string
}

func (e ErrDanglingDependency) Error() string {
	return fmt.Sprintf("job %q depends on unknown job %q", e.JobID, e.DepID)
}

// Job is one schedulable unit of a run. Run performs the side-effecting
// read-invoke-merge cycle and returns an error on failure; it is never
// replayed within a run.
type Job struct {
	ID        string
	AgentID   string
	DependsOn []string
	Run       func(ctx context.Context) error
}

// ValidateJobGraph rejects duplicate ids and dependencies that reference ids
// outside the job set. Building a graph never invokes an agent.
func ValidateJobGraph(jobs []Job) error {
	ids := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("job with empty id (agent %q)", j.AgentID)
		}
		if _, ok := ids[j.ID]; ok {
			return fmt.Errorf("duplicate job id %q", j.ID)
		}
		ids[j.ID] = struct{}{}
	}
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			if _, ok := ids[dep]; !ok {
				return ErrDanglingDependency{JobID: j.ID, DepID: dep}
			}
		}
	}
	return nil
}

// graphBuilder assembles the planning job graph for one run. Each job closure
// snapshots the brain at execution time, invokes its agent, and merges the
// result back; failures are surfaced to the scheduler through the closure's
// error.
type graphBuilder struct {
	runID   string
	request PlanningRequest
	brain   *Brain
	agents  map[string]Agent
	execute func(ctx context.Context, agent Agent) error
}

// BuildPlanningGraph translates the current brain snapshot and the original
// request into the planning job set. The decision-support job is included
// only when the snapshot carries at least one open question; the precondition
// is evaluated here, once, not per wave.
func BuildPlanningGraph(runID string, req PlanningRequest, brain *Brain, agents map[string]Agent, invoke func(ctx context.Context, agent Agent) error) ([]Job, error) {
	b := &graphBuilder{runID: runID, request: req, brain: brain, agents: agents, execute: invoke}

	jobs := []Job{
		b.job(AgentAnalysis),
		b.job(AgentBreakdown, AgentAnalysis),
		b.job(AgentResearchPlan, AgentAnalysis),
		b.job(AgentWebResearch, AgentResearchPlan),
		b.job(AgentPrioritize, AgentBreakdown, AgentWebResearch),
	}

	if len(brain.Snapshot().OpenQuestions) > 0 {
		jobs = append(jobs, b.job(AgentDecision, AgentAnalysis))
	}

	// The assembler runs strictly after everything else; its dependency set
	// is the explicit list of all other job ids, keeping the graph finite
	// and checkable.
	deps := make([]string, 0, len(jobs))
	for _, j := range jobs {
		deps = append(deps, j.ID)
	}
	sort.Strings(deps)
	jobs = append(jobs, b.job(AgentAssemble, deps...))

	if err := ValidateJobGraph(jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (b *graphBuilder) job(agentID string, deps ...string) Job {
	agent := b.agents[agentID]
	return Job{
		ID:        agentID,
		AgentID:   agentID,
		DependsOn: deps,
		Run: func(ctx context.Context) error {
			if agent == nil {
				return fmt.Errorf("no agent registered for id %q", agentID)
			}
			return b.execute(ctx, agent)
		},
	}
}
