package core

import (
	"sort"
	"strings"
)

// defaultNextActions caps the "do this now" list in the deliverable.
const defaultNextActions = 3

// Assembler reduces the final brain state plus the structured outputs of the
// prioritization and research agents into one deliverable. It reads agent
// outputs from history by agent id and defaults every sub-field to an empty
// collection, so partial upstream failure still yields a well-formed, if
// sparse, deliverable.
type Assembler struct {
	indexer SourceIndexer
}

// NewAssembler creates an assembler. The indexer is optional; without it the
// research summary falls back to the research agent's own summary.
func NewAssembler(indexer SourceIndexer) *Assembler {
	return &Assembler{indexer: indexer}
}

// Assemble builds the deliverable from the final snapshot.
func (a *Assembler) Assemble(runID string, snap BrainSnapshot) (PlanDeliverable, error) {
	var prio PrioritizationOutput
	snap.LatestOutput(AgentPrioritize, &prio)
	var research ResearchOutput
	snap.LatestOutput(AgentWebResearch, &research)

	d := PlanDeliverable{
		Objective:       snap.Objective,
		SuccessCriteria: emptyIfNil(snap.SuccessCriteria),
		Todos:           a.flattenTodos(snap.TaskBacklog, prio),
		ResearchSummary: a.researchSummary(runID, snap, research),
		Sources:         emptySourcesIfNil(snap.Sources),
		Decisions:       emptyDecisionsIfNil(snap.Decisions),
		Risks:           emptyRisksIfNil(snap.Risks),
		NextActions:     emptyIfNil(prio.NextActions),
	}

	if len(d.NextActions) == 0 {
		d.NextActions = firstActionable(d.Todos, defaultNextActions)
	}
	if len(d.NextActions) > defaultNextActions {
		d.NextActions = d.NextActions[:defaultNextActions]
	}
	return d, nil
}

// flattenTodos joins the backlog with prioritization annotations. Tasks the
// prioritizer never saw keep a neutral priority so the list stays complete.
func (a *Assembler) flattenTodos(backlog []BacklogTask, prio PrioritizationOutput) []TodoItem {
	ann := make(map[string]PrioritizedTask, len(prio.PrioritizedTasks))
	for _, p := range prio.PrioritizedTasks {
		ann[p.TaskID] = p
	}
	bucketByTask := make(map[string]string)
	for _, b := range prio.Schedule {
		for _, id := range b.TaskIDs {
			bucketByTask[id] = b.Name
		}
	}

	todos := make([]TodoItem, 0, len(backlog))
	for _, t := range backlog {
		item := TodoItem{
			ID:        t.ID,
			Title:     t.Title,
			Type:      t.Type,
			Priority:  3,
			DependsOn: t.DependsOn,
			Status:    t.Status,
		}
		if p, ok := ann[t.ID]; ok {
			item.Priority = p.Priority
			item.Bucket = p.Bucket
			if len(p.DependsOn) > 0 {
				item.DependsOn = p.DependsOn
			}
		}
		if item.Bucket == "" {
			item.Bucket = bucketByTask[t.ID]
		}
		todos = append(todos, item)
	}
	sort.SliceStable(todos, func(i, j int) bool { return todos[i].Priority > todos[j].Priority })
	return todos
}

// researchSummary prefers the research agent's own summary and augments it
// with the most relevant indexed sources per guiding question when an index
// is available.
func (a *Assembler) researchSummary(runID string, snap BrainSnapshot, research ResearchOutput) string {
	var b strings.Builder
	if research.Summary != "" {
		b.WriteString(research.Summary)
	}
	if a.indexer == nil || snap.ResearchPlan == nil {
		return b.String()
	}
	for _, q := range snap.ResearchPlan.GuidingQuestions {
		sources, err := a.indexer.TopSources(runID, q, 2)
		if err != nil || len(sources) == 0 {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(q)
		for _, s := range sources {
			b.WriteString("\n- ")
			if s.Title != "" {
				b.WriteString(s.Title)
				b.WriteString(" ")
			}
			b.WriteString("(")
			b.WriteString(s.URL)
			b.WriteString(")")
			if len(s.KeyTakeaways) > 0 {
				b.WriteString(": ")
				b.WriteString(s.KeyTakeaways[0])
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// firstActionable returns the titles of the highest-priority pending todos
// with no unfinished dependencies.
func firstActionable(todos []TodoItem, n int) []string {
	done := make(map[string]bool)
	for _, t := range todos {
		if t.Status == TaskStatusCompleted {
			done[t.ID] = true
		}
	}
	actions := []string{}
	for _, t := range todos {
		if t.Status != TaskStatusPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if ready {
			actions = append(actions, t.Title)
			if len(actions) == n {
				break
			}
		}
	}
	return actions
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptySourcesIfNil(s []ResearchSource) []ResearchSource {
	if s == nil {
		return []ResearchSource{}
	}
	return s
}

func emptyDecisionsIfNil(s []Decision) []Decision {
	if s == nil {
		return []Decision{}
	}
	return s
}

func emptyRisksIfNil(s []Risk) []Risk {
	if s == nil {
		return []Risk{}
	}
	return s
}
