package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/telemetry"
)

// planningAgent is the shared implementation behind every agent id. Behavior
// dispatches on the id; each branch produces exactly one typed payload plus
// the raw JSON that goes into the run history.
type planningAgent struct {
	agentID     string
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger

	search    []SearchClient
	fetcher   PageFetcher
	indexer   SourceIndexer
	assembler *Assembler
}

func newPlanningAgent(agentID string, cfg *config.Config, llm LLMProvider, tele *telemetry.Telemetry, search []SearchClient, fetcher PageFetcher, indexer SourceIndexer) *planningAgent {
	prefix := fmt.Sprintf("[%s-AGENT] ", strings.ToUpper(strings.ReplaceAll(agentID, "_", "-")))
	return &planningAgent{
		agentID:     agentID,
		config:      cfg,
		llmProvider: llm,
		telemetry:   tele,
		logger:      log.New(log.Writer(), prefix, log.LstdFlags),
		search:      search,
		fetcher:     fetcher,
		indexer:     indexer,
		assembler:   NewAssembler(indexer),
	}
}

func (a *planningAgent) ID() string { return a.agentID }

// Execute performs the agent task against the snapshot it was handed.
func (a *planningAgent) Execute(ctx context.Context, input AgentInput) (AgentResult, error) {
	a.logger.Printf("executing for run %s", input.Request.RequestID)

	switch a.agentID {
	case AgentAnalysis:
		return a.executeAnalysis(ctx, input)
	case AgentBreakdown:
		return a.executeBreakdown(ctx, input)
	case AgentResearchPlan:
		return a.executeResearchPlan(ctx, input)
	case AgentWebResearch:
		return a.executeWebResearch(ctx, input)
	case AgentPrioritize:
		return a.executePrioritize(ctx, input)
	case AgentDecision:
		return a.executeDecision(ctx, input)
	case AgentAssemble:
		return a.executeAssemble(ctx, input)
	default:
		return AgentResult{}, fmt.Errorf("unknown agent id: %s", a.agentID)
	}
}

// routedModel resolves the configured model for this agent, falling back to
// the routing fallback.
func (a *planningAgent) routedModel() string {
	r := a.config.LLM.Routing
	var model string
	switch a.agentID {
	case AgentAnalysis:
		model = r.Analysis
	case AgentBreakdown:
		model = r.Breakdown
	case AgentResearchPlan, AgentWebResearch:
		model = r.Research
	case AgentPrioritize:
		model = r.Prioritize
	case AgentDecision:
		model = r.Decision
	}
	if model == "" {
		model = r.Fallback
	}
	return model
}

// generate runs one prompt through the routed model and records token usage.
func (a *planningAgent) generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	model := a.routedModel()
	out, inTok, outTok, err := a.llmProvider.GenerateWithTokens(ctx, prompt, model, map[string]interface{}{
		"temperature": 0.2,
		"max_tokens":  maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm generate (%s): %w", model, err)
	}
	a.telemetry.RecordLLMUsage(ctx, model, inTok, outTok, a.llmProvider.CalculateCost(inTok, outTok, model))
	return out, nil
}

func (a *planningAgent) executeAnalysis(ctx context.Context, input AgentInput) (AgentResult, error) {
	snap := input.Snapshot
	prompt := fmt.Sprintf(`You are a planning assistant analyzing a task before it is broken down.
TASK: %s
CONSTRAINTS:
%s
DELIVERABLES:
%s
Respond ONLY as strict JSON with keys:
{"refined_objective": string, "success_criteria": [string], "open_questions": [string], "assumptions": [string], "risks": [ {"description": string, "severity": "low|medium|high", "mitigation": string} ], "confidence": number 0..1}
Open questions are genuine decisions the user still has to make; leave the list empty when the task is unambiguous.`,
		snap.Objective, bulleted(snap.Constraints), bulleted(snap.Deliverables))

	out, err := a.generate(ctx, prompt, 900)
	if err != nil {
		return AgentResult{}, err
	}

	var parsed struct {
		AnalysisOutput
		Confidence float64 `json:"confidence"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		parsed.RefinedObjective = snap.Objective
		parsed.Confidence = 0.5
	}
	for i := range parsed.Risks {
		if parsed.Risks[i].ID == "" {
			parsed.Risks[i].ID = uuid.NewString()
		}
	}
	payload := parsed.AnalysisOutput
	return a.finish(&AgentResult{Analysis: &payload, Confidence: parsed.Confidence}, payload)
}

func (a *planningAgent) executeBreakdown(ctx context.Context, input AgentInput) (AgentResult, error) {
	snap := input.Snapshot
	prompt := fmt.Sprintf(`You are a planning assistant splitting an objective into a kanban-ready backlog.
OBJECTIVE: %s
SUCCESS CRITERIA:
%s
CONSTRAINTS:
%s
Respond ONLY as strict JSON:
{"tasks": [ {"id": string slug, "title": string, "description": string, "type": "preparation|research|implementation|followup", "effort": "small|medium|large", "depends_on": [string]} ], "confidence": number 0..1}
Task ids must be short stable slugs; depends_on may only reference ids from this list.`,
		snap.Objective, bulleted(snap.SuccessCriteria), bulleted(snap.Constraints))

	out, err := a.generate(ctx, prompt, 1400)
	if err != nil {
		return AgentResult{}, err
	}

	var parsed struct {
		Tasks      []BacklogTask `json:"tasks"`
		Confidence float64       `json:"confidence"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return AgentResult{}, fmt.Errorf("parse breakdown output: %w", e)
	}
	payload := BreakdownOutput{Tasks: normalizeBacklog(parsed.Tasks)}
	return a.finish(&AgentResult{Breakdown: &payload, Confidence: parsed.Confidence}, payload)
}

func (a *planningAgent) executeResearchPlan(ctx context.Context, input AgentInput) (AgentResult, error) {
	snap := input.Snapshot
	prompt := fmt.Sprintf(`You are a planning assistant preparing a short web research plan.
OBJECTIVE: %s
OPEN QUESTIONS:
%s
Respond ONLY as strict JSON:
{"plan": {"guiding_questions": [string], "search_terms": [string], "source_types": [string], "quality_criteria": [string], "stop_criteria": [string]}, "confidence": number 0..1}
Keep it focused: at most 4 guiding questions and 6 search terms.`,
		snap.Objective, bulleted(snap.OpenQuestions))

	out, err := a.generate(ctx, prompt, 700)
	if err != nil {
		return AgentResult{}, err
	}

	var parsed struct {
		Plan       ResearchPlan `json:"plan"`
		Confidence float64      `json:"confidence"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return AgentResult{}, fmt.Errorf("parse research plan output: %w", e)
	}
	payload := ResearchPlanOutput{Plan: parsed.Plan}
	return a.finish(&AgentResult{ResearchPlan: &payload, Confidence: parsed.Confidence}, payload)
}

func (a *planningAgent) executeWebResearch(ctx context.Context, input AgentInput) (AgentResult, error) {
	snap := input.Snapshot
	if snap.ResearchPlan == nil || len(snap.ResearchPlan.SearchTerms) == 0 {
		// Nothing to research; succeed with an empty contribution.
		payload := ResearchOutput{Sources: []ResearchSource{}}
		return a.finish(&AgentResult{Research: &payload, Confidence: 1.0}, payload)
	}

	hits := a.searchAll(ctx, snap.ResearchPlan.SearchTerms)
	pages := a.fetchPages(ctx, hits)

	sources := make([]ResearchSource, 0, len(pages))
	var summaryNotes []string
	for _, page := range pages {
		src, note, err := a.digestPage(ctx, snap, page)
		if err != nil {
			a.logger.Printf("digest %s failed: %v", page.URL, err)
			continue
		}
		sources = append(sources, src)
		if note != "" {
			summaryNotes = append(summaryNotes, note)
		}
	}

	if a.indexer != nil && len(sources) > 0 {
		if err := a.indexer.IndexSources(input.Request.RequestID, sources); err != nil {
			a.logger.Printf("indexing sources failed: %v", err)
		}
	}

	payload := ResearchOutput{
		Sources: sources,
		Summary: strings.Join(summaryNotes, " "),
	}
	return a.finish(&AgentResult{Research: &payload, Confidence: researchConfidence(len(hits), len(sources))}, payload)
}

// searchAll fans the search terms across every configured provider and
// de-duplicates hits by URL.
func (a *planningAgent) searchAll(ctx context.Context, terms []string) []SearchResult {
	maxResults := a.config.Agents.MaxSearchResults
	if maxResults <= 0 {
		maxResults = 8
	}
	seen := make(map[string]bool)
	var hits []SearchResult
	for _, term := range terms {
		for _, client := range a.search {
			results, err := client.Search(ctx, term, maxResults)
			if err != nil {
				a.logger.Printf("search %q failed: %v", term, err)
				continue
			}
			for _, r := range results {
				if r.URL == "" || seen[r.URL] {
					continue
				}
				seen[r.URL] = true
				hits = append(hits, r)
			}
		}
	}
	return hits
}

func (a *planningAgent) fetchPages(ctx context.Context, hits []SearchResult) []Page {
	if a.fetcher == nil {
		return nil
	}
	maxPages := a.config.Agents.MaxFetchedPages
	if maxPages <= 0 {
		maxPages = 5
	}
	var pages []Page
	for _, hit := range hits {
		if len(pages) >= maxPages {
			break
		}
		page, err := a.fetcher.Fetch(ctx, hit.URL)
		if err != nil {
			a.logger.Printf("fetch %s failed: %v", hit.URL, err)
			continue
		}
		if page.Title == "" {
			page.Title = hit.Title
		}
		pages = append(pages, page)
	}
	return pages
}

// digestPage extracts takeaways and a trust estimate for one fetched page.
func (a *planningAgent) digestPage(ctx context.Context, snap BrainSnapshot, page Page) (ResearchSource, string, error) {
	text := page.Text
	if maxChars := a.config.Fetch.MaxChars; maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	prompt := fmt.Sprintf(`You are a research assistant extracting what matters from one web page.
OBJECTIVE: %s
PAGE TITLE: %s
PAGE URL: %s
PAGE TEXT:
%s
Respond ONLY as strict JSON:
{"key_takeaways": [string], "trust_level": number 0..1, "note": string one-sentence contribution to the research summary}`,
		snap.Objective, page.Title, page.URL, text)

	out, err := a.generate(ctx, prompt, 600)
	if err != nil {
		return ResearchSource{}, "", err
	}
	var parsed struct {
		KeyTakeaways []string `json:"key_takeaways"`
		TrustLevel   float64  `json:"trust_level"`
		Note         string   `json:"note"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return ResearchSource{}, "", fmt.Errorf("parse digest output: %w", e)
	}
	return ResearchSource{
		URL:          page.URL,
		Title:        page.Title,
		TrustLevel:   parsed.TrustLevel,
		KeyTakeaways: parsed.KeyTakeaways,
	}, parsed.Note, nil
}

func (a *planningAgent) executePrioritize(ctx context.Context, input AgentInput) (AgentResult, error) {
	snap := input.Snapshot
	if len(snap.TaskBacklog) == 0 {
		// No backlog means nothing to order; an empty result is a success,
		// not an error, so the assembler still produces a deliverable.
		payload := PrioritizationOutput{
			PrioritizedTasks: []PrioritizedTask{},
			Schedule:         []ScheduleBucket{},
			NextActions:      []string{},
		}
		return a.finish(&AgentResult{Prioritization: &payload, Confidence: 1.0}, payload)
	}

	var backlog strings.Builder
	for _, t := range snap.TaskBacklog {
		fmt.Fprintf(&backlog, "- id=%s title=%q type=%s effort=%s depends_on=%v\n", t.ID, t.Title, t.Type, t.Effort, t.DependsOn)
	}
	var findings strings.Builder
	for i, s := range snap.Sources {
		if i >= 8 {
			break
		}
		fmt.Fprintf(&findings, "- %s: %s\n", s.Title, strings.Join(s.KeyTakeaways, "; "))
	}

	prompt := fmt.Sprintf(`You are a planning assistant ordering a backlog into now/next/later buckets.
OBJECTIVE: %s
BACKLOG:
%s
RESEARCH FINDINGS (may be empty):
%s
Respond ONLY as strict JSON:
{"prioritized_tasks": [ {"task_id": string, "title": string, "priority": 1..5, "depends_on": [string], "bucket": "now|next|later"} ],
 "schedule": [ {"name": "now|next|later", "task_ids": [string]} ],
 "next_actions": [string at most 3 concrete first steps],
 "confidence": number 0..1}
Every task_id must come from the backlog above. Higher priority means more important.`,
		snap.Objective, backlog.String(), findings.String())

	out, err := a.generate(ctx, prompt, 1400)
	if err != nil {
		return AgentResult{}, err
	}

	var parsed struct {
		PrioritizationOutput
		Confidence float64 `json:"confidence"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return AgentResult{}, fmt.Errorf("parse prioritization output: %w", e)
	}
	payload := parsed.PrioritizationOutput
	payload.PrioritizedTasks = dropUnknownTasks(payload.PrioritizedTasks, snap.TaskBacklog)
	return a.finish(&AgentResult{Prioritization: &payload, Confidence: parsed.Confidence}, payload)
}

// dropUnknownTasks discards prioritization entries whose task id is not in the
// backlog, so hallucinated ids never reach the deliverable.
func dropUnknownTasks(tasks []PrioritizedTask, backlog []BacklogTask) []PrioritizedTask {
	known := make(map[string]bool, len(backlog))
	for _, t := range backlog {
		known[t.ID] = true
	}
	out := make([]PrioritizedTask, 0, len(tasks))
	for _, t := range tasks {
		if known[t.TaskID] {
			out = append(out, t)
		}
	}
	return out
}

func (a *planningAgent) executeDecision(ctx context.Context, input AgentInput) (AgentResult, error) {
	snap := input.Snapshot
	if len(snap.OpenQuestions) == 0 {
		payload := DecisionOutput{Decisions: []Decision{}}
		return a.finish(&AgentResult{Decision: &payload, Confidence: 1.0}, payload)
	}

	prompt := fmt.Sprintf(`You are a planning assistant resolving open questions with concrete recommendations.
OBJECTIVE: %s
OPEN QUESTIONS:
%s
CONSTRAINTS:
%s
Respond ONLY as strict JSON:
{"decisions": [ {"question": string, "options": [string], "recommendation": string, "rationale": string} ], "confidence": number 0..1}
Answer every question with exactly one recommendation.`,
		snap.Objective, bulleted(snap.OpenQuestions), bulleted(snap.Constraints))

	out, err := a.generate(ctx, prompt, 1000)
	if err != nil {
		return AgentResult{}, err
	}

	var parsed struct {
		Decisions  []Decision `json:"decisions"`
		Confidence float64    `json:"confidence"`
	}
	if e := json.Unmarshal([]byte(extractFirstJSON(out)), &parsed); e != nil {
		return AgentResult{}, fmt.Errorf("parse decision output: %w", e)
	}
	for i := range parsed.Decisions {
		if parsed.Decisions[i].ID == "" {
			parsed.Decisions[i].ID = uuid.NewString()
		}
	}
	payload := DecisionOutput{Decisions: parsed.Decisions}
	return a.finish(&AgentResult{Decision: &payload, Confidence: parsed.Confidence}, payload)
}

// executeAssemble reduces the final snapshot into the deliverable. It never
// calls the LLM; assembly is a pure reduction over accumulated state.
func (a *planningAgent) executeAssemble(ctx context.Context, input AgentInput) (AgentResult, error) {
	deliverable, err := a.assembler.Assemble(input.Request.RequestID, input.Snapshot)
	if err != nil {
		return AgentResult{}, fmt.Errorf("assemble: %w", err)
	}
	return a.finish(&AgentResult{Confidence: 1.0}, deliverable)
}

// finish marshals the payload into Raw and marks the result successful.
func (a *planningAgent) finish(res *AgentResult, payload interface{}) (AgentResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return AgentResult{}, fmt.Errorf("marshal %s payload: %w", a.agentID, err)
	}
	res.AgentID = a.agentID
	res.Success = true
	res.Raw = raw
	return *res, nil
}

func bulleted(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func researchConfidence(hits, digested int) float64 {
	if hits == 0 {
		return 0.3
	}
	conf := 0.4 + 0.1*float64(digested)
	if conf > 0.9 {
		conf = 0.9
	}
	return conf
}

// extractFirstJSON finds the first balanced top-level JSON object in a string,
// tolerating prose around the model's JSON answer.
func extractFirstJSON(s string) string {
	start := -1
	depth := 0
	for i, ch := range s {
		if ch == '{' {
			if depth == 0 {
				start = i
			}
			depth++
		} else if ch == '}' {
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}
