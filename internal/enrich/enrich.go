package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
)

// Request asks for one task to be enriched from a reference URL.
type Request struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
}

// Result is the enrichment outcome attached back to the task.
type Result struct {
	TaskID    string   `json:"task_id"`
	URL       string   `json:"url"`
	PageTitle string   `json:"page_title,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// Pipeline enriches a task from a URL: fetch the page, summarize it, derive
// tags. It is the degenerate linear case of the planning graph and runs on
// the same wave scheduler with dependents skipped after a failure, since a
// summary of an unfetched page is meaningless.
type Pipeline struct {
	cfg     *config.Config
	llm     core.LLMProvider
	fetcher core.PageFetcher
	logger  *log.Logger
}

func NewPipeline(cfg *config.Config, llm core.LLMProvider, fetcher core.PageFetcher, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENRICH] ", log.LstdFlags)
	}
	return &Pipeline{cfg: cfg, llm: llm, fetcher: fetcher, logger: logger}
}

// Run executes the enrichment chain for one request. Job failures are
// reported in Result.Errors; only a construction defect returns an error.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	if req.URL == "" {
		return Result{}, fmt.Errorf("enrich request %s has no url", req.TaskID)
	}

	result := Result{TaskID: req.TaskID, URL: req.URL}
	var page core.Page

	jobs := []core.Job{
		{
			ID:      "fetch",
			AgentID: "fetch",
			Run: func(ctx context.Context) error {
				fetched, err := p.fetcher.Fetch(ctx, req.URL)
				if err != nil {
					return fmt.Errorf("fetch %s: %w", req.URL, err)
				}
				if fetched.Text == "" {
					return fmt.Errorf("fetch %s: no readable content", req.URL)
				}
				page = fetched
				result.PageTitle = fetched.Title
				return nil
			},
		},
		{
			ID:        "summarize",
			AgentID:   "summarize",
			DependsOn: []string{"fetch"},
			Run: func(ctx context.Context) error {
				summary, err := p.summarize(ctx, req, page)
				if err != nil {
					return err
				}
				result.Summary = summary
				return nil
			},
		},
		{
			ID:        "tag",
			AgentID:   "tag",
			DependsOn: []string{"summarize"},
			Run: func(ctx context.Context) error {
				tags, err := p.tag(ctx, req, result.Summary)
				if err != nil {
					return err
				}
				result.Tags = tags
				return nil
			},
		},
	}
	if err := core.ValidateJobGraph(jobs); err != nil {
		return Result{}, fmt.Errorf("building enrich graph: %w", err)
	}

	sched := core.NewWaveScheduler(p.logger, core.WithFailurePolicy(core.FailurePolicySkipDependents))
	report := sched.Run(ctx, jobs)
	result.Errors = report.Errors
	return result, nil
}

func (p *Pipeline) model() string {
	if m := p.cfg.LLM.Routing.Enrich; m != "" {
		return m
	}
	return p.cfg.LLM.Routing.Fallback
}

func (p *Pipeline) summarize(ctx context.Context, req Request, page core.Page) (string, error) {
	text := page.Text
	if maxChars := p.cfg.Fetch.MaxChars; maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	prompt := fmt.Sprintf(`Summarize the following page in 2-3 sentences for someone working on the task %q.
PAGE TITLE: %s
PAGE TEXT:
%s`, req.Title, page.Title, text)

	out, err := p.llm.Generate(ctx, prompt, p.model(), map[string]interface{}{"temperature": 0.2, "max_tokens": 300})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (p *Pipeline) tag(ctx context.Context, req Request, summary string) ([]string, error) {
	prompt := fmt.Sprintf(`Derive at most 5 short lowercase tags for a kanban task.
TASK: %s
SUMMARY: %s
Respond ONLY as strict JSON: {"tags": [string]}`, req.Title, summary)

	out, err := p.llm.Generate(ctx, prompt, p.model(), map[string]interface{}{"temperature": 0.2, "max_tokens": 150})
	if err != nil {
		return nil, fmt.Errorf("tag: %w", err)
	}
	var parsed struct {
		Tags []string `json:"tags"`
	}
	if e := json.Unmarshal([]byte(firstJSON(out)), &parsed); e != nil {
		return nil, fmt.Errorf("parse tags: %w", e)
	}
	return parsed.Tags, nil
}

func firstJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
