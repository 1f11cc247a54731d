package enrich

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
)

type fakeFetcher struct {
	page core.Page
	err  error
}

func (f fakeFetcher) Fetch(ctx context.Context, url string) (core.Page, error) {
	return f.page, f.err
}

// fakeLLM answers summarize prompts with a summary and tag prompts with JSON.
type fakeLLM struct {
	calls int
	err   error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if strings.Contains(prompt, "tags") {
		return `{"tags": ["moving", "logistics"]}`, nil
	}
	return "A short summary of the page.", nil
}

func (f *fakeLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	out, err := f.Generate(ctx, prompt, model, options)
	return out, 0, 0, err
}

func (f *fakeLLM) GetAvailableModels() []string { return nil }
func (f *fakeLLM) GetModelInfo(model string) (core.ModelInfo, error) {
	return core.ModelInfo{}, nil
}
func (f *fakeLLM) CalculateCost(in, out int64, model string) float64 { return 0 }

func testPipeline(llm core.LLMProvider, fetcher core.PageFetcher) *Pipeline {
	cfg := &config.Config{}
	cfg.LLM.Routing.Fallback = "test-model"
	return NewPipeline(cfg, llm, fetcher, log.New(io.Discard, "", 0))
}

func TestPipelineEnrichesTask(t *testing.T) {
	t.Parallel()
	llm := &fakeLLM{}
	fetcher := fakeFetcher{page: core.Page{URL: "https://example.com", Title: "Moving guide", Text: "lots of text"}}

	result, err := testPipeline(llm, fetcher).Run(context.Background(),
		Request{TaskID: "t1", Title: "book movers", URL: "https://example.com"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected job errors: %v", result.Errors)
	}
	if result.PageTitle != "Moving guide" {
		t.Fatalf("page title not carried: %q", result.PageTitle)
	}
	if result.Summary == "" {
		t.Fatalf("no summary produced")
	}
	if len(result.Tags) != 2 {
		t.Fatalf("tags not parsed: %v", result.Tags)
	}
}

func TestPipelineSkipsDownstreamOnFetchFailure(t *testing.T) {
	t.Parallel()
	llm := &fakeLLM{}
	fetcher := fakeFetcher{err: errors.New("connection refused")}

	result, err := testPipeline(llm, fetcher).Run(context.Background(),
		Request{TaskID: "t1", URL: "https://example.com"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if llm.calls != 0 {
		t.Fatalf("LLM called despite fetch failure")
	}
	if result.Summary != "" || len(result.Tags) != 0 {
		t.Fatalf("downstream results produced from no page: %+v", result)
	}
	// One failure plus two skips.
	if len(result.Errors) != 3 {
		t.Fatalf("expected 3 error entries, got %v", result.Errors)
	}
}

func TestPipelineRejectsMissingURL(t *testing.T) {
	t.Parallel()
	_, err := testPipeline(&fakeLLM{}, fakeFetcher{}).Run(context.Background(), Request{TaskID: "t1"})
	if err == nil {
		t.Fatalf("missing url accepted")
	}
}
