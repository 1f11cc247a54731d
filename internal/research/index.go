package research

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/51f0x/personal-kanban/internal/assistant/core"
)

// indexedSource is the document shape stored in bleve for one source.
type indexedSource struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Takeaways string `json:"takeaways"`
}

// runIndex holds one run's mem-only index plus the original sources, keyed by
// URL so search hits map back to full ResearchSource values.
type runIndex struct {
	bleve bleve.Index
	meta  map[string]core.ResearchSource
}

// SourceIndex implements core.SourceIndexer with a per-run in-memory bleve
// index. Runs are independent; dropping a run discards its index.
type SourceIndex struct {
	mu   sync.RWMutex
	runs map[string]*runIndex
}

func NewSourceIndex() *SourceIndex {
	return &SourceIndex{runs: make(map[string]*runIndex)}
}

// IndexSources adds sources to the run's index, creating it on first use.
// Re-indexing the same URL overwrites the previous document.
func (s *SourceIndex) IndexSources(runID string, sources []core.ResearchSource) error {
	s.mu.Lock()
	ri, ok := s.runs[runID]
	if !ok {
		index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create index for run %s: %w", runID, err)
		}
		ri = &runIndex{bleve: index, meta: make(map[string]core.ResearchSource)}
		s.runs[runID] = ri
	}
	s.mu.Unlock()

	for _, src := range sources {
		if src.URL == "" {
			continue
		}
		doc := indexedSource{URL: src.URL, Title: src.Title, Takeaways: joinTakeaways(src.KeyTakeaways)}
		if err := ri.bleve.Index(src.URL, doc); err != nil {
			return fmt.Errorf("index %s: %w", src.URL, err)
		}
		s.mu.Lock()
		ri.meta[src.URL] = src
		s.mu.Unlock()
	}
	return nil
}

// TopSources returns the most relevant indexed sources for a query. An
// unknown run yields no hits, not an error.
func (s *SourceIndex) TopSources(runID string, query string, limit int) ([]core.ResearchSource, error) {
	s.mu.RLock()
	ri, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	res, err := ri.bleve.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search run %s: %w", runID, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ResearchSource
	for _, hit := range res.Hits {
		if src, ok := ri.meta[hit.ID]; ok {
			out = append(out, src)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DropRun discards a run's index and metadata.
func (s *SourceIndex) DropRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

func joinTakeaways(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += " "
		}
		out += it
	}
	return out
}
