package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/51f0x/personal-kanban/config"
)

// BraveClient implements SearchClient using the Brave Search API.
type BraveClient struct {
	cfg  config.SearchConfig
	http *HTTPClient
}

func (b *BraveClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var resp struct {
		Web struct {
			Results []struct{ Title, URL, Description string } `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"X-Subscription-Token": b.cfg.BraveAPIKey}
	url := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d", escapeQuery(query), max1(limit, 10))
	if err := b.http.DoJSON(ctx, "GET", url, headers, nil, &resp); err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, r := range resp.Web.Results {
		out = append(out, SearchResult{URL: r.URL, Title: r.Title, Snippet: r.Description})
	}
	return out, nil
}

// SerperClient implements SearchClient using serper.dev.
type SerperClient struct {
	cfg  config.SearchConfig
	http *HTTPClient
}

func (s *SerperClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var resp struct {
		Organic []struct{ Title, Link, Snippet string } `json:"organic"`
	}
	headers := map[string]string{"X-API-KEY": s.cfg.SerperAPIKey}
	body := map[string]any{"q": query, "num": max1(limit, 10)}
	if err := s.http.DoJSON(ctx, "POST", "https://google.serper.dev/search", headers, body, &resp); err != nil {
		return nil, err
	}
	var out []SearchResult
	for _, r := range resp.Organic {
		out = append(out, SearchResult{URL: r.Link, Title: r.Title, Snippet: r.Snippet})
	}
	return out, nil
}

// NewSearchClients builds one client per provider with a configured key.
func NewSearchClients(cfg config.SearchConfig) []SearchClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpc := NewHTTPClient(timeout, 2, 300*time.Millisecond)
	var clients []SearchClient
	if cfg.BraveAPIKey != "" {
		clients = append(clients, &BraveClient{cfg: cfg, http: httpc})
	}
	if cfg.SerperAPIKey != "" {
		clients = append(clients, &SerperClient{cfg: cfg, http: httpc})
	}
	return clients
}

func escapeQuery(q string) string { return strings.ReplaceAll(q, " ", "+") }

func max1(a, def int) int {
	if a > 0 {
		return a
	}
	return def
}
