package webfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/51f0x/personal-kanban/config"
	"github.com/51f0x/personal-kanban/internal/assistant/core"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultMaxChars = 12000
	userAgent       = "PersonalKanbanBot/1.0 (+https://github.com/51f0x/personal-kanban)"
)

// NewPageFetcher builds a fetcher from configuration. The headless fetcher
// renders JavaScript-heavy pages through a browser; the HTTP fetcher is the
// cheap default.
func NewPageFetcher(cfg config.FetchConfig) core.PageFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	if cfg.UseHeadless {
		return &HeadlessFetcher{timeout: timeout, maxChars: maxChars}
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxChars: maxChars,
	}
}

// HTTPFetcher retrieves pages with a plain HTTP GET and extracts readable
// text with readability.
type HTTPFetcher struct {
	client   *http.Client
	maxChars int
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (core.Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return core.Page{}, errors.New("empty url")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return core.Page{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return core.Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.Page{}, errors.New("fetch " + rawURL + ": " + resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return core.Page{}, err
	}
	return extract(rawURL, string(body), f.maxChars)
}

// HeadlessFetcher renders the page in a headless browser before extraction.
type HeadlessFetcher struct {
	timeout  time.Duration
	maxChars int
}

func (f *HeadlessFetcher) Fetch(ctx context.Context, rawURL string) (core.Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return core.Page{}, errors.New("empty url")
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	html, err := renderHTML(ctx, rawURL)
	if err != nil {
		return core.Page{}, err
	}
	return extract(rawURL, html, f.maxChars)
}

func renderHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func extract(rawURL, html string, maxChars int) (core.Page, error) {
	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return core.Page{}, err
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	return core.Page{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		Text:     text,
		SiteName: article.SiteName,
	}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
