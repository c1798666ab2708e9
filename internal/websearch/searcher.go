// Package websearch scrapes DuckDuckGo's HTML endpoint as a last-ditch
// context source when the chunk store has nothing for a question. Web
// results are never treated as policy text: the pipeline flags them
// and caps confidence accordingly.
package websearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"policyrag/internal/governor"
	"policyrag/internal/logging"
)

const (
	defaultEndpoint = "https://html.duckduckgo.com/html/"
	maxResultsCap   = 30
	maxBodyBytes    = 1 << 20
)

// Result is one scraped search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher performs breaker-guarded DuckDuckGo HTML searches.
type Searcher struct {
	httpClient *http.Client
	breaker    *governor.CircuitBreaker
	endpoint   string
}

// New creates a Searcher guarded by the given breaker.
func New(breaker *governor.CircuitBreaker) *Searcher {
	return &Searcher{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		endpoint:   defaultEndpoint,
	}
}

// Search returns up to maxResults hits for the query. An open breaker
// fails fast with governor.ErrCircuitOpen.
func (s *Searcher) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if maxResults <= 0 {
		maxResults = 5
	}
	if maxResults > maxResultsCap {
		maxResults = maxResultsCap
	}

	var results []Result
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		results, fetchErr = s.fetch(ctx, query, maxResults)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryWebSearch).Infof("query %q: %d results", query, len(results))
	return results, nil
}

func (s *Searcher) fetch(ctx context.Context, query string, maxResults int) ([]Result, error) {
	searchURL := fmt.Sprintf("%s?q=%s", s.endpoint, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// The HTML endpoint rejects obvious non-browser agents.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseResults(string(body), maxResults)
}

// parseResults extracts hits from the DuckDuckGo HTML page, which
// wraps each hit in a div with class "result results_links".
func parseResults(htmlContent string, maxResults int) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			for _, attr := range n.Attr {
				if attr.Key == "class" && strings.Contains(attr.Val, "result") && strings.Contains(attr.Val, "results_links") {
					if r := extractResult(n); r.URL != "" && r.Title != "" {
						results = append(results, r)
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func extractResult(n *html.Node) Result {
	var result Result

	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "class" {
					if strings.Contains(attr.Val, "result__a") {
						result.URL = attrValue(n, "href")
						result.Title = textContent(n)
					} else if strings.Contains(attr.Val, "result__snippet") {
						result.Snippet = textContent(n)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)

	// Unwrap DuckDuckGo redirect URLs.
	if strings.HasPrefix(result.URL, "//duckduckgo.com/l/?uddg=") {
		if decoded, err := url.QueryUnescape(strings.TrimPrefix(result.URL, "//duckduckgo.com/l/?uddg=")); err == nil {
			if idx := strings.Index(decoded, "&"); idx > 0 {
				decoded = decoded[:idx]
			}
			result.URL = decoded
		}
	}
	return result
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var getText func(*html.Node)
	getText = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			getText(c)
		}
	}
	getText(n)
	return strings.TrimSpace(sb.String())
}
