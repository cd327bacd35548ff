package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SearchRequest is a web search query
type SearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"maxResults"`
}

// SearchResult is one web search hit
type SearchResult struct {
	Title          string    `json:"title"`
	URL            string    `json:"url"`
	Snippet        string    `json:"snippet"`
	Domain         string    `json:"domain"`
	PublishedDate  time.Time `json:"publishedDate"`
	RelevanceScore float64   `json:"relevanceScore"`
}

// SearchResponse is the outcome of a web search
type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	TotalResults int            `json:"totalResults"`
}

// Searcher performs web searches for research tasks
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// HTTPSearcher queries a JSON search API with GET <endpoint>?q=...&limit=...
type HTTPSearcher struct {
	logger     *zap.Logger
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSearcher creates a search API client
func NewHTTPSearcher(logger *zap.Logger, endpoint, apiKey string, timeout time.Duration) *HTTPSearcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSearcher{
		logger:   logger.Named("search"),
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Search implements Searcher
func (s *HTTPSearcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", req.Query)
	if req.MaxResults > 0 {
		q.Set("limit", strconv.Itoa(req.MaxResults))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	s.logger.Debug("Executing search request", zap.String("query", req.Query))

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search request failed with status: %d", resp.StatusCode)
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	if req.MaxResults > 0 && len(out.Results) > req.MaxResults {
		out.Results = out.Results[:req.MaxResults]
	}
	if out.TotalResults == 0 {
		out.TotalResults = len(out.Results)
	}
	return &out, nil
}

// MockSearcher returns canned results for any query
type MockSearcher struct {
	Now func() time.Time
}

// Search implements Searcher
func (m MockSearcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	stamp := now.UnixMilli()

	results := []SearchResult{
		{
			Title:          fmt.Sprintf("Latest information about %s", req.Query),
			URL:            fmt.Sprintf("https://example.com/article-%d", stamp),
			Snippet:        fmt.Sprintf("This is a comprehensive article about %s with detailed information and insights...", req.Query),
			Domain:         "example.com",
			PublishedDate:  now,
			RelevanceScore: 0.95,
		},
		{
			Title:          fmt.Sprintf("%s - Complete Guide", req.Query),
			URL:            fmt.Sprintf("https://tutorial.com/guide-%d", stamp),
			Snippet:        fmt.Sprintf("A complete guide covering all aspects of %s with examples and best practices...", req.Query),
			Domain:         "tutorial.com",
			PublishedDate:  now.Add(-24 * time.Hour),
			RelevanceScore: 0.88,
		},
		{
			Title:          fmt.Sprintf("Understanding %s in Depth", req.Query),
			URL:            fmt.Sprintf("https://research.org/study-%d", stamp),
			Snippet:        fmt.Sprintf("Research findings and in-depth analysis of %s from academic sources...", req.Query),
			Domain:         "research.org",
			PublishedDate:  now.Add(-48 * time.Hour),
			RelevanceScore: 0.82,
		},
	}
	if req.MaxResults > 0 && len(results) > req.MaxResults {
		results = results[:req.MaxResults]
	}
	return &SearchResponse{Results: results, TotalResults: len(results)}, nil
}
