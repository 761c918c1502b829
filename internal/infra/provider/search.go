package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/vietddude/marketpulse/internal/cache"
	"github.com/vietddude/marketpulse/internal/depclient"
	"github.com/vietddude/marketpulse/internal/resilience/retry"
)

const defaultTavilyURL = "https://api.tavily.com"

// ErrMissingAPIKey is returned when an adapter needs a key that is not set.
var ErrMissingAPIKey = errors.New("api key not configured")

// Article is one search hit.
type Article struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content,omitempty"`
	Score         float64 `json:"score,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// SearchResult is the response of a news search.
type SearchResult struct {
	Query   string    `json:"query"`
	Answer  string    `json:"answer,omitempty"`
	Results []Article `json:"results"`
}

type searchRequest struct {
	APIKey            string `json:"api_key"`
	Query             string `json:"query"`
	MaxResults        int    `json:"max_results"`
	IncludeAnswer     bool   `json:"include_answer"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

// SearchClient queries the Tavily search API.
type SearchClient struct {
	http   *resty.Client
	apiKey string
	dep    *depclient.Client[SearchResult]
}

// NewSearchClient creates a search adapter.
func NewSearchClient(cfg Config, dep *depclient.Client[SearchResult]) *SearchClient {
	return &SearchClient{
		http:   newRestyClient(cfg.BaseURL, defaultTavilyURL, cfg.Timeout),
		apiKey: cfg.APIKey,
		dep:    dep,
	}
}

// Search runs one news query.
func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) (SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	key := cache.Key("search.news", query, maxResults)
	return c.dep.Invoke(ctx, key, func(ctx context.Context) (SearchResult, error) {
		if c.apiKey == "" {
			return SearchResult{}, retry.Permanent(fmt.Errorf("search: %w", ErrMissingAPIKey))
		}

		var out SearchResult
		r, err := c.http.R().
			SetContext(ctx).
			SetBody(searchRequest{
				APIKey:        c.apiKey,
				Query:         query,
				MaxResults:    maxResults,
				IncludeAnswer: true,
			}).
			SetResult(&out).
			Post("/search")
		if err != nil {
			return SearchResult{}, fmt.Errorf("search request: %w", err)
		}
		if r.IsError() {
			return SearchResult{}, statusError("search", r)
		}
		if out.Query == "" {
			out.Query = query
		}
		return out, nil
	})
}
