package analysis

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRequest is returned for requests that cannot start a run.
var ErrInvalidRequest = errors.New("invalid analysis request")

// Options toggles optional stages and bounds the news search. Nil pointers
// mean "use the default".
type Options struct {
	UseQueryPlanning    *bool `json:"use_query_planning,omitempty"`
	UseNewsSummary      *bool `json:"use_news_summary,omitempty"`
	MaxArticles         int   `json:"max_articles,omitempty"`
	MaxArticlesPerQuery int   `json:"max_articles_per_query,omitempty"`
}

// Request is an accepted analysis job.
type Request struct {
	MarketURL          string   `json:"market_url"`
	SelectedMarketSlug string   `json:"selected_market_slug,omitempty"`
	Horizon            string   `json:"horizon,omitempty"`
	Options            *Options `json:"configuration,omitempty"`
}

// Normalize validates the request and fills defaults.
func (r *Request) Normalize() error {
	r.MarketURL = strings.TrimSpace(r.MarketURL)
	if r.MarketURL == "" {
		return fmt.Errorf("%w: market_url is required", ErrInvalidRequest)
	}
	if _, err := SlugFromURL(r.MarketURL); err != nil {
		return err
	}
	if r.Horizon == "" {
		r.Horizon = "24h"
	}
	if r.Options == nil {
		r.Options = &Options{}
	}
	o := r.Options
	if o.MaxArticles <= 0 {
		o.MaxArticles = 15
	}
	o.MaxArticles = clamp(o.MaxArticles, 5, 30)
	if o.MaxArticlesPerQuery <= 0 {
		o.MaxArticlesPerQuery = 8
	}
	o.MaxArticlesPerQuery = clamp(o.MaxArticlesPerQuery, 5, 12)
	return nil
}

func (r Request) queryPlanning() bool {
	return r.Options == nil || r.Options.UseQueryPlanning == nil || *r.Options.UseQueryPlanning
}

func (r Request) newsSummary() bool {
	return r.Options == nil || r.Options.UseNewsSummary == nil || *r.Options.UseNewsSummary
}

// SlugFromURL returns the last path segment of an event or market URL.
// A bare slug is accepted as is.
func SlugFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty market url", ErrInvalidRequest)
	}
	if !strings.Contains(raw, "/") {
		return raw, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var last string
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			last = part
		}
	}
	if last == "" {
		return "", fmt.Errorf("%w: no slug in %q", ErrInvalidRequest, raw)
	}
	return last, nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
