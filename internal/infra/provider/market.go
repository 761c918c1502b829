package provider

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"

	"github.com/vietddude/marketpulse/internal/cache"
	"github.com/vietddude/marketpulse/internal/depclient"
)

const defaultGammaURL = "https://gamma-api.polymarket.com"

// Market is one tradable question inside an event.
type Market struct {
	ID            string  `json:"id"`
	Slug          string  `json:"slug"`
	Question      string  `json:"question"`
	OutcomePrices string  `json:"outcomePrices"`
	Volume24hr    float64 `json:"volume24hr"`
	EndDate       string  `json:"endDate"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
}

// Prices returns the YES and NO prices. The upstream encodes them as a
// JSON array of strings inside a string field.
func (m Market) Prices() (yes, no float64, ok bool) {
	if m.OutcomePrices == "" {
		return 0, 0, false
	}
	var raw []string
	if err := sonic.UnmarshalString(m.OutcomePrices, &raw); err != nil || len(raw) < 2 {
		return 0, 0, false
	}
	yes, err1 := strconv.ParseFloat(raw[0], 64)
	no, err2 := strconv.ParseFloat(raw[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return yes, no, true
}

// Event groups related markets.
type Event struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Image        string   `json:"image,omitempty"`
	Volume24hr   float64  `json:"volume24hr"`
	CommentCount int      `json:"commentCount"`
	Markets      []Market `json:"markets"`
}

// MarketBySlug returns the market with the given slug.
func (e Event) MarketBySlug(slug string) (Market, bool) {
	for _, m := range e.Markets {
		if m.Slug == slug {
			return m, true
		}
	}
	return Market{}, false
}

// MarketClient reads events and markets from the Gamma API.
type MarketClient struct {
	http *resty.Client
	dep  *depclient.Client[Event]
}

// NewMarketClient creates a market-data adapter.
func NewMarketClient(cfg Config, dep *depclient.Client[Event]) *MarketClient {
	return &MarketClient{
		http: newRestyClient(cfg.BaseURL, defaultGammaURL, cfg.Timeout),
		dep:  dep,
	}
}

// EventBySlug returns the event for slug. The events endpoint is tried first;
// a bare market slug is wrapped in a single-market event.
func (c *MarketClient) EventBySlug(ctx context.Context, slug string) (Event, error) {
	ev, err := c.dep.Invoke(ctx, cache.Key("market.event", slug), func(ctx context.Context) (Event, error) {
		return c.fetchEvent(ctx, slug)
	})
	if err != nil {
		return Event{}, err
	}
	// Misses are cached as empty events so unknown slugs do not hit the API
	// or count against the breaker.
	if ev.Slug == "" {
		return Event{}, fmt.Errorf("event %q: %w", slug, ErrNotFound)
	}
	return ev, nil
}

func (c *MarketClient) fetchEvent(ctx context.Context, slug string) (Event, error) {
	var events []Event
	r, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return Event{}, fmt.Errorf("fetch events: %w", err)
	}
	if r.IsError() {
		return Event{}, statusError("market", r)
	}
	if len(events) > 0 {
		return events[0], nil
	}

	var markets []Market
	r, err = c.http.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&markets).
		Get("/markets")
	if err != nil {
		return Event{}, fmt.Errorf("fetch markets: %w", err)
	}
	if r.IsError() {
		return Event{}, statusError("market", r)
	}
	if len(markets) == 0 {
		return Event{}, nil
	}
	return Event{
		ID:         markets[0].ID,
		Slug:       slug,
		Title:      markets[0].Question,
		Volume24hr: markets[0].Volume24hr,
		Markets:    markets,
	}, nil
}
