package analysis

import "time"

// Phase names, in run order.
const (
	PhaseMarket = "market"
	PhaseNews   = "news"
	PhaseSignal = "signal"
	PhaseReport = "report"
)

// State keys written by the stages.
const (
	KeyRequest        = "request"
	KeyEventContext   = "event_context"
	KeyMarketOptions  = "market_options"
	KeyMarketSnapshot = "market_snapshot"
	KeySearchQueries  = "search_queries"
	KeyNewsContext    = "news_context"
	KeyNewsSummary    = "news_summary"
	KeySignal         = "signal"
	KeyReport         = "report"
)

// EventContext describes the event a market belongs to.
type EventContext struct {
	Slug         string  `json:"slug"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	Image        string  `json:"image,omitempty"`
	Volume24hr   float64 `json:"volume24hr"`
	CommentCount int     `json:"comment_count"`
	MarketCount  int     `json:"market_count"`
}

// MarketOption is offered to the caller when an event has several markets.
type MarketOption struct {
	Slug     string   `json:"slug"`
	Question string   `json:"question"`
	YesPrice *float64 `json:"yes_price,omitempty"`
}

// MarketSnapshot is the selected market at analysis time.
type MarketSnapshot struct {
	Slug       string   `json:"slug"`
	Question   string   `json:"question"`
	YesPrice   *float64 `json:"yes_price,omitempty"`
	NoPrice    *float64 `json:"no_price,omitempty"`
	Volume24hr float64  `json:"volume24hr"`
	EndDate    string   `json:"end_date,omitempty"`
}

// Headline is one news article kept for the run.
type Headline struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Score         float64 `json:"score,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// NewsContext is the output of the news search.
type NewsContext struct {
	Queries     []string   `json:"queries"`
	QuerySource string     `json:"query_source"`
	Articles    []Headline `json:"articles"`
	Answer      string     `json:"answer,omitempty"`
	Unavailable bool       `json:"unavailable,omitempty"`
}

// Signal is the model's directional view on the market.
type Signal struct {
	Direction  string  `json:"direction"`
	ModelProb  float64 `json:"model_prob"`
	Confidence string  `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Fallback   bool    `json:"fallback,omitempty"`
}

// Report is the final run summary.
type Report struct {
	Headline      string    `json:"headline"`
	Market        string    `json:"market"`
	Direction     string    `json:"direction"`
	Confidence    string    `json:"confidence"`
	Summary       string    `json:"summary"`
	SummarySource string    `json:"summary_source"`
	Sources       []string  `json:"sources,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
}
