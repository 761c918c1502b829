// Package analysis defines the stages of a market analysis run. The stages
// call the outbound adapters and pass typed payloads along; a stage whose
// dependency is unavailable substitutes a fallback instead of failing.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/marketpulse/internal/depclient"
	"github.com/vietddude/marketpulse/internal/infra/provider"
	"github.com/vietddude/marketpulse/internal/pipeline"
)

// MarketSource looks up events.
type MarketSource interface {
	EventBySlug(ctx context.Context, slug string) (provider.Event, error)
}

// NewsSearcher runs news queries.
type NewsSearcher interface {
	Search(ctx context.Context, query string, maxResults int) (provider.SearchResult, error)
}

// Completer runs LLM prompts.
type Completer interface {
	Complete(ctx context.Context, p provider.Prompt) (provider.Completion, error)
}

// Stages builds the stage list for a request.
type Stages struct {
	market MarketSource
	search NewsSearcher
	llm    Completer
	log    *slog.Logger
	now    func() time.Time
}

// NewStages creates a stage builder.
func NewStages(market MarketSource, search NewsSearcher, llm Completer, log *slog.Logger) *Stages {
	if log == nil {
		log = slog.Default()
	}
	return &Stages{
		market: market,
		search: search,
		llm:    llm,
		log:    log,
		now:    time.Now,
	}
}

// Phases returns every phase a run goes through, in order.
func Phases() []string {
	return []string{PhaseMarket, PhaseNews, PhaseSignal, PhaseReport}
}

// Build returns the stages for req. Optional stages disabled in the request
// are left out; the phase list does not change.
func (s *Stages) Build(req Request) []pipeline.Stage {
	stages := []pipeline.Stage{
		{Name: "market", Phase: PhaseMarket, Run: s.selectMarket},
	}
	if req.queryPlanning() {
		stages = append(stages, pipeline.Stage{Name: "query_plan", Phase: PhaseNews, Run: s.planQueries})
	}
	stages = append(stages, pipeline.Stage{Name: "news", Phase: PhaseNews, Run: s.fetchNews})
	if req.newsSummary() {
		stages = append(stages, pipeline.Stage{Name: "news_summary", Phase: PhaseNews, Run: s.summarizeNews})
	}
	return append(stages,
		pipeline.Stage{Name: "signal", Phase: PhaseSignal, Run: s.signal},
		pipeline.Stage{Name: "report", Phase: PhaseReport, Run: s.report},
	)
}

// InitialState seeds a run's state with the request.
func InitialState(req Request) *pipeline.State {
	return pipeline.NewState(map[string]any{KeyRequest: req})
}

func request(st *pipeline.State) (Request, error) {
	req, ok := pipeline.Get[Request](st, KeyRequest)
	if !ok {
		return Request{}, errors.New("run state has no request")
	}
	return req, nil
}

func (s *Stages) selectMarket(ctx context.Context, st *pipeline.State) (pipeline.Result, error) {
	req, err := request(st)
	if err != nil {
		return pipeline.Result{}, err
	}
	slug, err := SlugFromURL(req.MarketURL)
	if err != nil {
		return pipeline.Result{}, err
	}

	ev, err := s.market.EventBySlug(ctx, slug)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("load event %s: %w", slug, err)
	}
	if len(ev.Markets) == 0 {
		return pipeline.Result{}, fmt.Errorf("event %s has no markets", slug)
	}

	evCtx := EventContext{
		Slug:         ev.Slug,
		Title:        ev.Title,
		Description:  ev.Description,
		Image:        ev.Image,
		Volume24hr:   ev.Volume24hr,
		CommentCount: ev.CommentCount,
		MarketCount:  len(ev.Markets),
	}

	var chosen provider.Market
	switch {
	case req.SelectedMarketSlug != "":
		m, ok := ev.MarketBySlug(req.SelectedMarketSlug)
		if !ok {
			return pipeline.Result{}, fmt.Errorf("market %s is not part of event %s", req.SelectedMarketSlug, slug)
		}
		chosen = m
	case len(ev.Markets) == 1:
		chosen = ev.Markets[0]
	default:
		if m, ok := ev.MarketBySlug(slug); ok {
			// The URL named a market directly.
			chosen = m
			break
		}
		options := marketOptions(ev.Markets)
		if len(options) == 0 {
			return pipeline.Result{}, fmt.Errorf("event %s has no open markets to choose from", slug)
		}
		s.log.Info("Market selection required", "event", slug, "markets", len(options))
		return pipeline.Result{
			Fields: map[string]any{
				KeyEventContext:  evCtx,
				KeyMarketOptions: options,
			},
			NeedsInput: true,
		}, nil
	}

	return pipeline.Result{Fields: map[string]any{
		KeyEventContext:   evCtx,
		KeyMarketSnapshot: snapshotOf(chosen),
	}}, nil
}

func marketOptions(markets []provider.Market) []MarketOption {
	opts := make([]MarketOption, 0, len(markets))
	for _, m := range markets {
		if m.Closed {
			continue
		}
		opt := MarketOption{Slug: m.Slug, Question: m.Question}
		if yes, _, ok := m.Prices(); ok {
			opt.YesPrice = &yes
		}
		opts = append(opts, opt)
	}
	return opts
}

func snapshotOf(m provider.Market) MarketSnapshot {
	snap := MarketSnapshot{
		Slug:       m.Slug,
		Question:   m.Question,
		Volume24hr: m.Volume24hr,
		EndDate:    m.EndDate,
	}
	if yes, no, ok := m.Prices(); ok {
		snap.YesPrice, snap.NoPrice = &yes, &no
	}
	return snap
}

type queryPlan struct {
	Queries []string `json:"queries"`
}

func (s *Stages) planQueries(ctx context.Context, st *pipeline.State) (pipeline.Result, error) {
	market, ok := pipeline.Get[MarketSnapshot](st, KeyMarketSnapshot)
	if !ok {
		return pipeline.Result{}, errors.New("query planning needs a market snapshot")
	}
	event, _ := pipeline.Get[EventContext](st, KeyEventContext)

	out, err := s.llm.Complete(ctx, provider.Prompt{
		System: "You write concise web news search queries for prediction market research. " +
			`Reply with JSON: {"queries": ["..."]} containing at most 3 queries.`,
		User: fmt.Sprintf("Event: %s\nMarket question: %s", event.Title, market.Question),
		JSON: true,
	})
	if err != nil {
		// Without planned queries the news stage searches for the question.
		s.log.Warn("Query planning skipped", "error", err)
		return pipeline.Result{}, nil
	}

	var plan queryPlan
	if err := out.Decode(&plan); err != nil {
		s.log.Warn("Query planning returned unusable output", "error", err)
		return pipeline.Result{}, nil
	}
	queries := cleanQueries(plan.Queries, 3)
	if len(queries) == 0 {
		return pipeline.Result{}, nil
	}
	return pipeline.Result{Fields: map[string]any{KeySearchQueries: queries}}, nil
}

func cleanQueries(in []string, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, q := range in {
		q = strings.TrimSpace(q)
		if q == "" || seen[strings.ToLower(q)] {
			continue
		}
		seen[strings.ToLower(q)] = true
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (s *Stages) fetchNews(ctx context.Context, st *pipeline.State) (pipeline.Result, error) {
	req, err := request(st)
	if err != nil {
		return pipeline.Result{}, err
	}
	if err := req.Normalize(); err != nil {
		return pipeline.Result{}, err
	}
	market, _ := pipeline.Get[MarketSnapshot](st, KeyMarketSnapshot)
	event, _ := pipeline.Get[EventContext](st, KeyEventContext)

	queries, source, ok := pipeline.Resolve(
		pipeline.FromState[[]string](st, KeySearchQueries),
		pipeline.When("market_question", []string{market.Question}, market.Question != ""),
		pipeline.When("event_title", []string{event.Title}, event.Title != ""),
	)
	if !ok {
		return pipeline.Result{}, errors.New("no news query could be derived")
	}

	news := NewsContext{Queries: queries, QuerySource: source}
	seen := make(map[string]bool)
	failed := 0
	for _, q := range queries {
		res, err := s.search.Search(ctx, q, req.Options.MaxArticlesPerQuery)
		if err != nil {
			if ctx.Err() != nil {
				return pipeline.Result{}, ctx.Err()
			}
			failed++
			s.log.Warn("News query failed", "query", q, "error", err)
			if errors.Is(err, depclient.ErrUnavailable) {
				break
			}
			continue
		}
		if news.Answer == "" {
			news.Answer = res.Answer
		}
		for _, a := range res.Results {
			if a.URL == "" || seen[a.URL] || len(news.Articles) >= req.Options.MaxArticles {
				continue
			}
			seen[a.URL] = true
			news.Articles = append(news.Articles, Headline{
				Title:         a.Title,
				URL:           a.URL,
				Score:         a.Score,
				PublishedDate: a.PublishedDate,
			})
		}
	}
	news.Unavailable = failed > 0 && len(news.Articles) == 0

	return pipeline.Result{Fields: map[string]any{KeyNewsContext: news}}, nil
}

func (s *Stages) summarizeNews(ctx context.Context, st *pipeline.State) (pipeline.Result, error) {
	news, ok := pipeline.Get[NewsContext](st, KeyNewsContext)
	if !ok || len(news.Articles) == 0 {
		return pipeline.Result{}, nil
	}
	market, _ := pipeline.Get[MarketSnapshot](st, KeyMarketSnapshot)

	out, err := s.llm.Complete(ctx, provider.Prompt{
		System: "Summarize the news below in three sentences for a prediction market analyst. Plain text.",
		User:   fmt.Sprintf("Market: %s\nHeadlines:\n%s", market.Question, headlineList(news.Articles, 10)),
	})
	if err != nil {
		s.log.Warn("News summary skipped", "error", err)
		return pipeline.Result{}, nil
	}
	summary := strings.TrimSpace(out.Content)
	if summary == "" {
		return pipeline.Result{}, nil
	}
	return pipeline.Result{Fields: map[string]any{KeyNewsSummary: summary}}, nil
}

func headlineList(articles []Headline, n int) string {
	var b strings.Builder
	for i, a := range articles {
		if i == n {
			break
		}
		fmt.Fprintf(&b, "- %s\n", a.Title)
	}
	return b.String()
}

func (s *Stages) signal(ctx context.Context, st *pipeline.State) (pipeline.Result, error) {
	market, ok := pipeline.Get[MarketSnapshot](st, KeyMarketSnapshot)
	if !ok {
		return pipeline.Result{}, errors.New("signal needs a market snapshot")
	}
	news, _ := pipeline.Get[NewsContext](st, KeyNewsContext)
	summary, _, _ := pipeline.Resolve(
		pipeline.FromState[string](st, KeyNewsSummary),
		pipeline.When("search_answer", news.Answer, news.Answer != ""),
		pipeline.Static("none", "No news summary available."),
	)

	yes := "unknown"
	if market.YesPrice != nil {
		yes = fmt.Sprintf("%.3f", *market.YesPrice)
	}
	out, err := s.llm.Complete(ctx, provider.Prompt{
		System: "You are a careful prediction market analyst. Reply with JSON: " +
			`{"direction": "up|down|flat", "model_prob": 0.0-1.0, "confidence": "low|medium|high", "rationale": "..."}`,
		User: fmt.Sprintf("Market: %s\nCurrent YES price: %s\nNews summary: %s\nTop headlines:\n%s",
			market.Question, yes, summary, headlineList(news.Articles, 5)),
		JSON: true,
	})
	if errors.Is(err, depclient.ErrUnavailable) {
		s.log.Warn("LLM unavailable, using neutral signal")
		return pipeline.Result{Fields: map[string]any{KeySignal: neutralSignal(market)}}, nil
	}
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("generate signal: %w", err)
	}

	var sig Signal
	if err := out.Decode(&sig); err != nil {
		return pipeline.Result{}, err
	}
	if err := sig.normalize(); err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{Fields: map[string]any{KeySignal: sig}}, nil
}

func neutralSignal(m MarketSnapshot) Signal {
	prob := 0.5
	if m.YesPrice != nil {
		prob = *m.YesPrice
	}
	return Signal{
		Direction:  "flat",
		ModelProb:  prob,
		Confidence: "low",
		Rationale:  "Signal service unavailable; holding the market price.",
		Fallback:   true,
	}
}

func (sig *Signal) normalize() error {
	sig.Direction = strings.ToLower(strings.TrimSpace(sig.Direction))
	switch sig.Direction {
	case "up", "down", "flat":
	default:
		return fmt.Errorf("signal has unknown direction %q", sig.Direction)
	}
	sig.Confidence = strings.ToLower(strings.TrimSpace(sig.Confidence))
	switch sig.Confidence {
	case "low", "medium", "high":
	default:
		sig.Confidence = "low"
	}
	sig.ModelProb = max(0, min(sig.ModelProb, 1))
	return nil
}

func (s *Stages) report(_ context.Context, st *pipeline.State) (pipeline.Result, error) {
	market, ok := pipeline.Get[MarketSnapshot](st, KeyMarketSnapshot)
	if !ok {
		return pipeline.Result{}, errors.New("report needs a market snapshot")
	}
	sig, ok := pipeline.Get[Signal](st, KeySignal)
	if !ok {
		return pipeline.Result{}, errors.New("report needs a signal")
	}
	news, _ := pipeline.Get[NewsContext](st, KeyNewsContext)
	event, _ := pipeline.Get[EventContext](st, KeyEventContext)

	summary, source, _ := pipeline.Resolve(
		pipeline.FromState[string](st, KeyNewsSummary),
		pipeline.When("search_answer", news.Answer, news.Answer != ""),
		pipeline.When("signal_rationale", sig.Rationale, sig.Rationale != ""),
		pipeline.Static("none", "No supporting news was found."),
	)
	headline, _, _ := pipeline.Resolve(
		pipeline.When("event_title", event.Title, event.Title != ""),
		pipeline.Static("market_question", market.Question),
	)

	var sources []string
	for i, a := range news.Articles {
		if i == 5 {
			break
		}
		sources = append(sources, a.URL)
	}

	return pipeline.Result{Fields: map[string]any{
		KeyReport: Report{
			Headline:      headline,
			Market:        market.Question,
			Direction:     sig.Direction,
			Confidence:    sig.Confidence,
			Summary:       summary,
			SummarySource: source,
			Sources:       sources,
			GeneratedAt:   s.now().UTC(),
		},
	}}, nil
}
