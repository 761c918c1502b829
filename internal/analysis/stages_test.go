package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/depclient"
	"github.com/vietddude/marketpulse/internal/infra/provider"
	"github.com/vietddude/marketpulse/internal/infra/storage/memory"
	"github.com/vietddude/marketpulse/internal/pipeline"
)

type fakeMarket struct {
	events map[string]provider.Event
	err    error
}

func (f *fakeMarket) EventBySlug(_ context.Context, slug string) (provider.Event, error) {
	if f.err != nil {
		return provider.Event{}, f.err
	}
	ev, ok := f.events[slug]
	if !ok {
		return provider.Event{}, provider.ErrNotFound
	}
	return ev, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []string
	err     error
}

func (f *fakeSearch) Search(_ context.Context, query string, maxResults int) (provider.SearchResult, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return provider.SearchResult{}, f.err
	}
	return provider.SearchResult{
		Query:  query,
		Answer: "answer for " + query,
		Results: []provider.Article{
			{Title: "Story about " + query, URL: "https://news.example/" + strings.ReplaceAll(query, " ", "-")},
			{Title: "Shared story", URL: "https://news.example/shared"},
		},
	}, nil
}

// fakeLLM answers by matching the system prompt.
type fakeLLM struct {
	mu      sync.Mutex
	prompts []provider.Prompt
	err     error
	signal  string
}

func (f *fakeLLM) Complete(_ context.Context, p provider.Prompt) (provider.Completion, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()
	if f.err != nil {
		return provider.Completion{}, f.err
	}
	switch {
	case strings.Contains(p.System, "search queries"):
		return provider.Completion{Content: `{"queries": ["fed march cut", "fed march cut", "powell testimony"]}`}, nil
	case strings.Contains(p.System, "Summarize"):
		return provider.Completion{Content: "Markets expect a cut."}, nil
	default:
		sig := f.signal
		if sig == "" {
			sig = `{"direction": "UP", "model_prob": 1.4, "confidence": "High", "rationale": "Dovish tone."}`
		}
		return provider.Completion{Content: sig}, nil
	}
}

func (f *fakeLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func fedEvent(markets ...provider.Market) provider.Event {
	return provider.Event{ID: "1", Slug: "fed-march", Title: "Fed decision in March", Markets: markets}
}

var (
	cutMarket  = provider.Market{Slug: "fed-cut", Question: "Will the Fed cut?", OutcomePrices: `["0.4","0.6"]`}
	holdMarket = provider.Market{Slug: "fed-hold", Question: "Will the Fed hold?", OutcomePrices: `["0.55","0.45"]`}
)

func runAnalysis(t *testing.T, s *Stages, req Request) (*domain.RunRecord, pipeline.Outcome, error) {
	t.Helper()
	require.NoError(t, req.Normalize())

	repo := memory.NewRunRepo(memory.NewMemoryStorage())
	id, err := repo.Create(context.Background(), domain.NewRunRecord("", Phases(), nil, time.Now()))
	require.NoError(t, err)

	out, runErr := pipeline.NewRunner(repo).Run(context.Background(), id, s.Build(req), InitialState(req))
	rec, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return rec, out, runErr
}

func TestAnalysis_FullRun(t *testing.T) {
	llm := &fakeLLM{}
	search := &fakeSearch{}
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cutMarket)}}, search, llm, nil)

	rec, out, err := runAnalysis(t, s, Request{MarketURL: "https://polymarket.com/event/fed-march"})
	require.NoError(t, err)
	assert.False(t, out.Stopped)
	for _, p := range Phases() {
		assert.Equal(t, domain.PhaseDone, rec.Phases[p], p)
	}

	var market struct {
		Snapshot MarketSnapshot `json:"market_snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseMarket], &market))
	assert.Equal(t, "fed-cut", market.Snapshot.Slug)
	require.NotNil(t, market.Snapshot.YesPrice)
	assert.InDelta(t, 0.4, *market.Snapshot.YesPrice, 1e-9)

	var news struct {
		Queries []string    `json:"search_queries"`
		Context NewsContext `json:"news_context"`
		Summary string      `json:"news_summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseNews], &news))
	assert.Equal(t, []string{"fed march cut", "powell testimony"}, news.Queries)
	assert.Equal(t, KeySearchQueries, news.Context.QuerySource)
	assert.Len(t, news.Context.Articles, 3, "shared article is deduplicated")
	assert.Equal(t, "Markets expect a cut.", news.Summary)

	var signal struct {
		Signal Signal `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseSignal], &signal))
	assert.Equal(t, "up", signal.Signal.Direction)
	assert.Equal(t, "high", signal.Signal.Confidence)
	assert.Equal(t, 1.0, signal.Signal.ModelProb)

	var report struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseReport], &report))
	assert.Equal(t, "Fed decision in March", report.Report.Headline)
	assert.Equal(t, KeyNewsSummary, report.Report.SummarySource)
	assert.NotEmpty(t, rec.Snapshot)
}

func TestAnalysis_MarketSelectionStopsRun(t *testing.T) {
	llm := &fakeLLM{}
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cutMarket, holdMarket)}},
		&fakeSearch{}, llm, nil)

	rec, out, err := runAnalysis(t, s, Request{MarketURL: "polymarket.com/event/fed-march"})
	require.NoError(t, err)
	assert.True(t, out.Stopped)
	assert.Equal(t, PhaseMarket, out.Phase)
	assert.Zero(t, llm.count())

	assert.Equal(t, domain.PhaseDone, rec.Phases[PhaseMarket])
	for _, p := range []string{PhaseNews, PhaseSignal, PhaseReport} {
		assert.Equal(t, domain.PhasePending, rec.Phases[p])
	}

	var market struct {
		Event    EventContext    `json:"event_context"`
		Options  []MarketOption  `json:"market_options"`
		Snapshot *MarketSnapshot `json:"market_snapshot"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseMarket], &market))
	assert.Equal(t, 2, market.Event.MarketCount)
	require.Len(t, market.Options, 2)
	assert.Equal(t, "fed-hold", market.Options[1].Slug)
	assert.Nil(t, market.Snapshot)
}

func TestAnalysis_AllMarketsClosedFails(t *testing.T) {
	cut, hold := cutMarket, holdMarket
	cut.Closed, hold.Closed = true, true
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cut, hold)}},
		&fakeSearch{}, &fakeLLM{}, nil)

	rec, out, err := runAnalysis(t, s, Request{MarketURL: "polymarket.com/event/fed-march"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open markets")
	assert.False(t, out.Stopped)
	for _, p := range Phases() {
		assert.Equal(t, domain.PhaseError, rec.Phases[p], p)
	}
	assert.NotContains(t, rec.Fields, PhaseMarket)
}

func TestAnalysis_SelectedMarketContinues(t *testing.T) {
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cutMarket, holdMarket)}},
		&fakeSearch{}, &fakeLLM{}, nil)

	rec, out, err := runAnalysis(t, s, Request{
		MarketURL:          "https://polymarket.com/event/fed-march",
		SelectedMarketSlug: "fed-hold",
	})
	require.NoError(t, err)
	assert.False(t, out.Stopped)
	assert.Contains(t, string(rec.Fields[PhaseMarket]), "Will the Fed hold?")
}

func TestAnalysis_OptionalStagesDisabled(t *testing.T) {
	off := false
	llm := &fakeLLM{}
	search := &fakeSearch{}
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cutMarket)}}, search, llm, nil)

	req := Request{
		MarketURL: "https://polymarket.com/event/fed-march",
		Options:   &Options{UseQueryPlanning: &off, UseNewsSummary: &off},
	}
	require.NoError(t, req.Normalize())
	names := make([]string, 0)
	for _, st := range s.Build(req) {
		names = append(names, st.Name)
	}
	assert.Equal(t, []string{"market", "news", "signal", "report"}, names)

	rec, _, err := runAnalysis(t, s, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Will the Fed cut?"}, search.queries)
	assert.Equal(t, 1, llm.count(), "only the signal prompt is sent")

	var report struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseReport], &report))
	assert.Equal(t, "search_answer", report.Report.SummarySource)
}

func TestAnalysis_UnavailableDependenciesUseFallbacks(t *testing.T) {
	unavailable := fmt.Errorf("llm: %w", depclient.ErrUnavailable)
	llm := &fakeLLM{err: unavailable}
	search := &fakeSearch{err: fmt.Errorf("search: %w", depclient.ErrUnavailable)}
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cutMarket)}}, search, llm, nil)

	rec, _, err := runAnalysis(t, s, Request{MarketURL: "https://polymarket.com/event/fed-march"})
	require.NoError(t, err)
	for _, p := range Phases() {
		assert.Equal(t, domain.PhaseDone, rec.Phases[p], p)
	}
	assert.Len(t, search.queries, 1, "search stops after the breaker refuses")

	var news struct {
		Context NewsContext `json:"news_context"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseNews], &news))
	assert.True(t, news.Context.Unavailable)
	assert.Equal(t, "market_question", news.Context.QuerySource)

	var signal struct {
		Signal Signal `json:"signal"`
	}
	require.NoError(t, json.Unmarshal(rec.Fields[PhaseSignal], &signal))
	assert.True(t, signal.Signal.Fallback)
	assert.Equal(t, "flat", signal.Signal.Direction)
	assert.InDelta(t, 0.4, signal.Signal.ModelProb, 1e-9)
}

func TestAnalysis_MarketFailureFailsEveryPhase(t *testing.T) {
	s := NewStages(&fakeMarket{err: errors.New("gamma down")}, &fakeSearch{}, &fakeLLM{}, nil)

	rec, _, err := runAnalysis(t, s, Request{MarketURL: "https://polymarket.com/event/fed-march"})
	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "market", stageErr.Stage)
	for _, p := range Phases() {
		assert.Equal(t, domain.PhaseError, rec.Phases[p], p)
	}
}

func TestAnalysis_BadSignalFailsLaterPhases(t *testing.T) {
	llm := &fakeLLM{signal: `{"direction": "sideways"}`}
	s := NewStages(&fakeMarket{events: map[string]provider.Event{"fed-march": fedEvent(cutMarket)}}, &fakeSearch{}, llm, nil)

	rec, _, err := runAnalysis(t, s, Request{MarketURL: "https://polymarket.com/event/fed-march"})
	require.Error(t, err)
	assert.Equal(t, domain.PhaseDone, rec.Phases[PhaseMarket])
	assert.Equal(t, domain.PhaseDone, rec.Phases[PhaseNews])
	assert.Equal(t, domain.PhaseError, rec.Phases[PhaseSignal])
	assert.Equal(t, domain.PhaseError, rec.Phases[PhaseReport])
	assert.NotContains(t, rec.Fields, PhaseSignal)
}

func TestSlugFromURL(t *testing.T) {
	cases := map[string]string{
		"https://polymarket.com/event/fed-march":          "fed-march",
		"https://polymarket.com/event/fed-march/fed-cut?x": "fed-cut",
		"polymarket.com/event/fed-march/":                  "fed-march",
		"fed-march":                                        "fed-march",
	}
	for in, want := range cases {
		got, err := SlugFromURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := SlugFromURL("https://polymarket.com/")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequest_Normalize(t *testing.T) {
	req := Request{MarketURL: " fed-march ", Options: &Options{MaxArticles: 100}}
	require.NoError(t, req.Normalize())
	assert.Equal(t, "24h", req.Horizon)
	assert.Equal(t, 30, req.Options.MaxArticles)
	assert.Equal(t, 8, req.Options.MaxArticlesPerQuery)
	assert.True(t, req.queryPlanning())

	assert.ErrorIs(t, (&Request{}).Normalize(), ErrInvalidRequest)
}
