package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type quote struct {
	Slug string  `json:"slug"`
	Yes  float64 `json:"yes"`
}

func TestGet(t *testing.T) {
	st := NewState(map[string]any{
		"typed":   quote{Slug: "fed", Yes: 0.4},
		"raw":     json.RawMessage(`{"slug":"cpi","yes":0.7}`),
		"generic": map[string]any{"slug": "gdp", "yes": 0.1},
		"broken":  json.RawMessage(`{"slug":`),
		"nil":     nil,
	})

	q, ok := Get[quote](st, "typed")
	assert.True(t, ok)
	assert.Equal(t, "fed", q.Slug)

	q, ok = Get[quote](st, "raw")
	assert.True(t, ok)
	assert.Equal(t, quote{Slug: "cpi", Yes: 0.7}, q)

	q, ok = Get[quote](st, "generic")
	assert.True(t, ok)
	assert.Equal(t, "gdp", q.Slug)

	_, ok = Get[quote](st, "broken")
	assert.False(t, ok)
	_, ok = Get[quote](st, "nil")
	assert.False(t, ok)
	_, ok = Get[quote](st, "missing")
	assert.False(t, ok)
	_, ok = Get[int](st, "typed")
	assert.False(t, ok)
}

func TestResolve_Precedence(t *testing.T) {
	st := NewState(map[string]any{
		"selected_market": "fed-march",
		"event_slug":      "fed",
	})

	v, from, ok := Resolve(
		FromState[string](st, "market_slug"),
		FromState[string](st, "selected_market"),
		FromState[string](st, "event_slug"),
		Static("default", "unknown"),
	)
	assert.True(t, ok)
	assert.Equal(t, "fed-march", v)
	assert.Equal(t, "selected_market", from)

	v, from, ok = Resolve(
		When("override", "", false),
		FromState[string](st, "nothing"),
		Static("default", "unknown"),
	)
	assert.True(t, ok)
	assert.Equal(t, "unknown", v)
	assert.Equal(t, "default", from)

	_, _, ok = Resolve(FromState[string](st, "nothing"), Source[string]{Name: "empty"})
	assert.False(t, ok)
}

func TestResolve_StopsAtFirstHit(t *testing.T) {
	evaluated := 0
	count := func(name string, ok bool) Source[int] {
		return Source[int]{Name: name, Lookup: func() (int, bool) {
			evaluated++
			return evaluated, ok
		}}
	}

	v, from, ok := Resolve(count("a", false), count("b", true), count("c", true))
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, "b", from)
	assert.Equal(t, 2, evaluated)
}
