package pipeline

import (
	"encoding/json"
	"maps"

	"github.com/bytedance/sonic"
)

// State is the accumulated output of the stages run so far. It is owned by
// the single job executing a run and is not safe for concurrent use.
type State struct {
	values map[string]any
}

// NewState creates a state seeded with initial values, usually the accepted
// request.
func NewState(initial map[string]any) *State {
	st := &State{values: make(map[string]any, len(initial))}
	maps.Copy(st.values, initial)
	return st
}

// Set stores a value.
func (s *State) Set(key string, value any) {
	s.values[key] = value
}

// Lookup returns the raw value stored under key.
func (s *State) Lookup(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Merge copies every field into the state.
func (s *State) Merge(fields map[string]any) {
	maps.Copy(s.values, fields)
}

// Values returns a shallow copy of the state.
func (s *State) Values() map[string]any {
	return maps.Clone(s.values)
}

// Get returns the value under key as T.
//
// Values stored with their concrete type are returned directly. Values that
// arrived as JSON (json.RawMessage, []byte) or as generic decoded JSON
// (map[string]any from a request body) are decoded into T. A missing key, a
// nil value or a value that cannot be converted reports false.
func Get[T any](s *State, key string) (T, bool) {
	var zero T
	raw, ok := s.values[key]
	if !ok || raw == nil {
		return zero, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}

	var payload []byte
	switch v := raw.(type) {
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		b, err := sonic.ConfigStd.Marshal(v)
		if err != nil {
			return zero, false
		}
		payload = b
	}

	var out T
	if err := sonic.ConfigStd.Unmarshal(payload, &out); err != nil {
		return zero, false
	}
	return out, true
}
