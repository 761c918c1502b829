package pipeline

// Source is one named candidate for a value.
type Source[T any] struct {
	Name   string
	Lookup func() (T, bool)
}

// FromState reads key from the state.
func FromState[T any](s *State, key string) Source[T] {
	return Source[T]{
		Name:   key,
		Lookup: func() (T, bool) { return Get[T](s, key) },
	}
}

// Static always yields v. Useful as the last, default entry.
func Static[T any](name string, v T) Source[T] {
	return Source[T]{
		Name:   name,
		Lookup: func() (T, bool) { return v, true },
	}
}

// When yields v only if ok is true.
func When[T any](name string, v T, ok bool) Source[T] {
	return Source[T]{
		Name:   name,
		Lookup: func() (T, bool) { return v, ok },
	}
}

// Resolve evaluates sources in order and returns the first present value
// together with the name of the source it came from. Sources after the first
// hit are not evaluated.
func Resolve[T any](sources ...Source[T]) (T, string, bool) {
	for _, src := range sources {
		if src.Lookup == nil {
			continue
		}
		if v, ok := src.Lookup(); ok {
			return v, src.Name, true
		}
	}
	var zero T
	return zero, "", false
}
