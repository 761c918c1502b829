package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vietddude/marketpulse/internal/core/domain"
)

var (
	// ErrRunNotFound is returned when a run doesn't exist
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a phase update would move a
	// terminal phase backwards or sideways
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrRunExists is returned when creating a run whose ID is taken
	ErrRunExists = errors.New("run already exists")
)

// RunRepository handles run record storage operations
type RunRepository interface {
	// Create stores a new run and returns its ID. An empty ID is generated.
	Create(ctx context.Context, run *domain.RunRecord) (string, error)

	// GetByID retrieves a run; ErrRunNotFound when absent
	GetByID(ctx context.Context, id string) (*domain.RunRecord, error)

	// UpdatePhase sets a phase status and, when fields is non-nil, the
	// phase's payload
	UpdatePhase(
		ctx context.Context,
		id string,
		phase string,
		status domain.PhaseStatus,
		fields json.RawMessage,
	) error

	// SaveSnapshot stores the final accumulated state of a run
	SaveSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error

	// ListStale returns IDs of runs that still have pending phases, have no
	// snapshot and were last updated before the cutoff. A run that stopped
	// for input has a snapshot and is not stale.
	ListStale(ctx context.Context, updatedBefore time.Time) ([]string, error)
}
