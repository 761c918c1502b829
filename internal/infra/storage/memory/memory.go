package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/marketpulse/internal/core/domain"
	"github.com/vietddude/marketpulse/internal/infra/storage"
)

type MemoryStorage struct {
	runs map[string]*domain.RunRecord
	mu   sync.RWMutex
	now  func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs: make(map[string]*domain.RunRecord),
		now:  time.Now,
	}
}

// -----------------------------------------------------------------------------
// Run Repository
// -----------------------------------------------------------------------------

type RunRepo struct {
	store *MemoryStorage
}

func NewRunRepo(store *MemoryStorage) *RunRepo {
	return &RunRepo{store: store}
}

func (r *RunRepo) Create(ctx context.Context, run *domain.RunRecord) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec := run.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := r.store.runs[rec.ID]; exists {
		return "", fmt.Errorf("%w: %s", storage.ErrRunExists, rec.ID)
	}
	now := r.store.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.store.runs[rec.ID] = rec
	return rec.ID, nil
}

func (r *RunRepo) GetByID(ctx context.Context, id string) (*domain.RunRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	rec, ok := r.store.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	return rec.Clone(), nil
}

func (r *RunRepo) UpdatePhase(
	ctx context.Context,
	id string,
	phase string,
	status domain.PhaseStatus,
	fields json.RawMessage,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}

	current, known := rec.Phases[phase]
	if !known {
		current = domain.PhasePending
		rec.PhaseOrder = append(rec.PhaseOrder, phase)
	}
	if !domain.CanTransition(current, status) {
		return fmt.Errorf("%w: %s %s -> %s", storage.ErrInvalidTransition, phase, current, status)
	}

	rec.Phases[phase] = status
	if fields != nil {
		rec.Fields[phase] = append(json.RawMessage(nil), fields...)
	}
	rec.UpdatedAt = r.store.now()
	return nil
}

func (r *RunRepo) SaveSnapshot(ctx context.Context, id string, snapshot json.RawMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, id)
	}
	rec.Snapshot = append(json.RawMessage(nil), snapshot...)
	rec.UpdatedAt = r.store.now()
	return nil
}

func (r *RunRepo) ListStale(ctx context.Context, updatedBefore time.Time) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var ids []string
	for id, rec := range r.store.runs {
		if !rec.Finished() && rec.Snapshot == nil && rec.UpdatedAt.Before(updatedBefore) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
